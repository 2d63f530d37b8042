package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// DigestHexLen is the length of a SHA3-512 digest in lower-case hex.
const DigestHexLen = 128

// Digest returns the SHA3-512 digest of data as lower-case hex.
func Digest(data []byte) string {
	sum := sha3.Sum512(data)
	return hex.EncodeToString(sum[:])
}
