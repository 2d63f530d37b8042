package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
)

// Keypair holds the process-wide Ed25519 signing keys. It is immutable after
// startup and safe for concurrent use.
type Keypair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{private: priv, public: pub}, nil
}

// KeypairFromSeed rebuilds a keypair from a base64-encoded 32-byte seed.
func KeypairFromSeed(seedB64 string) (*Keypair, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// LoadOrGenerate loads the configured keypair when a seed is present,
// otherwise generates an ephemeral one and logs its public key so receipts
// issued during the process lifetime stay verifiable.
func LoadOrGenerate(seedB64 string, logger *slog.Logger) (*Keypair, error) {
	if seedB64 != "" {
		kp, err := KeypairFromSeed(seedB64)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded configured signing keypair",
			"public_key", base64.StdEncoding.EncodeToString(kp.public),
		)
		return kp, nil
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	logger.Info("generated ephemeral signing keypair",
		"public_key", base64.StdEncoding.EncodeToString(kp.public),
	)
	return kp, nil
}

// Sign signs message with the private key.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify checks signature over message against this keypair's public key.
func (k *Keypair) Verify(message, signature []byte) bool {
	return ed25519.Verify(k.public, message, signature)
}

// PublicKey returns the verifying key.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.public
}
