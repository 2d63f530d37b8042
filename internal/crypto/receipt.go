package crypto

import (
	"crypto/ed25519"
	"fmt"

	dErrors "veto/pkg/domain-errors"
)

// AlgorithmEd25519 is the signature scheme identifier stamped on every
// receipt.
const AlgorithmEd25519 = "ED25519"

// SignedReceipt is the output of the chain builder: the canonical document as
// originally encoded, its digest, and the signature over the digest.
type SignedReceipt struct {
	ReceiptJSON []byte
	ReceiptHash string
	Signature   []byte
	Algorithm   string
}

// Builder turns receipt documents into signed chain links. It is a pure
// builder: per-pointer linearization of prev-hash reads is the caller's
// responsibility.
type Builder struct {
	keys *Keypair
}

func NewBuilder(keys *Keypair) *Builder {
	return &Builder{keys: keys}
}

// Build encodes doc canonically, hashes the bytes with SHA3-512, and signs the
// bytes of the hex digest string. Verifiers must reproduce exactly this
// sequence: encode, hash, take hex string bytes, verify signature.
func (b *Builder) Build(doc Document) (SignedReceipt, error) {
	canonical, err := doc.CanonicalJSON()
	if err != nil {
		return SignedReceipt{}, fmt.Errorf("encode receipt document: %w", err)
	}
	hash := Digest(canonical)
	return SignedReceipt{
		ReceiptJSON: canonical,
		ReceiptHash: hash,
		Signature:   b.keys.Sign([]byte(hash)),
		Algorithm:   AlgorithmEd25519,
	}, nil
}

// VerifyReceipt checks a persisted receipt against the public key: the stored
// hash must equal the digest of the stored canonical document, and the
// signature must verify over the hex digest bytes. Any mismatch is a hard
// integrity failure; it indicates tampering and is not recoverable.
func VerifyReceipt(receiptJSON []byte, receiptHash string, signature []byte, pub ed25519.PublicKey) error {
	if Digest(receiptJSON) != receiptHash {
		return dErrors.New(dErrors.CodeIntegrity, "receipt hash does not match canonical document")
	}
	if !ed25519.Verify(pub, []byte(receiptHash), signature) {
		return dErrors.New(dErrors.CodeIntegrity, "receipt signature verification failed")
	}
	return nil
}
