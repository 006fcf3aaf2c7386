// Package signing implements Ed25519 template signatures over canonical plan
// bytes, and the trust store that ranks signing keys.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/deskflow-io/deskflow/pkg/canonicalize"
	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// AlgoEd25519 is the only supported signature algorithm.
const AlgoEd25519 = "ed25519"

// Signer signs canonical plan bodies with an Ed25519 private key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh keypair under the given key id.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}
}

// NewSignerFromSeedHex loads a signer from a hex-encoded 32-byte seed.
func NewSignerFromSeedHex(seedHex, keyID string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("signing: invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewSignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

// PublicKeyHex returns the hex-encoded public key for trust store entries.
func (s *Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// SeedHex returns the hex-encoded private seed for key files.
func (s *Signer) SeedHex() string { return hex.EncodeToString(s.priv.Seed()) }

// SignPlanBody canonicalizes the plan body (signature block excluded),
// hashes it with SHA-256, and signs the hash.
func (s *Signer) SignPlanBody(body map[string]any) (*contracts.SignatureInfo, error) {
	canonical, err := canonicalize.JCS(body)
	if err != nil {
		return nil, err
	}
	digest := canonicalize.HashBytes(canonical)
	sig := ed25519.Sign(s.priv, []byte(digest))
	return &contracts.SignatureInfo{
		Algo:      AlgoEd25519,
		KeyID:     s.KeyID,
		CreatedAt: time.Now().UTC(),
		SHA256:    digest,
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// VerifyBytes checks a hex signature over data against a hex public key.
func VerifyBytes(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signing: invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
