package signing

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskflow-io/deskflow/pkg/canonicalize"
	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// TrustLevel ranks the authority of a signing key.
type TrustLevel string

const (
	TrustSystem      TrustLevel = "system"
	TrustCommercial  TrustLevel = "commercial"
	TrustDevelopment TrustLevel = "development"
	TrustCommunity   TrustLevel = "community"
	TrustUnknown     TrustLevel = "unknown"
)

var trustOrder = map[TrustLevel]int{
	TrustSystem: 100, TrustCommercial: 80, TrustDevelopment: 60,
	TrustCommunity: 40, TrustUnknown: 0,
}

// AtLeast reports whether l ranks at or above min.
func (l TrustLevel) AtLeast(min TrustLevel) bool { return trustOrder[l] >= trustOrder[min] }

// KeyEntry is one trusted key.
type KeyEntry struct {
	PublicKey  string     `yaml:"public_key" json:"public_key"`
	TrustLevel TrustLevel `yaml:"trust_level" json:"trust_level"`
	ValidFrom  time.Time  `yaml:"valid_from" json:"valid_from"`
	ValidUntil time.Time  `yaml:"valid_until" json:"valid_until"`
	Revoked    bool       `yaml:"revoked" json:"revoked"`
	RevokedAt  *time.Time `yaml:"revoked_at,omitempty" json:"revoked_at,omitempty"`
}

// TrustStore maps key_id to trusted key material and level.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]*KeyEntry
}

// NewTrustStore creates an empty store.
func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[string]*KeyEntry)}
}

// LoadTrustStore reads a trust_store.yaml mapping of key_id -> entry.
func LoadTrustStore(path string) (*TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read trust store %s: %w", path, err)
	}
	var raw map[string]*KeyEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("signing: parse trust store %s: %w", path, err)
	}
	ts := NewTrustStore()
	for id, e := range raw {
		if e.TrustLevel == "" {
			e.TrustLevel = TrustUnknown
		}
		ts.keys[id] = e
	}
	return ts, nil
}

// Add registers or replaces a key entry.
func (t *TrustStore) Add(keyID string, entry *KeyEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[keyID] = entry
}

// Revoke marks a key revoked. Revoked keys verify as unknown.
func (t *TrustStore) Revoke(keyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.keys[keyID]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	e.Revoked = true
	e.RevokedAt = &now
	return true
}

// Lookup returns the entry for a key id.
func (t *TrustStore) Lookup(keyID string) (*KeyEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.keys[keyID]
	return e, ok
}

// VerificationResult reports the outcome of signature verification against
// the trust store.
type VerificationResult struct {
	Valid      bool             `json:"valid"`
	KeyID      string           `json:"key_id,omitempty"`
	TrustLevel TrustLevel       `json:"trust_level"`
	Err        *contracts.Error `json:"error,omitempty"`
}

// VerifyPlanBody verifies a plan's detached signature against the store.
//
// Failure modes map onto the error taxonomy: SIGNATURE_INVALID for bad
// bytes or hash mismatch, SIGNATURE_EXPIRED for out-of-validity keys,
// KEY_UNKNOWN for absent or revoked keys, TRUST_TOO_LOW when minLevel is
// not met.
func (t *TrustStore) VerifyPlanBody(body map[string]any, sig *contracts.SignatureInfo, minLevel TrustLevel) *VerificationResult {
	res := &VerificationResult{TrustLevel: TrustUnknown}
	if sig == nil {
		res.Err = contracts.NewError(contracts.ErrSignatureInvalid, "plan carries no signature block")
		return res
	}
	if sig.Algo != AlgoEd25519 {
		res.Err = contracts.NewError(contracts.ErrSignatureInvalid, "unsupported signature algo %q", sig.Algo)
		return res
	}

	entry, ok := t.Lookup(sig.KeyID)
	if !ok {
		res.Err = contracts.NewError(contracts.ErrKeyUnknown, "key %q not in trust store", sig.KeyID)
		return res
	}
	if entry.Revoked {
		res.Err = contracts.NewError(contracts.ErrKeyUnknown, "key %q has been revoked", sig.KeyID)
		return res
	}
	res.KeyID = sig.KeyID
	res.TrustLevel = entry.TrustLevel

	now := time.Now().UTC()
	if !entry.ValidFrom.IsZero() && now.Before(entry.ValidFrom) {
		res.Err = contracts.NewError(contracts.ErrSignatureExpired, "key %q not yet valid", sig.KeyID)
		return res
	}
	if !entry.ValidUntil.IsZero() && now.After(entry.ValidUntil) {
		res.Err = contracts.NewError(contracts.ErrSignatureExpired, "key %q expired at %s", sig.KeyID, entry.ValidUntil.Format(time.RFC3339))
		return res
	}

	canonical, err := canonicalize.JCS(body)
	if err != nil {
		res.Err = contracts.NewError(contracts.ErrSignatureInvalid, "canonicalization failed: %v", err).WithCause(err)
		return res
	}
	digest := canonicalize.HashBytes(canonical)
	if sig.SHA256 != "" && sig.SHA256 != digest {
		res.Err = contracts.NewError(contracts.ErrSignatureInvalid,
			"plan body hash mismatch: signed %s, actual %s", sig.SHA256, digest)
		return res
	}

	ok, verr := VerifyBytes(entry.PublicKey, sig.Sig, []byte(digest))
	if verr != nil || !ok {
		res.Err = contracts.NewError(contracts.ErrSignatureInvalid, "signature verification failed")
		if verr != nil {
			res.Err = res.Err.WithCause(verr)
		}
		return res
	}

	if !entry.TrustLevel.AtLeast(minLevel) {
		res.Err = contracts.NewError(contracts.ErrTrustTooLow,
			"key %q trust level %s below required %s", sig.KeyID, entry.TrustLevel, minLevel)
		return res
	}

	res.Valid = true
	return res
}
