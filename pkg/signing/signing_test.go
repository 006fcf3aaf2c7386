package signing

import (
	"testing"
	"time"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

func body() map[string]any {
	return map[string]any{
		"dsl_version": "1.1",
		"name":        "t",
		"steps":       []any{map[string]any{"save_draft": map[string]any{}}},
	}
}

func trusted(t *testing.T, level TrustLevel) (*Signer, *TrustStore) {
	t.Helper()
	signer, err := NewSigner("k1")
	if err != nil {
		t.Fatal(err)
	}
	ts := NewTrustStore()
	ts.Add("k1", &KeyEntry{
		PublicKey:  signer.PublicKeyHex(),
		TrustLevel: level,
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: time.Now().Add(time.Hour),
	})
	return signer, ts
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, ts := trusted(t, TrustDevelopment)
	sig, err := signer.SignPlanBody(body())
	if err != nil {
		t.Fatal(err)
	}
	res := ts.VerifyPlanBody(body(), sig, TrustCommunity)
	if !res.Valid {
		t.Fatalf("expected valid: %v", res.Err)
	}
	if res.TrustLevel != TrustDevelopment {
		t.Fatalf("trust level: %s", res.TrustLevel)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	signer, ts := trusted(t, TrustSystem)
	sig, err := signer.SignPlanBody(body())
	if err != nil {
		t.Fatal(err)
	}
	tampered := body()
	tampered["name"] = "evil"
	res := ts.VerifyPlanBody(tampered, sig, TrustUnknown)
	if res.Valid {
		t.Fatal("tampered body must not verify")
	}
	if res.Err.Code != contracts.ErrSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %s", res.Err.Code)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	signer, _ := trusted(t, TrustSystem)
	sig, _ := signer.SignPlanBody(body())
	empty := NewTrustStore()
	res := empty.VerifyPlanBody(body(), sig, TrustUnknown)
	if res.Valid || res.Err.Code != contracts.ErrKeyUnknown {
		t.Fatalf("expected KEY_UNKNOWN, got %+v", res)
	}
}

func TestVerifyRevokedKey(t *testing.T) {
	signer, ts := trusted(t, TrustSystem)
	sig, _ := signer.SignPlanBody(body())
	if !ts.Revoke("k1") {
		t.Fatal("revoke failed")
	}
	res := ts.VerifyPlanBody(body(), sig, TrustUnknown)
	if res.Valid || res.Err.Code != contracts.ErrKeyUnknown {
		t.Fatalf("expected KEY_UNKNOWN for revoked key, got %+v", res)
	}
}

func TestVerifyExpiredKey(t *testing.T) {
	signer, _ := trusted(t, TrustSystem)
	sig, _ := signer.SignPlanBody(body())
	ts := NewTrustStore()
	ts.Add("k1", &KeyEntry{
		PublicKey:  signer.PublicKeyHex(),
		TrustLevel: TrustSystem,
		ValidFrom:  time.Now().Add(-2 * time.Hour),
		ValidUntil: time.Now().Add(-time.Hour),
	})
	res := ts.VerifyPlanBody(body(), sig, TrustUnknown)
	if res.Valid || res.Err.Code != contracts.ErrSignatureExpired {
		t.Fatalf("expected SIGNATURE_EXPIRED, got %+v", res)
	}
}

func TestVerifyTrustTooLow(t *testing.T) {
	signer, ts := trusted(t, TrustCommunity)
	sig, _ := signer.SignPlanBody(body())
	res := ts.VerifyPlanBody(body(), sig, TrustCommercial)
	if res.Valid || res.Err.Code != contracts.ErrTrustTooLow {
		t.Fatalf("expected TRUST_TOO_LOW, got %+v", res)
	}
}

func TestSeedRoundTrip(t *testing.T) {
	signer, err := NewSigner("k2")
	if err != nil {
		t.Fatal(err)
	}
	clone, err := NewSignerFromSeedHex(signer.SeedHex(), "k2")
	if err != nil {
		t.Fatal(err)
	}
	if clone.PublicKeyHex() != signer.PublicKeyHex() {
		t.Fatal("seed round trip changed public key")
	}
}
