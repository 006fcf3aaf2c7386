package secrets

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveOrderedBackends(t *testing.T) {
	first := NewStaticBackend("a", map[string]string{"portal/token": "from-a"})
	second := NewStaticBackend("b", map[string]string{"portal/token": "from-b", "other": "x-y-z"})
	r := NewResolver(first, second)

	v, err := r.Resolve("portal/token")
	if err != nil {
		t.Fatal(err)
	}
	if v != "from-a" {
		t.Fatalf("first backend must win, got %q", v)
	}

	v, err = r.Resolve("other")
	if err != nil {
		t.Fatal(err)
	}
	if v != "x-y-z" {
		t.Fatalf("got %q", v)
	}
}

func TestResolveMissing(t *testing.T) {
	r := NewResolver(NewStaticBackend("a", nil))
	if _, err := r.Resolve("nope"); err == nil {
		t.Fatal("expected error for unknown secret")
	}
}

func TestEnvBackend(t *testing.T) {
	t.Setenv("DESKTOP_AGENT_SECRET_PORTAL_TOKEN", "env-secret")
	t.Setenv("DESKTOP_AGENT_SECRET_PLAIN", "plain-secret")
	var b EnvBackend
	if v, ok := b.Get("portal", "token"); !ok || v != "env-secret" {
		t.Fatalf("got %q %v", v, ok)
	}
	if v, ok := b.Get("", "plain"); !ok || v != "plain-secret" {
		t.Fatalf("got %q %v", v, ok)
	}
	if _, ok := b.Get("", "absent"); ok {
		t.Fatal("absent key must miss")
	}
}

func TestMaskerHidesResolvedValues(t *testing.T) {
	r := NewResolver(NewStaticBackend("a", map[string]string{"k": "hunter2secret"}))
	if _, err := r.Resolve("k"); err != nil {
		t.Fatal(err)
	}
	masked := r.Masker().Mask("logging in with hunter2secret now")
	if strings.Contains(masked, "hunter2secret") {
		t.Fatalf("value leaked: %q", masked)
	}
	if !strings.Contains(masked, MaskPlaceholder) {
		t.Fatalf("placeholder missing: %q", masked)
	}
}

func TestMaskValueRecursion(t *testing.T) {
	m := NewMasker()
	m.Register("tok-123456")
	out := m.MaskValue(map[string]any{
		"url":   "https://x?auth=tok-123456",
		"paths": []any{"a", "tok-123456"},
	})
	mp := out.(map[string]any)
	if strings.Contains(mp["url"].(string), "tok-123456") {
		t.Fatal("nested string leaked")
	}
	if mp["paths"].([]any)[1] != MaskPlaceholder {
		t.Fatal("list element leaked")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	fb, err := OpenFileBackend(path, []byte("passphrase"))
	if err != nil {
		t.Fatal(err)
	}
	if err := fb.Set("svc/key", "value-1"); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileBackend(path, []byte("passphrase"))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := reopened.Get("svc", "key"); !ok || v != "value-1" {
		t.Fatalf("round trip failed: %q %v", v, ok)
	}
}

func TestFileBackendWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	fb, err := OpenFileBackend(path, []byte("right"))
	if err != nil {
		t.Fatal(err)
	}
	if err := fb.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileBackend(path, []byte("wrong")); err == nil {
		t.Fatal("wrong passphrase must fail")
	}
}
