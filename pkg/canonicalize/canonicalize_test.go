package canonicalize

import (
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": "x", "c": []any{true, nil}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":"x","b":1,"c":[true,null]}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"u": "https://x?a=1&b=<2>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"u":"https://x?a=1&b=<2>"}` {
		t.Fatalf("got %s", out)
	}
}

func TestCanonicalHashStable(t *testing.T) {
	v := map[string]any{"steps": []any{map[string]any{"find_files": map[string]any{"query": "*.pdf"}}}}
	a, err := CanonicalHash(v)
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalHash(map[string]any{"steps": []any{map[string]any{"find_files": map[string]any{"query": "*.pdf"}}}})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("sha256 hex length: %d", len(a))
	}
}

func TestCanonicalHashDiffers(t *testing.T) {
	a, _ := CanonicalHash(map[string]any{"name": "a"})
	b, _ := CanonicalHash(map[string]any{"name": "b"})
	if a == b {
		t.Fatal("different bodies must hash differently")
	}
}
