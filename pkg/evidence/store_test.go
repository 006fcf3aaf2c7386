package evidence

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStorePutGet(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, KindScreenshot, Key(12, 3), []byte("png-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if ref.Key != "12_step_3" || ref.Kind != KindScreenshot {
		t.Fatalf("ref: %+v", ref)
	}
	if !strings.HasPrefix(ref.Digest, "sha256:") {
		t.Fatalf("digest: %s", ref.Digest)
	}
	if filepath.Base(ref.Path) != "12_step_3.png" {
		t.Fatalf("path: %s", ref.Path)
	}

	data, err := s.Get(ctx, KindScreenshot, "12_step_3")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("png-bytes")) {
		t.Fatal("round trip mismatch")
	}
}

func TestFileStoreWriteOnce(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.Put(ctx, KindDOMSchema, "1_step_0", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	// Second put must not clobber the original artifact.
	if _, err := s.Put(ctx, KindDOMSchema, "1_step_0", []byte(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	data, err := s.Get(ctx, KindDOMSchema, "1_step_0")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("artifact overwritten: %s", data)
	}
}

func TestFileStoreExists(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ok, err := s.Exists(ctx, KindScreenshot, "absent")
	if err != nil || ok {
		t.Fatalf("absent artifact: %v %v", ok, err)
	}
	if _, err := s.Put(ctx, KindScreenshot, "present", []byte("x")); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Exists(ctx, KindScreenshot, "present")
	if err != nil || !ok {
		t.Fatalf("present artifact: %v %v", ok, err)
	}
}

func TestFileStoreRejectsUnknownKind(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(context.Background(), "video", "k", nil); err == nil {
		t.Fatal("unknown kind must be rejected")
	}
}
