package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFindFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.pdf", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "d.pdf"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	a := NewLocalAdapter()
	found, err := a.FindFiles(context.Background(), "*.pdf", []string{dir}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 3 {
		t.Fatalf("expected 3 pdfs, got %v", found)
	}

	found, err = a.FindFiles(context.Background(), "*.pdf", []string{dir}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("limit must cap results: %v", found)
	}
}

func TestLocalMoveToMissingDest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	a := NewLocalAdapter()
	if _, err := a.MoveTo(context.Background(), []string{src}, filepath.Join(dir, "missing"), false); err == nil {
		t.Fatal("missing destination must error (recovery creates it)")
	}
}

func TestFakePDFMerge(t *testing.T) {
	f := NewFakeOSAdapter()
	f.AddPDF("./in/a.pdf", 4)
	f.AddPDF("./in/b.pdf", 6)

	out, pages, err := f.PDFMerge(context.Background(), []string{"./in/a.pdf", "./in/b.pdf"}, "./merged.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if out != "./merged.pdf" || pages != 10 {
		t.Fatalf("merge: %s %d", out, pages)
	}
	n, err := f.PDFPageCount(context.Background(), out)
	if err != nil || n != 10 {
		t.Fatalf("page count: %d %v", n, err)
	}
}

func TestFakeExtractRanges(t *testing.T) {
	f := NewFakeOSAdapter()
	f.AddPDF("doc.pdf", 10)
	_, pages, err := f.PDFExtractPages(context.Background(), "doc.pdf", "1-3,7", "out.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if pages != 4 {
		t.Fatalf("expected 4 pages, got %d", pages)
	}
}

func TestFakeWebEngineLookup(t *testing.T) {
	e := NewFakeWebEngine()
	e.Elements = []DOMElement{
		{Role: "button", Text: "確定"},
		{Role: "textbox", Label: "Email"},
	}

	if err := e.Click(context.Background(), Target{Text: "確定", Role: "button"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Click(context.Background(), Target{Text: "送信", Role: "button"}); err == nil {
		t.Fatal("missing element must fail")
	}
	if err := e.Fill(context.Background(), Target{Label: "Email"}, "a@b"); err != nil {
		t.Fatal(err)
	}
}

func TestFakeWebEngineAppearAfter(t *testing.T) {
	e := NewFakeWebEngine()
	e.Elements = []DOMElement{{Role: "button", Text: "送信"}}
	e.AppearAfterAttempts["送信"] = 1

	n, err := e.CountElements(context.Background(), Target{Text: "送信"})
	if err != nil || n != 0 {
		t.Fatalf("first lookup should miss: %d %v", n, err)
	}
	n, err = e.CountElements(context.Background(), Target{Text: "送信"})
	if err != nil || n != 1 {
		t.Fatalf("second lookup should hit: %d %v", n, err)
	}
}

func TestWSEngineAllowlist(t *testing.T) {
	e := &WSEngine{allowlist: []string{"partner.example.com"}}
	if err := e.checkAllowlist(map[string]any{"url": "https://evil.example.org/x"}); err == nil {
		t.Fatal("disallowed host must be rejected before issuing the batch")
	}
	if err := e.checkAllowlist(map[string]any{"url": "https://app.partner.example.com/x"}); err != nil {
		t.Fatalf("allowed host rejected: %v", err)
	}
	if err := e.checkAllowlist(map[string]any{"target": "button"}); err != nil {
		t.Fatalf("non-url batch must pass: %v", err)
	}
}
