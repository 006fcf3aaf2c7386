package adapters

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// FakeOSAdapter is a deterministic in-memory OS adapter used by tests and
// dry runs. Files is a set of absolute-ish paths; PDFPages maps a path to
// its page count.
type FakeOSAdapter struct {
	mu         sync.Mutex
	Files      map[string]bool
	PDFPages   map[string]int
	Dirs       map[string]bool
	Drafts     map[string][]string // draft id -> attached files
	draftSeq   int
	Caps       map[string]Capability
	Perms      []PermissionStatus
	Screenshot []byte
}

// NewFakeOSAdapter returns a fully-capable fake.
func NewFakeOSAdapter() *FakeOSAdapter {
	return &FakeOSAdapter{
		Files:    map[string]bool{},
		PDFPages: map[string]int{},
		Dirs:     map[string]bool{},
		Drafts:   map[string][]string{},
		Caps: map[string]Capability{
			CapFS:         {Available: true, Concurrency: 4},
			CapPDF:        {Available: true, Concurrency: 2},
			CapMailDraft:  {Available: true, Concurrency: 1},
			CapScreenshot: {Available: true, Concurrency: 1},
		},
		Perms:      []PermissionStatus{{Name: "fs", Granted: true}},
		Screenshot: []byte("fake-png"),
	}
}

// AddPDF registers a PDF file with a page count.
func (f *FakeOSAdapter) AddPDF(p string, pages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[p] = true
	f.PDFPages[p] = pages
}

// AddDir registers an existing directory.
func (f *FakeOSAdapter) AddDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dirs[p] = true
}

func (f *FakeOSAdapter) Capabilities() map[string]Capability { return f.Caps }

func (f *FakeOSAdapter) CheckPermissions() []PermissionStatus { return f.Perms }

func (f *FakeOSAdapter) TakeScreenshot(ctx context.Context) ([]byte, error) {
	_ = ctx
	return f.Screenshot, nil
}

func (f *FakeOSAdapter) FindFiles(ctx context.Context, query string, roots []string, limit int) ([]string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var found []string
	for p := range f.Files {
		inRoot := len(roots) == 0
		for _, root := range roots {
			r := path.Clean(root)
			if r == "." || strings.HasPrefix(path.Clean(p), r) {
				inRoot = true
				break
			}
		}
		if !inRoot {
			continue
		}
		if ok, _ := path.Match(query, path.Base(p)); ok {
			found = append(found, p)
		}
	}
	sort.Strings(found)
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (f *FakeOSAdapter) Rename(ctx context.Context, p, pattern string) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Files[p] {
		return "", fmt.Errorf("no such file %s", p)
	}
	newPath := path.Join(path.Dir(p), pattern)
	delete(f.Files, p)
	f.Files[newPath] = true
	if pages, ok := f.PDFPages[p]; ok {
		delete(f.PDFPages, p)
		f.PDFPages[newPath] = pages
	}
	return newPath, nil
}

func (f *FakeOSAdapter) MoveTo(ctx context.Context, paths []string, dest string, overwrite bool) (*MoveResult, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Dirs[dest] {
		return nil, fmt.Errorf("destination directory %s does not exist", dest)
	}
	res := &MoveResult{}
	for _, p := range paths {
		if !f.Files[p] {
			return nil, fmt.Errorf("no such file %s", p)
		}
		target := path.Join(dest, path.Base(p))
		if f.Files[target] && !overwrite {
			return nil, fmt.Errorf("destination %s exists", target)
		}
		delete(f.Files, p)
		f.Files[target] = true
		res.Paths = append(res.Paths, target)
	}
	return res, nil
}

// CreateDir lets recovery create a missing destination.
func (f *FakeOSAdapter) CreateDir(ctx context.Context, p string) error {
	_ = ctx
	f.AddDir(p)
	return nil
}

func (f *FakeOSAdapter) FileExists(ctx context.Context, p string) (bool, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Files[p], nil
}

func (f *FakeOSAdapter) PDFMerge(ctx context.Context, inputs []string, out string) (string, int, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if out == "" {
		out = "merged.pdf"
	}
	total := 0
	for _, in := range inputs {
		pages, ok := f.PDFPages[in]
		if !ok {
			return "", 0, fmt.Errorf("not a pdf: %s", in)
		}
		total += pages
	}
	f.Files[out] = true
	f.PDFPages[out] = total
	return out, total, nil
}

func (f *FakeOSAdapter) PDFExtractPages(ctx context.Context, p, ranges, out string) (string, int, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	pages, ok := f.PDFPages[p]
	if !ok {
		return "", 0, fmt.Errorf("not a pdf: %s", p)
	}
	extracted := countRangePages(ranges, pages)
	if out == "" {
		out = strings.TrimSuffix(p, ".pdf") + "_extract.pdf"
	}
	f.Files[out] = true
	f.PDFPages[out] = extracted
	return out, extracted, nil
}

func (f *FakeOSAdapter) PDFPageCount(ctx context.Context, p string) (int, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	pages, ok := f.PDFPages[p]
	if !ok {
		return 0, fmt.Errorf("not a pdf: %s", p)
	}
	return pages, nil
}

func (f *FakeOSAdapter) ComposeMail(ctx context.Context, to []string, subject, body string) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draftSeq++
	id := fmt.Sprintf("draft-%d", f.draftSeq)
	f.Drafts[id] = nil
	return id, nil
}

func (f *FakeOSAdapter) AttachFiles(ctx context.Context, draftID string, files []string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Drafts[draftID]; !ok {
		return fmt.Errorf("no such draft %s", draftID)
	}
	f.Drafts[draftID] = append(f.Drafts[draftID], files...)
	return nil
}

func (f *FakeOSAdapter) SaveDraft(ctx context.Context, draftID string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Drafts[draftID]; !ok {
		return fmt.Errorf("no such draft %s", draftID)
	}
	return nil
}

// countRangePages counts pages in a "1-3,5" style range string, capped at
// the document's page count.
func countRangePages(ranges string, max int) int {
	total := 0
	for _, part := range strings.Split(ranges, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.Index(part, "-"); i >= 0 {
			var lo, hi int
			_, _ = fmt.Sscanf(part, "%d-%d", &lo, &hi)
			if hi > max {
				hi = max
			}
			if hi >= lo {
				total += hi - lo + 1
			}
		} else {
			total++
		}
	}
	if total > max {
		total = max
	}
	return total
}

// FakeWebEngine is a scripted in-memory web engine. Elements present on the
// "page" are configured up front; FailClicks counts down forced failures to
// exercise retry and recovery paths.
type FakeWebEngine struct {
	mu                  sync.Mutex
	URL                 string
	Text                string
	Elements            []DOMElement
	Downloads           map[string]bool // to-path -> completes
	FailClicks          map[string]int  // text -> remaining failures
	AppearAfterAttempts map[string]int  // text -> lookups before visible
	lookups             map[string]int
	Calls               []string
}

// NewFakeWebEngine returns an empty scripted engine.
func NewFakeWebEngine() *FakeWebEngine {
	return &FakeWebEngine{
		Downloads:           map[string]bool{},
		FailClicks:          map[string]int{},
		AppearAfterAttempts: map[string]int{},
		lookups:             map[string]int{},
	}
}

func (f *FakeWebEngine) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeWebEngine) Open(ctx context.Context, pageURL, browserContext string) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open:" + pageURL)
	f.URL = pageURL
	return pageURL, nil
}

func (f *FakeWebEngine) find(target Target) bool {
	want := target.Text
	if want == "" {
		want = target.Label
	}
	if needed, ok := f.AppearAfterAttempts[want]; ok {
		f.lookups[want]++
		if f.lookups[want] <= needed {
			return false
		}
	}
	for _, el := range f.Elements {
		if target.Role != "" && el.Role != target.Role {
			continue
		}
		if target.Selector != "" && el.Selector == target.Selector {
			return true
		}
		if want != "" && (el.Text == want || el.Label == want || el.AriaLabel == want || el.Placeholder == want) {
			return true
		}
	}
	return false
}

func (f *FakeWebEngine) Fill(ctx context.Context, target Target, text string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fill:" + target.Label)
	if !f.find(target) {
		return fmt.Errorf("element by label %q not found", target.Label)
	}
	return nil
}

func (f *FakeWebEngine) Click(ctx context.Context, target Target) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("click:" + target.Text)
	if n, ok := f.FailClicks[target.Text]; ok && n > 0 {
		f.FailClicks[target.Text] = n - 1
		return fmt.Errorf("element by text %q not found", target.Text)
	}
	if !f.find(target) {
		return fmt.Errorf("element by text %q not found", target.Text)
	}
	return nil
}

func (f *FakeWebEngine) Upload(ctx context.Context, target Target, path string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upload:" + path)
	if !f.find(target) && target.Selector == "" {
		return fmt.Errorf("upload control not found")
	}
	return nil
}

func (f *FakeWebEngine) WaitForDownload(ctx context.Context, to string, timeoutMS int64) (*DownloadResult, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait_for_download:" + to)
	complete, ok := f.Downloads[to]
	if !ok {
		return nil, fmt.Errorf("download to %q timed out", to)
	}
	return &DownloadResult{Path: to, Complete: complete}, nil
}

func (f *FakeWebEngine) CaptureDOMSchema(ctx context.Context, target string) (*DOMSchema, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("capture_dom_schema")
	return &DOMSchema{URL: f.URL, Elements: append([]DOMElement(nil), f.Elements...)}, nil
}

func (f *FakeWebEngine) CountElements(ctx context.Context, target Target) (int, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("count_elements:" + target.Text)
	count := 0
	want := target.Text
	if want == "" {
		want = target.Label
	}
	if needed, ok := f.AppearAfterAttempts[want]; ok {
		f.lookups[want]++
		if f.lookups[want] <= needed {
			return 0, nil
		}
	}
	for _, el := range f.Elements {
		if target.Role != "" && el.Role != target.Role {
			continue
		}
		if target.Selector != "" && el.Selector == target.Selector {
			count++
			continue
		}
		if want == "" || el.Text == want || el.Label == want {
			count++
		}
	}
	return count, nil
}

func (f *FakeWebEngine) PageText(ctx context.Context) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Text, nil
}

func (f *FakeWebEngine) CurrentURL(ctx context.Context) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URL, nil
}

func (f *FakeWebEngine) CookiesGet(ctx context.Context, browserContext string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *FakeWebEngine) CookiesSet(ctx context.Context, browserContext string, cookies map[string]string) error {
	return nil
}

func (f *FakeWebEngine) FrameSelect(ctx context.Context, frame string) error { return nil }
func (f *FakeWebEngine) FrameClear(ctx context.Context) error                { return nil }
func (f *FakeWebEngine) PierceShadow(ctx context.Context, enable bool) error { return nil }
func (f *FakeWebEngine) Close() error                                        { return nil }
