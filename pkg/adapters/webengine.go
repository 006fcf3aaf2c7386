package adapters

import (
	"context"
)

// DOMElement is one interactive element in a captured screen schema.
type DOMElement struct {
	Role        string `json:"role"`
	Text        string `json:"text,omitempty"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	AriaLabel   string `json:"aria_label,omitempty"`
	Selector    string `json:"selector,omitempty"`
}

// DOMSchema is the structured snapshot of the current page.
type DOMSchema struct {
	URL      string       `json:"url"`
	Title    string       `json:"title,omitempty"`
	Elements []DOMElement `json:"elements"`
}

// Target addresses an element by label, text, or selector, optionally
// scoped to a frame and role.
type Target struct {
	Label    string `json:"label,omitempty"`
	Text     string `json:"text,omitempty"`
	Selector string `json:"selector,omitempty"`
	Role     string `json:"role,omitempty"`
	Frame    string `json:"frame,omitempty"`
}

// DownloadResult reports a completed download.
type DownloadResult struct {
	Path     string `json:"path"`
	Complete bool   `json:"complete"`
}

// WebEngine is the narrow surface the core issues to an external browser
// engine as batch JSON-RPC. The core never touches the DOM itself; it
// validates the declared host allowlist before any batch containing
// network-observable operations.
type WebEngine interface {
	Open(ctx context.Context, url, browserContext string) (finalURL string, err error)
	Fill(ctx context.Context, target Target, text string) error
	Click(ctx context.Context, target Target) error
	Upload(ctx context.Context, target Target, path string) error
	WaitForDownload(ctx context.Context, to string, timeoutMS int64) (*DownloadResult, error)
	CaptureDOMSchema(ctx context.Context, target string) (*DOMSchema, error)

	// CountElements supports verifier assertions without a full capture.
	CountElements(ctx context.Context, target Target) (int, error)
	// PageText returns the visible page text for assert_text.
	PageText(ctx context.Context) (string, error)
	// CurrentURL reports the page URL for domain drift detection.
	CurrentURL(ctx context.Context) (string, error)

	CookiesGet(ctx context.Context, browserContext string) (map[string]string, error)
	CookiesSet(ctx context.Context, browserContext string, cookies map[string]string) error
	FrameSelect(ctx context.Context, frame string) error
	FrameClear(ctx context.Context) error
	PierceShadow(ctx context.Context, enable bool) error

	Close() error
}
