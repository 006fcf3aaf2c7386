// Package adapters defines the external contracts the execution core
// consumes: the OS adapter (files, PDF, mail, screenshots, permissions) and
// the web engine (batch JSON-RPC to an external browser bridge). Concrete
// per-OS implementations live outside the core; this package ships the
// contracts, a local filesystem adapter, and in-memory fakes for tests.
package adapters

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Capability ids reported by OS adapters.
const (
	CapFS         = "fs"
	CapPDF        = "pdf"
	CapMailDraft  = "mail_draft"
	CapScreenshot = "screenshot"
)

// Capability describes availability and allowed concurrency of one host
// feature. The executor must respect Concurrency per adapter.
type Capability struct {
	Available   bool `json:"available"`
	Concurrency int  `json:"concurrency"`
}

// PermissionStatus reports one host permission the agent depends on.
type PermissionStatus struct {
	Name    string `json:"name"`
	Granted bool   `json:"granted"`
	Detail  string `json:"detail,omitempty"`
}

// MoveResult reports a move_to outcome.
type MoveResult struct {
	Paths      []string
	CreatedDir bool
}

// OSAdapter is the host-side contract for file, PDF, mail, and screenshot
// operations. Unavailable capabilities surface as OS_CAPABILITY_MISS.
type OSAdapter interface {
	Capabilities() map[string]Capability
	CheckPermissions() []PermissionStatus

	TakeScreenshot(ctx context.Context) ([]byte, error)

	FindFiles(ctx context.Context, query string, roots []string, limit int) ([]string, error)
	Rename(ctx context.Context, path, pattern string) (string, error)
	MoveTo(ctx context.Context, paths []string, dest string, overwrite bool) (*MoveResult, error)
	CreateDir(ctx context.Context, path string) error
	FileExists(ctx context.Context, path string) (bool, error)

	PDFMerge(ctx context.Context, inputs []string, out string) (string, int, error)
	PDFExtractPages(ctx context.Context, path, ranges, out string) (string, int, error)
	PDFPageCount(ctx context.Context, path string) (int, error)

	ComposeMail(ctx context.Context, to []string, subject, body string) (string, error)
	AttachFiles(ctx context.Context, draftID string, files []string) error
	SaveDraft(ctx context.Context, draftID string) error
}

// LocalAdapter implements the filesystem surface with the standard library.
// PDF and mail require a host-specific integration and report unavailable;
// steps needing them fail with OS_CAPABILITY_MISS unless a fallback is
// declared.
type LocalAdapter struct{}

// NewLocalAdapter returns the stdlib-backed adapter.
func NewLocalAdapter() *LocalAdapter { return &LocalAdapter{} }

func (a *LocalAdapter) Capabilities() map[string]Capability {
	return map[string]Capability{
		CapFS:         {Available: true, Concurrency: 4},
		CapPDF:        {Available: false},
		CapMailDraft:  {Available: false},
		CapScreenshot: {Available: false},
	}
}

func (a *LocalAdapter) CheckPermissions() []PermissionStatus {
	// Filesystem reach is probed lazily; nothing to preflight here.
	return []PermissionStatus{{Name: "fs", Granted: true}}
}

func (a *LocalAdapter) TakeScreenshot(ctx context.Context) ([]byte, error) {
	_ = ctx
	return nil, fmt.Errorf("screenshots require a host adapter")
}

func (a *LocalAdapter) FindFiles(ctx context.Context, query string, roots []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var found []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			ok, matchErr := filepath.Match(query, d.Name())
			if matchErr != nil {
				return matchErr
			}
			if ok {
				found = append(found, path)
				if len(found) >= limit {
					return fs.SkipAll
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
		if len(found) >= limit {
			break
		}
	}
	return found, nil
}

func (a *LocalAdapter) Rename(ctx context.Context, path, pattern string) (string, error) {
	_ = ctx
	dir := filepath.Dir(path)
	newPath := filepath.Join(dir, pattern)
	if err := os.Rename(path, newPath); err != nil {
		return "", err
	}
	return newPath, nil
}

func (a *LocalAdapter) MoveTo(ctx context.Context, paths []string, dest string, overwrite bool) (*MoveResult, error) {
	_ = ctx
	res := &MoveResult{}
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return nil, &os.PathError{Op: "move", Path: dest, Err: os.ErrNotExist}
	}
	for _, p := range paths {
		target := filepath.Join(dest, filepath.Base(p))
		if !overwrite {
			if _, err := os.Stat(target); err == nil {
				return nil, fmt.Errorf("destination %s exists and overwrite is disabled", target)
			}
		}
		if err := os.Rename(p, target); err != nil {
			return nil, err
		}
		res.Paths = append(res.Paths, target)
	}
	return res, nil
}

func (a *LocalAdapter) CreateDir(ctx context.Context, path string) error {
	_ = ctx
	return os.MkdirAll(path, 0755)
}

func (a *LocalAdapter) FileExists(ctx context.Context, path string) (bool, error) {
	_ = ctx
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (a *LocalAdapter) PDFMerge(ctx context.Context, inputs []string, out string) (string, int, error) {
	return "", 0, fmt.Errorf("pdf operations require a host adapter")
}

func (a *LocalAdapter) PDFExtractPages(ctx context.Context, path, ranges, out string) (string, int, error) {
	return "", 0, fmt.Errorf("pdf operations require a host adapter")
}

func (a *LocalAdapter) PDFPageCount(ctx context.Context, path string) (int, error) {
	return 0, fmt.Errorf("pdf operations require a host adapter")
}

func (a *LocalAdapter) ComposeMail(ctx context.Context, to []string, subject, body string) (string, error) {
	return "", fmt.Errorf("mail requires a host adapter")
}

func (a *LocalAdapter) AttachFiles(ctx context.Context, draftID string, files []string) error {
	return fmt.Errorf("mail requires a host adapter")
}

func (a *LocalAdapter) SaveDraft(ctx context.Context, draftID string) error {
	return fmt.Errorf("mail requires a host adapter")
}
