package scheduler

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig configures one folder watcher trigger.
type WatchConfig struct {
	ID             string         `yaml:"id"`
	Path           string         `yaml:"path"`
	Template       string         `yaml:"template"`
	Patterns       []string       `yaml:"patterns"`
	IgnorePatterns []string       `yaml:"ignore_patterns"`
	DebounceMS     int64          `yaml:"debounce_ms"`
	Queue          string         `yaml:"queue"`
	Priority       int            `yaml:"priority"`
	Variables      map[string]any `yaml:"variables"`
}

// Watcher debounces create/modify events on a folder and enqueues one run
// per quiet period. Multiple events within the window collapse to a single
// job carrying the last matching path as {{trigger_path}}.
type Watcher struct {
	cfg  WatchConfig
	orch *Orchestrator

	mu       sync.Mutex
	lastPath string
	pending  *time.Timer
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher sets up the fsnotify watch.
func NewWatcher(cfg WatchConfig, orch *Orchestrator) (*Watcher, error) {
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = 5000
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"*"}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("scheduler: watcher init: %w", err)
	}
	if err := fsw.Add(cfg.Path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("scheduler: watch %s: %w", cfg.Path, err)
	}
	return &Watcher{cfg: cfg, orch: orch, fsw: fsw, done: make(chan struct{})}, nil
}

// Run consumes events until Close.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.HandleEvent(ev.Name)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// HandleEvent applies pattern filters and (re)arms the debounce timer.
// Exposed for deterministic tests.
func (w *Watcher) HandleEvent(path string) {
	if !w.matches(filepath.Base(path)) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPath = path
	if w.pending != nil {
		// Collapse: restart the quiet window, keep only the latest path.
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(time.Duration(w.cfg.DebounceMS)*time.Millisecond, w.fire)
}

// Flush fires immediately if a debounce is pending. Test hook.
func (w *Watcher) Flush() {
	w.mu.Lock()
	pending := w.pending != nil
	if pending {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	if pending {
		w.fire()
	}
}

func (w *Watcher) fire() {
	w.mu.Lock()
	path := w.lastPath
	w.pending = nil
	w.mu.Unlock()
	if path == "" {
		return
	}

	vars := map[string]any{}
	for k, v := range w.cfg.Variables {
		vars[k] = v
	}
	vars["trigger_path"] = path

	_ = w.orch.Submit(Job{
		ID:        fmt.Sprintf("%s@%s", w.cfg.ID, filepath.Base(path)),
		Template:  w.cfg.Template,
		Queue:     w.cfg.Queue,
		Priority:  w.cfg.Priority,
		Variables: vars,
		Trigger:   "watch",
	})
}

func (w *Watcher) matches(name string) bool {
	for _, pat := range w.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return false
		}
	}
	for _, pat := range w.cfg.Patterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
