// Package audit records structured, append-only audit events. Policy
// decisions, approvals, patches, and state transitions all flow through
// here; the JSON-lines file sink backs logs/policy_audit.log.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit record.
type EventType string

const (
	EventPolicy   EventType = "POLICY"
	EventApproval EventType = "APPROVAL"
	EventPatch    EventType = "PATCH"
	EventRun      EventType = "RUN"
	EventSystem   EventType = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	RunID     int64          `json:"run_id,omitempty"`
	StepIndex int            `json:"step_index,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(eventType EventType, action string, runID int64, stepIndex int, metadata map[string]any) error
}

// logger writes JSON lines to a writer, one event per line. Console sinks
// carry an "AUDIT: " prefix for easy filtering; file sinks stay pure
// JSON-lines so the log remains machine-parseable.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	prefix string
}

// consolePrefix marks audit records in mixed console output.
const consolePrefix = "AUDIT: "

// NewLogger writes AUDIT:-prefixed records to stdout.
func NewLogger() Logger { return NewLoggerWithWriter(os.Stdout) }

// NewLoggerWithWriter allows sink injection for tests and custom sinks.
// Records carry the AUDIT: prefix.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, prefix: consolePrefix}
}

// NewFileLogger appends unprefixed JSON lines to an audit file.
func NewFileLogger(path string) (Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &logger{writer: f}, nil
}

func (l *logger) Record(eventType EventType, action string, runID int64, stepIndex int, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Action:    action,
		RunID:     runID,
		StepIndex: stepIndex,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line := append([]byte(l.prefix), b...)
	_, err = l.writer.Write(append(line, '\n'))
	return err
}

// Nop discards all events; convenient default for tests.
type Nop struct{}

func (Nop) Record(EventType, string, int64, int, map[string]any) error { return nil }
