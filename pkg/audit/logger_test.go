package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesPrefixedJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	if err := l.Record(EventPolicy, "policy_block", 7, -1, map[string]any{"check": "domain"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(EventRun, "state_change", 7, 2, nil); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "AUDIT: ") {
			t.Fatalf("console records carry the AUDIT: prefix: %q", line)
		}
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "AUDIT: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventPolicy || ev.Action != "policy_block" || ev.RunID != 7 {
		t.Fatalf("bad event: %+v", ev)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatal("event must carry id and timestamp")
	}
}

func TestFileLoggerWritesPureJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy_audit.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(EventApproval, "approval_requested", 3, 1, nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	if strings.HasPrefix(line, "AUDIT:") {
		t.Fatalf("file sink must stay pure JSON-lines: %q", line)
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("file line must be valid JSON: %v", err)
	}
	if ev.Action != "approval_requested" || ev.RunID != 3 {
		t.Fatalf("bad event: %+v", ev)
	}
}
