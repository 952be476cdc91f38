// Package audit appends control-plane decisions to a JSONL trail under the
// controller home. Its callers record device registrations, operator
// disconnects, constellation submissions and cancellations; dispatch
// placements and forced disconnects are not recorded. Values are redacted
// before they touch disk.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbital/constel/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	recordCount atomic.Int64
)

// Init opens (or creates) <homeDir>/logs/audit.jsonl. Idempotent.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close flushes and closes the trail.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of Record calls since startup, including
// records dropped because Init had not run.
func Count() int64 {
	return recordCount.Load()
}

// Record appends one decision. Safe before Init; records are then dropped.
func Record(action, subject, outcome, detail string) {
	recordCount.Add(1)

	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   subject,
		Outcome:   outcome,
		Detail:    detail,
	}
	if b, err := json.Marshal(ev); err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
