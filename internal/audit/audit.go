// Package audit appends operator-relevant actions (admin session resets,
// startup failures) to <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawrelay/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu      sync.Mutex
	file    *os.File
	records atomic.Int64
)

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

// Count returns the number of entries recorded since startup.
func Count() int64 {
	return records.Load()
}

// Record writes one entry. Before Init it only counts.
func Record(outcome, action, reason, subject string) {
	records.Add(1)

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Outcome:   outcome,
		Action:    action,
		Reason:    reason,
		Subject:   subject,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
