// Package audit mirrors every heartbeat cycle and operator event to an
// append-only JSONL file and, when configured, the audit_log table. The
// store's cycles table stays authoritative; this trail survives db loss
// and is cheap to tail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agora/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	db           *sql.DB
	cycleCount   atomic.Int64
	failureCount atomic.Int64
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
	f, err := os.OpenFile(filepath.Join(logDir, "heartbeats.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
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

// CycleCount returns the total number of heartbeat cycles recorded since
// startup.
func CycleCount() int64 {
	return cycleCount.Load()
}

// FailureCount returns the total number of failed cycles since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// RecordCycle appends one heartbeat cycle outcome.
func RecordCycle(traceID, agentID, action, outcome, detail string, latencyMS int64) {
	cycleCount.Add(1)
	if outcome == "failed" {
		failureCount.Add(1)
	}
	write(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   traceID,
		AgentID:   agentID,
		Action:    action,
		Outcome:   outcome,
		Detail:    shared.Redact(detail),
		LatencyMS: latencyMS,
	}, agentID)
}

// RecordEvent appends one operator-level event such as agent seeding, a
// config reload, or a sweep result.
func RecordEvent(subject, action, detail string) {
	write(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Detail:    shared.Redact(detail),
		AgentID:   subject,
	}, subject)
}

func write(ev entry, subject string) {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, detail)
			VALUES (?, ?, ?, ?);
		`, ev.TraceID, subject, ev.Action, ev.Detail)
	}
}
