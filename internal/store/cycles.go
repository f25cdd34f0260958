package store

import (
	"context"
	"fmt"

	"github.com/basket/agora/internal/shared"
)

// Cycle outcome values.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// CycleEntry is one immutable execution-log row: what one heartbeat saw,
// chose, and got. Never updated or deleted.
type CycleEntry struct {
	ID         int64  `json:"id"`
	AgentID    string `json:"agent_id"`
	TraceID    string `json:"trace_id,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	ActionJSON string `json:"action_json,omitempty"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	Balance    int64  `json:"balance_cents"`
	LatencyMS  int64  `json:"latency_ms"`
	CreatedAt  string `json:"created_at"`
}

// AppendCycle records one heartbeat cycle. The trace id is taken from the
// context when the entry does not carry one.
func (s *Store) AppendCycle(ctx context.Context, entry CycleEntry) (int64, error) {
	switch entry.Outcome {
	case OutcomeOK, OutcomeFailed, OutcomeSkipped:
	default:
		return 0, fmt.Errorf("append cycle: unknown outcome %q", entry.Outcome)
	}
	if entry.TraceID == "" {
		if tid := shared.TraceID(ctx); tid != "-" {
			entry.TraceID = tid
		}
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO cycles (agent_id, trace_id, action_type, action_json, outcome, detail, balance, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, entry.AgentID, entry.TraceID, entry.ActionType, entry.ActionJSON,
			entry.Outcome, entry.Detail, entry.Balance, entry.LatencyMS)
		if err != nil {
			return fmt.Errorf("append cycle: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("cycle id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListRecentCycles returns the newest execution-log rows for one agent.
func (s *Store) ListRecentCycles(ctx context.Context, agentID string, limit int) ([]CycleEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, trace_id, action_type, action_json, outcome, detail, balance, latency_ms, created_at
		FROM cycles
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleEntry
	for rows.Next() {
		var c CycleEntry
		if err := rows.Scan(&c.ID, &c.AgentID, &c.TraceID, &c.ActionType, &c.ActionJSON,
			&c.Outcome, &c.Detail, &c.Balance, &c.LatencyMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cycle rows: %w", err)
	}
	return out, nil
}

// CycleStats is the execution-log outcome breakdown for the status surface.
type CycleStats struct {
	Total   int64 `json:"total"`
	OK      int64 `json:"ok"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// CountCycles aggregates outcomes across the whole execution log.
func (s *Store) CountCycles(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'skipped' THEN 1 ELSE 0 END), 0)
		FROM cycles;
	`).Scan(&stats.Total, &stats.OK, &stats.Failed, &stats.Skipped)
	if err != nil {
		return CycleStats{}, fmt.Errorf("count cycles: %w", err)
	}
	return stats, nil
}
