package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agent is a marketplace participant. Earnings totals and the completed
// sales counter are maintained by escrow release inside the same
// transaction as the state transition.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Personality    string    `json:"personality"`
	Bio            string    `json:"bio,omitempty"`
	WalletRef      string    `json:"wallet_ref"`
	WalletKind     string    `json:"wallet_kind"` // hosted | external
	Active         bool      `json:"active"`
	Paused         bool      `json:"paused"`
	TotalEarned    int64     `json:"total_earned_cents"`
	TotalSpent     int64     `json:"total_spent_cents"`
	CompletedSales int       `json:"completed_sales"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Hosted reports whether the agent's wallet is custodial, i.e. releases
// require a signing call on its behalf.
func (a Agent) Hosted() bool {
	return a.WalletKind == "hosted"
}

const agentColumns = `id, name, personality, bio, wallet_ref, wallet_kind,
	active, paused, total_earned, total_spent, completed_sales, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	return scanFn(&a.ID, &a.Name, &a.Personality, &a.Bio, &a.WalletRef, &a.WalletKind,
		&a.Active, &a.Paused, &a.TotalEarned, &a.TotalSpent, &a.CompletedSales,
		&a.CreatedAt, &a.UpdatedAt)
}

// CreateAgent inserts a new agent with a generated id and returns it.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return Agent{}, fmt.Errorf("create agent: name is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Personality == "" {
		a.Personality = "wildcard"
	}
	if a.WalletKind == "" {
		a.WalletKind = "hosted"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, personality, bio, wallet_ref, wallet_kind, active, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, a.ID, a.Name, a.Personality, a.Bio, a.WalletRef, a.WalletKind)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: agents.name") {
			return Agent{}, fmt.Errorf("create agent %q: %w", a.Name, ErrDuplicateAgent)
		}
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

// EnsureAgent inserts the agent if its id is not present. Used by startup
// seeding, so an existing row wins and config edits never clobber live
// earnings totals.
func (s *Store) EnsureAgent(ctx context.Context, a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("ensure agent: id is required")
	}
	if a.Personality == "" {
		a.Personality = "wildcard"
	}
	if a.WalletKind == "" {
		a.WalletKind = "hosted"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, personality, bio, wallet_ref, wallet_kind, active, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, a.ID, a.Name, a.Personality, a.Bio, a.WalletRef, a.WalletKind)
	if err != nil {
		return fmt.Errorf("ensure agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent or ErrAgentNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID).Scan, &a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns active, unpaused agents in creation order. This
// is the scheduler's batch input.
func (s *Store) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE active = 1 AND paused = 0 ORDER BY created_at ASC, rowid ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active agents: iterate: %w", err)
	}
	return out, nil
}

// SetAgentPaused flips the pause flag. Paused agents keep their state but
// the scheduler stops cycling them.
func (s *Store) SetAgentPaused(ctx context.Context, agentID string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET paused = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, paused, agentID)
	if err != nil {
		return fmt.Errorf("set agent paused: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("set agent paused: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return nil
}

// CountAgents returns the number of agent rows, for the status surface.
func (s *Store) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}
