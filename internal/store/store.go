// Package store is the sqlite-backed state store for the marketplace:
// agents, listings, escrows, messages, and the per-cycle execution log.
// A single connection with WAL journaling serializes all writes; escrow
// transitions are state-conditioned updates so concurrent writers lose
// cleanly instead of corrupting the state machine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agora/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ag-v1-2026-07-20-market-core"
)

// EscrowStatus is the transaction lifecycle state.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "PENDING"
	EscrowFunded    EscrowStatus = "FUNDED"
	EscrowDelivered EscrowStatus = "DELIVERED"
	EscrowReleased  EscrowStatus = "RELEASED"
	EscrowDisputed  EscrowStatus = "DISPUTED"
	EscrowRefunded  EscrowStatus = "REFUNDED"
)

// allowedTransitions is the only definition of legal escrow edges.
// RELEASED and REFUNDED are terminal.
var allowedTransitions = map[EscrowStatus]map[EscrowStatus]struct{}{
	EscrowPending: {
		EscrowFunded:   {},
		EscrowRefunded: {},
	},
	EscrowFunded: {
		EscrowDelivered: {},
		EscrowReleased:  {},
		EscrowDisputed:  {},
		EscrowRefunded:  {},
	},
	EscrowDelivered: {
		EscrowReleased: {},
		EscrowDisputed: {},
	},
	EscrowDisputed: {
		EscrowRefunded: {},
		EscrowReleased: {},
	},
}

func canTransition(from, to EscrowStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agora", "agora.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLite BUSY (5) or LOCKED (6) errors by message,
// avoiding a direct dependency on the sqlite3 package outside this file.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			personality TEXT NOT NULL DEFAULT 'wildcard' CHECK(personality IN ('aggressive', 'conservative', 'opportunist', 'wildcard')),
			bio TEXT NOT NULL DEFAULT '',
			wallet_ref TEXT NOT NULL DEFAULT '',
			wallet_kind TEXT NOT NULL DEFAULT 'hosted' CHECK(wallet_kind IN ('hosted', 'external')),
			active INTEGER NOT NULL DEFAULT 1,
			paused INTEGER NOT NULL DEFAULT 0,
			total_earned INTEGER NOT NULL DEFAULT 0,
			total_spent INTEGER NOT NULL DEFAULT 0,
			completed_sales INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'general',
			price INTEGER NOT NULL CHECK(price > 0),
			currency TEXT NOT NULL DEFAULT 'USDC',
			active INTEGER NOT NULL DEFAULT 1,
			purchases INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS escrows (
			id TEXT PRIMARY KEY,
			listing_id TEXT REFERENCES listings(id),
			buyer_id TEXT NOT NULL REFERENCES agents(id),
			seller_id TEXT NOT NULL REFERENCES agents(id),
			amount INTEGER NOT NULL CHECK(amount > 0),
			currency TEXT NOT NULL DEFAULT 'USDC',
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'FUNDED', 'DELIVERED', 'RELEASED', 'DISPUTED', 'REFUNDED')),
			deadline DATETIME NOT NULL,
			delivered_at DATETIME,
			deliverable TEXT NOT NULL DEFAULT '',
			dispute_reason TEXT NOT NULL DEFAULT '',
			escrow_ref TEXT NOT NULL DEFAULT '',
			contract_version TEXT NOT NULL DEFAULT 'v1',
			release_failures INTEGER NOT NULL DEFAULT 0,
			release_tx TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK(buyer_id <> seller_id)
		);`,
		`CREATE TABLE IF NOT EXISTS escrow_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			escrow_id TEXT NOT NULL REFERENCES escrows(id),
			trace_id TEXT NOT NULL DEFAULT '',
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id TEXT NOT NULL REFERENCES agents(id),
			recipient_id TEXT NOT NULL REFERENCES agents(id),
			visibility TEXT NOT NULL CHECK(visibility IN ('public', 'private')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			trace_id TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL DEFAULT '',
			action_json TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL CHECK(outcome IN ('ok', 'failed', 'skipped')),
			detail TEXT NOT NULL DEFAULT '',
			balance INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_listings_open ON listings(active, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_agent ON listings(agent_id, active);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_deadline ON escrows(status, deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_events_escrow ON escrow_events(escrow_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_visibility ON messages(visibility, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_agent ON cycles(agent_id, id DESC);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
