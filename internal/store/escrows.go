package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/shared"
	"github.com/google/uuid"
)

// Escrow is one escrow-backed transaction. BuyerName and SellerName are
// joined in on reads.
type Escrow struct {
	ID              string       `json:"id"`
	ListingID       string       `json:"listing_id,omitempty"`
	BuyerID         string       `json:"buyer_id"`
	SellerID        string       `json:"seller_id"`
	Amount          int64        `json:"amount_cents"`
	Currency        string       `json:"currency"`
	Description     string       `json:"description,omitempty"`
	Status          EscrowStatus `json:"status"`
	Deadline        time.Time    `json:"deadline"`
	DeliveredAt     *time.Time   `json:"delivered_at,omitempty"`
	Deliverable     string       `json:"deliverable,omitempty"`
	DisputeReason   string       `json:"dispute_reason,omitempty"`
	EscrowRef       string       `json:"escrow_ref,omitempty"`
	ContractVersion string       `json:"contract_version"`
	ReleaseFailures int          `json:"release_failures"`
	ReleaseTx       string       `json:"release_tx,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`

	BuyerName  string `json:"buyer_name,omitempty"`
	SellerName string `json:"seller_name,omitempty"`
}

// EscrowEvent is one row of the append-only transition journal.
type EscrowEvent struct {
	EventID   int64        `json:"event_id"`
	EscrowID  string       `json:"escrow_id"`
	TraceID   string       `json:"trace_id,omitempty"`
	StateFrom EscrowStatus `json:"state_from,omitempty"`
	StateTo   EscrowStatus `json:"state_to"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// CreateEscrowParams describes a new escrow. Status must be PENDING
// (ordinary funding in flight) or FUNDED (house-ledger purchases).
type CreateEscrowParams struct {
	ListingID       string
	BuyerID         string
	SellerID        string
	Amount          int64
	Currency        string
	Description     string
	Status          EscrowStatus
	Deadline        time.Time
	EscrowRef       string
	ContractVersion string
}

const escrowSelect = `
	SELECT e.id, e.listing_id, e.buyer_id, e.seller_id, e.amount, e.currency, e.description,
		e.status, e.deadline, e.delivered_at, e.deliverable, e.dispute_reason, e.escrow_ref,
		e.contract_version, e.release_failures, e.release_tx, e.created_at, e.updated_at,
		b.name, sl.name
	FROM escrows e
	JOIN agents b ON b.id = e.buyer_id
	JOIN agents sl ON sl.id = e.seller_id`

func scanEscrow(scanFn func(dest ...any) error, e *Escrow) error {
	var listingID sql.NullString
	var deliveredAt sql.NullTime
	if err := scanFn(&e.ID, &listingID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency,
		&e.Description, &e.Status, &e.Deadline, &deliveredAt, &e.Deliverable, &e.DisputeReason,
		&e.EscrowRef, &e.ContractVersion, &e.ReleaseFailures, &e.ReleaseTx,
		&e.CreatedAt, &e.UpdatedAt, &e.BuyerName, &e.SellerName); err != nil {
		return err
	}
	if listingID.Valid {
		e.ListingID = listingID.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		e.DeliveredAt = &t
	}
	return nil
}

// CreateEscrow inserts a new escrow and its creation journal entry.
func (s *Store) CreateEscrow(ctx context.Context, p CreateEscrowParams) (Escrow, error) {
	if p.Status != EscrowPending && p.Status != EscrowFunded {
		return Escrow{}, fmt.Errorf("create escrow: initial status must be PENDING or FUNDED, got %s", p.Status)
	}
	if p.Amount <= 0 {
		return Escrow{}, fmt.Errorf("create escrow: amount must be positive, got %d", p.Amount)
	}
	if p.BuyerID == p.SellerID {
		return Escrow{}, fmt.Errorf("create escrow: buyer and seller must differ")
	}
	if p.Currency == "" {
		p.Currency = "USDC"
	}
	if p.ContractVersion == "" {
		p.ContractVersion = "v1"
	}
	if p.Deadline.IsZero() {
		return Escrow{}, fmt.Errorf("create escrow: deadline is required")
	}

	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create escrow tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrows (id, listing_id, buyer_id, seller_id, amount, currency, description,
				status, deadline, escrow_ref, contract_version, created_at, updated_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, p.ListingID, p.BuyerID, p.SellerID, p.Amount, p.Currency, p.Description,
			p.Status, p.Deadline.UTC(), p.EscrowRef, p.ContractVersion); err != nil {
			return fmt.Errorf("create escrow: %w", err)
		}
		if err := s.appendEscrowEventTx(ctx, tx, id, "", p.Status, "created"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Escrow{}, err
	}

	escrow, err := s.GetEscrow(ctx, id)
	if err != nil {
		return Escrow{}, err
	}
	if escrow.Status == EscrowFunded {
		s.publishEscrow(bus.TopicEscrowFunded, escrow, "created funded")
	}
	return escrow, nil
}

// GetEscrow returns the escrow or ErrEscrowNotFound.
func (s *Store) GetEscrow(ctx context.Context, escrowID string) (Escrow, error) {
	var e Escrow
	err := scanEscrow(s.db.QueryRowContext(ctx, escrowSelect+` WHERE e.id = ?;`, escrowID).Scan, &e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, fmt.Errorf("escrow %s: %w", escrowID, ErrEscrowNotFound)
		}
		return Escrow{}, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

// ListOpenEscrows returns FUNDED and DELIVERED escrows where the agent is a
// party, oldest first so stale obligations surface at the top of the prompt.
func (s *Store) ListOpenEscrows(ctx context.Context, agentID string) ([]Escrow, error) {
	rows, err := s.db.QueryContext(ctx, escrowSelect+`
		WHERE (e.buyer_id = ? OR e.seller_id = ?) AND e.status IN (?, ?)
		ORDER BY e.created_at ASC, e.rowid ASC;
	`, agentID, agentID, EscrowFunded, EscrowDelivered)
	if err != nil {
		return nil, fmt.Errorf("list open escrows: %w", err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListExpiredEscrows returns escrows the deadline sweeper must settle:
// FUNDED or DELIVERED past their deadline, and PENDING rows older than the
// funding grace window.
func (s *Store) ListExpiredEscrows(ctx context.Context, now time.Time, fundingGrace time.Duration) ([]Escrow, error) {
	cutoff := now.Add(-fundingGrace)
	rows, err := s.db.QueryContext(ctx, escrowSelect+`
		WHERE (e.status IN (?, ?) AND e.deadline < ?)
			OR (e.status = ? AND e.created_at < ?)
		ORDER BY e.deadline ASC;
	`, EscrowFunded, EscrowDelivered, now.UTC(), EscrowPending, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// CountOpenEscrows counts non-terminal escrows, for the status surface.
func (s *Store) CountOpenEscrows(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM escrows WHERE status IN (?, ?, ?, ?);
	`, EscrowPending, EscrowFunded, EscrowDelivered, EscrowDisputed).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open escrows: %w", err)
	}
	return count, nil
}

// ListEscrowEvents returns the transition journal for one escrow.
func (s *Store) ListEscrowEvents(ctx context.Context, escrowID string) ([]EscrowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, escrow_id, trace_id, COALESCE(state_from, ''), state_to, detail, created_at
		FROM escrow_events
		WHERE escrow_id = ?
		ORDER BY event_id ASC;
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list escrow events: %w", err)
	}
	defer rows.Close()

	var out []EscrowEvent
	for rows.Next() {
		var ev EscrowEvent
		var from string
		if err := rows.Scan(&ev.EventID, &ev.EscrowID, &ev.TraceID, &from, &ev.StateTo, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escrow event: %w", err)
		}
		ev.StateFrom = EscrowStatus(from)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow event rows: %w", err)
	}
	return out, nil
}

// FundEscrow moves PENDING to FUNDED once rails confirms the deposit.
func (s *Store) FundEscrow(ctx context.Context, escrowID, detail string) (Escrow, error) {
	e, err := s.transitionEscrow(ctx, escrowID, []EscrowStatus{EscrowPending}, EscrowFunded, detail,
		`UPDATE escrows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`)
	if err != nil {
		return Escrow{}, err
	}
	s.publishEscrow(bus.TopicEscrowFunded, e, detail)
	return e, nil
}

// MarkDelivered moves FUNDED to DELIVERED, recording the deliverable. Only
// the escrow's seller may deliver.
func (s *Store) MarkDelivered(ctx context.Context, escrowID, sellerID, deliverable string) (Escrow, error) {
	var out Escrow
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deliver tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		e, err := s.escrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if e.SellerID != sellerID {
			return fmt.Errorf("escrow %s: %w", escrowID, ErrNotSeller)
		}
		if err := guardTransition(e, []EscrowStatus{EscrowFunded}, EscrowDelivered); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET status = ?, deliverable = ?, delivered_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, EscrowDelivered, deliverable, escrowID, e.Status)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		if err := requireOneRow(res, escrowID, e.Status, EscrowDelivered); err != nil {
			return err
		}
		if err := s.appendEscrowEventTx(ctx, tx, escrowID, e.Status, EscrowDelivered, "delivered"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit deliver tx: %w", err)
		}
		out = e
		out.Status = EscrowDelivered
		out.Deliverable = deliverable
		return nil
	})
	if err != nil {
		return Escrow{}, err
	}
	s.publishEscrow(bus.TopicEscrowDelivered, out, "")
	return out, nil
}

// ReleaseEscrow moves the escrow to RELEASED and settles the books: seller
// earns, buyer's spend grows, seller's completed sales tick up, all in the
// same transaction as the state change.
func (s *Store) ReleaseEscrow(ctx context.Context, escrowID, releaseTx string) (Escrow, error) {
	var out Escrow
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		e, err := s.escrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if err := guardTransition(e, []EscrowStatus{EscrowFunded, EscrowDelivered, EscrowDisputed}, EscrowReleased); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET status = ?, release_tx = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, EscrowReleased, releaseTx, escrowID, e.Status)
		if err != nil {
			return fmt.Errorf("release escrow: %w", err)
		}
		if err := requireOneRow(res, escrowID, e.Status, EscrowReleased); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET total_earned = total_earned + ?, completed_sales = completed_sales + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, e.Amount, e.SellerID); err != nil {
			return fmt.Errorf("credit seller: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET total_spent = total_spent + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, e.Amount, e.BuyerID); err != nil {
			return fmt.Errorf("debit buyer: %w", err)
		}
		if err := s.appendEscrowEventTx(ctx, tx, escrowID, e.Status, EscrowReleased, releaseTx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit release tx: %w", err)
		}
		out = e
		out.Status = EscrowReleased
		out.ReleaseTx = releaseTx
		return nil
	})
	if err != nil {
		return Escrow{}, err
	}
	s.publishEscrow(bus.TopicEscrowReleased, out, releaseTx)
	return out, nil
}

// DisputeEscrow moves FUNDED or DELIVERED to DISPUTED. Either party may
// raise it.
func (s *Store) DisputeEscrow(ctx context.Context, escrowID, byAgentID, reason string) (Escrow, error) {
	var out Escrow
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dispute tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		e, err := s.escrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if byAgentID != e.BuyerID && byAgentID != e.SellerID {
			return fmt.Errorf("escrow %s: agent %s is not a party", escrowID, byAgentID)
		}
		if err := guardTransition(e, []EscrowStatus{EscrowFunded, EscrowDelivered}, EscrowDisputed); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET status = ?, dispute_reason = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, EscrowDisputed, reason, escrowID, e.Status)
		if err != nil {
			return fmt.Errorf("dispute escrow: %w", err)
		}
		if err := requireOneRow(res, escrowID, e.Status, EscrowDisputed); err != nil {
			return err
		}
		if err := s.appendEscrowEventTx(ctx, tx, escrowID, e.Status, EscrowDisputed, reason); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dispute tx: %w", err)
		}
		out = e
		out.Status = EscrowDisputed
		out.DisputeReason = reason
		return nil
	})
	if err != nil {
		return Escrow{}, err
	}
	s.publishEscrow(bus.TopicEscrowDisputed, out, reason)
	return out, nil
}

// RefundEscrow moves PENDING, FUNDED, or DISPUTED to REFUNDED. The money
// movement is the rails service's job; this records the outcome.
func (s *Store) RefundEscrow(ctx context.Context, escrowID, detail string) (Escrow, error) {
	e, err := s.transitionEscrow(ctx, escrowID,
		[]EscrowStatus{EscrowPending, EscrowFunded, EscrowDisputed}, EscrowRefunded, detail,
		`UPDATE escrows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`)
	if err != nil {
		return Escrow{}, err
	}
	s.publishEscrow(bus.TopicEscrowRefunded, e, detail)
	return e, nil
}

// BumpReleaseFailures increments the release failure counter and returns
// the new count. Called exactly once per exhausted signing sequence.
func (s *Store) BumpReleaseFailures(ctx context.Context, escrowID string) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bump tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET release_failures = release_failures + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, escrowID)
		if err != nil {
			return fmt.Errorf("bump release failures: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("bump release failures: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("escrow %s: %w", escrowID, ErrEscrowNotFound)
		}
		if err := tx.QueryRowContext(ctx, `SELECT release_failures FROM escrows WHERE id = ?;`, escrowID).Scan(&count); err != nil {
			return fmt.Errorf("read release failures: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// transitionEscrow is the shared simple-transition path: guard, one
// state-conditioned UPDATE, journal entry, commit.
func (s *Store) transitionEscrow(ctx context.Context, escrowID string, allowedFrom []EscrowStatus, to EscrowStatus, detail, updateSQL string) (Escrow, error) {
	var out Escrow
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		e, err := s.escrowTx(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if err := guardTransition(e, allowedFrom, to); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, updateSQL, to, escrowID, e.Status)
		if err != nil {
			return fmt.Errorf("transition escrow to %s: %w", to, err)
		}
		if err := requireOneRow(res, escrowID, e.Status, to); err != nil {
			return err
		}
		if err := s.appendEscrowEventTx(ctx, tx, escrowID, e.Status, to, detail); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		out = e
		out.Status = to
		return nil
	})
	if err != nil {
		return Escrow{}, err
	}
	return out, nil
}

func (s *Store) escrowTx(ctx context.Context, tx *sql.Tx, escrowID string) (Escrow, error) {
	var e Escrow
	err := scanEscrow(tx.QueryRowContext(ctx, escrowSelect+` WHERE e.id = ?;`, escrowID).Scan, &e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Escrow{}, fmt.Errorf("escrow %s: %w", escrowID, ErrEscrowNotFound)
		}
		return Escrow{}, fmt.Errorf("select escrow for transition: %w", err)
	}
	return e, nil
}

// guardTransition rejects transitions the caller does not accept or the
// state machine does not define.
func guardTransition(e Escrow, allowedFrom []EscrowStatus, to EscrowStatus) error {
	if !slices.Contains(allowedFrom, e.Status) {
		return fmt.Errorf("escrow %s is %s, cannot move to %s: %w", e.ID, e.Status, to, ErrInvalidTransition)
	}
	if !canTransition(e.Status, to) {
		return fmt.Errorf("escrow %s: %s -> %s is not a legal edge: %w", e.ID, e.Status, to, ErrInvalidTransition)
	}
	return nil
}

// requireOneRow converts a lost conditioned UPDATE into ErrInvalidTransition:
// zero rows means a concurrent writer moved the escrow first.
func requireOneRow(res sql.Result, escrowID string, from, to EscrowStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("escrow %s raced during %s -> %s: %w", escrowID, from, to, ErrInvalidTransition)
	}
	return nil
}

func (s *Store) appendEscrowEventTx(ctx context.Context, tx *sql.Tx, escrowID string, from, to EscrowStatus, detail string) error {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events (escrow_id, trace_id, state_from, state_to, detail, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, escrowID, traceID, string(from), string(to), detail)
	if err != nil {
		return fmt.Errorf("insert escrow event: %w", err)
	}
	return nil
}

func (s *Store) publishEscrow(topic string, e Escrow, detail string) {
	s.publish(topic, bus.EscrowEvent{
		EscrowID: e.ID,
		BuyerID:  e.BuyerID,
		SellerID: e.SellerID,
		Amount:   e.Amount,
		Currency: e.Currency,
		Status:   string(e.Status),
		Detail:   detail,
	})
}

func collectEscrows(rows *sql.Rows) ([]Escrow, error) {
	var out []Escrow
	for rows.Next() {
		var e Escrow
		if err := scanEscrow(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow rows: %w", err)
	}
	return out, nil
}
