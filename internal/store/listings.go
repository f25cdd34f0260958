package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agora/internal/bus"
	"github.com/google/uuid"
)

// Listing is a service offer. SellerName and SellerSales are joined in for
// reads that feed the decision prompt; they are not columns.
type Listing struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Price       int64     `json:"price_cents"`
	Currency    string    `json:"currency"`
	Active      bool      `json:"active"`
	Purchases   int       `json:"purchases"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	SellerName  string `json:"seller_name,omitempty"`
	SellerSales int    `json:"seller_sales,omitempty"`
}

// ListingUpdate carries the mutable listing fields; nil means keep.
type ListingUpdate struct {
	Title       *string
	Description *string
	Price       *int64
	Active      *bool
}

// CreateListing inserts a new active listing for the agent.
func (s *Store) CreateListing(ctx context.Context, agentID, title, description, category string, price int64, currency string) (Listing, error) {
	if strings.TrimSpace(title) == "" {
		return Listing{}, fmt.Errorf("create listing: title is required")
	}
	if price <= 0 {
		return Listing{}, fmt.Errorf("create listing: price must be positive, got %d", price)
	}
	if currency == "" {
		currency = "USDC"
	}
	if category == "" {
		category = "general"
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (id, agent_id, title, description, category, price, currency, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, agentID, title, description, category, price, currency)
	if err != nil {
		return Listing{}, fmt.Errorf("create listing: %w", err)
	}
	listing, err := s.GetListing(ctx, id)
	if err != nil {
		return Listing{}, err
	}
	s.publish(bus.TopicListingCreated, bus.ListingEvent{
		ListingID: listing.ID,
		AgentID:   listing.AgentID,
		Title:     listing.Title,
		Price:     listing.Price,
		Currency:  listing.Currency,
	})
	return listing, nil
}

// GetListing returns the listing with seller info joined, or ErrListingNotFound.
func (s *Store) GetListing(ctx context.Context, listingID string) (Listing, error) {
	var l Listing
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.agent_id, l.title, l.description, l.category, l.price, l.currency,
			l.active, l.purchases, l.created_at, l.updated_at, a.name, a.completed_sales
		FROM listings l
		JOIN agents a ON a.id = l.agent_id
		WHERE l.id = ?;
	`, listingID).Scan(&l.ID, &l.AgentID, &l.Title, &l.Description, &l.Category, &l.Price,
		&l.Currency, &l.Active, &l.Purchases, &l.CreatedAt, &l.UpdatedAt, &l.SellerName, &l.SellerSales)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Listing{}, fmt.Errorf("listing %s: %w", listingID, ErrListingNotFound)
		}
		return Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

// UpdateListing applies the non-nil fields. Ownership is enforced here:
// only the listing's agent may mutate it.
func (s *Store) UpdateListing(ctx context.Context, agentID, listingID string, upd ListingUpdate) (Listing, error) {
	current, err := s.GetListing(ctx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if current.AgentID != agentID {
		return Listing{}, fmt.Errorf("listing %s: %w", listingID, ErrNotOwner)
	}
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return Listing{}, fmt.Errorf("update listing: title cannot be empty")
	}
	if upd.Price != nil && *upd.Price <= 0 {
		return Listing{}, fmt.Errorf("update listing: price must be positive, got %d", *upd.Price)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET title = COALESCE(?, title),
			description = COALESCE(?, description),
			price = COALESCE(?, price),
			active = COALESCE(?, active),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND agent_id = ?;
	`, upd.Title, upd.Description, upd.Price, upd.Active, listingID, agentID)
	if err != nil {
		return Listing{}, fmt.Errorf("update listing: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return Listing{}, fmt.Errorf("update listing: rows affected: %w", rowsErr)
	}
	if n == 0 {
		// Row was deleted between the read and the write.
		return Listing{}, fmt.Errorf("listing %s: %w", listingID, ErrListingNotFound)
	}
	return s.GetListing(ctx, listingID)
}

// ListOpenListings returns up to limit most recent active listings,
// excluding those owned by excludeOwner and by any agent in alsoExclude.
// The second exclusion keeps house agents from seeing each other's offers.
func (s *Store) ListOpenListings(ctx context.Context, excludeOwner string, alsoExclude []string, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := `
		SELECT l.id, l.agent_id, l.title, l.description, l.category, l.price, l.currency,
			l.active, l.purchases, l.created_at, l.updated_at, a.name, a.completed_sales
		FROM listings l
		JOIN agents a ON a.id = l.agent_id
		WHERE l.active = 1 AND l.agent_id <> ?`
	args := []any{excludeOwner}
	if len(alsoExclude) > 0 {
		query += ` AND l.agent_id NOT IN (?` + strings.Repeat(",?", len(alsoExclude)-1) + `)`
		for _, id := range alsoExclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY l.created_at DESC, l.rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open listings: %w", err)
	}
	defer rows.Close()
	return collectListings(rows)
}

// ListAgentListings returns all of an agent's listings, newest first.
func (s *Store) ListAgentListings(ctx context.Context, agentID string) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.agent_id, l.title, l.description, l.category, l.price, l.currency,
			l.active, l.purchases, l.created_at, l.updated_at, a.name, a.completed_sales
		FROM listings l
		JOIN agents a ON a.id = l.agent_id
		WHERE l.agent_id = ?
		ORDER BY l.created_at DESC, l.rowid DESC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent listings: %w", err)
	}
	defer rows.Close()
	return collectListings(rows)
}

// CountActiveListings returns how many active listings the agent has.
// Feeds the listing-saturation skip rule.
func (s *Store) CountActiveListings(ctx context.Context, agentID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM listings WHERE agent_id = ? AND active = 1;`, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active listings: %w", err)
	}
	return count, nil
}

// CountOpenListings counts all active listings, for the status surface.
func (s *Store) CountOpenListings(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM listings WHERE active = 1;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open listings: %w", err)
	}
	return count, nil
}

// RecordPurchase increments the purchase counter. Conditioned on active so a
// deactivation racing a buy cannot count a sale on a closed listing.
func (s *Store) RecordPurchase(ctx context.Context, listingID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET purchases = purchases + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND active = 1;
	`, listingID)
	if err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("record purchase: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("listing %s: %w", listingID, ErrListingNotFound)
	}
	return nil
}

func collectListings(rows *sql.Rows) ([]Listing, error) {
	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Title, &l.Description, &l.Category, &l.Price,
			&l.Currency, &l.Active, &l.Purchases, &l.CreatedAt, &l.UpdatedAt, &l.SellerName, &l.SellerSales); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing rows: %w", err)
	}
	return out, nil
}
