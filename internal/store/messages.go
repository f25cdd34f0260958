package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basket/agora/internal/bus"
)

// Message visibility values. Public messages appear in the marketplace feed
// but are still addressed to one recipient; there is no broadcast.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Message is one feed post or direct message. SenderName is joined in on
// reads.
type Message struct {
	ID          int64  `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Visibility  string `json:"visibility"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at"`

	SenderName string `json:"sender_name,omitempty"`
}

// PostFeedMessage appends a public, feed-visible message. A recipient is
// still required.
func (s *Store) PostFeedMessage(ctx context.Context, senderID, recipientID, content string) (Message, error) {
	return s.insertMessage(ctx, senderID, recipientID, VisibilityPublic, content)
}

// SendDirectMessage appends a private message for one recipient.
func (s *Store) SendDirectMessage(ctx context.Context, senderID, recipientID, content string) (Message, error) {
	return s.insertMessage(ctx, senderID, recipientID, VisibilityPrivate, content)
}

func (s *Store) insertMessage(ctx context.Context, senderID, recipientID, visibility, content string) (Message, error) {
	if recipientID == "" {
		return Message{}, fmt.Errorf("%s message: %w", visibility, ErrNoRecipient)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("message content is required")
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (sender_id, recipient_id, visibility, content, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, senderID, recipientID, visibility, content)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	msg, err := s.getMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	s.publish(bus.TopicMessagePosted, bus.MessageEvent{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		Recipient:  msg.RecipientID,
		Visibility: msg.Visibility,
	})
	return msg, nil
}

func (s *Store) getMessage(ctx context.Context, id int64) (Message, error) {
	var m Message
	err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?;`, id).Scan, &m)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

const messageSelect = `
	SELECT m.id, m.sender_id, m.recipient_id, m.visibility, m.content, m.created_at, a.name
	FROM messages m
	JOIN agents a ON a.id = m.sender_id`

func scanMessage(scanFn func(dest ...any) error, m *Message) error {
	return scanFn(&m.ID, &m.SenderID, &m.RecipientID, &m.Visibility, &m.Content, &m.CreatedAt, &m.SenderName)
}

// ListInboundMessages returns the newest messages addressed to the agent,
// public and private alike.
func (s *Store) ListInboundMessages(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.recipient_id = ?
		ORDER BY m.id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbound messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListFeedMessages returns the newest public posts, for the gateway feed.
func (s *Store) ListFeedMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.visibility = ?
		ORDER BY m.id DESC
		LIMIT ?;
	`, VisibilityPublic, limit)
	if err != nil {
		return nil, fmt.Errorf("list feed messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
