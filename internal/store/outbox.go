package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

// EventEmailIngested is the outbox event type written by UpsertEmail.
const EventEmailIngested = "email.ingested"

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
	Retries   int    `db:"retries"`
}

// EmailIngested is the payload announcing a stored email.
type EmailIngested struct {
	EventID    string     `json:"event_id"`
	AccountID  string     `json:"account_id"`
	EmailID    string     `json:"email_id"`
	GraphID    string     `json:"graph_id"`
	Subject    string     `json:"subject"`
	From       string     `json:"from_email,omitempty"`
	ReceivedAt *time.Time `json:"date_received,omitempty"`
	Created    bool       `json:"created"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// IngestedSubject is the NATS subject for an account's ingestion events.
func IngestedSubject(accountID string) string {
	return "mail." + accountID + "." + EventEmailIngested
}

func (s *Store) enqueueIngested(ctx context.Context, tx *sqlx.Tx, e *mail.Email, created bool, now time.Time) error {
	event := EmailIngested{
		EventID:    uuid.NewString(),
		AccountID:  e.AccountID,
		EmailID:    e.ID,
		GraphID:    e.GraphID,
		Subject:    e.Subject,
		From:       e.From,
		ReceivedAt: e.ReceivedAt,
		Created:    created,
		OccurredAt: now.UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode outbox event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.UnixMilli(), IngestedSubject(e.AccountID), EventEmailIngested, payload, event.EventID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt back.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
