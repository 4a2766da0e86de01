package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

type emailRow struct {
	ID                     string         `db:"id"`
	AccountID              string         `db:"account_id"`
	GraphID                string         `db:"graph_id"`
	InternetMessageID      string         `db:"internet_message_id"`
	Subject                string         `db:"subject"`
	FromEmail              string         `db:"from_email"`
	ToEmails               string         `db:"to_emails"`
	CcEmails               string         `db:"cc_emails"`
	BccEmails              string         `db:"bcc_emails"`
	BodyText               string         `db:"body_text"`
	BodyHTML               string         `db:"body_html"`
	BodyPreview            string         `db:"body_preview"`
	DateReceived           sql.NullInt64  `db:"date_received"`
	DateSent               sql.NullInt64  `db:"date_sent"`
	CreatedDateTime        sql.NullInt64  `db:"created_date_time"`
	LastModifiedDateTime   sql.NullInt64  `db:"last_modified_date_time"`
	Importance             string         `db:"importance"`
	IsRead                 bool           `db:"is_read"`
	IsReadReceiptRequested bool           `db:"is_read_receipt_requested"`
	ConversationID         string         `db:"conversation_id"`
	ConversationIndex      string         `db:"conversation_index"`
	Categories             string         `db:"categories"`
	Flag                   sql.NullString `db:"flag"`
	HasAttachments         bool           `db:"has_attachments"`
	Attachments            string         `db:"attachments"`
	WebLink                string         `db:"web_link"`
	GraphMetadata          string         `db:"graph_metadata"`
	IsProcessed            bool           `db:"is_processed"`
	ProcessedAt            sql.NullInt64  `db:"processed_at"`
	CreatedAt              int64          `db:"created_at"`
	UpdatedAt              int64          `db:"updated_at"`
}

const emailColumns = `id, account_id, graph_id, internet_message_id, subject, from_email,
	to_emails, cc_emails, bcc_emails, body_text, body_html, body_preview,
	date_received, date_sent, created_date_time, last_modified_date_time,
	importance, is_read, is_read_receipt_requested, conversation_id, conversation_index,
	categories, flag, has_attachments, attachments, web_link, graph_metadata,
	is_processed, processed_at, created_at, updated_at`

func newEmailRow(e *mail.Email) (emailRow, error) {
	row := emailRow{
		ID:                     e.ID,
		AccountID:              e.AccountID,
		GraphID:                e.GraphID,
		InternetMessageID:      e.InternetMessageID,
		Subject:                e.Subject,
		FromEmail:              e.From,
		BodyText:               e.BodyText,
		BodyHTML:               e.BodyHTML,
		BodyPreview:            e.BodyPreview,
		DateReceived:           toMillis(e.ReceivedAt),
		DateSent:               toMillis(e.SentAt),
		CreatedDateTime:        toMillis(e.CreatedDateTime),
		LastModifiedDateTime:   toMillis(e.LastModifiedDateTime),
		Importance:             string(e.Importance),
		IsRead:                 e.IsRead,
		IsReadReceiptRequested: e.IsReadReceiptRequested,
		ConversationID:         e.ConversationID,
		ConversationIndex:      e.ConversationIndex,
		HasAttachments:         e.HasAttachments,
		WebLink:                e.WebLink,
	}
	if row.Importance == "" {
		row.Importance = string(mail.ImportanceNormal)
	}
	if len(e.Flag) > 0 {
		row.Flag = sql.NullString{String: string(e.Flag), Valid: true}
	}

	fields := []struct {
		dst   *string
		value any
		empty any
	}{
		{&row.ToEmails, e.To, []string{}},
		{&row.CcEmails, e.Cc, []string{}},
		{&row.BccEmails, e.Bcc, []string{}},
		{&row.Categories, e.Categories, []string{}},
		{&row.Attachments, e.Attachments, []mail.Attachment{}},
	}
	for _, f := range fields {
		v := f.value
		if isNil(v) {
			v = f.empty
		}
		b, err := json.Marshal(v)
		if err != nil {
			return emailRow{}, fmt.Errorf("encode email %s: %w", e.GraphID, err)
		}
		*f.dst = string(b)
	}

	overflow, err := mail.EncodeOverflow(e.Overflow)
	if err != nil {
		return emailRow{}, fmt.Errorf("encode email %s: %w", e.GraphID, err)
	}
	row.GraphMetadata = string(overflow)
	return row, nil
}

func isNil(v any) bool {
	switch x := v.(type) {
	case []string:
		return x == nil
	case []mail.Attachment:
		return x == nil
	}
	return v == nil
}

func (r emailRow) toEmail() (*mail.Email, error) {
	e := &mail.Email{
		ID:                     r.ID,
		AccountID:              r.AccountID,
		GraphID:                r.GraphID,
		InternetMessageID:      r.InternetMessageID,
		Subject:                r.Subject,
		From:                   r.FromEmail,
		BodyText:               r.BodyText,
		BodyHTML:               r.BodyHTML,
		BodyPreview:            r.BodyPreview,
		ReceivedAt:             fromMillis(r.DateReceived),
		SentAt:                 fromMillis(r.DateSent),
		CreatedDateTime:        fromMillis(r.CreatedDateTime),
		LastModifiedDateTime:   fromMillis(r.LastModifiedDateTime),
		Importance:             mail.Importance(r.Importance),
		IsRead:                 r.IsRead,
		IsReadReceiptRequested: r.IsReadReceiptRequested,
		ConversationID:         r.ConversationID,
		ConversationIndex:      r.ConversationIndex,
		HasAttachments:         r.HasAttachments,
		WebLink:                r.WebLink,
		IsProcessed:            r.IsProcessed,
		ProcessedAt:            fromMillis(r.ProcessedAt),
		CreatedAt:              time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:              time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.Flag.Valid {
		e.Flag = json.RawMessage(r.Flag.String)
	}

	decode := []struct {
		src string
		dst any
	}{
		{r.ToEmails, &e.To},
		{r.CcEmails, &e.Cc},
		{r.BccEmails, &e.Bcc},
		{r.Categories, &e.Categories},
		{r.Attachments, &e.Attachments},
		{r.GraphMetadata, &e.Overflow},
	}
	for _, d := range decode {
		if err := json.Unmarshal([]byte(d.src), d.dst); err != nil {
			return nil, fmt.Errorf("decode email %s: %w", r.ID, err)
		}
	}
	return e, nil
}

// UpsertEmail stores e under its (account, graph id) key in a single
// transaction. An existing row is overwritten in full, except for the
// downstream processing flags and its id and creation time. e is updated
// with the stored id and timestamps.
func (s *Store) UpsertEmail(ctx context.Context, e *mail.Email) (created bool, err error) {
	if e.AccountID == "" || e.GraphID == "" {
		return false, fmt.Errorf("email requires account id and graph id")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing struct {
		ID        string `db:"id"`
		CreatedAt int64  `db:"created_at"`
	}
	err = tx.GetContext(ctx, &existing,
		`SELECT id, created_at FROM emails WHERE account_id = ? AND graph_id = ?`, e.AccountID, e.GraphID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return false, fmt.Errorf("failed to look up email: %w", err)
	}

	now := s.now()
	if created {
		e.ID = uuid.NewString()
		e.CreatedAt = now.UTC().Truncate(time.Millisecond)
	} else {
		e.ID = existing.ID
		e.CreatedAt = time.UnixMilli(existing.CreatedAt).UTC()
	}
	e.UpdatedAt = now.UTC().Truncate(time.Millisecond)

	row, err := newEmailRow(e)
	if err != nil {
		return false, err
	}
	row.CreatedAt = e.CreatedAt.UnixMilli()
	row.UpdatedAt = e.UpdatedAt.UnixMilli()

	if created {
		err = insertEmail(ctx, tx, row)
	} else {
		err = updateEmail(ctx, tx, row)
	}
	if err != nil {
		return false, err
	}

	if s.outbox {
		if err := s.enqueueIngested(ctx, tx, e, created, now); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit email: %w", err)
	}
	return created, nil
}

func insertEmail(ctx context.Context, tx *sqlx.Tx, row emailRow) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO emails (`+emailColumns+`)
		VALUES (:id, :account_id, :graph_id, :internet_message_id, :subject, :from_email,
			:to_emails, :cc_emails, :bcc_emails, :body_text, :body_html, :body_preview,
			:date_received, :date_sent, :created_date_time, :last_modified_date_time,
			:importance, :is_read, :is_read_receipt_requested, :conversation_id, :conversation_index,
			:categories, :flag, :has_attachments, :attachments, :web_link, :graph_metadata,
			:is_processed, :processed_at, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %s: %w", row.GraphID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert email: %w", err)
	}
	return nil
}

func updateEmail(ctx context.Context, tx *sqlx.Tx, row emailRow) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE emails SET
			internet_message_id = :internet_message_id,
			subject = :subject,
			from_email = :from_email,
			to_emails = :to_emails,
			cc_emails = :cc_emails,
			bcc_emails = :bcc_emails,
			body_text = :body_text,
			body_html = :body_html,
			body_preview = :body_preview,
			date_received = :date_received,
			date_sent = :date_sent,
			created_date_time = :created_date_time,
			last_modified_date_time = :last_modified_date_time,
			importance = :importance,
			is_read = :is_read,
			is_read_receipt_requested = :is_read_receipt_requested,
			conversation_id = :conversation_id,
			conversation_index = :conversation_index,
			categories = :categories,
			flag = :flag,
			has_attachments = :has_attachments,
			attachments = :attachments,
			web_link = :web_link,
			graph_metadata = :graph_metadata,
			updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}
	return nil
}

// GetEmail loads an email by internal id.
func (s *Store) GetEmail(ctx context.Context, id string) (*mail.Email, error) {
	return s.getEmail(ctx, id, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
}

// GetEmailByGraphID loads an email by its natural key.
func (s *Store) GetEmailByGraphID(ctx context.Context, accountID, graphID string) (*mail.Email, error) {
	return s.getEmail(ctx, graphID, `SELECT `+emailColumns+` FROM emails WHERE account_id = ? AND graph_id = ?`, accountID, graphID)
}

func (s *Store) getEmail(ctx context.Context, key string, query string, args ...any) (*mail.Email, error) {
	var row emailRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("email %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return row.toEmail()
}

// EmailFilter narrows ListEmails. A zero Limit means 50.
type EmailFilter struct {
	AccountID string
	Limit     int
	Offset    int
}

// ListEmails returns emails newest first.
func (s *Store) ListEmails(ctx context.Context, f EmailFilter) ([]mail.Email, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := `SELECT ` + emailColumns + ` FROM emails`
	args := []any{}
	if f.AccountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, f.AccountID)
	}
	query += ` ORDER BY date_received DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}

	emails := make([]mail.Email, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, nil
}

// CountEmails returns the number of stored emails for an account.
func (s *Store) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return n, nil
}
