package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

type accountRow struct {
	ID         string        `db:"id"`
	Email      string        `db:"email"`
	IsActive   bool          `db:"is_active"`
	LastSynced sql.NullInt64 `db:"last_synced"`
	SyncError  string        `db:"sync_error"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
}

func (r accountRow) toAccount() *mail.Account {
	return &mail.Account{
		ID:         r.ID,
		Email:      r.Email,
		IsActive:   r.IsActive,
		LastSynced: fromMillis(r.LastSynced),
		SyncError:  r.SyncError,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

const accountColumns = `id, email, is_active, last_synced, sync_error, created_at, updated_at`

// CreateAccount registers a mailbox. Addresses are unique case-insensitively.
func (s *Store) CreateAccount(ctx context.Context, email string, active bool) (*mail.Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("account email is required")
	}

	now := s.now().UnixMilli()
	row := accountRow{
		ID:        uuid.NewString(),
		Email:     email,
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO accounts (id, email, is_active, sync_error, created_at, updated_at)
		VALUES (:id, :email, :is_active, :sync_error, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("account %s: %w", email, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return row.toAccount(), nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
}

// GetAccountByEmail loads an account by address, ignoring case.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*mail.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, strings.TrimSpace(email))
}

func (s *Store) getAccount(ctx context.Context, query string, arg string) (*mail.Account, error) {
	var row accountRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toAccount(), nil
}

// ListAccounts returns every account ordered by address.
func (s *Store) ListAccounts(ctx context.Context) ([]mail.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY email`)
}

// ListActiveAccounts returns the accounts a fleet run should visit.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]mail.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY email`)
}

func (s *Store) listAccounts(ctx context.Context, query string) ([]mail.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]mail.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, *r.toAccount())
	}
	return accounts, nil
}

// SetAccountActive toggles whether an account is ingested.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	return s.updateAccount(ctx, id, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, s.now().UnixMilli(), id)
}

// DeleteAccount removes an account together with its stored emails.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.updateAccount(ctx, id, `DELETE FROM accounts WHERE id = ?`, id)
}

// MarkSynced records a successful run and clears the last error.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.updateAccount(ctx, id, `UPDATE accounts SET last_synced = ?, sync_error = '', updated_at = ? WHERE id = ?`,
		at.UnixMilli(), s.now().UnixMilli(), id)
}

// MarkSyncFailed records the error text of a failed run. last_synced is
// left untouched.
func (s *Store) MarkSyncFailed(ctx context.Context, id string, syncErr string) error {
	return s.updateAccount(ctx, id, `UPDATE accounts SET sync_error = ?, updated_at = ? WHERE id = ?`,
		syncErr, s.now().UnixMilli(), id)
}

func (s *Store) updateAccount(ctx context.Context, id string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
