package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

// MessageSource is the mailbox API a Runner pages through.
type MessageSource interface {
	ListMessages(ctx context.Context, mailbox string, pageSize, offset int, since *time.Time) ([]json.RawMessage, bool, error)
	GetMessage(ctx context.Context, mailbox, id string) (json.RawMessage, error)
	ListAttachments(ctx context.Context, mailbox, messageID string) ([]mail.Attachment, error)
}

// EmailStore persists normalized messages and per-account sync health.
type EmailStore interface {
	UpsertEmail(ctx context.Context, e *mail.Email) (bool, error)
	MarkSynced(ctx context.Context, accountID string, at time.Time) error
	MarkSyncFailed(ctx context.Context, accountID, syncErr string) error
}

// AccountLister yields the accounts a fleet run covers.
type AccountLister interface {
	ListActiveAccounts(ctx context.Context) ([]mail.Account, error)
}

// FetchOptions bounds a fetch. A zero Limit means no limit; a nil Since
// fetches the whole mailbox.
type FetchOptions struct {
	Limit int
	Since *time.Time
}

// Status is the terminal state of one account's fetch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// FetchResult is the outcome of fetching one account.
type FetchResult struct {
	Account      string   `json:"account"`
	Status       Status   `json:"status"`
	Success      bool     `json:"success"`
	Count        int      `json:"count"`
	NewCount     int      `json:"new_count"`
	UpdatedCount int      `json:"updated_count"`
	SkippedCount int      `json:"skipped_count"`
	Errors       []string `json:"errors"`
}

func (r *FetchResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// FleetResult aggregates a run over every active account.
type FleetResult struct {
	TotalAccounts      int                     `json:"total_accounts"`
	SuccessfulAccounts int                     `json:"successful_accounts"`
	FailedAccounts     int                     `json:"failed_accounts"`
	TotalEmails        int                     `json:"total_emails"`
	Results            map[string]*FetchResult `json:"account_results"`
}
