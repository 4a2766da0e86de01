package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

// pageSize is the largest page Graph serves for message listings.
const pageSize = 100

// maxStoredErrors is how many errors end up in an account's sync_error.
const maxStoredErrors = 3

var (
	// ErrAccountInactive is returned by RefreshMessage for inactive accounts.
	ErrAccountInactive = errors.New("email account is not active")

	errMissingID = errors.New("message missing id")
)

// Runner ingests one mailbox at a time into the store.
type Runner struct {
	source      MessageSource
	store       EmailStore
	attachments bool
	now         func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAttachments makes the runner fetch attachment metadata for messages
// that report attachments.
func WithAttachments(enabled bool) RunnerOption {
	return func(r *Runner) { r.attachments = enabled }
}

// WithClock replaces time.Now for last_synced.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner reading from source and writing to store.
func NewRunner(source MessageSource, store EmailStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		source: source,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FetchAccount pages through the account's mailbox and upserts every
// message. Per-message failures are collected and do not stop the batch;
// a page failure stops pagination. Sync health is written on every exit
// path except for inactive accounts, which are skipped without any call.
func (r *Runner) FetchAccount(ctx context.Context, account mail.Account, opts FetchOptions) *FetchResult {
	res := &FetchResult{Account: account.Email, Errors: []string{}}
	logger := log.With().Str("account", account.Email).Logger()

	if !account.IsActive {
		logger.Info().Msg("skipping inactive email account")
		res.Status = StatusSkipped
		return res
	}

	logger.Info().Msg("fetching emails")
	res.Success = true
	defer r.finish(ctx, account, res, logger)

	offset, seen := 0, 0
	for {
		size := pageSize
		if opts.Limit > 0 && opts.Limit-seen < size {
			size = opts.Limit - seen
		}

		page, _, err := r.source.ListMessages(ctx, account.Email, size, offset, opts.Since)
		if err != nil {
			logger.Error().Err(err).Int("offset", offset).Msg("error fetching messages")
			res.addError("error fetching messages: %v", err)
			res.Success = false
			return res
		}
		if len(page) == 0 {
			return res
		}

		for _, data := range page {
			r.ingest(ctx, account, data, res, logger)
		}

		seen += len(page)
		offset += len(page)
		if len(page) < size || (opts.Limit > 0 && seen >= opts.Limit) {
			return res
		}
	}
}

// RefreshMessage re-fetches a single message and upserts it.
func (r *Runner) RefreshMessage(ctx context.Context, account mail.Account, graphID string) (*mail.Email, bool, error) {
	if !account.IsActive {
		return nil, false, ErrAccountInactive
	}

	data, err := r.source.GetMessage(ctx, account.Email, graphID)
	if err != nil {
		return nil, false, fmt.Errorf("get message: %w", err)
	}

	email, err := parseMessage(account, data)
	if err != nil {
		return nil, false, err
	}
	attErr := r.attach(ctx, account, email)

	created, err := r.store.UpsertEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("upsert message %s: %w", email.GraphID, err)
	}
	if attErr != nil {
		log.Warn().Err(attErr).Str("account", account.Email).Str("message", graphID).Msg("attachment metadata unavailable")
	}
	return email, created, nil
}

func (r *Runner) ingest(ctx context.Context, account mail.Account, data json.RawMessage, res *FetchResult, logger zerolog.Logger) {
	email, err := parseMessage(account, data)
	switch {
	case errors.Is(err, errMissingID):
		logger.Warn().Msg("message missing id, skipping")
		res.SkippedCount++
		return
	case err != nil:
		var malformed *mail.MalformedError
		id := ""
		if errors.As(err, &malformed) {
			id = malformed.ID
		}
		logger.Error().Err(err).Str("message", id).Msg("error processing message")
		res.addError("error processing message %s: %v", id, err)
		return
	}

	attErr := r.attach(ctx, account, email)

	created, err := r.store.UpsertEmail(ctx, email)
	if err != nil {
		logger.Error().Err(err).Str("message", email.GraphID).Msg("error processing message")
		res.addError("error processing message %s: %v", email.GraphID, err)
		return
	}

	if created {
		res.NewCount++
	} else {
		res.UpdatedCount++
	}
	res.Count++

	if attErr != nil {
		logger.Warn().Err(attErr).Str("message", email.GraphID).Msg("attachment metadata unavailable")
		res.addError("error processing message %s: %v", email.GraphID, attErr)
	}
}

func parseMessage(account mail.Account, data json.RawMessage) (*mail.Email, error) {
	raw, err := mail.Parse(data)
	if err != nil {
		return nil, err
	}
	if raw.ID == "" {
		return nil, errMissingID
	}
	email := mail.Normalize(raw, account)
	return &email, nil
}

// attach fills in attachment metadata when enabled. The message is stored
// even when this fails.
func (r *Runner) attach(ctx context.Context, account mail.Account, email *mail.Email) error {
	if !r.attachments || !email.HasAttachments {
		return nil
	}
	attachments, err := r.source.ListAttachments(ctx, account.Email, email.GraphID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	email.Attachments = attachments
	return nil
}

// finish writes sync health and settles the result status. The write uses
// a context detached from cancellation so an aborted run still records why.
func (r *Runner) finish(ctx context.Context, account mail.Account, res *FetchResult, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	var err error
	if res.Success {
		err = r.store.MarkSynced(ctx, account.ID, r.now())
	} else {
		err = r.store.MarkSyncFailed(ctx, account.ID, summarize(res.Errors))
	}
	if err != nil {
		logger.Error().Err(err).Msg("error updating sync status")
		res.addError("error updating sync status: %v", err)
	}

	switch {
	case !res.Success:
		res.Status = StatusFailed
	case len(res.Errors) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusSuccess
	}

	logger.Info().
		Str("status", string(res.Status)).
		Int("count", res.Count).
		Int("new", res.NewCount).
		Int("updated", res.UpdatedCount).
		Int("skipped", res.SkippedCount).
		Msg("completed fetching")
}

func summarize(errs []string) string {
	if len(errs) > maxStoredErrors {
		errs = errs[:maxStoredErrors]
	}
	return strings.Join(errs, "; ")
}
