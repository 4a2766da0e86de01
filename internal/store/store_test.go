package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEmail(accountID, graphID string) *mail.Email {
	received := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	return &mail.Email{
		AccountID:      accountID,
		GraphID:        graphID,
		Subject:        "Quarterly report",
		From:           "ana@example.com",
		To:             []string{"bo@example.com"},
		Cc:             []string{},
		Bcc:            []string{},
		BodyHTML:       "<p>hi</p>",
		ReceivedAt:     &received,
		Importance:     mail.ImportanceHigh,
		Categories:     []string{"Blue"},
		Flag:           json.RawMessage(`{"flagStatus":"notFlagged"}`),
		HasAttachments: true,
		Attachments:    []mail.Attachment{{ID: "att-1", Name: "a.pdf", Size: 10}},
		Overflow: map[string]json.RawMessage{
			"parentFolderId": json.RawMessage(`"AQMk"`),
		},
	}
}

func TestOpen_FileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mail.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	acct, err := s.GetAccountByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, acct.IsActive)
}

func TestOpenReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("missing database is not created", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "fresh")
		path := filepath.Join(dir, "mail.db")

		_, err := OpenReadOnly(ctx, path)
		assert.ErrorIs(t, err, ErrNotFound)

		_, statErr := os.Stat(dir)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("existing database is readable but not writable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mail.db")

		s, err := Open(ctx, path)
		require.NoError(t, err)
		_, err = s.CreateAccount(ctx, "ops@example.com", true)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		ro, err := OpenReadOnly(ctx, path)
		require.NoError(t, err)
		defer ro.Close()

		accounts, err := ro.ListActiveAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, "ops@example.com", accounts[0].Email)

		_, err = ro.CreateAccount(ctx, "sales@example.com", true)
		assert.Error(t, err)
	})
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ops, err := s.CreateAccount(ctx, " ops@example.com ", true)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", ops.Email)
	assert.NotEmpty(t, ops.ID)
	assert.Nil(t, ops.LastSynced)

	_, err = s.CreateAccount(ctx, "OPS@example.com", true)
	assert.True(t, errors.Is(err, ErrDuplicate))

	_, err = s.CreateAccount(ctx, "archive@example.com", false)
	require.NoError(t, err)

	got, err := s.GetAccountByEmail(ctx, "Ops@Example.com")
	require.NoError(t, err)
	assert.Equal(t, ops.ID, got.ID)

	_, err = s.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ops@example.com", active[0].Email)

	require.NoError(t, s.SetAccountActive(ctx, ops.ID, false))
	active, err = s.ListActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.True(t, errors.Is(s.SetAccountActive(ctx, "missing", true), ErrNotFound))
}

func TestSyncStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)

	require.NoError(t, s.MarkSyncFailed(ctx, acct.ID, "error fetching messages: boom"))
	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "error fetching messages: boom", got.SyncError)
	assert.Nil(t, got.LastSynced)

	syncedAt := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkSynced(ctx, acct.ID, syncedAt))
	got, err = s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SyncError)
	require.NotNil(t, got.LastSynced)
	assert.True(t, got.LastSynced.Equal(syncedAt))

	require.NoError(t, s.MarkSyncFailed(ctx, acct.ID, "later failure"))
	got, err = s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSynced)
	assert.True(t, got.LastSynced.Equal(syncedAt))

	assert.True(t, errors.Is(s.MarkSynced(ctx, "missing", syncedAt), ErrNotFound))
}

func TestUpsertEmail_CreateThenOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)

	first := sampleEmail(acct.ID, "m1")
	created, err := s.UpsertEmail(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, first.ID)

	_, err = s.db.ExecContext(ctx, `UPDATE emails SET is_processed = 1 WHERE id = ?`, first.ID)
	require.NoError(t, err)

	second := sampleEmail(acct.ID, "m1")
	second.Subject = "Quarterly report (v2)"
	second.To = []string{"carl@example.com"}
	second.Flag = nil
	created, err = s.UpsertEmail(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := s.CountEmails(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEmailByGraphID(ctx, acct.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report (v2)", got.Subject)
	assert.Equal(t, []string{"carl@example.com"}, got.To)
	assert.Nil(t, got.Flag)
	assert.True(t, got.IsProcessed)
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
}

func TestUpsertEmail_RoundTripsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)

	e := sampleEmail(acct.ID, "m1")
	_, err = s.UpsertEmail(ctx, e)
	require.NoError(t, err)

	got, err := s.GetEmail(ctx, e.ID)
	require.NoError(t, err)

	assert.Equal(t, "ana@example.com", got.From)
	assert.Equal(t, []string{"bo@example.com"}, got.To)
	assert.Equal(t, []string{}, got.Cc)
	assert.Equal(t, "<p>hi</p>", got.BodyHTML)
	assert.Equal(t, mail.ImportanceHigh, got.Importance)
	assert.Equal(t, []string{"Blue"}, got.Categories)
	assert.JSONEq(t, `{"flagStatus":"notFlagged"}`, string(got.Flag))
	assert.Equal(t, []mail.Attachment{{ID: "att-1", Name: "a.pdf", Size: 10}}, got.Attachments)
	assert.JSONEq(t, `"AQMk"`, string(got.Overflow["parentFolderId"]))
	require.NotNil(t, got.ReceivedAt)
	assert.True(t, got.ReceivedAt.Equal(*e.ReceivedAt))
	assert.Nil(t, got.SentAt)
	assert.False(t, got.IsProcessed)
}

func TestDeleteAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)
	_, err = s.UpsertEmail(ctx, sampleEmail(acct.ID, "m1"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteAccount(ctx, acct.ID))

	_, err = s.GetAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.CountEmails(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, s.DeleteAccount(ctx, acct.ID), ErrNotFound)
}

func TestUpsertEmail_OverflowStoredVerbatim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)

	e := sampleEmail(acct.ID, "m1")
	e.Overflow = map[string]json.RawMessage{
		"html": json.RawMessage(`"<b>a & b</b>"`),
		"n":    json.RawMessage(`[1,  2]`),
	}
	_, err = s.UpsertEmail(ctx, e)
	require.NoError(t, err)

	var stored string
	require.NoError(t, s.db.GetContext(ctx, &stored, `SELECT graph_metadata FROM emails WHERE id = ?`, e.ID))
	assert.Equal(t, `{"html":"<b>a & b</b>","n":[1,  2]}`, stored)

	got, err := s.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, `"<b>a & b</b>"`, string(got.Overflow["html"]))
	assert.Equal(t, `[1,  2]`, string(got.Overflow["n"]))
}

func TestUpsertEmail_RequiresNaturalKey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertEmail(context.Background(), &mail.Email{AccountID: "a"})
	assert.Error(t, err)
}

func TestListEmails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAccount(ctx, "a@example.com", true)
	require.NoError(t, err)
	b, err := s.CreateAccount(ctx, "b@example.com", true)
	require.NoError(t, err)

	for i, id := range []string{"m1", "m2", "m3"} {
		e := sampleEmail(a.ID, id)
		received := time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC)
		e.ReceivedAt = &received
		_, err := s.UpsertEmail(ctx, e)
		require.NoError(t, err)
	}
	_, err = s.UpsertEmail(ctx, sampleEmail(b.ID, "other"))
	require.NoError(t, err)

	emails, err := s.ListEmails(ctx, EmailFilter{AccountID: a.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "m3", emails[0].GraphID)
	assert.Equal(t, "m2", emails[1].GraphID)

	emails, err = s.ListEmails(ctx, EmailFilter{AccountID: a.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "m1", emails[0].GraphID)

	all, err := s.ListEmails(ctx, EmailFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestOutbox(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithOutbox(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)

	e := sampleEmail(acct.ID, "m1")
	_, err = s.UpsertEmail(ctx, e)
	require.NoError(t, err)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	msg := pending[0]
	assert.Equal(t, "mail."+acct.ID+".email.ingested", msg.Subject)
	assert.Equal(t, EventEmailIngested, msg.EventType)
	assert.NotEmpty(t, msg.MsgID)

	var event EmailIngested
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, e.ID, event.EmailID)
	assert.Equal(t, "m1", event.GraphID)
	assert.True(t, event.Created)
	assert.Equal(t, msg.MsgID, event.EventID)

	require.NoError(t, s.MarkOutboxRetry(ctx, msg.ID, 10*time.Second))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	now = now.Add(11 * time.Second)
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)

	require.NoError(t, s.MarkPublished(ctx, msg.ID))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUpsertEmail_NoOutboxByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, "ops@example.com", true)
	require.NoError(t, err)
	_, err = s.UpsertEmail(ctx, sampleEmail(acct.ID, "m1"))
	require.NoError(t, err)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
