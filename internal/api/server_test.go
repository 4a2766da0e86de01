package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-ingest/internal/graph"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/store"
	mailsync "github.com/Martian-dev/mail-ingest/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFetcher struct {
	fleetCalls   []mailsync.FetchOptions
	accountCalls []string
	lastOpts     mailsync.FetchOptions
	fleetErr     error
	refreshErr   error
}

func (f *fakeFetcher) FetchAll(_ context.Context, opts mailsync.FetchOptions) (*mailsync.FleetResult, error) {
	f.fleetCalls = append(f.fleetCalls, opts)
	if f.fleetErr != nil {
		return nil, f.fleetErr
	}
	return &mailsync.FleetResult{
		TotalAccounts:      1,
		SuccessfulAccounts: 1,
		TotalEmails:        4,
		Results:            map[string]*mailsync.FetchResult{"ops@example.com": {Success: true, Count: 4}},
	}, nil
}

func (f *fakeFetcher) FetchAccount(_ context.Context, account mail.Account, opts mailsync.FetchOptions) *mailsync.FetchResult {
	f.accountCalls = append(f.accountCalls, account.Email)
	f.lastOpts = opts
	return &mailsync.FetchResult{Account: account.Email, Status: mailsync.StatusSuccess, Success: true, Count: 2, NewCount: 2, Errors: []string{}}
}

func (f *fakeFetcher) RefreshMessage(_ context.Context, account mail.Account, graphID string) (*mail.Email, bool, error) {
	if f.refreshErr != nil {
		return nil, false, f.refreshErr
	}
	return &mail.Email{AccountID: account.ID, GraphID: graphID, Subject: "refreshed"}, true, nil
}

type fakeResolver struct {
	err error
}

func (r fakeResolver) Lookup(_ context.Context, address string) (*graph.Mailbox, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &graph.Mailbox{ID: "user-1", Mail: address, Enabled: true}, nil
}

type testServer struct {
	store   *store.Store
	fetcher *fakeFetcher
	handler http.Handler
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fakeFetcher{}
	return &testServer{store: st, fetcher: f, handler: New(st, f, opts...).Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (ts *testServer) account(t *testing.T, email string, active bool) *mail.Account {
	t.Helper()
	acct, err := ts.store.CreateAccount(context.Background(), email, active)
	require.NoError(t, err)
	return acct
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAccount(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/accounts", map[string]any{"email": "ops@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ops@example.com", body["email"])
	assert.Equal(t, true, body["is_active"])

	rec, body = ts.do(t, http.MethodPost, "/api/accounts", map[string]any{"email": "ops@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, body["error"])

	rec, _ = ts.do(t, http.MethodPost, "/api/accounts", map[string]any{"email": "archive@example.com", "is_active": false})
	require.Equal(t, http.StatusCreated, rec.Code)
	acct, err := ts.store.GetAccountByEmail(context.Background(), "archive@example.com")
	require.NoError(t, err)
	assert.False(t, acct.IsActive)

	rec, body = ts.do(t, http.MethodPost, "/api/accounts", map[string]any{"email": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", body["error"])
	assert.Contains(t, body["details"], "email")
}

func TestCreateAccount_MailboxResolver(t *testing.T) {
	ts := newTestServer(t, WithMailboxResolver(fakeResolver{err: graph.ErrMailboxDisabled}))

	rec, body := ts.do(t, http.MethodPost, "/api/accounts", map[string]any{"email": "gone@example.com"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["details"], "disabled")

	accounts, err := ts.store.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)

	ts = newTestServer(t, WithMailboxResolver(fakeResolver{}))
	rec, _ = ts.do(t, http.MethodPost, "/api/accounts", map[string]any{"email": "ops@example.com"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAccountReadAndUpdate(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "ops@example.com", true)
	ts.account(t, "sales@example.com", true)

	rec, body := ts.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, body = ts.do(t, http.MethodGet, "/api/accounts/ops@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops@example.com", body["email"])

	rec, _ = ts.do(t, http.MethodGet, "/api/accounts/nobody@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = ts.do(t, http.MethodPatch, "/api/accounts/ops@example.com", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["is_active"])

	rec, _ = ts.do(t, http.MethodPatch, "/api/accounts/ops@example.com", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteAccount(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	acct := ts.account(t, "ops@example.com", true)
	other := ts.account(t, "sales@example.com", true)
	_, err := ts.store.UpsertEmail(ctx, &mail.Email{AccountID: acct.ID, GraphID: "m1"})
	require.NoError(t, err)
	_, err = ts.store.UpsertEmail(ctx, &mail.Email{AccountID: other.ID, GraphID: "m1"})
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodDelete, "/api/accounts/ops@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/accounts/ops@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	n, err := ts.store.CountEmails(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = ts.store.CountEmails(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, body := ts.do(t, http.MethodDelete, "/api/accounts/ops@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Email account not found", body["error"])
}

func TestEmails(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ops := ts.account(t, "ops@example.com", true)
	sales := ts.account(t, "sales@example.com", true)

	var first *mail.Email
	for i, id := range []string{"m1", "m2", "m3"} {
		received := time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC)
		e := &mail.Email{AccountID: ops.ID, GraphID: id, Subject: id, ReceivedAt: &received}
		_, err := ts.store.UpsertEmail(ctx, e)
		require.NoError(t, err)
		if first == nil {
			first = e
		}
	}
	_, err := ts.store.UpsertEmail(ctx, &mail.Email{AccountID: sales.ID, GraphID: "s1"})
	require.NoError(t, err)

	rec, body := ts.do(t, http.MethodGet, "/api/emails?account=ops@example.com&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
	emails := body["emails"].([]any)
	assert.Equal(t, "m3", emails[0].(map[string]any)["graph_id"])

	rec, body = ts.do(t, http.MethodGet, "/api/emails", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["count"])

	rec, _ = ts.do(t, http.MethodGet, "/api/emails?account=nobody@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/api/emails?limit=zero&offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["details"], "limit")
	assert.Contains(t, body["details"], "offset")

	rec, body = ts.do(t, http.MethodGet, "/api/emails/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1", body["graph_id"])

	rec, _ = ts.do(t, http.MethodGet, "/api/emails/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchAll(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/fetch?limit=10&since=2024-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["successful_accounts"])
	assert.EqualValues(t, 4, body["total_emails"])
	assert.NotContains(t, body, "results")
	results, ok := body["account_results"].(map[string]any)
	require.True(t, ok, "account_results missing: %v", body)
	assert.Contains(t, results, "ops@example.com")

	require.Len(t, ts.fetcher.fleetCalls, 1)
	opts := ts.fetcher.fleetCalls[0]
	assert.Equal(t, 10, opts.Limit)
	require.NotNil(t, opts.Since)
	assert.True(t, opts.Since.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFetch_ValidatesBeforeFetching(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "ops@example.com", true)

	for _, path := range []string{
		"/api/fetch?limit=abc",
		"/api/fetch?limit=0",
		"/api/fetch?since=yesterday",
		"/api/fetch/ops@example.com?limit=-5",
		"/api/fetch/ops@example.com?since=01-02-2024",
	} {
		rec, body := ts.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "Validation failed", body["error"], path)
	}

	assert.Empty(t, ts.fetcher.fleetCalls)
	assert.Empty(t, ts.fetcher.accountCalls)
}

func TestFetchAll_Failure(t *testing.T) {
	ts := newTestServer(t)
	ts.fetcher.fleetErr = errors.New("list active accounts: database is locked")

	rec, body := ts.do(t, http.MethodPost, "/api/fetch", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to fetch emails", body["error"])
	assert.Contains(t, body["details"], "database is locked")
}

func TestFetchAccount(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "ops@example.com", true)

	rec, body := ts.do(t, http.MethodPost, "/api/fetch/ops@example.com?since=2024-02-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["new_count"])
	assert.Equal(t, []string{"ops@example.com"}, ts.fetcher.accountCalls)
	require.NotNil(t, ts.fetcher.lastOpts.Since)

	rec, _ = ts.do(t, http.MethodPost, "/api/fetch/nobody@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, ts.fetcher.accountCalls, 1)
}

func TestRefreshMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "ops@example.com", true)

	rec, body := ts.do(t, http.MethodPost, "/api/accounts/ops@example.com/messages/AAMk1/refresh", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["created"])

	ts.fetcher.refreshErr = &graph.StatusError{StatusCode: http.StatusNotFound, Code: "ErrorItemNotFound"}
	rec, _ = ts.do(t, http.MethodPost, "/api/accounts/ops@example.com/messages/gone/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.fetcher.refreshErr = mailsync.ErrAccountInactive
	rec, _ = ts.do(t, http.MethodPost, "/api/accounts/ops@example.com/messages/AAMk1/refresh", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	deny := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	ts := newTestServer(t, WithAuth(deny))

	rec, _ := ts.do(t, http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/fetch", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.fetcher.fleetCalls)

	rec, _ = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
