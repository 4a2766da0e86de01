package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

const (
	// MaxPageSize is the largest $top the client sends.
	MaxPageSize = 100

	maxAttempts       = 3
	defaultRetryAfter = 60 * time.Second
	filterTimeLayout  = "2006-01-02T15:04:05Z"
)

var attachmentFields = []string{"id", "name", "contentType", "size", "isInline", "lastModifiedDateTime"}

// TokenSource supplies bearer tokens and can be told to drop the current one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Client is a Microsoft Graph REST client for mailbox reads. Every call goes
// through one bounded retry loop that handles throttling, token expiry and
// transport failures.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	sleep      Sleeper
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithSleeper replaces the wait used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithLimiter replaces the client-side request pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a Graph client rooted at baseURL
// (e.g. https://graph.microsoft.com/v1.0).
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 15),
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListMessages returns one page of a mailbox's messages, newest first.
// hasMore reports whether Graph advertised a further page.
func (c *Client) ListMessages(ctx context.Context, mailbox string, pageSize, offset int, since *time.Time) ([]json.RawMessage, bool, error) {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	params := []string{
		"$top=" + strconv.Itoa(pageSize),
		"$skip=" + strconv.Itoa(offset),
		"$orderby=" + escape("receivedDateTime desc"),
		"$select=" + escape(strings.Join(mail.MappedFields, ",")),
	}
	if since != nil {
		params = append(params, "$filter="+escape("receivedDateTime gt "+since.UTC().Format(filterTimeLayout)))
	}

	body, err := c.get(ctx, "list messages", c.mailboxURL(mailbox, "messages")+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, false, err
	}

	var page struct {
		Value    []json.RawMessage `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, false, fmt.Errorf("decode message page: %w", err)
	}

	return page.Value, page.NextLink != "", nil
}

// GetMessage returns a single message payload.
func (c *Client) GetMessage(ctx context.Context, mailbox, id string) (json.RawMessage, error) {
	u := c.mailboxURL(mailbox, "messages", id) + "?$select=" + escape(strings.Join(mail.MappedFields, ","))

	body, err := c.get(ctx, "get message", u)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// ListAttachments returns attachment metadata for a message. Content bytes
// are never requested.
func (c *Client) ListAttachments(ctx context.Context, mailbox, messageID string) ([]mail.Attachment, error) {
	u := c.mailboxURL(mailbox, "messages", messageID, "attachments") + "?$select=" + escape(strings.Join(attachmentFields, ","))

	body, err := c.get(ctx, "list attachments", u)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []mail.Attachment `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if page.Value == nil {
		page.Value = []mail.Attachment{}
	}
	return page.Value, nil
}

func (c *Client) mailboxURL(mailbox string, segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/users/")
	b.WriteString(url.PathEscape(mailbox))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRateLimited
	outcomeUnauthorized
	outcomeTransient
	outcomeFatal
)

type attemptResult struct {
	outcome outcome
	body    []byte
	wait    time.Duration
	err     error
}

// get runs the retry loop for a GET request.
func (c *Client) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	var (
		lastErr      error
		reauthorized bool
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res := c.attempt(ctx, rawURL)
		last := attempt == maxAttempts-1

		switch res.outcome {
		case outcomeOK:
			return res.body, nil

		case outcomeFatal:
			return nil, res.err

		case outcomeUnauthorized:
			if reauthorized {
				return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
			}
			reauthorized = true
			lastErr = fmt.Errorf("%s: %w", op, ErrUnauthorized)
			log.Warn().Str("op", op).Int("attempt", attempt+1).Msg("graph rejected token, re-acquiring")
			c.tokens.Invalidate()
			if _, err := c.tokens.Token(ctx); err != nil {
				return nil, err
			}

		case outcomeRateLimited:
			lastErr = res.err
			log.Warn().Str("op", op).Int("attempt", attempt+1).Dur("retry_after", res.wait).Msg("graph throttled request")
			if !last {
				if err := c.sleep(ctx, res.wait); err != nil {
					return nil, err
				}
			}

		case outcomeTransient:
			lastErr = res.err
			backoff := time.Duration(1<<attempt) * time.Second
			log.Warn().Err(res.err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("graph request failed")
			if !last {
				if err := c.sleep(ctx, backoff); err != nil {
					return nil, err
				}
			}
		}
	}

	return nil, &FetchError{Op: op, Attempts: maxAttempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, rawURL string) attemptResult {
	if err := c.limiter.Wait(ctx); err != nil {
		return attemptResult{outcome: outcomeFatal, err: err}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return attemptResult{outcome: outcomeFatal, err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attemptResult{outcome: outcomeFatal, err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{outcome: outcomeFatal, err: ctx.Err()}
		}
		return attemptResult{outcome: outcomeTransient, err: fmt.Errorf("%w: %w", ErrTransient, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{outcome: outcomeTransient, err: fmt.Errorf("%w: read body: %w", ErrTransient, err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return attemptResult{outcome: outcomeOK, body: body}
	case resp.StatusCode == http.StatusTooManyRequests:
		return attemptResult{
			outcome: outcomeRateLimited,
			wait:    retryAfter(resp.Header.Get("Retry-After"), c.now()),
			err:     ErrRateLimited,
		}
	case resp.StatusCode == http.StatusUnauthorized:
		return attemptResult{outcome: outcomeUnauthorized}
	default:
		return attemptResult{outcome: outcomeFatal, err: newStatusError(resp.StatusCode, body)}
	}
}

// retryAfter reads a Retry-After value given in seconds or as an HTTP date.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// escape encodes an OData query value with %20 for spaces.
func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
