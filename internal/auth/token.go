package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mail-ingest/internal/config"
)

// GraphScope is the app-only scope for Microsoft Graph.
const GraphScope = "https://graph.microsoft.com/.default"

const (
	expirySkew      = 5 * time.Minute
	maxTokenTTL     = 55 * time.Minute
	defaultLifetime = time.Hour
	exchangeTimeout = 30 * time.Second
)

// TokenCache holds the single application token shared by every Graph call.
// A token is handed out only while it is inside its cache window, which ends
// five minutes before the provider's expiry and never more than 55 minutes
// after issue.
type TokenCache struct {
	creds  config.Azure
	conf   *clientcredentials.Config
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	token   string
	expires time.Time

	group singleflight.Group
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(tc *TokenCache) { tc.client = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(tc *TokenCache) { tc.now = now }
}

// NewTokenCache builds a cache for the given application credential. An
// incomplete credential is reported on the first Token call.
func NewTokenCache(creds config.Azure, opts ...Option) *TokenCache {
	authority := strings.TrimRight(creds.Authority, "/")
	if authority == "" {
		authority = "https://login.microsoftonline.com"
	}

	tc := &TokenCache{
		creds: creds,
		conf: &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     authority + "/" + creds.TenantID + "/oauth2/v2.0/token",
			Scopes:       []string{GraphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Token returns a valid bearer token, exchanging credentials when the cached
// one is absent or about to expire.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	tok, _, err := c.Current(ctx)
	return tok, err
}

type cachedToken struct {
	token   string
	expires time.Time
}

// Current is Token plus the end of the token's cache window.
func (c *TokenCache) Current(ctx context.Context) (string, time.Time, error) {
	if tok, exp, ok := c.cached(); ok {
		return tok, exp, nil
	}

	// Waiters share one exchange; it outlives the context of the caller
	// that started it.
	ch := c.group.DoChan("token", func() (any, error) {
		if tok, exp, ok := c.cached(); ok {
			return cachedToken{token: tok, expires: exp}, nil
		}
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		return c.exchange(exCtx)
	})

	select {
	case <-ctx.Done():
		return "", time.Time{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", time.Time{}, res.Err
		}
		ct := res.Val.(cachedToken)
		return ct.token, ct.expires, nil
	}
}

// Invalidate drops the cached token so the next call exchanges again.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expires = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) cached() (string, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == "" || !c.now().Before(c.expires) {
		return "", time.Time{}, false
	}
	return c.token, c.expires, true
}

func (c *TokenCache) exchange(ctx context.Context) (cachedToken, error) {
	if err := c.validate(); err != nil {
		return cachedToken{}, err
	}

	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}

	issued := c.now()
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return cachedToken{}, tokenError(err)
	}
	if tok.AccessToken == "" {
		return cachedToken{}, &TokenError{Err: errors.New("response carried no access token")}
	}

	ttl := expiresIn(tok, issued) - expirySkew
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	if ttl <= 0 {
		log.Warn().Dur("ttl", ttl).Msg("token lifetime too short to cache")
		return cachedToken{token: tok.AccessToken, expires: issued}, nil
	}

	ct := cachedToken{token: tok.AccessToken, expires: issued.Add(ttl)}

	c.mu.Lock()
	c.token = ct.token
	c.expires = ct.expires
	c.mu.Unlock()

	log.Debug().Time("expires", ct.expires).Msg("acquired graph token")
	return ct, nil
}

func (c *TokenCache) validate() error {
	var missing []string
	if c.creds.ClientID == "" {
		missing = append(missing, "AZURE_CLIENT_ID")
	}
	if c.creds.ClientSecret == "" {
		missing = append(missing, "AZURE_CLIENT_SECRET")
	}
	if c.creds.TenantID == "" {
		missing = append(missing, "AZURE_TENANT_ID")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// expiresIn reads the provider's expires_in, falling back to the parsed
// expiry and then to one hour.
func expiresIn(tok *oauth2.Token, issued time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}

	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(issued)
	}
	return defaultLifetime
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		te := &TokenError{Code: re.ErrorCode, Description: re.ErrorDescription, Err: err}
		if re.Response != nil {
			te.StatusCode = re.Response.StatusCode
		}
		return te
	}
	return &TokenError{Err: err}
}
