package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/graph"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/store"
	mailsync "github.com/Martian-dev/mail-ingest/internal/sync"
)

const (
	defaultEmailLimit = 50
	maxEmailLimit     = 500
)

// Store is the persistence the API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, email string, active bool) (*mail.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*mail.Account, error)
	ListAccounts(ctx context.Context) ([]mail.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	DeleteAccount(ctx context.Context, id string) error
	GetEmail(ctx context.Context, id string) (*mail.Email, error)
	ListEmails(ctx context.Context, f store.EmailFilter) ([]mail.Email, error)
}

// Fetcher triggers ingestion runs.
type Fetcher interface {
	FetchAll(ctx context.Context, opts mailsync.FetchOptions) (*mailsync.FleetResult, error)
	FetchAccount(ctx context.Context, account mail.Account, opts mailsync.FetchOptions) *mailsync.FetchResult
	RefreshMessage(ctx context.Context, account mail.Account, graphID string) (*mail.Email, bool, error)
}

// MailboxResolver confirms that an address is a usable mailbox.
type MailboxResolver interface {
	Lookup(ctx context.Context, address string) (*graph.Mailbox, error)
}

// Server exposes account management, stored emails and fetch triggers.
type Server struct {
	store     Store
	fetcher   Fetcher
	mailboxes MailboxResolver
	auth      gin.HandlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithMailboxResolver validates new accounts against the directory.
func WithMailboxResolver(r MailboxResolver) Option {
	return func(s *Server) { s.mailboxes = r }
}

// WithAuth protects the /api routes with mw.
func WithAuth(mw gin.HandlerFunc) Option {
	return func(s *Server) { s.auth = mw }
}

// New creates a server.
func New(st Store, fetcher Fetcher, opts ...Option) *Server {
	s := &Server{store: st, fetcher: fetcher}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.health)

	api := r.Group("/api")
	if s.auth != nil {
		api.Use(s.auth)
	}

	api.POST("/accounts", s.createAccount)
	api.GET("/accounts", s.listAccounts)
	api.GET("/accounts/:email", s.getAccount)
	api.PATCH("/accounts/:email", s.updateAccount)
	api.DELETE("/accounts/:email", s.deleteAccount)
	api.POST("/accounts/:email/messages/:id/refresh", s.refreshMessage)

	api.GET("/emails", s.listEmails)
	api.GET("/emails/:id", s.getEmail)

	api.POST("/fetch", s.fetchAll)
	api.POST("/fetch/:email", s.fetchAccount)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}

func abort(c *gin.Context, status int, msg string, details any) {
	body := gin.H{"error": msg}
	if details != nil {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}

func internalError(c *gin.Context, msg string, err error) {
	log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	abort(c, http.StatusInternalServerError, msg, err.Error())
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		abort(c, http.StatusServiceUnavailable, "database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createAccountRequest struct {
	Email    string `json:"email" binding:"required,email"`
	IsActive *bool  `json:"is_active"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Validation failed", gin.H{"email": []string{err.Error()}})
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ctx := c.Request.Context()
	if s.mailboxes != nil {
		mb, err := s.mailboxes.Lookup(ctx, req.Email)
		if err != nil {
			abort(c, http.StatusUnprocessableEntity, "Mailbox not usable", err.Error())
			return
		}
		log.Info().Str("account", req.Email).Str("mailbox", mb.ID).Msg("mailbox verified")
	}

	acct, err := s.store.CreateAccount(ctx, req.Email, active)
	if errors.Is(err, store.ErrDuplicate) {
		abort(c, http.StatusConflict, "Email account already exists", req.Email)
		return
	}
	if err != nil {
		internalError(c, "Failed to create email account", err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		internalError(c, "Failed to retrieve email accounts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// account resolves the :email path parameter, writing a 404 when unknown.
func (s *Server) account(c *gin.Context) (*mail.Account, bool) {
	email := c.Param("email")
	acct, err := s.store.GetAccountByEmail(c.Request.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "Email account not found", "No account found for "+email)
		return nil, false
	}
	if err != nil {
		internalError(c, "Failed to retrieve email account", err)
		return nil, false
	}
	return acct, true
}

func (s *Server) getAccount(c *gin.Context) {
	acct, ok := s.account(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, acct)
}

type updateAccountRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func (s *Server) updateAccount(c *gin.Context) {
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Validation failed", gin.H{"is_active": []string{err.Error()}})
		return
	}
	acct, ok := s.account(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.store.SetAccountActive(ctx, acct.ID, *req.IsActive); err != nil {
		internalError(c, "Failed to update email account", err)
		return
	}
	acct, ok = s.account(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, acct)
}

// deleteAccount stops monitoring an account and drops its stored emails.
func (s *Server) deleteAccount(c *gin.Context) {
	acct, ok := s.account(c)
	if !ok {
		return
	}
	if err := s.store.DeleteAccount(c.Request.Context(), acct.ID); err != nil {
		internalError(c, "Failed to delete email account", err)
		return
	}
	log.Info().Str("account", acct.Email).Msg("email account deleted")
	c.Status(http.StatusNoContent)
}

func (s *Server) listEmails(c *gin.Context) {
	filter := store.EmailFilter{Limit: defaultEmailLimit}
	details := gin.H{}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEmailLimit {
			details["limit"] = []string{"Must be an integer between 1 and " + strconv.Itoa(maxEmailLimit)}
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details["offset"] = []string{"Must be a non-negative integer"}
		}
		filter.Offset = n
	}
	if len(details) > 0 {
		abort(c, http.StatusBadRequest, "Validation failed", details)
		return
	}

	ctx := c.Request.Context()
	if email := strings.TrimSpace(c.Query("account")); email != "" {
		acct, err := s.store.GetAccountByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			abort(c, http.StatusNotFound, "Email account not found", "No account found for "+email)
			return
		}
		if err != nil {
			internalError(c, "Failed to retrieve emails", err)
			return
		}
		filter.AccountID = acct.ID
	}

	emails, err := s.store.ListEmails(ctx, filter)
	if err != nil {
		internalError(c, "Failed to retrieve emails", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails, "count": len(emails)})
}

func (s *Server) getEmail(c *gin.Context) {
	email, err := s.store.GetEmail(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "Email not found", nil)
		return
	}
	if err != nil {
		internalError(c, "Failed to retrieve email", err)
		return
	}
	c.JSON(http.StatusOK, email)
}

// fetchOptions reads limit and since from the query string.
func fetchOptions(c *gin.Context) (mailsync.FetchOptions, bool) {
	var opts mailsync.FetchOptions
	details := gin.H{}

	if v := c.Query("limit"); v != "" {
		n, err := mailsync.ParseLimit(v)
		if err != nil {
			details["limit"] = []string{"Must be a positive integer"}
		}
		opts.Limit = n
	}
	if v := c.Query("since"); v != "" {
		t, err := mailsync.ParseSince(v)
		if err != nil {
			details["since"] = []string{"Invalid datetime format. Use ISO format."}
		}
		opts.Since = &t
	}

	if len(details) > 0 {
		abort(c, http.StatusBadRequest, "Validation failed", details)
		return opts, false
	}
	return opts, true
}

func (s *Server) fetchAll(c *gin.Context) {
	opts, ok := fetchOptions(c)
	if !ok {
		return
	}
	fleet, err := s.fetcher.FetchAll(c.Request.Context(), opts)
	if err != nil {
		internalError(c, "Failed to fetch emails", err)
		return
	}
	c.JSON(http.StatusOK, fleet)
}

func (s *Server) fetchAccount(c *gin.Context) {
	opts, ok := fetchOptions(c)
	if !ok {
		return
	}
	acct, ok := s.account(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.fetcher.FetchAccount(c.Request.Context(), *acct, opts))
}

func (s *Server) refreshMessage(c *gin.Context) {
	acct, ok := s.account(c)
	if !ok {
		return
	}

	email, created, err := s.fetcher.RefreshMessage(c.Request.Context(), *acct, c.Param("id"))
	switch {
	case errors.Is(err, mailsync.ErrAccountInactive):
		abort(c, http.StatusConflict, "Email account is not active", acct.Email)
		return
	case graph.IsNotFound(err):
		abort(c, http.StatusNotFound, "Message not found", c.Param("id"))
		return
	case err != nil:
		internalError(c, "Failed to refresh message", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"email": email, "created": created})
}
