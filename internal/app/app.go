// Package app wires the ingestion pipeline from configuration. It is shared
// by the HTTP server and the fetchmail command.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/config"
	"github.com/Martian-dev/mail-ingest/internal/graph"
	"github.com/Martian-dev/mail-ingest/internal/store"
	mailsync "github.com/Martian-dev/mail-ingest/internal/sync"
)

// App holds the long-lived pipeline components.
type App struct {
	Config *config.Config
	Store  *store.Store
	Tokens *auth.TokenCache
	Graph  *graph.Client
	Fleet  *mailsync.Manager

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels []context.CancelFunc
}

// New opens the store and builds the Graph client, runner and fleet
// manager. Ingestion events are queued in the outbox whenever NATS is
// configured, even for processes that do not publish them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	var storeOpts []store.Option
	if cfg.NATSURL != "" {
		storeOpts = append(storeOpts, store.WithOutbox())
	}

	st, err := store.Open(ctx, cfg.DatabasePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if !cfg.Azure.Configured() {
		log.Warn().Msg("Azure credentials are incomplete; Graph calls will fail")
	}

	tokens := auth.NewTokenCache(cfg.Azure)
	client := graph.NewClient(cfg.GraphEndpoint, tokens, graph.WithTimeout(cfg.RequestTimeout))
	runner := mailsync.NewRunner(client, st, mailsync.WithAttachments(cfg.FetchAttachments))

	return &App{
		Config: cfg,
		Store:  st,
		Tokens: tokens,
		Graph:  client,
		Fleet:  mailsync.NewManager(st, runner),
	}, nil
}

// Directory returns a Graph SDK directory client sharing the token cache.
func (a *App) Directory() (*graph.Directory, error) {
	return graph.NewDirectory(a.Tokens.Credential(), a.Config.GraphEndpoint)
}

// Go runs fn in the background on a child of ctx.
func (a *App) Go(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(ctx)
	}()
}

// Stop cancels the work started with Go and waits for it to return.
func (a *App) Stop() {
	a.mu.Lock()
	for _, cancel := range a.cancels {
		cancel()
	}
	a.cancels = nil
	a.mu.Unlock()

	a.wg.Wait()
}

// Close stops background work, then releases the store.
func (a *App) Close() error {
	a.Stop()
	return a.Store.Close()
}
