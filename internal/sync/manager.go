package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/mail"
)

// Manager runs a Runner over every active account. Fleet runs never
// overlap: a run started while another is in progress waits for it.
type Manager struct {
	accounts AccountLister
	runner   *Runner
	mu       sync.Mutex
}

// NewManager creates a fleet manager.
func NewManager(accounts AccountLister, runner *Runner) *Manager {
	return &Manager{
		accounts: accounts,
		runner:   runner,
	}
}

// FetchAccount fetches a single account, waiting for any fleet run in
// progress to finish first.
func (m *Manager) FetchAccount(ctx context.Context, account mail.Account, opts FetchOptions) *FetchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner.FetchAccount(ctx, account, opts)
}

// RefreshMessage re-fetches one message of account.
func (m *Manager) RefreshMessage(ctx context.Context, account mail.Account, graphID string) (*mail.Email, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner.RefreshMessage(ctx, account, graphID)
}

// FetchAll fetches every active account in turn. It fails only when the
// account list cannot be read; per-account failures land in the result.
func (m *Manager) FetchAll(ctx context.Context, opts FetchOptions) (*FleetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts, err := m.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}

	log.Info().Int("accounts", len(accounts)).Msg("fetching emails for active accounts")

	fleet := &FleetResult{
		TotalAccounts: len(accounts),
		Results:       make(map[string]*FetchResult, len(accounts)),
	}
	for _, account := range accounts {
		res := m.runner.FetchAccount(ctx, account, opts)
		fleet.Results[account.Email] = res
		if res.Success {
			fleet.SuccessfulAccounts++
		} else {
			fleet.FailedAccounts++
		}
		fleet.TotalEmails += res.Count
	}

	log.Info().
		Int("successful", fleet.SuccessfulAccounts).
		Int("failed", fleet.FailedAccounts).
		Int("emails", fleet.TotalEmails).
		Msg("fleet fetch complete")

	return fleet, nil
}

// RunPeriodic calls FetchAll every interval until ctx is cancelled.
func (m *Manager) RunPeriodic(ctx context.Context, interval time.Duration, opts FetchOptions) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("periodic fetch started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("periodic fetch stopped")
			return
		case <-ticker.C:
			if _, err := m.FetchAll(ctx, opts); err != nil {
				log.Error().Err(err).Msg("periodic fetch failed")
			}
		}
	}
}
