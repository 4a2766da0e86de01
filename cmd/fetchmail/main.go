// Command fetchmail ingests mail from Microsoft Graph for the configured
// accounts, once.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mail-ingest/internal/app"
	"github.com/Martian-dev/mail-ingest/internal/config"
	"github.com/Martian-dev/mail-ingest/internal/logger"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/store"
	mailsync "github.com/Martian-dev/mail-ingest/internal/sync"
)

// accounts is the part of the store the command reads.
type accounts interface {
	GetAccountByEmail(ctx context.Context, email string) (*mail.Account, error)
	ListActiveAccounts(ctx context.Context) ([]mail.Account, error)
}

// fetcher runs the ingestion.
type fetcher interface {
	FetchAll(ctx context.Context, opts mailsync.FetchOptions) (*mailsync.FleetResult, error)
	FetchAccount(ctx context.Context, account mail.Account, opts mailsync.FetchOptions) *mailsync.FetchResult
}

type env struct {
	accounts accounts
	fetcher  fetcher
	close    func() error
}

// openFunc prepares the command's dependencies. A dry run gets a read-only
// view of an existing database and no fetcher.
type openFunc func(ctx context.Context, dryRun bool) (*env, error)

type flags struct {
	email  string
	since  string
	limit  int
	dryRun bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openApp).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func openApp(ctx context.Context, dryRun bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel, cfg.Environment)

	if dryRun {
		st, err := store.OpenReadOnly(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return &env{accounts: st, close: st.Close}, nil
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &env{accounts: a.Store, fetcher: a.Fleet, close: a.Close}, nil
}

func newRootCmd(open openFunc) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "fetchmail",
		Short: "Fetch emails from Microsoft Graph for active email accounts",
		Long: `fetchmail pages through the mailboxes of every active email account
(or a single one with --email) and stores new and changed messages.

Dates given to --since are read as UTC.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, open, f)
		},
	}

	cmd.Flags().StringVar(&f.email, "email", "", "fetch emails for a specific email account only")
	cmd.Flags().StringVar(&f.since, "since", "", "only fetch emails received after this date (YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC 3339)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of emails to fetch per account")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "show what would be done without fetching emails")

	return cmd
}

func run(cmd *cobra.Command, open openFunc, f flags) error {
	out := cmd.OutOrStdout()

	var opts mailsync.FetchOptions
	if cmd.Flags().Changed("limit") {
		if f.limit <= 0 {
			return fmt.Errorf("invalid --limit %d: must be a positive integer", f.limit)
		}
		opts.Limit = f.limit
	}
	if f.since != "" {
		since, err := mailsync.ParseSince(f.since)
		if err != nil {
			return fmt.Errorf("invalid date format for --since: %s. Use YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", f.since)
		}
		opts.Since = &since
	}

	ctx := cmd.Context()
	e, err := open(ctx, f.dryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}()

	if f.dryRun {
		fmt.Fprintln(out, "DRY RUN MODE - No emails will be fetched")
	}

	if f.email != "" {
		return fetchOne(ctx, out, e, f, opts)
	}
	return fetchAll(ctx, out, e, f, opts)
}

func fetchOne(ctx context.Context, out io.Writer, e *env, f flags, opts mailsync.FetchOptions) error {
	acct, err := e.accounts.GetAccountByEmail(ctx, f.email)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("email account not found: %s", f.email)
	}
	if err != nil {
		return err
	}
	if !acct.IsActive {
		return fmt.Errorf("email account is not active: %s", f.email)
	}

	if f.dryRun {
		fmt.Fprintf(out, "Would fetch emails for: %s\n", acct.Email)
		printBounds(out, opts, "Limit")
		return nil
	}

	fmt.Fprintf(out, "Fetching emails for: %s\n", acct.Email)
	res := e.fetcher.FetchAccount(ctx, *acct, opts)
	if !res.Success {
		fmt.Fprintf(out, "Failed to fetch emails: %v\n", res.Errors)
		return fmt.Errorf("fetch failed for %s", acct.Email)
	}

	fmt.Fprintf(out, "Successfully fetched %d emails (%d new, %d updated)\n", res.Count, res.NewCount, res.UpdatedCount)
	if len(res.Errors) > 0 {
		fmt.Fprintf(out, "Warnings: %d errors occurred\n", len(res.Errors))
	}
	return nil
}

func fetchAll(ctx context.Context, out io.Writer, e *env, f flags, opts mailsync.FetchOptions) error {
	active, err := e.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		fmt.Fprintln(out, "No active email accounts found")
		return nil
	}

	if f.dryRun {
		fmt.Fprintf(out, "Would fetch emails for %d active account(s):\n", len(active))
		for _, acct := range active {
			fmt.Fprintf(out, "  - %s\n", acct.Email)
		}
		printBounds(out, opts, "Limit per account")
		return nil
	}

	fmt.Fprintf(out, "Fetching emails for %d active account(s)...\n", len(active))
	fleet, err := e.fetcher.FetchAll(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Completed: %d successful, %d failed\n", fleet.SuccessfulAccounts, fleet.FailedAccounts)
	fmt.Fprintf(out, "  Total emails: %d\n", fleet.TotalEmails)

	emails := make([]string, 0, len(fleet.Results))
	for email := range fleet.Results {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	for _, email := range emails {
		res := fleet.Results[email]
		if res.Success {
			fmt.Fprintf(out, "  ok %s: %d emails (%d new, %d updated)\n", email, res.Count, res.NewCount, res.UpdatedCount)
		} else {
			fmt.Fprintf(out, "  FAILED %s: %v\n", email, res.Errors)
		}
	}

	if fleet.FailedAccounts > 0 {
		return fmt.Errorf("%d account(s) failed", fleet.FailedAccounts)
	}
	return nil
}

func printBounds(out io.Writer, opts mailsync.FetchOptions, limitLabel string) {
	if opts.Since != nil {
		fmt.Fprintf(out, "  Since: %s\n", opts.Since.Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		fmt.Fprintf(out, "  %s: %d\n", limitLabel, opts.Limit)
	}
}
