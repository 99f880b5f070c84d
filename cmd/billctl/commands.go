package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/billhub/billhub/internal/accounts"
	"github.com/billhub/billhub/internal/app"
	"github.com/billhub/billhub/internal/auth"
	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/platform/cache"
	"github.com/billhub/billhub/internal/platform/db"
	"github.com/billhub/billhub/jobs"
)

// errDiscrepancies makes `ledger verify` exit non-zero when balances drift.
var errDiscrepancies = errors.New("ledger discrepancies found")

type jobEnqueuer interface {
	EnqueueLedgerVerify(ctx context.Context, tenantID int64) (*asynq.TaskInfo, error)
	EnqueuePaymentsLink(ctx context.Context, tenantID int64) (*asynq.TaskInfo, error)
	Close() error
}

type deps struct {
	loadConfig func() (*app.Config, error)
	openStore  func(ctx context.Context, cfg *app.Config) (ledger.Store, func(), error)
	newClient  func(cfg *app.Config) jobEnqueuer
}

func defaultDeps() deps {
	return deps{
		loadConfig: app.LoadConfig,
		openStore: func(ctx context.Context, cfg *app.Config) (ledger.Store, func(), error) {
			pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("billctl"))
			if err != nil {
				return nil, nil, err
			}
			return ledger.NewPostgresStore(pool), pool.Close, nil
		},
		newClient: func(cfg *app.Config) jobEnqueuer {
			return jobs.NewClient(cache.QueueOptions(cfg.RedisAddr))
		},
	}
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "billctl",
		Short:         "Operator tooling for billhub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSchemaCmd(), newTokenCmd(d), newLedgerCmd(d), newJobsCmd(d))
	return root
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the PostgreSQL DDL the ledger store expects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), ledger.Schema)
			return err
		},
	}
}

func newTokenCmd(d deps) *cobra.Command {
	var (
		tenantID int64
		subject  string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a tenant",
		Example: `  billctl token --tenant 7 --subject frontdesk
  billctl token --tenant 7 --subject ops --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantID <= 0 {
				return fmt.Errorf("--tenant must be positive")
			}
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			raw, err := tokens.Issue(tenantID, subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), raw)
			return err
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id embedded in the token")
	cmd.Flags().StringVar(&subject, "subject", "billctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	return cmd
}

func newLedgerCmd(d deps) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger maintenance",
	}
	var tenantID int64
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check every account balance against opening balance plus movements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := d.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			tenants := []int64{tenantID}
			if tenantID == 0 {
				if tenants, err = store.Tenants(ctx); err != nil {
					return err
				}
			}
			svc := accounts.NewService(store, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)), nil)
			out := cmd.OutOrStdout()
			drift := 0
			for _, id := range tenants {
				found, err := svc.Verify(ctx, id)
				if err != nil {
					return fmt.Errorf("tenant %d: %w", id, err)
				}
				for _, disc := range found {
					fmt.Fprintf(out, "tenant=%d account=%d name=%q expected=%s actual=%s difference=%s\n",
						id, disc.AccountID, disc.Name, disc.Expected.StringFixed(2), disc.Actual.StringFixed(2), disc.Difference().StringFixed(2))
				}
				drift += len(found)
			}
			if drift > 0 {
				return fmt.Errorf("%w: %d", errDiscrepancies, drift)
			}
			fmt.Fprintf(out, "ledger consistent across %d tenant(s)\n", len(tenants))
			return nil
		},
	}
	verify.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id; 0 checks every tenant")
	ledgerCmd.AddCommand(verify)
	return ledgerCmd
}

func newJobsCmd(d deps) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Background job helpers",
	}
	var tenantID int64
	enqueue := &cobra.Command{
		Use:       "enqueue [ledger-verify|payments-link]",
		Short:     "Enqueue a background job now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"ledger-verify", "payments-link"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			client := d.newClient(cfg)
			defer client.Close()

			var info *asynq.TaskInfo
			switch args[0] {
			case "ledger-verify":
				info, err = client.EnqueueLedgerVerify(cmd.Context(), tenantID)
			case "payments-link":
				info, err = client.EnqueuePaymentsLink(cmd.Context(), tenantID)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return err
		},
	}
	enqueue.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id; 0 targets every tenant")
	jobsCmd.AddCommand(enqueue)
	return jobsCmd
}
