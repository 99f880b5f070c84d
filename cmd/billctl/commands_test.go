package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billhub/billhub/internal/accounts"
	"github.com/billhub/billhub/internal/app"
	"github.com/billhub/billhub/internal/auth"
	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/ledger/ledgertest"
)

type fakeClient struct {
	enqueued []string
	tenants  []int64
}

func (f *fakeClient) EnqueueLedgerVerify(_ context.Context, tenantID int64) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, "ledger:verify")
	f.tenants = append(f.tenants, tenantID)
	return &asynq.TaskInfo{ID: "t1", Type: "ledger:verify", Queue: "default"}, nil
}

func (f *fakeClient) EnqueuePaymentsLink(_ context.Context, tenantID int64) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, "payments:link")
	f.tenants = append(f.tenants, tenantID)
	return &asynq.TaskInfo{ID: "t2", Type: "payments:link", Queue: "default"}, nil
}

func (f *fakeClient) Close() error { return nil }

func testDeps(store *ledgertest.Store, client *fakeClient) deps {
	return deps{
		loadConfig: func() (*app.Config, error) {
			return &app.Config{JWTSecret: "cli-secret"}, nil
		},
		openStore: func(context.Context, *app.Config) (ledger.Store, func(), error) {
			return store, func() {}, nil
		},
		newClient: func(*app.Config) jobEnqueuer { return client },
	}
}

func run(t *testing.T, d deps, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(d)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSchemaPrintsDDL(t *testing.T) {
	out, err := run(t, testDeps(ledgertest.New(), &fakeClient{}), "schema")
	require.NoError(t, err)
	require.Contains(t, out, "CREATE TABLE IF NOT EXISTS documents")
}

func TestTokenRoundTrips(t *testing.T) {
	out, err := run(t, testDeps(ledgertest.New(), &fakeClient{}), "token", "--tenant", "7", "--subject", "ops", "--ttl", "1h")
	require.NoError(t, err)

	tokens, err := auth.NewTokens("cli-secret", time.Hour)
	require.NoError(t, err)
	principal, err := tokens.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, int64(7), principal.TenantID)
	require.Equal(t, "ops", principal.Subject)

	_, err = run(t, testDeps(ledgertest.New(), &fakeClient{}), "token")
	require.Error(t, err)
}

func TestLedgerVerify(t *testing.T) {
	store := ledgertest.New()
	svc := accounts.NewService(store, nil, nil)
	acc, err := svc.Create(context.Background(), accounts.CreateInput{
		TenantID: 7, Name: "Till", Kind: ledger.AccountCash, OpeningBalance: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	out, err := run(t, testDeps(store, &fakeClient{}), "ledger", "verify")
	require.NoError(t, err)
	require.Contains(t, out, "ledger consistent across 1 tenant(s)")

	store.Tamper(acc.ID, decimal.NewFromInt(990))
	out, err = run(t, testDeps(store, &fakeClient{}), "ledger", "verify", "--tenant", "7")
	require.ErrorIs(t, err, errDiscrepancies)
	require.Contains(t, out, "difference=-10.00")
}

func TestJobsEnqueue(t *testing.T) {
	client := &fakeClient{}
	d := testDeps(ledgertest.New(), client)

	out, err := run(t, d, "jobs", "enqueue", "payments-link", "--tenant", "7")
	require.NoError(t, err)
	require.Contains(t, out, "enqueued payments:link")

	_, err = run(t, d, "jobs", "enqueue", "ledger-verify")
	require.NoError(t, err)
	require.Equal(t, []string{"payments:link", "ledger:verify"}, client.enqueued)
	require.Equal(t, []int64{7, 0}, client.tenants)

	_, err = run(t, d, "jobs", "enqueue", "reindex")
	require.Error(t, err)
}
