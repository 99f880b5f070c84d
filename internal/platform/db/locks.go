package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AdvisoryXactLock takes an exclusive transaction-scoped advisory lock for key.
// The lock is released automatically on commit or rollback.
func AdvisoryXactLock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("platform/db: advisory lock %q: %w", key, err)
	}
	return nil
}
