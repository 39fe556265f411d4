package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

// Recent() filters by runner and orders by creation; Batch() loads jobs by
// batch id.
func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		return execAll(ctx, db,
			"CREATE INDEX IF NOT EXISTS batches_runner_created_idx ON history.batches (runner, created_at DESC)",
			"CREATE INDEX IF NOT EXISTS jobs_batch_idx ON history.jobs (batch_id, job_index)",
		)
	}, func(ctx context.Context, db *bun.DB) error {
		return execAll(ctx, db,
			"DROP INDEX IF EXISTS history.jobs_batch_idx",
			"DROP INDEX IF EXISTS history.batches_runner_created_idx",
		)
	})
}
