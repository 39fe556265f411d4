package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db/models"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS history"); err != nil {
				return err
			}
			if _, err := tx.NewCreateTable().Model((*models.Batch)(nil)).IfNotExists().Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewCreateTable().Model((*models.Job)(nil)).IfNotExists().
				ForeignKey(`("batch_id") REFERENCES history.batches ("id") ON DELETE CASCADE`).
				Exec(ctx)
			return err
		})
	}, func(ctx context.Context, db *bun.DB) error {
		return execAll(ctx, db, "DROP SCHEMA IF EXISTS history CASCADE")
	})
}
