package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db/models"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

const historyWriteTimeout = 10 * time.Second

// History records finished batches. It is a runner.Observer.
type History struct {
	db  *bun.DB
	log *plog.Logger
}

var _ runner.Observer = (*History)(nil)

func NewHistory(db *bun.DB, log *plog.Logger) *History {
	return &History{db: db, log: plog.OrDiscard(log)}
}

// BatchRecord converts a finished batch into history rows.
func BatchRecord(b *runner.Batch, err error) *models.Batch {
	rec := &models.Batch{
		ID:         uuid.Must(uuid.NewV7()),
		Runner:     b.Runner(),
		Name:       b.Name(),
		RemoteDir:  b.RemoteDir(),
		JobCount:   len(b.Jobs()),
		CreatedAt:  b.Created(),
		FinishedAt: b.Finished(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	for _, j := range b.Jobs() {
		jr := &models.Job{
			ID:         uuid.Must(uuid.NewV7()),
			BatchID:    rec.ID,
			Index:      j.Index(),
			Name:       j.Name(),
			Status:     string(j.Status()),
			DurationMS: j.Duration().Milliseconds(),
			SourcePath: j.Job.SourcePath,
			OutputPath: j.Job.OutputPath,
		}
		if jerr := j.Err(); jerr != nil {
			jr.Error = jerr.Error()
			rec.Failed++
		}
		rec.Jobs = append(rec.Jobs, jr)
	}
	return rec
}

// Save inserts rec and its jobs in one transaction.
func (h *History) Save(ctx context.Context, rec *models.Batch) error {
	return h.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		if len(rec.Jobs) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&rec.Jobs).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert jobs: %w", err)
		}
		return nil
	})
}

// Recent returns the latest batches, newest first, without their jobs. An
// empty runnerName matches every runner.
func (h *History) Recent(ctx context.Context, runnerName string, limit int) ([]*models.Batch, error) {
	var batches []*models.Batch
	q := h.db.NewSelect().Model(&batches).Order("created_at DESC").Limit(limit)
	if runnerName != "" {
		q = q.Where("runner = ?", runnerName)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// Batch returns one batch with its jobs.
func (h *History) Batch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	b := new(models.Batch)
	err := h.db.NewSelect().
		Model(b).
		Relation("Jobs", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("job_index ASC")
		}).
		Where("b.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	return b, nil
}

func (h *History) BatchCreated(string, *runner.Batch) {}

func (h *History) JobFinished(string, *runner.Batch, *runner.RunnerJob) {}

func (h *History) BatchFinished(_ string, b *runner.Batch, err error) {
	rec := BatchRecord(b, err)
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if serr := h.Save(ctx, rec); serr != nil {
		h.log.Warn("failed to record batch history", "batch", b.Name(), "error", serr)
	}
}
