package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/artifact"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db/models"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/kv"
)

// StatusReader reads live batch status.
type StatusReader interface {
	Get(ctx context.Context, runner, batch string) (*kv.BatchStatus, error)
	List(ctx context.Context) ([]*kv.BatchStatus, error)
}

// HistoryReader reads recorded batches.
type HistoryReader interface {
	Recent(ctx context.Context, runner string, limit int) ([]*models.Batch, error)
	Batch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
}

// Services holds what the routes read from. Any field may be nil; its
// routes then answer 503.
type Services struct {
	Config    *config.Config
	Status    StatusReader
	History   HistoryReader
	Artifacts artifact.Store
}

func EmptyServices() *Services {
	return &Services{}
}
