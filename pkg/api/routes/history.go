package routes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/schemas"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/services"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db/models"
)

// ListHistoryInput defines the input for listing recorded batches
type ListHistoryInput struct {
	Runner string `query:"runner" doc:"Filter by runner" required:"false"`
	Limit  int    `query:"limit" default:"20" minimum:"1" maximum:"500" doc:"Maximum number of batches"`
}

// ListHistoryOutput is the response for listing recorded batches
type ListHistoryOutput struct {
	Body struct {
		Batches []schemas.HistoryBatch `json:"batches" doc:"Recorded batches, newest first"`
	}
}

// GetHistoryInput identifies a recorded batch
type GetHistoryInput struct {
	ID string `path:"id" doc:"Record ID"`
}

// GetHistoryOutput is the response for getting a recorded batch
type GetHistoryOutput struct {
	Body schemas.HistoryBatch
}

// RegisterHistory registers the batch history routes
func RegisterHistory(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/api/history",
		Summary:     "List batch history",
		Description: "List recorded batches",
		Tags:        []string{"History"},
	}, func(ctx context.Context, input *ListHistoryInput) (*ListHistoryOutput, error) {
		if svcs.History == nil {
			return nil, huma.Error503ServiceUnavailable("history database not configured")
		}

		list, err := svcs.History.Recent(ctx, input.Runner, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list history: %v", err))
		}

		resp := &ListHistoryOutput{}
		resp.Body.Batches = make([]schemas.HistoryBatch, len(list))
		for i, b := range list {
			resp.Body.Batches[i] = historyToResponse(b)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/api/history/{id}",
		Summary:     "Get a recorded batch",
		Description: "Get a recorded batch with its jobs",
		Tags:        []string{"History"},
	}, func(ctx context.Context, input *GetHistoryInput) (*GetHistoryOutput, error) {
		if svcs.History == nil {
			return nil, huma.Error503ServiceUnavailable("history database not configured")
		}

		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid id: %v", err))
		}

		b, err := svcs.History.Batch(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, huma.Error404NotFound(fmt.Sprintf("batch %s not found", id))
		}
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to get batch: %v", err))
		}

		return &GetHistoryOutput{Body: historyToResponse(b)}, nil
	})
}

func historyToResponse(b *models.Batch) schemas.HistoryBatch {
	resp := schemas.HistoryBatch{
		ID:         b.ID.String(),
		Runner:     b.Runner,
		Name:       b.Name,
		JobCount:   b.JobCount,
		Failed:     b.Failed,
		Error:      b.Error,
		CreatedAt:  b.CreatedAt,
		FinishedAt: b.FinishedAt,
	}
	for _, j := range b.Jobs {
		resp.Jobs = append(resp.Jobs, schemas.HistoryJob{
			Index:      j.Index,
			Name:       j.Name,
			Status:     j.Status,
			Error:      j.Error,
			DurationMS: j.DurationMS,
			OutputPath: j.OutputPath,
		})
	}
	return resp
}
