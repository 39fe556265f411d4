package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/schemas"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/services"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/artifact"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/kv"
)

const presignExpiry = 15 * time.Minute

// ListBatchesOutput is the response for listing batches
type ListBatchesOutput struct {
	Body struct {
		Batches []schemas.BatchResponse `json:"batches" doc:"Batches, newest first"`
	}
}

// BatchInput identifies a batch
type BatchInput struct {
	Runner string `path:"runner" doc:"Runner name"`
	Batch  string `path:"batch" doc:"Batch name"`
}

// GetBatchOutput is the response for getting a batch
type GetBatchOutput struct {
	Body schemas.BatchResponse
}

// ListArtifactsOutput is the response for listing a batch's archived output
type ListArtifactsOutput struct {
	Body struct {
		Artifacts []schemas.ArtifactResponse `json:"artifacts" doc:"Archived output files"`
	}
}

// RegisterBatches registers the live batch status routes
func RegisterBatches(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/api/batches",
		Summary:     "List batches",
		Description: "List running and recently finished batches",
		Tags:        []string{"Batches"},
	}, func(ctx context.Context, input *struct{}) (*ListBatchesOutput, error) {
		if svcs.Status == nil {
			return nil, huma.Error503ServiceUnavailable("batch status store not configured")
		}

		list, err := svcs.Status.List(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list batches: %v", err))
		}

		resp := &ListBatchesOutput{}
		resp.Body.Batches = make([]schemas.BatchResponse, len(list))
		for i, st := range list {
			resp.Body.Batches[i] = statusToBatchResponse(st)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/api/batches/{runner}/{batch}",
		Summary:     "Get batch status",
		Description: "Get the status of a batch and its jobs",
		Tags:        []string{"Batches"},
	}, func(ctx context.Context, input *BatchInput) (*GetBatchOutput, error) {
		if svcs.Status == nil {
			return nil, huma.Error503ServiceUnavailable("batch status store not configured")
		}

		st, err := svcs.Status.Get(ctx, input.Runner, input.Batch)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("batch %s/%s not found", input.Runner, input.Batch))
		}
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to get batch: %v", err))
		}

		return &GetBatchOutput{Body: statusToBatchResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batch-artifacts",
		Method:      http.MethodGet,
		Path:        "/api/batches/{runner}/{batch}/artifacts",
		Summary:     "List archived output",
		Description: "List the archived output files of a batch with presigned download URLs",
		Tags:        []string{"Batches"},
	}, func(ctx context.Context, input *BatchInput) (*ListArtifactsOutput, error) {
		if svcs.Artifacts == nil {
			return nil, huma.Error503ServiceUnavailable("artifact storage not configured")
		}

		list, err := svcs.Artifacts.List(ctx, artifact.BatchPrefix(input.Runner, input.Batch))
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list artifacts: %v", err))
		}

		resp := &ListArtifactsOutput{}
		resp.Body.Artifacts = make([]schemas.ArtifactResponse, 0, len(list))
		for _, a := range list {
			url, err := svcs.Artifacts.Presign(ctx, a.Key, presignExpiry)
			if err != nil {
				return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to presign %s: %v", a.Key, err))
			}
			resp.Body.Artifacts = append(resp.Body.Artifacts, schemas.ArtifactResponse{
				Key:  a.Key,
				Size: a.Size,
				URL:  url,
			})
		}
		return resp, nil
	})
}

func statusToBatchResponse(st *kv.BatchStatus) schemas.BatchResponse {
	resp := schemas.BatchResponse{
		Runner:     st.Runner,
		Batch:      st.Batch,
		RemoteDir:  st.RemoteDir,
		CreatedAt:  st.Created,
		FinishedAt: st.Finished,
		Error:      st.Error,
		Jobs:       make([]schemas.JobResponse, len(st.Jobs)),
	}
	for i, j := range st.Jobs {
		resp.Jobs[i] = schemas.JobResponse{
			Name:            j.Name,
			Index:           j.Index,
			Status:          string(j.Status),
			Error:           j.Error,
			DurationSeconds: j.Duration,
		}
	}
	return resp
}
