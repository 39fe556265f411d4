package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/services"
)

type HealthOutput struct {
	Body struct {
		Status    string `json:"status" example:"ok" doc:"Health status"`
		Runners   int    `json:"runners" doc:"Runners in the loaded fit configuration"`
		Live      bool   `json:"live_status" doc:"Live batch status store configured"`
		History   bool   `json:"history" doc:"History database configured"`
		Artifacts bool   `json:"artifacts" doc:"Artifact storage configured"`
	}
}

func RegisterHealth(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports the server is up and which backends it reads from",
		Tags:        []string{"General"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		resp := &HealthOutput{}
		resp.Body.Status = "ok"
		if svcs.Config != nil {
			resp.Body.Runners = len(svcs.Config.Runners)
		}
		resp.Body.Live = svcs.Status != nil
		resp.Body.History = svcs.History != nil
		resp.Body.Artifacts = svcs.Artifacts != nil
		return resp, nil
	})
}
