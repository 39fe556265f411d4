package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/schemas"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/services"
)

// ListRunnersOutput is the response for listing runners
type ListRunnersOutput struct {
	Body struct {
		Runners []schemas.RunnerResponse `json:"runners" doc:"Configured runners"`
	}
}

// RegisterRunners registers the runner configuration route
func RegisterRunners(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runners",
		Method:      http.MethodGet,
		Path:        "/api/runners",
		Summary:     "List runners",
		Description: "List the runners of the loaded fit configuration",
		Tags:        []string{"Runners"},
	}, func(ctx context.Context, input *struct{}) (*ListRunnersOutput, error) {
		if svcs.Config == nil {
			return nil, huma.Error503ServiceUnavailable("no fit configuration loaded")
		}

		resp := &ListRunnersOutput{}
		resp.Body.Runners = []schemas.RunnerResponse{}
		for _, name := range svcs.Config.RunnerNames() {
			rc := svcs.Config.Runners[name]
			resp.Body.Runners = append(resp.Body.Runners, schemas.RunnerResponse{
				Name:       name,
				Type:       rc.Type,
				RemoteHost: rc.RemoteHost,
				NProcesses: rc.NProcesses,
				BatchSize:  rc.BatchSize,
			})
		}
		return resp, nil
	})
}
