package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/services"
)

func RegisterAPI(api huma.API, svcs *services.Services) {
	if svcs == nil {
		svcs = services.EmptyServices()
	}
	RegisterHealth(api, svcs)
	RegisterRunners(api, svcs)
	RegisterBatches(api, svcs)
	RegisterHistory(api, svcs)
}
