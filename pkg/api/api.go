package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Api struct {
	Api    huma.API
	Router *chi.Mux
}

// NewApi builds the status API router. metrics, when not nil, is served on
// /metrics.
func NewApi(metrics http.Handler) *Api {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	config := huma.DefaultConfig("pprofit status", "1.0.0")
	api := humachi.New(router, config)

	return &Api{Api: api, Router: router}
}
