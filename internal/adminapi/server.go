// Package adminapi is the status/admin query surface over the warehouse
// (spec C13): job status lookups, a failed-job listing, and a retry
// trigger that replays the stored task payload through the runner
// in-process. A retry does not create a new queue delivery and does not
// increment any queue attempt count.
package adminapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server hosts the admin API.
type Server struct {
	handlers *Handlers
	logger   *zap.Logger
}

func New(handlers *Handlers, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handlers: handlers, logger: logger}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/jobs").Subrouter()
	api.HandleFunc("/{job_id}/status", s.handlers.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/failed", s.handlers.ListFailed).Methods(http.MethodGet)
	api.HandleFunc("/{job_id}/retry", s.handlers.Retry).Methods(http.MethodPost)
	return router
}
