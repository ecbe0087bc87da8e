// Package server implements the telemetry ingestion endpoint and the
// aggregation query API the dashboard reads from.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/go-chi/chi/v5"

	"github.com/asteriostudio/pulsebear/internal/config"
	"github.com/asteriostudio/pulsebear/internal/server/middleware"
	"github.com/asteriostudio/pulsebear/storage"
)

type Server struct {
	Storage storage.Storage
	Config  *config.ServerConfig

	loc *time.Location
}

func NewServer(st storage.Storage, cfg *config.ServerConfig) *Server {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		cfg.Logger.Errorf("unknown timezone %q, falling back to UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}
	return &Server{Storage: st, Config: cfg, loc: loc}
}

// Location returns the timezone series buckets are computed in.
func (srv *Server) Location() *time.Location {
	if srv.loc == nil {
		return time.UTC
	}
	return srv.loc
}

func (srv *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(middleware.LogMiddleware(srv.Config.Logger))
	router.Use(middleware.DecompressMiddleware)
	router.Use(middleware.CompressMiddleware)

	router.Post("/vitals", srv.IngestSingleHandler)
	router.Post("/vitals/batch", srv.IngestBatchHandler)
	router.Get("/ping", srv.PingHandler)

	router.Route("/api/projects/{projectID}/vitals", func(r chi.Router) {
		r.Get("/stats", srv.StatsHandler)
		r.Get("/series", srv.SeriesHandler)
		r.Get("/routes", srv.RoutesHandler)
	})

	return router
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    srv.Config.Addr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (srv *Server) PingHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.Storage.Ping(r.Context()); err != nil {
		srv.Config.Logger.Errorf("storage ping failed: %v", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		srv.Config.Logger.Errorf("failed to write response JSON: %v", err)
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func (srv *Server) errorJSON(w http.ResponseWriter, status int, message string) {
	srv.writeJSON(w, status, messageResponse{Message: message})
}

// storageError maps unexpected storage failures to a 500 without leaking
// internals to the caller.
func (srv *Server) storageError(w http.ResponseWriter, op string, err error) {
	srv.Config.Logger.Errorf("%s: %v", op, err)
	srv.errorJSON(w, http.StatusInternalServerError, "internal server error")
}
