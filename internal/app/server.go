package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/market-crawl-worker/internal/config"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// BrokerPing checks broker connectivity for the readiness probe.
type BrokerPing func(ctx context.Context) error

// AdminServer exposes the operational surface of the worker: liveness,
// readiness, Prometheus metrics and in-flight task introspection.
type AdminServer struct {
	srv *http.Server
	log *slog.Logger
}

// NewAdminServer builds the admin HTTP server on cfg.AdminPort.
func NewAdminServer(cfg config.Config, sup *Supervisor, ping BrokerPing, log *slog.Logger) *AdminServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "broker: " + err.Error(),
			})
			return
		}
		status := sup.Status()
		if status != domain.WorkerRunning && status != domain.WorkerDraining {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "worker " + string(status),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/tasks", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": sup.ActiveTasks()})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sup.Descriptor())
	})

	return &AdminServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown. The error channel receives at most one
// non-nil error.
func (a *AdminServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("admin server listening", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops the server gracefully.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
