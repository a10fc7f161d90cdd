package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/catalog-sync/pkg/health"
	"github.com/utafrali/catalog-sync/pkg/pubsub"

	"github.com/utafrali/catalog-sync/internal/outbox"
)

// statsResponse aggregates component statistics for the ops surface.
type statsResponse struct {
	Broker    pubsub.BrokerStats    `json:"broker"`
	Publisher pubsub.PublisherStats `json:"publisher"`
	Projector pubsub.GroupStats     `json:"projector"`
	Outbox    outbox.Stats          `json:"outbox"`
}

// newRouter builds the ops router: health, metrics, and admin endpoints.
// The product-facing API lives elsewhere; this surface is for operators.
func (a *App) newRouter(healthHandler *health.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/admin/stats", a.handleStats)
	r.Post("/admin/sync", a.handleFullSync)
	r.Get("/admin/sync/status", a.handleSyncStatus)

	return r
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	groupStats, err := a.factory.Stats(projectorGroupID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	outboxStats, err := a.outboxes.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Broker:    a.broker.Stats(),
		Publisher: a.publisher.Stats(),
		Projector: groupStats,
		Outbox:    outboxStats,
	})
}

// handleFullSync kicks off a full reconciliation in the background and
// returns immediately.
func (a *App) handleFullSync(w http.ResponseWriter, _ *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := a.reconciler.FullSync(ctx); err != nil {
			a.logger.Error("full sync failed", "error", err.Error())
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "full sync started"})
}

func (a *App) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	inSync, err := a.reconciler.InSync(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"in_sync": inSync})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
