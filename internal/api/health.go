package api

import (
	"errors"
	"net/http"

	"gatehouse/internal/cache"
	"gatehouse/internal/db"
)

type HealthHandler struct {
	database *db.DB
	counts   cache.Store
}

func NewHealthHandler(database *db.DB, counts cache.Store) *HealthHandler {
	return &HealthHandler{database: database, counts: counts}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK

	dbStatus := "ok"
	if err := h.database.Ping(); err != nil {
		dbStatus = "error"
		status = http.StatusServiceUnavailable
	}

	// A miss on the probe key is the healthy case; only transport errors count.
	cacheStatus := "ok"
	if _, err := h.counts.Get(r.Context(), "healthcheck"); err != nil && !errors.Is(err, cache.ErrMiss) {
		cacheStatus = "error"
		status = http.StatusServiceUnavailable
	}

	result := "ok"
	if status != http.StatusOK {
		result = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status": result,
		"checks": map[string]string{
			"database": dbStatus,
			"cache":    cacheStatus,
		},
	})
}
