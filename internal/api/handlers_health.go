package api

import (
	"net/http"

	"github.com/iammorganparry/clive/apps/maestro/internal/server"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

type HealthHandler struct {
	db  *store.DB
	svc *server.Service
}

func NewHealthHandler(db *store.DB, svc *server.Service) *HealthHandler {
	return &HealthHandler{db: db, svc: svc}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.Health(h.db)
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
