package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/server"
)

type SessionHandler struct {
	svc *server.Service
}

func NewSessionHandler(svc *server.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// List handles GET /api/sessions?projectId=&taskId=&status=
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := h.svc.ListSessions(models.SessionFilter{
		ProjectID: q.Get("projectId"),
		TaskID:    q.Get("taskId"),
		Status:    models.SessionStatus(q.Get("status")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := h.svc.CreateSession(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// Spawn handles POST /api/sessions/spawn. The response only acknowledges
// the request; the process details travel in the session:spawn event.
func (h *SessionHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	var req models.SpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resp, err := h.svc.Spawn(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Get handles GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Update handles PATCH /api/sessions/{id}
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch models.SessionPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := h.svc.UpdateSession(chi.URLParam(r, "id"), patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Delete handles DELETE /api/sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddTask handles POST /api/sessions/{id}/tasks/{taskId}
func (h *SessionHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.AddTaskToSession(chi.URLParam(r, "id"), chi.URLParam(r, "taskId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// RemoveTask handles DELETE /api/sessions/{id}/tasks/{taskId}
func (h *SessionHandler) RemoveTask(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.RemoveTaskFromSession(chi.URLParam(r, "id"), chi.URLParam(r, "taskId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// AppendEvent handles POST /api/sessions/{id}/events
func (h *SessionHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var req models.AppendSessionEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := h.svc.AppendSessionEvent(chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
