package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// ListSessions returns the sessions matching filter.
func (c *Client) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("projectId", filter.ProjectID)
	}
	if filter.TaskID != "" {
		q.Set("taskId", filter.TaskID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}

	var sessions []*models.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", q, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns a single session.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession registers a session record without spawning anything.
func (c *Client) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ProjectID == "" {
		return nil, Invalid("projectId is required")
	}
	var sess models.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", nil, req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession sends a partial session update.
func (c *Client) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	var sess models.Session
	if err := c.do(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(id), nil, patch, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil, nil)
}

// AddTaskToSession links a task and a session on both sides atomically.
func (c *Client) AddTaskToSession(ctx context.Context, sessionID, taskID string) (*models.Session, error) {
	var sess models.Session
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/tasks/" + url.PathEscape(taskID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// RemoveTaskFromSession unlinks a task and a session on both sides atomically.
func (c *Client) RemoveTaskFromSession(ctx context.Context, sessionID, taskID string) (*models.Session, error) {
	var sess models.Session
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/tasks/" + url.PathEscape(taskID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// AppendSessionEvent adds an entry to a session's activity log.
func (c *Client) AppendSessionEvent(ctx context.Context, sessionID string, req models.AppendSessionEventRequest) (*models.Session, error) {
	var sess models.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/events", nil, req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SpawnSession asks the server to spawn a session. The response is only an
// acknowledgment; the process is created when the session:spawn event
// arrives.
func (c *Client) SpawnSession(ctx context.Context, req models.SpawnRequest) (*models.SpawnResponse, error) {
	if req.ProjectID == "" {
		return nil, Invalid("projectId is required")
	}
	if len(req.TaskIDs) == 0 {
		return nil, Invalid("at least one taskId is required")
	}
	var resp models.SpawnResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions/spawn", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
