package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
)

// ListTasks returns the tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("projectId", filter.ProjectID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.ParentID != "" {
		q.Set("parentId", filter.ParentID)
	}

	var tasks []*models.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", q, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask returns a single task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask creates a task, or a subtask when req.ParentID is set.
func (c *Client) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if req.ProjectID == "" {
		return nil, Invalid("projectId is required")
	}
	if req.Title == "" {
		return nil, Invalid("title is required")
	}
	var task models.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask sends a partial update. Patches that break the dual-status
// permission model are refused without contacting the server.
func (c *Client) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	if err := status.CheckPatch(status.WriterFor(patch.UpdateSource), patch); err != nil {
		return nil, Invalid("%v", err)
	}
	var task models.Task
	if err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), nil, patch, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil)
}
