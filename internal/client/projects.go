package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

func (c *Client) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, Invalid("name is required")
	}
	var p models.Project
	if err := c.do(ctx, http.MethodPost, "/api/projects", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	var p models.Project
	if err := c.do(ctx, http.MethodPatch, "/api/projects/"+url.PathEscape(id), nil, patch, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(id), nil, nil, nil)
}
