package store

import (
	"database/sql"
	"fmt"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// CreateProject inserts a new project.
func (s *Store) CreateProject(p *models.Project) error {
	_, err := s.q.Exec(`
		INSERT INTO projects (id, name, working_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.WorkingDirectory, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject returns a project by ID, or nil if it does not exist.
func (s *Store) GetProject(id string) (*models.Project, error) {
	var p models.Project
	err := s.q.QueryRow(`
		SELECT id, name, working_dir, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.WorkingDirectory, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, oldest first.
func (s *Store) ListProjects() ([]*models.Project, error) {
	rows, err := s.q.Query(`
		SELECT id, name, working_dir, created_at, updated_at
		FROM projects ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.WorkingDirectory, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// UpdateProject writes every mutable column of p.
func (s *Store) UpdateProject(p *models.Project) error {
	res, err := s.q.Exec(`
		UPDATE projects SET name = ?, working_dir = ?, updated_at = ? WHERE id = ?
	`, p.Name, p.WorkingDirectory, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project not found: %s", p.ID)
	}
	return nil
}

// DeleteProject removes a project with its tasks and sessions (cascading).
// It reports false when the project did not exist.
func (s *Store) DeleteProject(id string) (bool, error) {
	res, err := s.q.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
