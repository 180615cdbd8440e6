package store

import (
	"database/sql"
	"fmt"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

const taskColumns = `id, project_id, parent_id, title, description, status, agent_status,
	priority, created_at, updated_at, started_at, completed_at, dependencies, timeline`

// CreateTask inserts a new task. Session links are written with Link.
func (s *Store) CreateTask(t *models.Task) error {
	_, err := s.q.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ProjectID, parentArg(t.ParentID), t.Title, t.Description,
		string(t.Status), string(t.AgentStatus), string(t.Priority),
		t.CreatedAt, t.UpdatedAt, nullInt(t.StartedAt), nullInt(t.CompletedAt),
		marshalJSON(t.Dependencies), marshalJSON(t.Timeline),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID with its session links, or nil if it does not
// exist.
func (s *Store) GetTask(id string) (*models.Task, error) {
	t, err := scanTask(s.q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	links, err := s.linksFor([]string{t.ID}, true)
	if err != nil {
		return nil, err
	}
	t.SessionIDs = orEmpty(links[t.ID])
	return t, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(f models.TaskFilter) ([]*models.Task, error) {
	var conditions []string
	var args []any

	if f.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	switch f.ParentID {
	case "":
	case models.RootParent:
		conditions = append(conditions, "parent_id IS NULL")
	default:
		conditions = append(conditions, "parent_id = ?")
		args = append(args, f.ParentID)
	}

	rows, err := s.q.Query(fmt.Sprintf(`
		SELECT %s FROM tasks %s ORDER BY created_at, id
	`, taskColumns, where(conditions)), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	// Links are read after the cursor is closed; the pool has one connection.
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	links, err := s.linksFor(ids, true)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.SessionIDs = orEmpty(links[t.ID])
	}
	return tasks, nil
}

// UpdateTask writes every mutable column of t.
func (s *Store) UpdateTask(t *models.Task) error {
	res, err := s.q.Exec(`
		UPDATE tasks SET
			parent_id = ?, title = ?, description = ?, status = ?, agent_status = ?,
			priority = ?, updated_at = ?, started_at = ?, completed_at = ?,
			dependencies = ?, timeline = ?
		WHERE id = ?
	`,
		parentArg(t.ParentID), t.Title, t.Description, string(t.Status), string(t.AgentStatus),
		string(t.Priority), t.UpdatedAt, nullInt(t.StartedAt), nullInt(t.CompletedAt),
		marshalJSON(t.Dependencies), marshalJSON(t.Timeline), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task not found: %s", t.ID)
	}
	return nil
}

// DeleteTask removes a task, its subtasks and its links (cascading). It
// reports false when the task did not exist.
func (s *Store) DeleteTask(id string) (bool, error) {
	res, err := s.q.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t                      models.Task
		parentID               sql.NullString
		status, agent, prio    string
		startedAt, completedAt sql.NullInt64
		deps, timeline         sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &status, &agent,
		&prio, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &deps, &timeline,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if parentID.Valid && parentID.String != "" {
		p := parentID.String
		t.ParentID = &p
	}
	t.Status = models.TaskStatus(status)
	t.AgentStatus = models.AgentStatus(agent)
	t.Priority = models.TaskPriority(prio)
	t.StartedAt = intPtr(startedAt)
	t.CompletedAt = intPtr(completedAt)
	if err := unmarshalJSON(deps, &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := unmarshalJSON(timeline, &t.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if t.Timeline == nil {
		t.Timeline = []models.TimelineEvent{}
	}
	return &t, nil
}

func parentArg(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
