package store

import (
	"database/sql"
	"fmt"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

const sessionColumns = `id, project_id, name, status, role, env, spawned_by,
	started_at, updated_at, completed_at, events`

// CreateSession inserts a new session. Task links are written with Link.
func (s *Store) CreateSession(sess *models.Session) error {
	_, err := s.q.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.ProjectID, sess.Name, string(sess.Status), string(sess.Role),
		marshalJSON(sess.Env), sess.SpawnedBy, sess.StartedAt, sess.UpdatedAt,
		nullInt(sess.CompletedAt), marshalJSON(sess.Events),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID with its task links, or nil if it does
// not exist.
func (s *Store) GetSession(id string) (*models.Session, error) {
	sess, err := scanSession(s.q.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	links, err := s.linksFor([]string{sess.ID}, false)
	if err != nil {
		return nil, err
	}
	sess.TaskIDs = orEmpty(links[sess.ID])
	return sess, nil
}

// ListSessions returns sessions matching the filter, oldest first.
func (s *Store) ListSessions(f models.SessionFilter) ([]*models.Session, error) {
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
	if f.TaskID != "" {
		conditions = append(conditions, "id IN (SELECT session_id FROM task_sessions WHERE task_id = ?)")
		args = append(args, f.TaskID)
	}

	rows, err := s.q.Query(fmt.Sprintf(`
		SELECT %s FROM sessions %s ORDER BY started_at, id
	`, sessionColumns, where(conditions)), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := []*models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	links, err := s.linksFor(ids, false)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		sess.TaskIDs = orEmpty(links[sess.ID])
	}
	return sessions, nil
}

// UpdateSession writes every mutable column of sess.
func (s *Store) UpdateSession(sess *models.Session) error {
	res, err := s.q.Exec(`
		UPDATE sessions SET
			name = ?, status = ?, env = ?, updated_at = ?, completed_at = ?, events = ?
		WHERE id = ?
	`,
		sess.Name, string(sess.Status), marshalJSON(sess.Env), sess.UpdatedAt,
		nullInt(sess.CompletedAt), marshalJSON(sess.Events), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", sess.ID)
	}
	return nil
}

// DeleteSession removes a session and its links. It reports false when the
// session did not exist.
func (s *Store) DeleteSession(id string) (bool, error) {
	res, err := s.q.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess         models.Session
		status, role string
		env, events  sql.NullString
		completedAt  sql.NullInt64
	)
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.Name, &status, &role, &env, &sess.SpawnedBy,
		&sess.StartedAt, &sess.UpdatedAt, &completedAt, &events,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	sess.Role = models.SessionRole(role)
	sess.CompletedAt = intPtr(completedAt)
	if err := unmarshalJSON(env, &sess.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := unmarshalJSON(events, &sess.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if sess.Events == nil {
		sess.Events = []models.SessionEvent{}
	}
	return &sess, nil
}
