package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store reads and writes projects, tasks and sessions. A Store obtained from
// Tx runs every call inside that transaction.
type Store struct {
	db *DB
	q  querier
}

func New(db *DB) *Store {
	return &Store{db: db, q: db}
}

// Tx runs fn in a transaction, committing if fn returns nil.
func (s *Store) Tx(fn func(tx *Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Link records a task/session relationship. It reports false when the link
// already existed.
func (s *Store) Link(taskID, sessionID string, at int64) (bool, error) {
	res, err := s.q.Exec(`
		INSERT INTO task_sessions (task_id, session_id, linked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id, session_id) DO NOTHING
	`, taskID, sessionID, at)
	if err != nil {
		return false, fmt.Errorf("link task session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Unlink removes a relationship. It reports false when there was none.
func (s *Store) Unlink(taskID, sessionID string) (bool, error) {
	res, err := s.q.Exec(`DELETE FROM task_sessions WHERE task_id = ? AND session_id = ?`, taskID, sessionID)
	if err != nil {
		return false, fmt.Errorf("unlink task session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// linksFor returns, for each id, the ids linked to it in link order. byTask
// selects whether ids are task ids or session ids.
func (s *Store) linksFor(ids []string, byTask bool) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	key, other := "session_id", "task_id"
	if byTask {
		key, other = "task_id", "session_id"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.q.Query(fmt.Sprintf(`
		SELECT %s, %s FROM task_sessions
		WHERE %s IN (%s)
		ORDER BY linked_at, rowid
	`, key, other, key, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out[k] = append(out[k], v)
	}
	return out, rows.Err()
}

func marshalJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalJSON(data sql.NullString, v any) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(data.String), v)
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func where(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conditions, " AND ")
}
