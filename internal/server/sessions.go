package server

import (
	"strings"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

// ListSessions returns sessions matching the filter.
func (s *Service) ListSessions(f models.SessionFilter) ([]*models.Session, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, invalid("unknown status %q", f.Status)
	}
	return s.store.ListSessions(f)
}

// GetSession returns a session or ErrNotFound.
func (s *Service) GetSession(id string) (*models.Session, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, notFound("session", id)
	}
	return sess, nil
}

// CreateSession registers a session bound to tasks without spawning a
// process. Both sides of every link are written in one transaction.
func (s *Service) CreateSession(req models.CreateSessionRequest) (*models.Session, error) {
	role := req.Role
	if role == "" {
		role = models.RoleWorker
	}
	if !role.IsValid() {
		return nil, invalid("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.resolveTasks(req.ProjectID, req.TaskIDs)
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()
	sess := &models.Session{
		ID:        newID(),
		ProjectID: req.ProjectID,
		TaskIDs:   []string{},
		Name:      strings.TrimSpace(req.Name),
		Status:    models.SessionStatusSpawning,
		Role:      role,
		SpawnedBy: req.SpawnedBy,
		StartedAt: now,
		UpdatedAt: now,
		Events:    []models.SessionEvent{},
	}
	if sess.Name == "" {
		sess.Name = defaultSessionName(role, tasks)
	}

	err = s.store.Tx(func(tx *store.Store) error {
		if err := tx.CreateSession(sess); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := linkTask(tx, t, sess.ID, models.TimelineSessionLinked, "Session "+sess.Name+" linked", now); err != nil {
				return err
			}
			sess.TaskIDs = append(sess.TaskIDs, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session created", "session_id", sess.ID, "tasks", len(tasks))
	for _, t := range tasks {
		s.bus.Broadcast(events.NameTaskUpdated, t)
	}
	s.bus.Broadcast(events.NameSessionCreated, sess)
	return sess, nil
}

// UpdateSession renames a session or moves it through its lifecycle.
func (s *Service) UpdateSession(id string, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, invalid("name cannot be empty")
		}
		sess.Name = name
	}
	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return nil, invalid("unknown session status %q", *patch.Status)
		}
		if *patch.Status != sess.Status {
			s.logger.Info("session status changed", "session_id", id, "from", sess.Status, "to", *patch.Status)
		}
		sess.Status = *patch.Status
		if sess.Status.IsActive() {
			sess.CompletedAt = nil
		} else if sess.CompletedAt == nil {
			done := now
			sess.CompletedAt = &done
		}
	}
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(sess); err != nil {
		return nil, err
	}
	s.bus.Broadcast(events.NameSessionUpdated, sess)
	return sess, nil
}

// DeleteSession removes a session. Tasks that referenced it are
// re-broadcast without it.
func (s *Service) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteSession(id); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", id)
	s.bus.Broadcast(events.NameSessionDeleted, idPayload{ID: id})
	for _, tid := range sess.TaskIDs {
		if t, err := s.store.GetTask(tid); err == nil && t != nil {
			s.bus.Broadcast(events.NameTaskUpdated, t)
		}
	}
	return nil
}

// AddTaskToSession links a task and a session on both sides atomically and
// announces the change with one relationship event per side.
func (s *Service) AddTaskToSession(sessionID, taskID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.pair(sessionID, taskID)
	if err != nil {
		return nil, err
	}
	if sess.HasTask(taskID) {
		return sess, nil
	}

	now := s.nowMillis()
	err = s.store.Tx(func(tx *store.Store) error {
		if err := linkTask(tx, t, sess.ID, models.TimelineSessionLinked, "Session "+sess.Name+" linked", now); err != nil {
			return err
		}
		sess.TaskIDs = append(sess.TaskIDs, taskID)
		sess.UpdatedAt = now
		return tx.UpdateSession(sess)
	})
	if err != nil {
		return nil, err
	}

	link := events.Link{TaskID: taskID, SessionID: sessionID}
	s.bus.Broadcast(events.NameTaskSessionAdded, link)
	s.bus.Broadcast(events.NameSessionTaskAdded, link)
	return sess, nil
}

// RemoveTaskFromSession unlinks a task and a session on both sides
// atomically.
func (s *Service) RemoveTaskFromSession(sessionID, taskID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.pair(sessionID, taskID)
	if err != nil {
		return nil, err
	}
	if !sess.HasTask(taskID) {
		return sess, nil
	}

	now := s.nowMillis()
	err = s.store.Tx(func(tx *store.Store) error {
		if _, err := tx.Unlink(taskID, sessionID); err != nil {
			return err
		}
		t.SessionIDs = without(t.SessionIDs, sessionID)
		t.Timeline = append(t.Timeline, models.TimelineEvent{
			ID: newID(), Type: models.TimelineSessionUnlinked, Message: "Session " + sess.Name + " unlinked",
			SessionID: sessionID, Timestamp: now,
		})
		t.UpdatedAt = now
		if err := tx.UpdateTask(t); err != nil {
			return err
		}
		sess.TaskIDs = without(sess.TaskIDs, taskID)
		sess.UpdatedAt = now
		return tx.UpdateSession(sess)
	})
	if err != nil {
		return nil, err
	}

	link := events.Link{TaskID: taskID, SessionID: sessionID}
	s.bus.Broadcast(events.NameTaskSessionRemoved, link)
	s.bus.Broadcast(events.NameSessionTaskRemoved, link)
	return sess, nil
}

// AppendSessionEvent adds an entry to a session's activity log.
func (s *Service) AppendSessionEvent(id string, req models.AppendSessionEventRequest) (*models.Session, error) {
	typ := strings.TrimSpace(req.Type)
	if typ == "" {
		return nil, invalid("type is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()
	sess.Events = append(sess.Events, models.SessionEvent{ID: newID(), Type: typ, Message: req.Message, Timestamp: now})
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(sess); err != nil {
		return nil, err
	}
	s.bus.Broadcast(events.NameSessionUpdated, sess)
	return sess, nil
}

func (s *Service) pair(sessionID, taskID string) (*models.Session, *models.Task, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	if t.ProjectID != sess.ProjectID {
		return nil, nil, invalid("task %s and session %s belong to different projects", taskID, sessionID)
	}
	return sess, t, nil
}

// resolveTasks loads ids, requiring at least one and that all belong to
// projectID.
func (s *Service) resolveTasks(projectID string, ids []string) ([]*models.Task, error) {
	if err := s.requireProject(projectID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, invalid("at least one task id is required")
	}
	seen := map[string]bool{}
	tasks := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := s.store.GetTask(id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.ProjectID != projectID {
			return nil, invalid("task %s not found in project", id)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func defaultSessionName(role models.SessionRole, tasks []*models.Task) string {
	return string(role) + "-" + tasks[0].Title
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
