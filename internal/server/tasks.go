package server

import (
	"fmt"
	"strings"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(f models.TaskFilter) ([]*models.Task, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, invalid("unknown status %q", f.Status)
	}
	return s.store.ListTasks(f)
}

// GetTask returns a task or ErrNotFound.
func (s *Service) GetTask(id string) (*models.Task, error) {
	t, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, notFound("task", id)
	}
	return t, nil
}

// CreateTask creates a task in todo. A parentId creates a subtask.
func (s *Service) CreateTask(req models.CreateTaskRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, invalid("title is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, invalid("unknown priority %q", priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireProject(req.ProjectID); err != nil {
		return nil, err
	}
	var parentID *string
	if req.ParentID != nil && *req.ParentID != "" {
		parent, err := s.store.GetTask(*req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil || parent.ProjectID != req.ProjectID {
			return nil, invalid("parent task %s not found in project", *req.ParentID)
		}
		p := parent.ID
		parentID = &p
	}
	deps, err := s.checkDependencies(req.ProjectID, "", req.Dependencies)
	if err != nil {
		return nil, err
	}

	now := s.nowMillis()
	t := &models.Task{
		ID:           newID(),
		ProjectID:    req.ProjectID,
		ParentID:     parentID,
		Title:        title,
		Description:  req.Description,
		Status:       models.TaskStatusTodo,
		Priority:     priority,
		CreatedAt:    now,
		UpdatedAt:    now,
		SessionIDs:   []string{},
		Dependencies: deps,
		Timeline: []models.TimelineEvent{
			{ID: newID(), Type: models.TimelineCreated, Message: "Task created", Timestamp: now},
		},
	}
	if err := s.store.CreateTask(t); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", t.ID, "project_id", t.ProjectID)
	s.bus.Broadcast(events.NameTaskCreated, t)
	return t, nil
}

// UpdateTask applies a patch on behalf of the writer named by its
// updateSource, including the automatic transitions.
func (s *Service) UpdateTask(id string, patch models.TaskPatch) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, invalid("title cannot be empty")
	}
	if patch.ParentID != nil {
		if err := s.checkParent(t, *patch.ParentID); err != nil {
			return nil, err
		}
	}
	if patch.Dependencies != nil {
		if patch.Dependencies, err = s.checkDependencies(t.ProjectID, t.ID, patch.Dependencies); err != nil {
			return nil, err
		}
	}

	now := s.nowMillis()
	writer := status.WriterFor(patch.UpdateSource)
	next, changes, err := status.Apply(t, writer, patch, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if next.ParentID != nil && *next.ParentID == "" {
		next.ParentID = nil
	}
	for _, ch := range changes {
		next.Timeline = append(next.Timeline, timelineFor(ch, patch.SessionID, now))
	}

	if err := s.store.UpdateTask(next); err != nil {
		return nil, err
	}
	for _, ch := range changes {
		s.logger.Info("task status changed", "task_id", id, "field", ch.Field, "from", ch.From, "to", ch.To, "auto", ch.Auto, "writer", writer)
	}
	s.bus.Broadcast(events.NameTaskUpdated, next)
	return next, nil
}

// DeleteTask removes a task and its subtasks. Sessions that referenced any
// of them are re-broadcast with their remaining tasks.
func (s *Service) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetTask(id)
	if err != nil {
		return err
	}
	doomed, err := s.subtree(t)
	if err != nil {
		return err
	}
	affected := map[string]bool{}
	for _, d := range doomed {
		for _, sid := range d.SessionIDs {
			affected[sid] = true
		}
	}

	if _, err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id, "subtasks", len(doomed)-1)

	for i := len(doomed) - 1; i >= 0; i-- {
		s.bus.Broadcast(events.NameTaskDeleted, idPayload{ID: doomed[i].ID})
	}
	for sid := range affected {
		if sess, err := s.store.GetSession(sid); err == nil && sess != nil {
			s.bus.Broadcast(events.NameSessionUpdated, sess)
		}
	}
	return nil
}

func (s *Service) requireProject(id string) error {
	if id == "" {
		return invalid("projectId is required")
	}
	p, err := s.store.GetProject(id)
	if err != nil {
		return err
	}
	if p == nil {
		return invalid("project %s not found", id)
	}
	return nil
}

// checkParent rejects a parent outside the task's project or one that would
// make the hierarchy cyclic. An empty parent moves the task to the root.
func (s *Service) checkParent(t *models.Task, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == t.ID {
		return invalid("task cannot be its own parent")
	}
	for cur := parentID; cur != ""; {
		p, err := s.store.GetTask(cur)
		if err != nil {
			return err
		}
		if p == nil || p.ProjectID != t.ProjectID {
			return invalid("parent task %s not found in project", cur)
		}
		if p.ParentID == nil {
			return nil
		}
		if *p.ParentID == t.ID {
			return invalid("parent %s would create a cycle", parentID)
		}
		cur = *p.ParentID
	}
	return nil
}

func (s *Service) checkDependencies(projectID, selfID string, deps []string) ([]string, error) {
	out := []string{}
	seen := map[string]bool{}
	for _, d := range deps {
		if d == selfID {
			return nil, invalid("task cannot depend on itself")
		}
		if seen[d] {
			continue
		}
		dep, err := s.store.GetTask(d)
		if err != nil {
			return nil, err
		}
		if dep == nil || dep.ProjectID != projectID {
			return nil, invalid("dependency %s not found in project", d)
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

// subtree returns t followed by all of its descendants, parents before
// children.
func (s *Service) subtree(t *models.Task) ([]*models.Task, error) {
	out := []*models.Task{t}
	for i := 0; i < len(out); i++ {
		children, err := s.store.ListTasks(models.TaskFilter{ParentID: out[i].ID})
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

func timelineFor(ch status.Change, sessionID string, now int64) models.TimelineEvent {
	typ := models.TimelineStatusChanged
	if ch.Field == "agentStatus" {
		typ = models.TimelineAgentStatusChanged
	}
	msg := fmt.Sprintf("%s changed from %s to %s", ch.Field, orNone(ch.From), ch.To)
	if ch.Auto {
		msg += " (automatic)"
	}
	return models.TimelineEvent{ID: newID(), Type: typ, Message: msg, SessionID: sessionID, Timestamp: now}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// linkTask records the link on both sides inside tx and appends a timeline
// entry to the task.
func linkTask(tx *store.Store, t *models.Task, sessionID string, typ models.TimelineEventType, msg string, now int64) error {
	if _, err := tx.Link(t.ID, sessionID, now); err != nil {
		return err
	}
	if !t.HasSession(sessionID) {
		t.SessionIDs = append(t.SessionIDs, sessionID)
	}
	t.Timeline = append(t.Timeline, models.TimelineEvent{
		ID: newID(), Type: typ, Message: msg, SessionID: sessionID, Timestamp: now,
	})
	t.UpdatedAt = now
	return tx.UpdateTask(t)
}
