package cache

import (
	"sort"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// Every view below is computed from the current maps on each call and
// returns copies. Nothing here is stored.

func (c *Cache) Task(id string) (*models.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t.Clone(), ok
}

func (c *Cache) Session(id string) (*models.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s.Clone(), ok
}

func (c *Cache) Project(id string) (*models.Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[id]
	return p.Clone(), ok
}

// Tasks returns the project's tasks ordered by creation. An empty projectID
// returns every cached task.
func (c *Cache) Tasks(projectID string) []*models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Task
	for _, t := range c.tasks {
		if projectID == "" || t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

// Sessions returns the project's sessions ordered by start time.
func (c *Cache) Sessions(projectID string) []*models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Session
	for _, s := range c.sessions {
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, s.Clone())
		}
	}
	sortSessions(out)
	return out
}

func (c *Cache) Projects() []*models.Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Project, 0, len(c.projects))
	for _, p := range c.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RootTasks returns the project's tasks without a parent.
func (c *Cache) RootTasks(projectID string) []*models.Task {
	var out []*models.Task
	for _, t := range c.Tasks(projectID) {
		if t.IsRoot() {
			out = append(out, t)
		}
	}
	return out
}

// Children returns the direct subtasks of parentID.
func (c *Cache) Children(parentID string) []*models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Task
	for _, t := range c.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

// SessionsForTask returns the cached sessions listed in the task's
// sessionIds. Ids the cache has not seen are skipped.
func (c *Cache) SessionsForTask(taskID string) []*models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	var out []*models.Session
	for _, id := range t.SessionIDs {
		if s, ok := c.sessions[id]; ok {
			out = append(out, s.Clone())
		}
	}
	return out
}

// TasksForSession returns the cached tasks listed in the session's taskIds.
func (c *Cache) TasksForSession(sessionID string) []*models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	var out []*models.Task
	for _, id := range s.TaskIDs {
		if t, ok := c.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ActiveSessionCount counts spawning or running sessions linked to taskID.
func (c *Cache) ActiveSessionCount(taskID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.sessions {
		if s.Status.IsActive() && s.HasTask(taskID) {
			n++
		}
	}
	return n
}

func sortTasks(ts []*models.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt != ts[j].CreatedAt {
			return ts[i].CreatedAt < ts[j].CreatedAt
		}
		return ts[i].ID < ts[j].ID
	})
}

func sortSessions(ss []*models.Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].StartedAt != ss[j].StartedAt {
			return ss[i].StartedAt < ss[j].StartedAt
		}
		return ss[i].ID < ss[j].ID
	})
}
