// Package relations keeps the task/session many-to-many link consistent in
// the cache. Links are only changed through the server's relationship
// endpoints, and relationship events trigger a refetch of the other side
// instead of patching ids in place.
package relations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache"
	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// Linker is the server's relationship API.
type Linker interface {
	AddTaskToSession(ctx context.Context, sessionID, taskID string) (*models.Session, error)
	RemoveTaskFromSession(ctx context.Context, sessionID, taskID string) (*models.Session, error)
}

type Resolver struct {
	cache  *cache.Cache
	api    Linker
	logger *slog.Logger
}

func NewResolver(c *cache.Cache, api Linker, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cache: c, api: api, logger: logger}
}

// Link adds taskID to sessionID on both sides. The session comes back in the
// response; the task side is refetched.
func (r *Resolver) Link(ctx context.Context, taskID, sessionID string) error {
	s, err := r.api.AddTaskToSession(ctx, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("link task %s to session %s: %w", taskID, sessionID, err)
	}
	r.cache.ApplySession(s)
	if _, err := r.cache.FetchTask(ctx, taskID); err != nil {
		return err
	}
	return nil
}

// Unlink removes taskID from sessionID on both sides.
func (r *Resolver) Unlink(ctx context.Context, taskID, sessionID string) error {
	s, err := r.api.RemoveTaskFromSession(ctx, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("unlink task %s from session %s: %w", taskID, sessionID, err)
	}
	r.cache.ApplySession(s)
	if _, err := r.cache.FetchTask(ctx, taskID); err != nil {
		return err
	}
	return nil
}

// HandleTaskSide reacts to task:session_added/removed by refetching the session.
func (r *Resolver) HandleTaskSide(ctx context.Context, l events.Link) error {
	return r.refetch(ctx, cache.KindSession, l.SessionID, func() error {
		_, err := r.cache.FetchSession(ctx, l.SessionID)
		return err
	})
}

// HandleSessionSide reacts to session:task_added/removed by refetching the task.
func (r *Resolver) HandleSessionSide(ctx context.Context, l events.Link) error {
	return r.refetch(ctx, cache.KindTask, l.TaskID, func() error {
		_, err := r.cache.FetchTask(ctx, l.TaskID)
		return err
	})
}

func (r *Resolver) refetch(ctx context.Context, kind cache.Kind, id string, fetch func() error) error {
	err := fetch()
	if err == nil {
		return nil
	}
	// The entity was deleted; its delete event will clean the cache.
	if errors.Is(err, client.ErrNotFound) {
		r.logger.Debug("relationship refetch found nothing", "kind", kind, "id", id)
		return nil
	}
	r.logger.Warn("relationship refetch failed", "kind", kind, "id", id, "error", err)
	return err
}

// Violation is a link present on one side only.
type Violation struct {
	TaskID    string
	SessionID string
	// Side is the entity that lists the link: "task" or "session".
	Side string
}

func (v Violation) String() string {
	if v.Side == "task" {
		return fmt.Sprintf("task %s lists session %s, session does not list the task", v.TaskID, v.SessionID)
	}
	return fmt.Sprintf("session %s lists task %s, task does not list the session", v.SessionID, v.TaskID)
}

// Check reports every one-sided link between cached tasks and sessions. Links
// to entities the cache does not hold are not violations.
func Check(c *cache.Cache) []Violation {
	tasks := c.Tasks("")
	sessions := c.Sessions("")

	byTask := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byTask[t.ID] = t
	}
	bySession := make(map[string]*models.Session, len(sessions))
	for _, s := range sessions {
		bySession[s.ID] = s
	}

	var out []Violation
	for _, t := range tasks {
		for _, sid := range t.SessionIDs {
			if s, ok := bySession[sid]; ok && !s.HasTask(t.ID) {
				out = append(out, Violation{TaskID: t.ID, SessionID: sid, Side: "task"})
			}
		}
	}
	for _, s := range sessions {
		for _, tid := range s.TaskIDs {
			if t, ok := byTask[tid]; ok && !t.HasSession(s.ID) {
				out = append(out, Violation{TaskID: tid, SessionID: s.ID, Side: "session"})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Repair refetches both sides of every violation.
func (r *Resolver) Repair(ctx context.Context, vs []Violation) error {
	var errs []error
	for _, v := range vs {
		if err := r.HandleTaskSide(ctx, events.Link{TaskID: v.TaskID, SessionID: v.SessionID}); err != nil {
			errs = append(errs, err)
		}
		if err := r.HandleSessionSide(ctx, events.Link{TaskID: v.TaskID, SessionID: v.SessionID}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
