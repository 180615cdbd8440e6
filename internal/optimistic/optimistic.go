// Package optimistic applies UI writes to the cache before the server
// confirms them and restores the exact prior state when the server call fails.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache"
	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
)

// Snapshot is the pre-mutation state of one entity. A nil entity means it
// was absent.
type Snapshot struct {
	Task    *models.Task
	Session *models.Session
}

// Command is one optimistic mutation. Snapshot is taken before Apply; Apply
// writes the prediction and returns the cache revision it stored; Rollback
// restores snap if the cache still holds that revision; Send performs the
// server call through the cache, whose response replaces the prediction.
type Command interface {
	Target() (cache.Kind, string)
	Fields() []string
	Snapshot(c *cache.Cache) Snapshot
	Apply(c *cache.Cache, snap Snapshot, now int64) (uint64, error)
	Rollback(c *cache.Cache, snap Snapshot, rev uint64) bool
	Send(ctx context.Context, c *cache.Cache) error
}

// Layer runs commands against a cache and tracks which fields have a
// prediction outstanding.
type Layer struct {
	cache  *cache.Cache
	logger *slog.Logger
	now    func() int64

	mu      sync.Mutex
	pending map[string]int
}

func NewLayer(c *cache.Cache, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		cache:   c,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
		pending: make(map[string]int),
	}
}

// Run predicts, sends, and rolls back on failure. The returned error is the
// server call's error, or the reason the prediction was refused (in which
// case nothing was sent).
func (l *Layer) Run(ctx context.Context, cmd Command) error {
	kind, id := cmd.Target()
	keys := pendingKeys(kind, id, cmd.Fields())

	snap := cmd.Snapshot(l.cache)
	rev, err := cmd.Apply(l.cache, snap, l.now())
	if err != nil {
		return err
	}

	l.track(keys, 1)
	defer l.track(keys, -1)

	if err := cmd.Send(ctx, l.cache); err != nil {
		restored := cmd.Rollback(l.cache, snap, rev)
		l.logger.Warn("optimistic update rolled back", "kind", kind, "id", id, "restored", restored, "error", err)
		return err
	}
	return nil
}

// Pending reports whether any prediction for the entity is in flight.
func (l *Layer) Pending(kind cache.Kind, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := string(kind) + "/" + id + "/"
	for k, n := range l.pending {
		if n > 0 && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (l *Layer) track(keys []string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if delta > 0 && l.pending[k] > 0 {
			l.logger.Debug("overlapping optimistic update, last write wins", "key", k)
		}
		l.pending[k] += delta
		if l.pending[k] <= 0 {
			delete(l.pending, k)
		}
	}
}

func pendingKeys(kind cache.Kind, id string, fields []string) []string {
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(kind) + "/" + id + "/" + f
	}
	return out
}

// TaskUpdate predicts a task patch with the same rules the server applies,
// including the automatic status transitions.
type TaskUpdate struct {
	ID    string
	Patch models.TaskPatch
}

func (u TaskUpdate) Target() (cache.Kind, string) { return cache.KindTask, u.ID }
func (u TaskUpdate) Fields() []string             { return u.Patch.Fields() }

func (u TaskUpdate) Snapshot(c *cache.Cache) Snapshot {
	t, _ := c.Task(u.ID)
	return Snapshot{Task: t}
}

func (u TaskUpdate) Apply(c *cache.Cache, snap Snapshot, now int64) (uint64, error) {
	if snap.Task == nil {
		return 0, &client.APIError{Kind: client.ErrNotFound, Message: "task " + u.ID + " is not cached"}
	}
	next, _, err := status.Apply(snap.Task, status.WriterFor(u.Patch.UpdateSource), u.Patch, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", client.ErrInvalidRequest, err)
	}
	return c.PredictTask(next), nil
}

func (u TaskUpdate) Rollback(c *cache.Cache, snap Snapshot, rev uint64) bool {
	return c.RestoreTask(u.ID, rev, snap.Task)
}

func (u TaskUpdate) Send(ctx context.Context, c *cache.Cache) error {
	_, err := c.UpdateTask(ctx, u.ID, u.Patch)
	return err
}

// TaskDelete removes the task locally until the server confirms.
type TaskDelete struct {
	ID string
}

func (d TaskDelete) Target() (cache.Kind, string) { return cache.KindTask, d.ID }
func (d TaskDelete) Fields() []string             { return nil }

func (d TaskDelete) Snapshot(c *cache.Cache) Snapshot {
	t, _ := c.Task(d.ID)
	return Snapshot{Task: t}
}

func (d TaskDelete) Apply(c *cache.Cache, snap Snapshot, now int64) (uint64, error) {
	c.PredictRemoveTask(d.ID)
	return 0, nil
}

func (d TaskDelete) Rollback(c *cache.Cache, snap Snapshot, rev uint64) bool {
	if snap.Task == nil {
		return false
	}
	return c.RestoreTask(d.ID, rev, snap.Task)
}

func (d TaskDelete) Send(ctx context.Context, c *cache.Cache) error {
	return c.DeleteTask(ctx, d.ID)
}

// SessionUpdate predicts a session rename or status change.
type SessionUpdate struct {
	ID    string
	Patch models.SessionPatch
}

func (u SessionUpdate) Target() (cache.Kind, string) { return cache.KindSession, u.ID }

func (u SessionUpdate) Fields() []string {
	var f []string
	if u.Patch.Name != nil {
		f = append(f, "name")
	}
	if u.Patch.Status != nil {
		f = append(f, "status")
	}
	return f
}

func (u SessionUpdate) Snapshot(c *cache.Cache) Snapshot {
	s, _ := c.Session(u.ID)
	return Snapshot{Session: s}
}

func (u SessionUpdate) Apply(c *cache.Cache, snap Snapshot, now int64) (uint64, error) {
	if snap.Session == nil {
		return 0, &client.APIError{Kind: client.ErrNotFound, Message: "session " + u.ID + " is not cached"}
	}
	if u.Patch.Status != nil && !u.Patch.Status.IsValid() {
		return 0, client.Invalid("unknown session status %q", *u.Patch.Status)
	}
	next := snap.Session.Clone()
	if u.Patch.Name != nil {
		next.Name = *u.Patch.Name
	}
	if u.Patch.Status != nil {
		next.Status = *u.Patch.Status
	}
	next.UpdatedAt = now
	return c.PredictSession(next), nil
}

func (u SessionUpdate) Rollback(c *cache.Cache, snap Snapshot, rev uint64) bool {
	return c.RestoreSession(u.ID, rev, snap.Session)
}

func (u SessionUpdate) Send(ctx context.Context, c *cache.Cache) error {
	_, err := c.UpdateSession(ctx, u.ID, u.Patch)
	return err
}
