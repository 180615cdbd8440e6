// Package cache holds the client's view of server entities. Every write into
// the cache comes from a server response, a server event, or the optimistic
// layer's predict/rollback pair; nothing else mutates the maps.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// ErrStale is returned when a fetch completes after the active project changed.
var ErrStale = errors.New("fetch result is stale: active project changed")

// API is the subset of the REST client the cache depends on.
type API interface {
	ListProjects(ctx context.Context) ([]*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error

	ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Kind names an entity collection.
type Kind string

const (
	KindProject Kind = "project"
	KindTask    Kind = "task"
	KindSession Kind = "session"
)

// Change is published to watchers after every mutation.
type Change struct {
	Kind    Kind
	ID      string
	Deleted bool
}

// Observer sees each server-confirmed entity replacement. next is nil on
// removal, prev is nil the first time an id is seen. Predictions and their
// rollbacks are not reported: prev is always the last confirmed value.
// Called without the cache lock held.
type Observer interface {
	TaskChanged(prev, next *models.Task)
	SessionChanged(prev, next *models.Session)
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observers = append(c.observers, o) }
}

// Cache is the in-memory keyed store of projects, tasks and sessions.
type Cache struct {
	api       API
	logger    *slog.Logger
	observers []Observer

	mu       sync.RWMutex
	projects map[string]*models.Project
	tasks    map[string]*models.Task
	sessions map[string]*models.Session
	revs     map[string]uint64 // kind/id -> revision of the stored value
	// Last server-confirmed value of entities currently showing a
	// prediction. A nil value means the entity was absent.
	baseTasks    map[string]*models.Task
	baseSessions map[string]*models.Session
	seq      uint64
	active   string
	epoch    uint64

	watchMu  sync.Mutex
	watchers map[int]chan Change
	watchID  int
}

// New creates an empty cache backed by api.
func New(api API, opts ...Option) *Cache {
	c := &Cache{
		api:      api,
		logger:   slog.Default(),
		projects: make(map[string]*models.Project),
		tasks:    make(map[string]*models.Task),
		sessions: make(map[string]*models.Session),
		revs:     make(map[string]uint64),
		watchers: make(map[int]chan Change),

		baseTasks:    make(map[string]*models.Task),
		baseSessions: make(map[string]*models.Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetActiveProject switches the project whose fetches the cache accepts.
// Fetches started before the switch return ErrStale when they complete.
func (c *Cache) SetActiveProject(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == projectID {
		return
	}
	c.active = projectID
	c.epoch++
	c.logger.Debug("active project changed", "project_id", projectID, "epoch", c.epoch)
}

// ActiveProject returns the current active project id.
func (c *Cache) ActiveProject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ticket records the epoch and revision at which a list fetch starts.
// Entities applied after that revision are newer than the list and survive
// the replace.
func (c *Cache) ticket(projectID string) (epoch, since uint64, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active != projectID {
		return 0, 0, fmt.Errorf("project %s is not active: %w", projectID, ErrStale)
	}
	return c.epoch, c.seq, nil
}

// FetchAll refetches the project's tasks and sessions.
func (c *Cache) FetchAll(ctx context.Context, projectID string) error {
	if err := c.FetchTasks(ctx, projectID); err != nil {
		return err
	}
	return c.FetchSessions(ctx, projectID)
}

// FetchTasks replaces every cached task of projectID with the server's list.
// Tasks applied while the list was in flight are left as they are.
func (c *Cache) FetchTasks(ctx context.Context, projectID string) error {
	epoch, since, err := c.ticket(projectID)
	if err != nil {
		return err
	}
	list, err := c.api.ListTasks(ctx, models.TaskFilter{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("fetch tasks for %s: %w", projectID, err)
	}

	var notes []func()
	var changes []Change
	c.mu.Lock()
	if c.epoch != epoch || c.active != projectID {
		c.mu.Unlock()
		c.logger.Debug("discarding stale task fetch", "project_id", projectID)
		return ErrStale
	}
	fresh := make(map[string]bool, len(list))
	for _, t := range list {
		fresh[t.ID] = true
	}
	for id, prev := range c.tasks {
		if prev.ProjectID == projectID && !fresh[id] && c.revs[key(KindTask, id)] <= since {
			delete(c.tasks, id)
			delete(c.revs, key(KindTask, id))
			notes = append(notes, c.taskNote(c.takeBaseTaskLocked(id, prev), nil))
			changes = append(changes, Change{Kind: KindTask, ID: id, Deleted: true})
		}
	}
	kept := 0
	for _, t := range list {
		if c.revs[key(KindTask, t.ID)] > since {
			kept++
			continue
		}
		prev := c.takeBaseTaskLocked(t.ID, c.tasks[t.ID])
		c.putTaskLocked(t.Clone())
		notes = append(notes, c.taskNote(prev, t))
		changes = append(changes, Change{Kind: KindTask, ID: t.ID})
	}
	c.mu.Unlock()

	c.logger.Debug("tasks fetched", "project_id", projectID, "count", len(list), "kept_newer", kept)
	c.flush(notes, changes)
	return nil
}

// FetchSessions replaces every cached session of projectID with the server's list.
// Sessions applied while the list was in flight are left as they are.
func (c *Cache) FetchSessions(ctx context.Context, projectID string) error {
	epoch, since, err := c.ticket(projectID)
	if err != nil {
		return err
	}
	list, err := c.api.ListSessions(ctx, models.SessionFilter{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("fetch sessions for %s: %w", projectID, err)
	}

	var notes []func()
	var changes []Change
	c.mu.Lock()
	if c.epoch != epoch || c.active != projectID {
		c.mu.Unlock()
		c.logger.Debug("discarding stale session fetch", "project_id", projectID)
		return ErrStale
	}
	fresh := make(map[string]bool, len(list))
	for _, s := range list {
		fresh[s.ID] = true
	}
	for id, prev := range c.sessions {
		if prev.ProjectID == projectID && !fresh[id] && c.revs[key(KindSession, id)] <= since {
			delete(c.sessions, id)
			delete(c.revs, key(KindSession, id))
			notes = append(notes, c.sessionNote(c.takeBaseSessionLocked(id, prev), nil))
			changes = append(changes, Change{Kind: KindSession, ID: id, Deleted: true})
		}
	}
	kept := 0
	for _, s := range list {
		if c.revs[key(KindSession, s.ID)] > since {
			kept++
			continue
		}
		prev := c.takeBaseSessionLocked(s.ID, c.sessions[s.ID])
		c.putSessionLocked(s.Clone())
		notes = append(notes, c.sessionNote(prev, s))
		changes = append(changes, Change{Kind: KindSession, ID: s.ID})
	}
	c.mu.Unlock()

	c.logger.Debug("sessions fetched", "project_id", projectID, "count", len(list), "kept_newer", kept)
	c.flush(notes, changes)
	return nil
}

// FetchProjects replaces the cached project list.
func (c *Cache) FetchProjects(ctx context.Context) error {
	list, err := c.api.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("fetch projects: %w", err)
	}
	var changes []Change
	c.mu.Lock()
	fresh := make(map[string]bool, len(list))
	for _, p := range list {
		fresh[p.ID] = true
	}
	for id := range c.projects {
		if !fresh[id] {
			delete(c.projects, id)
			changes = append(changes, Change{Kind: KindProject, ID: id, Deleted: true})
		}
	}
	for _, p := range list {
		c.projects[p.ID] = p.Clone()
		changes = append(changes, Change{Kind: KindProject, ID: p.ID})
	}
	c.mu.Unlock()
	c.flush(nil, changes)
	return nil
}

// FetchTask refetches one task. A NotFound error leaves the cache untouched:
// only a delete event or delete response removes an entity.
func (c *Cache) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := c.api.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", id, err)
	}
	c.ApplyTask(t)
	return t.Clone(), nil
}

// FetchSession refetches one session.
func (c *Cache) FetchSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := c.api.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", id, err)
	}
	c.ApplySession(s)
	return s.Clone(), nil
}

// FetchProject refetches one project.
func (c *Cache) FetchProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := c.api.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch project %s: %w", id, err)
	}
	c.ApplyProject(p)
	return p.Clone(), nil
}

func (c *Cache) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	t, err := c.api.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	c.ApplyTask(t)
	return t.Clone(), nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	t, err := c.api.UpdateTask(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.ApplyTask(t)
	return t.Clone(), nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	if err := c.api.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.RemoveTask(id)
	return nil
}

func (c *Cache) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	s, err := c.api.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	c.ApplySession(s)
	return s.Clone(), nil
}

func (c *Cache) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	s, err := c.api.UpdateSession(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.ApplySession(s)
	return s.Clone(), nil
}

func (c *Cache) DeleteSession(ctx context.Context, id string) error {
	if err := c.api.DeleteSession(ctx, id); err != nil {
		return err
	}
	c.RemoveSession(id)
	return nil
}

func (c *Cache) CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	p, err := c.api.CreateProject(ctx, req)
	if err != nil {
		return nil, err
	}
	c.ApplyProject(p)
	return p.Clone(), nil
}

func (c *Cache) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	p, err := c.api.UpdateProject(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.ApplyProject(p)
	return p.Clone(), nil
}

func (c *Cache) DeleteProject(ctx context.Context, id string) error {
	if err := c.api.DeleteProject(ctx, id); err != nil {
		return err
	}
	c.RemoveProject(id)
	return nil
}

// ApplyTask stores a server-confirmed task as the newest truth for its id and
// returns the revision it was stored under. Applying the same payload twice
// leaves the cache as applying it once.
func (c *Cache) ApplyTask(t *models.Task) uint64 {
	if t == nil || t.ID == "" {
		return 0
	}
	c.mu.Lock()
	prev := c.takeBaseTaskLocked(t.ID, c.tasks[t.ID])
	rev := c.putTaskLocked(t.Clone())
	note := c.taskNote(prev, t)
	c.mu.Unlock()
	c.flush([]func(){note}, []Change{{Kind: KindTask, ID: t.ID}})
	return rev
}

// RemoveTask drops a task. Removing an absent id is a no-op.
func (c *Cache) RemoveTask(id string) {
	c.mu.Lock()
	cur, ok := c.tasks[id]
	prev := c.takeBaseTaskLocked(id, cur)
	if !ok && prev == nil {
		c.mu.Unlock()
		return
	}
	delete(c.tasks, id)
	delete(c.revs, key(KindTask, id))
	note := c.taskNote(prev, nil)
	c.mu.Unlock()
	c.flush([]func(){note}, []Change{{Kind: KindTask, ID: id, Deleted: true}})
}

// ApplySession stores a server-confirmed session.
func (c *Cache) ApplySession(s *models.Session) uint64 {
	if s == nil || s.ID == "" {
		return 0
	}
	c.mu.Lock()
	prev := c.takeBaseSessionLocked(s.ID, c.sessions[s.ID])
	rev := c.putSessionLocked(s.Clone())
	note := c.sessionNote(prev, s)
	c.mu.Unlock()
	c.flush([]func(){note}, []Change{{Kind: KindSession, ID: s.ID}})
	return rev
}

// RemoveSession drops a session. Removing an absent id is a no-op.
func (c *Cache) RemoveSession(id string) {
	c.mu.Lock()
	cur, ok := c.sessions[id]
	prev := c.takeBaseSessionLocked(id, cur)
	if !ok && prev == nil {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, id)
	delete(c.revs, key(KindSession, id))
	note := c.sessionNote(prev, nil)
	c.mu.Unlock()
	c.flush([]func(){note}, []Change{{Kind: KindSession, ID: id, Deleted: true}})
}

// PredictTask stores a value the server has not confirmed yet. Watchers see
// it; observers keep comparing against the last confirmed value.
func (c *Cache) PredictTask(t *models.Task) uint64 {
	if t == nil || t.ID == "" {
		return 0
	}
	c.mu.Lock()
	if _, ok := c.baseTasks[t.ID]; !ok {
		c.baseTasks[t.ID] = c.tasks[t.ID]
	}
	rev := c.putTaskLocked(t.Clone())
	c.mu.Unlock()
	c.flush(nil, []Change{{Kind: KindTask, ID: t.ID}})
	return rev
}

// PredictRemoveTask hides a task until the server confirms its deletion.
func (c *Cache) PredictRemoveTask(id string) {
	c.mu.Lock()
	cur, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, based := c.baseTasks[id]; !based {
		c.baseTasks[id] = cur
	}
	delete(c.tasks, id)
	delete(c.revs, key(KindTask, id))
	c.mu.Unlock()
	c.flush(nil, []Change{{Kind: KindTask, ID: id, Deleted: true}})
}

// PredictSession is PredictTask for sessions.
func (c *Cache) PredictSession(s *models.Session) uint64 {
	if s == nil || s.ID == "" {
		return 0
	}
	c.mu.Lock()
	if _, ok := c.baseSessions[s.ID]; !ok {
		c.baseSessions[s.ID] = c.sessions[s.ID]
	}
	rev := c.putSessionLocked(s.Clone())
	c.mu.Unlock()
	c.flush(nil, []Change{{Kind: KindSession, ID: s.ID}})
	return rev
}

// ApplyProject stores a server-confirmed project.
func (c *Cache) ApplyProject(p *models.Project) {
	if p == nil || p.ID == "" {
		return
	}
	c.mu.Lock()
	c.projects[p.ID] = p.Clone()
	c.mu.Unlock()
	c.flush(nil, []Change{{Kind: KindProject, ID: p.ID}})
}

// RemoveProject drops a project along with its tasks and sessions, which the
// server deletes with it.
func (c *Cache) RemoveProject(id string) {
	var notes []func()
	var changes []Change
	c.mu.Lock()
	if _, ok := c.projects[id]; ok {
		delete(c.projects, id)
		changes = append(changes, Change{Kind: KindProject, ID: id, Deleted: true})
	}
	for tid, t := range c.tasks {
		if t.ProjectID == id {
			delete(c.tasks, tid)
			delete(c.revs, key(KindTask, tid))
			notes = append(notes, c.taskNote(c.takeBaseTaskLocked(tid, t), nil))
			changes = append(changes, Change{Kind: KindTask, ID: tid, Deleted: true})
		}
	}
	for sid, s := range c.sessions {
		if s.ProjectID == id {
			delete(c.sessions, sid)
			delete(c.revs, key(KindSession, sid))
			notes = append(notes, c.sessionNote(c.takeBaseSessionLocked(sid, s), nil))
			changes = append(changes, Change{Kind: KindSession, ID: sid, Deleted: true})
		}
	}
	for tid, t := range c.baseTasks {
		if t != nil && t.ProjectID == id {
			delete(c.baseTasks, tid)
		}
	}
	for sid, s := range c.baseSessions {
		if s != nil && s.ProjectID == id {
			delete(c.baseSessions, sid)
		}
	}
	c.mu.Unlock()
	c.flush(notes, changes)
}

// TaskRevision returns the revision of the stored task, 0 when absent.
func (c *Cache) TaskRevision(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revs[key(KindTask, id)]
}

// SessionRevision returns the revision of the stored session, 0 when absent.
func (c *Cache) SessionRevision(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revs[key(KindSession, id)]
}

// RestoreTask puts snapshot back (or removes the task when snapshot is nil)
// only if the stored task is still at revision rev. It reports whether the
// restore happened; a newer server value is never overwritten.
func (c *Cache) RestoreTask(id string, rev uint64, snapshot *models.Task) bool {
	c.mu.Lock()
	if c.revs[key(KindTask, id)] != rev {
		c.mu.Unlock()
		return false
	}
	_, predicted := c.baseTasks[id]
	prev := c.takeBaseTaskLocked(id, c.tasks[id])
	if snapshot == nil {
		delete(c.tasks, id)
		delete(c.revs, key(KindTask, id))
	} else {
		c.putTaskLocked(snapshot.Clone())
	}
	var note func()
	if !predicted {
		note = c.taskNote(prev, snapshot)
	}
	c.mu.Unlock()
	c.flush([]func(){note}, []Change{{Kind: KindTask, ID: id, Deleted: snapshot == nil}})
	return true
}

// RestoreSession is RestoreTask for sessions.
func (c *Cache) RestoreSession(id string, rev uint64, snapshot *models.Session) bool {
	c.mu.Lock()
	if c.revs[key(KindSession, id)] != rev {
		c.mu.Unlock()
		return false
	}
	_, predicted := c.baseSessions[id]
	prev := c.takeBaseSessionLocked(id, c.sessions[id])
	if snapshot == nil {
		delete(c.sessions, id)
		delete(c.revs, key(KindSession, id))
	} else {
		c.putSessionLocked(snapshot.Clone())
	}
	var note func()
	if !predicted {
		note = c.sessionNote(prev, snapshot)
	}
	c.mu.Unlock()
	c.flush([]func(){note}, []Change{{Kind: KindSession, ID: id, Deleted: snapshot == nil}})
	return true
}

// Watch returns a channel of change notifications and a func that stops
// them. Notifications are dropped for watchers that fall behind.
func (c *Cache) Watch() (<-chan Change, func()) {
	ch := make(chan Change, 256)
	c.watchMu.Lock()
	id := c.watchID
	c.watchID++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			c.watchMu.Unlock()
			close(ch)
		})
	}
}

// takeBaseTaskLocked returns the value observers last saw for id, which is
// cur unless a prediction is showing, and drops the prediction baseline.
func (c *Cache) takeBaseTaskLocked(id string, cur *models.Task) *models.Task {
	if base, ok := c.baseTasks[id]; ok {
		delete(c.baseTasks, id)
		return base
	}
	return cur
}

func (c *Cache) takeBaseSessionLocked(id string, cur *models.Session) *models.Session {
	if base, ok := c.baseSessions[id]; ok {
		delete(c.baseSessions, id)
		return base
	}
	return cur
}

func (c *Cache) putTaskLocked(t *models.Task) uint64 {
	c.seq++
	c.tasks[t.ID] = t
	c.revs[key(KindTask, t.ID)] = c.seq
	return c.seq
}

func (c *Cache) putSessionLocked(s *models.Session) uint64 {
	c.seq++
	c.sessions[s.ID] = s
	c.revs[key(KindSession, s.ID)] = c.seq
	return c.seq
}

// taskNote captures copies for observers so they run after the lock is released.
func (c *Cache) taskNote(prev, next *models.Task) func() {
	if len(c.observers) == 0 {
		return nil
	}
	p, n := prev.Clone(), next.Clone()
	return func() {
		for _, o := range c.observers {
			o.TaskChanged(p, n)
		}
	}
}

func (c *Cache) sessionNote(prev, next *models.Session) func() {
	if len(c.observers) == 0 {
		return nil
	}
	p, n := prev.Clone(), next.Clone()
	return func() {
		for _, o := range c.observers {
			o.SessionChanged(p, n)
		}
	}
}

func (c *Cache) flush(notes []func(), changes []Change) {
	for _, n := range notes {
		if n != nil {
			n()
		}
	}
	if len(changes) == 0 {
		return
	}
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		for _, change := range changes {
			select {
			case ch <- change:
			default:
				c.logger.Warn("cache watcher is behind, dropping change", "kind", change.Kind, "id", change.ID)
			}
		}
	}
}

func key(k Kind, id string) string {
	return string(k) + "/" + id
}
