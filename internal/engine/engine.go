// Package engine wires the sync components together: the push channel feeds
// decoded events to the cache, the relationship resolver and the spawn
// orchestrator, and every (re)connect refetches the active project.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache"
	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/optimistic"
	"github.com/iammorganparry/clive/apps/maestro/internal/process"
	"github.com/iammorganparry/clive/apps/maestro/internal/relations"
	"github.com/iammorganparry/clive/apps/maestro/internal/spawn"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
	"github.com/iammorganparry/clive/apps/maestro/internal/transport"
)

// API is everything the engine needs from the server.
type API interface {
	cache.API
	relations.Linker
	spawn.Requester
}

// Subscriber is the push channel as seen by the engine.
type Subscriber interface {
	Subscribe(l transport.Listener) func()
}

// Options tune an Engine. Zero values use defaults.
type Options struct {
	Logger      *slog.Logger
	Notifier    status.Notifier
	Clock       spawn.Clock
	DedupWindow time.Duration
	// OnLaunchError surfaces local process-creation failures.
	OnLaunchError func(sessionID string, err error)
	// RequestTimeout bounds refetches triggered by events and reconnects.
	RequestTimeout time.Duration
	// RetryDelay is the pause before the first retry of a reconnect refetch
	// that failed with a server or connection error. Later retries wait longer.
	RetryDelay time.Duration
}

const refetchAttempts = 3

type Engine struct {
	api          API
	channel      Subscriber
	cache        *cache.Cache
	resolver     *relations.Resolver
	reconciler   *status.Reconciler
	orchestrator *spawn.Orchestrator
	layer        *optimistic.Layer
	logger       *slog.Logger
	timeout      time.Duration
	retryDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	work   inflight

	mu    sync.Mutex
	unsub func()
}

func New(api API, channel Subscriber, launcher process.Launcher, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	e := &Engine{
		api:        api,
		channel:    channel,
		logger:     logger,
		timeout:    timeout,
		retryDelay: retryDelay,
		reconciler: status.NewReconciler(opts.Notifier, logger),
	}
	e.work.cond = sync.NewCond(&e.work.mu)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.cache = cache.New(api, cache.WithLogger(logger), cache.WithObserver(observer{e.reconciler}))
	e.resolver = relations.NewResolver(e.cache, api, logger)

	spawnOpts := []spawn.Option{spawn.WithLogger(logger)}
	if opts.Clock != nil {
		spawnOpts = append(spawnOpts, spawn.WithClock(opts.Clock))
	}
	if opts.DedupWindow > 0 {
		spawnOpts = append(spawnOpts, spawn.WithDedupWindow(opts.DedupWindow))
	}
	if opts.OnLaunchError != nil {
		spawnOpts = append(spawnOpts, spawn.WithLaunchErrorHandler(opts.OnLaunchError))
	}
	e.orchestrator = spawn.New(api, e.cache, launcher, spawnOpts...)
	e.layer = optimistic.NewLayer(e.cache, logger)
	return e
}

func (e *Engine) Cache() *cache.Cache               { return e.cache }
func (e *Engine) Resolver() *relations.Resolver     { return e.resolver }
func (e *Engine) Orchestrator() *spawn.Orchestrator { return e.orchestrator }
func (e *Engine) Optimistic() *optimistic.Layer     { return e.layer }

// Start subscribes to the push channel. The first connect triggers the
// initial fetch of the active project.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsub != nil {
		return
	}
	e.unsub = e.channel.Subscribe(e)
}

// Stop unsubscribes and waits for in-flight refetches to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.cancel()
	e.work.wait()
}

// Drain blocks until every refetch started so far has finished.
func (e *Engine) Drain() {
	e.work.wait()
}

// SetActiveProject switches the active project and loads it. An unknown
// project fails with client.ErrNotFound before any list is fetched.
func (e *Engine) SetActiveProject(ctx context.Context, projectID string) error {
	e.cache.SetActiveProject(projectID)
	if projectID == "" {
		return nil
	}
	if _, err := e.cache.FetchProject(ctx, projectID); err != nil {
		return err
	}
	if err := e.cache.FetchAll(ctx, projectID); err != nil && !errors.Is(err, cache.ErrStale) {
		return err
	}
	return nil
}

// HandleConnect implements transport.Listener. There is no replay on the
// server, so every connect is followed by a full refetch.
func (e *Engine) HandleConnect() {
	projectID := e.cache.ActiveProject()
	e.logger.Info("push channel connected, refetching", "project_id", projectID)
	e.async(func(ctx context.Context) {
		if err := e.retry(ctx, e.cache.FetchProjects); err != nil {
			e.logger.Warn("project refetch failed", "error", err)
		}
		if projectID == "" {
			return
		}
		err := e.retry(ctx, func(ctx context.Context) error { return e.cache.FetchAll(ctx, projectID) })
		if err != nil && !errors.Is(err, cache.ErrStale) {
			e.logger.Warn("project refetch failed", "project_id", projectID, "error", err)
		}
	})
}

// retry runs fn until it succeeds, fails with an error the server would
// answer the same way again, or runs out of attempts.
func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !client.IsRetryable(err) || attempt == refetchAttempts {
			return err
		}
		delay := time.Duration(attempt) * e.retryDelay
		e.logger.Warn("refetch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// HandleMessage implements transport.Listener.
func (e *Engine) HandleMessage(env events.Envelope) {
	ev, err := events.Decode(env)
	if err != nil {
		e.logger.Warn("dropping undecodable event", "event", env.Event, "error", err)
		return
	}
	e.Dispatch(ev)
}

// Dispatch routes one decoded event to exactly one handler.
func (e *Engine) Dispatch(ev events.Event) {
	switch ev := ev.(type) {
	case events.ProjectCreated:
		e.cache.ApplyProject(ev.Project)
	case events.ProjectUpdated:
		e.cache.ApplyProject(ev.Project)
	case events.ProjectDeleted:
		e.cache.RemoveProject(ev.ID)

	case events.TaskCreated:
		e.cache.ApplyTask(ev.Task)
	case events.TaskUpdated:
		e.cache.ApplyTask(ev.Task)
	case events.TaskDeleted:
		e.cache.RemoveTask(ev.ID)

	case events.SessionCreated:
		e.cache.ApplySession(ev.Session)
	case events.SessionUpdated:
		e.cache.ApplySession(ev.Session)
	case events.SessionDeleted:
		e.cache.RemoveSession(ev.ID)
		e.orchestrator.Forget(ev.ID)
	case events.SessionSpawn:
		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		defer cancel()
		if _, err := e.orchestrator.HandleSpawn(ctx, ev); err != nil {
			e.logger.Error("spawn event not launched", "session_id", ev.Session.ID, "error", err)
		}

	case events.TaskSessionAdded:
		e.async(func(ctx context.Context) { _ = e.resolver.HandleTaskSide(ctx, ev.Link) })
	case events.TaskSessionRemoved:
		e.async(func(ctx context.Context) { _ = e.resolver.HandleTaskSide(ctx, ev.Link) })
	case events.SessionTaskAdded:
		e.async(func(ctx context.Context) { _ = e.resolver.HandleSessionSide(ctx, ev.Link) })
	case events.SessionTaskRemoved:
		e.async(func(ctx context.Context) { _ = e.resolver.HandleSessionSide(ctx, ev.Link) })

	case events.Unknown:
		e.logger.Debug("ignoring unknown event", "event", ev.Event)
	default:
		e.logger.Debug("ignoring unhandled event", "event", ev.Name())
	}
}

// CreateTask creates a task; the cache applies the server's response.
func (e *Engine) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	return e.cache.CreateTask(ctx, req)
}

// UpdateTask applies patch optimistically and rolls back on failure.
func (e *Engine) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) error {
	return e.layer.Run(ctx, optimistic.TaskUpdate{ID: id, Patch: patch})
}

// UpdateSession applies patch optimistically and rolls back on failure.
func (e *Engine) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) error {
	return e.layer.Run(ctx, optimistic.SessionUpdate{ID: id, Patch: patch})
}

// DeleteTask removes the task optimistically.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	return e.layer.Run(ctx, optimistic.TaskDelete{ID: id})
}

// Spawn requests a session spawn and returns the acknowledged id. The process
// is created when the spawn event arrives.
func (e *Engine) Spawn(ctx context.Context, req models.SpawnRequest) (string, error) {
	return e.orchestrator.RequestSpawn(ctx, req)
}

func (e *Engine) async(fn func(ctx context.Context)) {
	e.work.add()
	go func() {
		defer e.work.done()
		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// observer forwards cache replacements to the status reconciler.
type observer struct {
	r *status.Reconciler
}

func (o observer) TaskChanged(prev, next *models.Task) {
	o.r.ObserveTask(prev, next)
}

func (o observer) SessionChanged(prev, next *models.Session) {
	o.r.ObserveSession(prev, next)
}

// inflight counts background work. Unlike sync.WaitGroup it may be waited on
// while new work is being added.
type inflight struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func (w *inflight) add() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

func (w *inflight) done() {
	w.mu.Lock()
	w.n--
	if w.n == 0 {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

func (w *inflight) wait() {
	w.mu.Lock()
	for w.n > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}
