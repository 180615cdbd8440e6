// Package spawn drives the client half of the session spawn protocol.
//
// A spawn request only returns an acknowledgment. The local process is
// created when the matching session:spawn event arrives, whoever asked for
// the spawn, and at most once per dedup key inside the dedup window.
package spawn

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache"
	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/process"
)

// DefaultDedupWindow absorbs a replayed spawn event after a reconnect.
const DefaultDedupWindow = 2 * time.Second

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Requester sends spawn requests to the server.
type Requester interface {
	SpawnSession(ctx context.Context, req models.SpawnRequest) (*models.SpawnResponse, error)
}

// Clock is the time source for the dedup window.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithDedupWindow(d time.Duration) Option {
	return func(o *Orchestrator) { o.window = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLaunchErrorHandler receives local process-creation failures. These are
// surfaced locally only; the session's status changes only by server event.
func WithLaunchErrorHandler(fn func(sessionID string, err error)) Option {
	return func(o *Orchestrator) { o.onLaunchErr = fn }
}

// Orchestrator turns spawn events into local processes.
type Orchestrator struct {
	api         Requester
	cache       *cache.Cache
	launcher    process.Launcher
	clock       Clock
	window      time.Duration
	logger      *slog.Logger
	onLaunchErr func(sessionID string, err error)

	mu      sync.Mutex
	recent  map[string]time.Time
	handles map[string]process.Handle
}

func New(api Requester, c *cache.Cache, launcher process.Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:      api,
		cache:    c,
		launcher: launcher,
		clock:    realClock{},
		window:   DefaultDedupWindow,
		logger:   slog.Default(),
		recent:   make(map[string]time.Time),
		handles:  make(map[string]process.Handle),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequestSpawn asks the server to spawn a session and returns the session id
// from the acknowledgment. It never creates a process.
func (o *Orchestrator) RequestSpawn(ctx context.Context, req models.SpawnRequest) (string, error) {
	if req.ProjectID == "" {
		return "", client.Invalid("projectId is required")
	}
	if len(req.TaskIDs) == 0 {
		return "", client.Invalid("at least one task id is required")
	}
	if req.Role == "" {
		req.Role = models.RoleWorker
	}
	if !req.Role.IsValid() {
		return "", client.Invalid("unknown role %q", req.Role)
	}
	if req.Skills == nil {
		req.Skills = []string{}
	}

	ack, err := o.api.SpawnSession(ctx, req)
	if err != nil {
		return "", fmt.Errorf("spawn session: %w", err)
	}
	o.logger.Info("spawn requested", "project_id", req.ProjectID, "task_ids", req.TaskIDs, "session_id", ack.SessionID)
	return ack.SessionID, nil
}

// DedupKey identifies a spawn for deduplication: project and session name,
// or the session id when the session has no name.
func DedupKey(s *models.Session) string {
	if s.Name != "" {
		return s.ProjectID + "\x00" + s.Name
	}
	return "id\x00" + s.ID
}

// HandleSpawn processes a session:spawn event. It reports whether a process
// was created. A duplicate inside the window is dropped without error, and so
// is an event for a session whose local process is still running. After the
// window, an event for an exited session launches a new process.
func (o *Orchestrator) HandleSpawn(ctx context.Context, ev events.SessionSpawn) (bool, error) {
	sess := ev.Session
	o.cache.ApplySession(sess)

	key := DedupKey(sess)
	now := o.clock.Now()

	o.mu.Lock()
	o.expireLocked(now)
	if _, dup := o.recent[key]; dup {
		o.mu.Unlock()
		o.logger.Debug("duplicate spawn event dropped", "session_id", sess.ID, "name", sess.Name)
		return false, nil
	}
	o.recent[key] = now
	if h, ok := o.handles[sess.ID]; ok && running(h) {
		o.mu.Unlock()
		o.logger.Debug("session process still running", "session_id", sess.ID)
		return false, nil
	}
	name := o.uniqueNameLocked(baseName(sess))
	o.mu.Unlock()

	env := o.cleanEnv(sess.ID, ev.EnvVars)
	h, err := o.launcher.Launch(ctx, process.Spec{
		SessionID: sess.ID,
		Name:      name,
		Command:   ev.Command,
		Dir:       ev.Cwd,
		Env:       env,
	})
	if err != nil {
		o.logger.Error("failed to create session process", "session_id", sess.ID, "error", err)
		if o.onLaunchErr != nil {
			o.onLaunchErr(sess.ID, err)
		}
		return false, fmt.Errorf("launch session %s: %w", sess.ID, err)
	}

	o.mu.Lock()
	o.handles[sess.ID] = h
	o.mu.Unlock()
	o.logger.Info("session process linked", "session_id", sess.ID, "name", name, "pid", h.PID())
	return true, nil
}

// Handle returns the local process hosting sessionID.
func (o *Orchestrator) Handle(sessionID string) (process.Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[sessionID]
	return h, ok
}

// HasLocalHandle reports whether this client created the session's process.
// Sessions spawned elsewhere are present in the cache with no local handle.
func (o *Orchestrator) HasLocalHandle(sessionID string) bool {
	_, ok := o.Handle(sessionID)
	return ok
}

// Exited reports whether the session's local process has exited.
func (o *Orchestrator) Exited(sessionID string) bool {
	h, ok := o.Handle(sessionID)
	return ok && !running(h)
}

// Forget drops the link between sessionID and its local process. The process
// itself is left alone.
func (o *Orchestrator) Forget(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.handles[sessionID]; ok {
		delete(o.handles, sessionID)
		o.logger.Debug("session handle forgotten", "session_id", sessionID)
	}
}

// Handles returns the session ids with a local process, sorted.
func (o *Orchestrator) Handles() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.handles))
	for id := range o.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every live local process, waiting up to grace for each.
func (o *Orchestrator) StopAll(grace time.Duration) {
	o.mu.Lock()
	hs := make([]process.Handle, 0, len(o.handles))
	for _, h := range o.handles {
		hs = append(hs, h)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h process.Handle) {
			defer wg.Done()
			process.Stop(h, grace)
		}(h)
	}
	wg.Wait()
}

func (o *Orchestrator) expireLocked(now time.Time) {
	for k, at := range o.recent {
		if now.Sub(at) >= o.window {
			delete(o.recent, k)
		}
	}
}

func running(h process.Handle) bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

func (o *Orchestrator) uniqueNameLocked(base string) string {
	taken := make(map[string]bool, len(o.handles))
	for _, h := range o.handles {
		if running(h) {
			taken[h.Name()] = true
		}
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if !taken[name] {
			return name
		}
	}
}

func (o *Orchestrator) cleanEnv(sessionID string, in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if !envKeyRe.MatchString(k) {
			o.logger.Warn("dropping invalid env key", "session_id", sessionID, "key", k)
			continue
		}
		out[k] = v
	}
	return out
}

func baseName(s *models.Session) string {
	name := strings.TrimSpace(s.Name)
	if name != "" {
		return name
	}
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "session-" + id
}
