// Package server is the authoritative domain service behind the REST API. It
// validates writes, keeps both sides of every task/session link consistent,
// applies the automatic status transitions and broadcasts a push event for
// every change it commits.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid request")
)

// Broadcaster delivers a named event to every connected client.
type Broadcaster interface {
	Broadcast(name string, data any)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(name string, data any)

func (f BroadcasterFunc) Broadcast(name string, data any) { f(name, data) }

// Options configures a Service.
type Options struct {
	// SessionDir is where per-session manifests are written.
	SessionDir string
	// ServerURL is handed to spawned sessions so they can call back.
	ServerURL string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service is the main facade for project, task and session operations.
type Service struct {
	store      *store.Store
	bus        Broadcaster
	sessionDir string
	serverURL  string
	logger     *slog.Logger
	now        func() time.Time

	// mu serializes writes so validation and commit see the same state.
	mu sync.Mutex
}

func NewService(st *store.Store, bus Broadcaster, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if bus == nil {
		bus = BroadcasterFunc(func(string, any) {})
	}
	return &Service{
		store:      st,
		bus:        bus,
		sessionDir: opts.SessionDir,
		serverURL:  opts.ServerURL,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

func (s *Service) nowMillis() int64 {
	return s.now().UnixMilli()
}

func newID() string {
	return uuid.New().String()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

type idPayload struct {
	ID string `json:"id"`
}

// ListProjects returns every project.
func (s *Service) ListProjects() ([]*models.Project, error) {
	return s.store.ListProjects()
}

// GetProject returns a project or ErrNotFound.
func (s *Service) GetProject(id string) (*models.Project, error) {
	p, err := s.store.GetProject(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("project", id)
	}
	return p, nil
}

// CreateProject registers a project.
func (s *Service) CreateProject(req models.CreateProjectRequest) (*models.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	now := s.nowMillis()
	p := &models.Project{
		ID:               newID(),
		Name:             name,
		WorkingDirectory: req.WorkingDirectory,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateProject(p); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	s.bus.Broadcast(events.NameProjectCreated, p)
	return p, nil
}

// UpdateProject renames a project or moves its working directory.
func (s *Service) UpdateProject(id string, patch models.ProjectPatch) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetProject(id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, invalid("name cannot be empty")
		}
		p.Name = name
	}
	if patch.WorkingDirectory != nil {
		p.WorkingDirectory = *patch.WorkingDirectory
	}
	p.UpdatedAt = s.nowMillis()
	if err := s.store.UpdateProject(p); err != nil {
		return nil, err
	}
	s.bus.Broadcast(events.NameProjectUpdated, p)
	return p, nil
}

// DeleteProject removes a project together with its tasks and sessions.
func (s *Service) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.store.DeleteProject(id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("project", id)
	}
	s.logger.Info("project deleted", "project_id", id)
	s.bus.Broadcast(events.NameProjectDeleted, idPayload{ID: id})
	return nil
}

// Health reports database reachability and entity counts.
func (s *Service) Health(db *store.DB) models.HealthResponse {
	resp := models.HealthResponse{Status: "ok", DB: models.ServiceCheck{Status: "ok"}}
	if err := db.Ping(); err != nil {
		resp.Status = "degraded"
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		return resp
	}
	p, t, sess, err := db.Counts()
	if err != nil {
		resp.Status = "degraded"
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		return resp
	}
	resp.ProjectCount, resp.TaskCount, resp.SessionCount = p, t, sess
	return resp
}
