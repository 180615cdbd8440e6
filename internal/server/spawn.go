package server

import (
	"strings"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/manifest"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

// Spawn creates a session for the requested tasks, writes its manifest and
// broadcasts exactly one session:spawn event carrying everything a client
// needs to create the process. Validation failures create nothing. A
// manifest failure after the session exists marks it failed instead of
// failing the request.
func (s *Service) Spawn(req models.SpawnRequest) (*models.SpawnResponse, error) {
	role := req.Role
	if role == "" {
		role = models.RoleWorker
	}
	if !role.IsValid() {
		return nil, invalid("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.store.GetProject(req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, invalid("project %q not found", req.ProjectID)
	}
	tasks, err := s.resolveTasks(req.ProjectID, req.TaskIDs)
	if err != nil {
		return nil, err
	}

	now := s.nowMillis()
	sess := &models.Session{
		ID:        newID(),
		ProjectID: project.ID,
		TaskIDs:   []string{},
		Name:      strings.TrimSpace(req.SessionName),
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

	advanced := make([]*models.Task, 0, len(tasks))
	err = s.store.Tx(func(tx *store.Store) error {
		if err := tx.CreateSession(sess); err != nil {
			return err
		}
		for _, t := range tasks {
			next, ch := status.ApplySpawn(t, now)
			if ch != nil {
				next.Timeline = append(next.Timeline, timelineFor(*ch, sess.ID, now))
			}
			if err := linkTask(tx, next, sess.ID, models.TimelineSessionStarted, "Session "+sess.Name+" started", now); err != nil {
				return err
			}
			sess.TaskIDs = append(sess.TaskIDs, t.ID)
			advanced = append(advanced, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("session spawning", "session_id", sess.ID, "role", role, "tasks", len(tasks))

	for _, t := range advanced {
		s.bus.Broadcast(events.NameTaskUpdated, t)
	}
	s.bus.Broadcast(events.NameSessionCreated, sess)

	spawn, err := s.prepare(project, sess, advanced, req)
	if err != nil {
		s.logger.Error("spawn preparation failed", "session_id", sess.ID, "error", err)
		s.failSession(sess)
		return &models.SpawnResponse{SessionID: sess.ID}, nil
	}
	sess.Env = spawn.EnvVars
	spawn.Session.Env = spawn.EnvVars
	if err := s.store.UpdateSession(sess); err != nil {
		s.logger.Warn("failed to record session env", "session_id", sess.ID, "error", err)
	}

	s.bus.Broadcast(events.NameSessionSpawn, spawn)
	return &models.SpawnResponse{SessionID: sess.ID}, nil
}

// prepare generates and writes the manifest and builds the spawn payload.
func (s *Service) prepare(project *models.Project, sess *models.Session, tasks []*models.Task, req models.SpawnRequest) (events.SessionSpawn, error) {
	m, err := manifest.Generate(manifest.Input{
		SessionID: sess.ID,
		Role:      sess.Role,
		Project:   project,
		Tasks:     tasks,
		Skills:    req.Skills,
	})
	if err != nil {
		return events.SessionSpawn{}, err
	}
	path, content, err := manifest.Write(s.sessionDir, m)
	if err != nil {
		return events.SessionSpawn{}, err
	}

	cwd := project.WorkingDirectory
	if cwd == "" {
		cwd = s.sessionDir
	}
	env := manifest.Env(manifest.EnvInput{
		SessionID:    sess.ID,
		ManifestPath: path,
		ServerURL:    s.serverURL,
		ProjectID:    project.ID,
		TaskIDs:      m.TaskIDs(),
		Role:         sess.Role,
		SpawnedBy:    sess.SpawnedBy,
	})
	return events.SessionSpawn{
		Session:  sess.Clone(),
		Command:  manifest.Command(sess.Role),
		Cwd:      cwd,
		EnvVars:  env,
		Manifest: string(content),
	}, nil
}

func (s *Service) failSession(sess *models.Session) {
	now := s.nowMillis()
	sess.Status = models.SessionStatusFailed
	sess.CompletedAt = &now
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(sess); err != nil {
		s.logger.Error("failed to mark session failed", "session_id", sess.ID, "error", err)
		return
	}
	s.bus.Broadcast(events.NameSessionUpdated, sess)
}
