package models

// SessionStatus is the server-authoritative lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusSpawning  SessionStatus = "spawning"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusStopped   SessionStatus = "stopped"
)

func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusSpawning, SessionStatusRunning, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusStopped:
		return true
	}
	return false
}

// IsActive reports whether the session still counts as working on its tasks.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusSpawning || s == SessionStatusRunning
}

// SessionRole is the kind of agent a session runs.
type SessionRole string

const (
	RoleWorker       SessionRole = "worker"
	RoleOrchestrator SessionRole = "orchestrator"
)

func (r SessionRole) IsValid() bool {
	return r == RoleWorker || r == RoleOrchestrator
}

// SessionEvent is one entry in a session's activity log.
type SessionEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Session is a tracked agent execution bound to one or more tasks.
type Session struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	TaskIDs     []string          `json:"taskIds"`
	Name        string            `json:"name"`
	Status      SessionStatus     `json:"status"`
	Role        SessionRole       `json:"role"`
	Env         map[string]string `json:"env,omitempty"`
	SpawnedBy   string            `json:"spawnedBy,omitempty"`
	StartedAt   int64             `json:"startedAt"`
	UpdatedAt   int64             `json:"updatedAt"`
	CompletedAt *int64            `json:"completedAt"`
	Events      []SessionEvent    `json:"events"`
}

// HasTask reports whether taskID is linked on the session side.
func (s *Session) HasTask(taskID string) bool {
	for _, id := range s.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares no slices, maps or pointers with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.TaskIDs = cloneStrings(s.TaskIDs)
	c.CompletedAt = cloneInt64(s.CompletedAt)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Events != nil {
		c.Events = make([]SessionEvent, len(s.Events))
		copy(c.Events, s.Events)
	}
	return &c
}

// CreateSessionRequest is the payload for POST /api/sessions. It registers a
// session without spawning a process.
type CreateSessionRequest struct {
	ProjectID string      `json:"projectId"`
	TaskIDs   []string    `json:"taskIds"`
	Name      string      `json:"name,omitempty"`
	Role      SessionRole `json:"role,omitempty"`
	SpawnedBy string      `json:"spawnedBy,omitempty"`
}

// SessionPatch is a partial session update.
type SessionPatch struct {
	Name   *string        `json:"name,omitempty"`
	Status *SessionStatus `json:"status,omitempty"`
}

// SessionFilter narrows GET /api/sessions.
type SessionFilter struct {
	ProjectID string
	TaskID    string
	Status    SessionStatus
}

// AppendSessionEventRequest is the payload for POST /api/sessions/{id}/events.
type AppendSessionEventRequest struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// SpawnRequest asks the server to spawn a session against one or more tasks.
type SpawnRequest struct {
	ProjectID   string      `json:"projectId"`
	TaskIDs     []string    `json:"taskIds"`
	Role        SessionRole `json:"role"`
	SessionName string      `json:"sessionName,omitempty"`
	Skills      []string    `json:"skills"`
	SpawnedBy   string      `json:"spawnedBy,omitempty"`
}

// SpawnResponse is the acknowledgment for a spawn request. It never carries
// enough information to create a process.
type SpawnResponse struct {
	SessionID string `json:"sessionId"`
}
