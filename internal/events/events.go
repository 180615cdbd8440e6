// Package events defines the push-event wire envelope and the closed set of
// event kinds the sync engine consumes.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// Event names on the wire.
const (
	NameProjectCreated = "project:created"
	NameProjectUpdated = "project:updated"
	NameProjectDeleted = "project:deleted"

	NameTaskCreated = "task:created"
	NameTaskUpdated = "task:updated"
	NameTaskDeleted = "task:deleted"

	NameSessionCreated = "session:created"
	NameSessionUpdated = "session:updated"
	NameSessionDeleted = "session:deleted"
	NameSessionSpawn   = "session:spawn"

	NameTaskSessionAdded   = "task:session_added"
	NameTaskSessionRemoved = "task:session_removed"
	NameSessionTaskAdded   = "session:task_added"
	NameSessionTaskRemoved = "session:task_removed"
)

// Envelope is the wire form of every push message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode builds the wire bytes for an event name and payload.
func Encode(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return json.Marshal(Envelope{Event: name, Data: raw})
}

// Event is implemented by every decoded event kind.
type Event interface {
	Name() string
}

type ProjectCreated struct{ Project *models.Project }
type ProjectUpdated struct{ Project *models.Project }
type ProjectDeleted struct{ ID string }

type TaskCreated struct{ Task *models.Task }
type TaskUpdated struct{ Task *models.Task }
type TaskDeleted struct{ ID string }

type SessionCreated struct{ Session *models.Session }
type SessionUpdated struct{ Session *models.Session }
type SessionDeleted struct{ ID string }

// SessionSpawn is the only event that may trigger local process creation.
type SessionSpawn struct {
	Session  *models.Session   `json:"session"`
	Command  string            `json:"command"`
	Cwd      string            `json:"cwd"`
	EnvVars  map[string]string `json:"envVars"`
	Manifest string            `json:"manifest"`
}

// Link carries only the two ids of a relationship change.
type Link struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

// Task-side relationship events.
type TaskSessionAdded struct{ Link }
type TaskSessionRemoved struct{ Link }

// Session-side relationship events.
type SessionTaskAdded struct{ Link }
type SessionTaskRemoved struct{ Link }

// Unknown is any event name this client does not understand.
type Unknown struct{ Event string }

func (ProjectCreated) Name() string     { return NameProjectCreated }
func (ProjectUpdated) Name() string     { return NameProjectUpdated }
func (ProjectDeleted) Name() string     { return NameProjectDeleted }
func (TaskCreated) Name() string        { return NameTaskCreated }
func (TaskUpdated) Name() string        { return NameTaskUpdated }
func (TaskDeleted) Name() string        { return NameTaskDeleted }
func (SessionCreated) Name() string     { return NameSessionCreated }
func (SessionUpdated) Name() string     { return NameSessionUpdated }
func (SessionDeleted) Name() string     { return NameSessionDeleted }
func (SessionSpawn) Name() string       { return NameSessionSpawn }
func (TaskSessionAdded) Name() string   { return NameTaskSessionAdded }
func (TaskSessionRemoved) Name() string { return NameTaskSessionRemoved }
func (SessionTaskAdded) Name() string   { return NameSessionTaskAdded }
func (SessionTaskRemoved) Name() string { return NameSessionTaskRemoved }
func (u Unknown) Name() string          { return u.Event }

type idPayload struct {
	ID string `json:"id"`
}

// Decode turns an envelope into a typed event. Unrecognised names decode to
// Unknown without error; malformed payloads of known names are errors.
func Decode(env Envelope) (Event, error) {
	switch env.Event {
	case NameProjectCreated, NameProjectUpdated:
		var p models.Project
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if env.Event == NameProjectCreated {
			return ProjectCreated{Project: &p}, nil
		}
		return ProjectUpdated{Project: &p}, nil

	case NameTaskCreated, NameTaskUpdated:
		var t models.Task
		if err := unmarshal(env, &t); err != nil {
			return nil, err
		}
		if t.ID == "" {
			return nil, fmt.Errorf("decode %s: missing task id", env.Event)
		}
		if env.Event == NameTaskCreated {
			return TaskCreated{Task: &t}, nil
		}
		return TaskUpdated{Task: &t}, nil

	case NameSessionCreated, NameSessionUpdated:
		var s models.Session
		if err := unmarshal(env, &s); err != nil {
			return nil, err
		}
		if s.ID == "" {
			return nil, fmt.Errorf("decode %s: missing session id", env.Event)
		}
		if env.Event == NameSessionCreated {
			return SessionCreated{Session: &s}, nil
		}
		return SessionUpdated{Session: &s}, nil

	case NameProjectDeleted, NameTaskDeleted, NameSessionDeleted:
		var p idPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", env.Event)
		}
		switch env.Event {
		case NameProjectDeleted:
			return ProjectDeleted{ID: p.ID}, nil
		case NameTaskDeleted:
			return TaskDeleted{ID: p.ID}, nil
		default:
			return SessionDeleted{ID: p.ID}, nil
		}

	case NameSessionSpawn:
		var s SessionSpawn
		if err := unmarshal(env, &s); err != nil {
			return nil, err
		}
		if s.Session == nil || s.Session.ID == "" {
			return nil, fmt.Errorf("decode %s: missing session", env.Event)
		}
		return s, nil

	case NameTaskSessionAdded, NameTaskSessionRemoved, NameSessionTaskAdded, NameSessionTaskRemoved:
		var l Link
		if err := unmarshal(env, &l); err != nil {
			return nil, err
		}
		if l.TaskID == "" || l.SessionID == "" {
			return nil, fmt.Errorf("decode %s: taskId and sessionId are required", env.Event)
		}
		switch env.Event {
		case NameTaskSessionAdded:
			return TaskSessionAdded{l}, nil
		case NameTaskSessionRemoved:
			return TaskSessionRemoved{l}, nil
		case NameSessionTaskAdded:
			return SessionTaskAdded{l}, nil
		default:
			return SessionTaskRemoved{l}, nil
		}
	}
	return Unknown{Event: env.Event}, nil
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}
