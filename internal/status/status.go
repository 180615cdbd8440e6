// Package status implements the dual task status model: a human-authoritative
// status, an agent-authoritative agentStatus, and the two automatic
// transitions that join them.
//
// There is deliberately no transition table for human writes. Any valid
// status may be written by a human; legality beyond the rules below is the
// server's concern.
package status

import (
	"errors"
	"fmt"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

var (
	ErrForbiddenField = errors.New("field not writable by this writer")
	ErrInvalidValue   = errors.New("invalid status value")
	ErrTerminal       = errors.New("task is in a terminal status")
)

// Writer identifies the authority behind a task mutation.
type Writer int

const (
	WriterHuman Writer = iota
	WriterAgent
	WriterSystem
)

func (w Writer) String() string {
	switch w {
	case WriterHuman:
		return "human"
	case WriterAgent:
		return "agent"
	case WriterSystem:
		return "system"
	default:
		return fmt.Sprintf("writer(%d)", int(w))
	}
}

// WriterFor maps a patch's updateSource to a writer. An empty source is a
// human write.
func WriterFor(src models.UpdateSource) Writer {
	if src == models.UpdateSourceSession {
		return WriterAgent
	}
	return WriterHuman
}

// CheckPatch enforces the permission model on a patch before it is sent or
// applied: humans never write agentStatus, agents never write status.
func CheckPatch(w Writer, p models.TaskPatch) error {
	if p.Status != nil {
		if w == WriterAgent {
			return fmt.Errorf("agent cannot set status: %w", ErrForbiddenField)
		}
		if !p.Status.IsValid() {
			return fmt.Errorf("status %q: %w", *p.Status, ErrInvalidValue)
		}
	}
	if p.AgentStatus != nil {
		if w == WriterHuman {
			return fmt.Errorf("human cannot set agentStatus: %w", ErrForbiddenField)
		}
		if !p.AgentStatus.IsValid() {
			return fmt.Errorf("agentStatus %q: %w", *p.AgentStatus, ErrInvalidValue)
		}
	}
	if p.Priority != nil && !p.Priority.IsValid() {
		return fmt.Errorf("priority %q: %w", *p.Priority, ErrInvalidValue)
	}
	return nil
}

// CheckTerminal rejects human patches on a terminal task unless they reopen
// it. Agent patches are allowed through; Apply keeps them off status.
func CheckTerminal(task *models.Task, w Writer, p models.TaskPatch) error {
	if !task.Status.IsTerminal() || w != WriterHuman {
		return nil
	}
	if p.Status != nil && !p.Status.IsTerminal() {
		return nil
	}
	if len(p.Fields()) == 0 {
		return nil
	}
	return fmt.Errorf("task %s is %s, reopen it first: %w", task.ID, task.Status, ErrTerminal)
}

// AdvanceOnSpawn is the status a task moves to when a session is spawned
// against it.
func AdvanceOnSpawn(current models.TaskStatus) (models.TaskStatus, bool) {
	if current == models.TaskStatusTodo || current == models.TaskStatusQueued {
		return models.TaskStatusInProgress, true
	}
	return current, false
}

// AdvanceOnAgentStatus is the status a task moves to when its agentStatus is
// written. Completion moves in_progress work to review, never to done.
func AdvanceOnAgentStatus(current models.TaskStatus, agent models.AgentStatus) (models.TaskStatus, bool) {
	if agent == models.AgentStatusCompleted && current == models.TaskStatusInProgress {
		return models.TaskStatusReview, true
	}
	return current, false
}

// Change records one field transition made by Apply.
type Change struct {
	Field string
	From  string
	To    string
	Auto  bool
}

// Apply returns a copy of task with the patch applied by writer w, including
// the automatic transitions and lifecycle timestamps. The input is not
// modified. now is unix milliseconds.
func Apply(task *models.Task, w Writer, p models.TaskPatch, now int64) (*models.Task, []Change, error) {
	if err := CheckPatch(w, p); err != nil {
		return nil, nil, err
	}
	if err := CheckTerminal(task, w, p); err != nil {
		return nil, nil, err
	}

	next := task.Clone()
	var changes []Change

	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.ParentID != nil {
		parent := *p.ParentID
		next.ParentID = &parent
	}
	if p.Dependencies != nil {
		next.Dependencies = append([]string(nil), p.Dependencies...)
	}

	if p.Status != nil && *p.Status != next.Status {
		changes = append(changes, Change{Field: "status", From: string(next.Status), To: string(*p.Status)})
		setStatus(next, *p.Status, now)
	}

	if p.AgentStatus != nil && *p.AgentStatus != next.AgentStatus {
		changes = append(changes, Change{Field: "agentStatus", From: string(next.AgentStatus), To: string(*p.AgentStatus)})
		next.AgentStatus = *p.AgentStatus
		if to, ok := AdvanceOnAgentStatus(next.Status, next.AgentStatus); ok {
			changes = append(changes, Change{Field: "status", From: string(next.Status), To: string(to), Auto: true})
			setStatus(next, to, now)
		}
	}

	next.UpdatedAt = now
	return next, changes, nil
}

// ApplySpawn returns a copy of task advanced for a newly spawned session.
func ApplySpawn(task *models.Task, now int64) (*models.Task, *Change) {
	to, ok := AdvanceOnSpawn(task.Status)
	if !ok {
		return task.Clone(), nil
	}
	next := task.Clone()
	ch := &Change{Field: "status", From: string(next.Status), To: string(to), Auto: true}
	setStatus(next, to, now)
	next.UpdatedAt = now
	return next, ch
}

func setStatus(t *models.Task, to models.TaskStatus, now int64) {
	from := t.Status
	t.Status = to
	if to == models.TaskStatusInProgress && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	switch {
	case to.IsTerminal():
		done := now
		t.CompletedAt = &done
	case from.IsTerminal():
		t.CompletedAt = nil
	}
}
