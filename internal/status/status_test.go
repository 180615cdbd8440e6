package status

import (
	"errors"
	"testing"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

func ptr[T any](v T) *T { return &v }

func TestCheckPatchPermissions(t *testing.T) {
	tests := []struct {
		name    string
		writer  Writer
		patch   models.TaskPatch
		wantErr error
	}{
		{"human sets status", WriterHuman, models.TaskPatch{Status: ptr(models.TaskStatusDone)}, nil},
		{"human sets agentStatus", WriterHuman, models.TaskPatch{AgentStatus: ptr(models.AgentStatusWorking)}, ErrForbiddenField},
		{"agent sets agentStatus", WriterAgent, models.TaskPatch{AgentStatus: ptr(models.AgentStatusCompleted)}, nil},
		{"agent sets status", WriterAgent, models.TaskPatch{Status: ptr(models.TaskStatusDone)}, ErrForbiddenField},
		{"agent clears agentStatus", WriterAgent, models.TaskPatch{AgentStatus: ptr(models.AgentStatusNone)}, nil},
		{"unknown status", WriterHuman, models.TaskPatch{Status: ptr(models.TaskStatus("shipped"))}, ErrInvalidValue},
		{"unknown agent status", WriterAgent, models.TaskPatch{AgentStatus: ptr(models.AgentStatus("sleeping"))}, ErrInvalidValue},
		{"bad priority", WriterHuman, models.TaskPatch{Priority: ptr(models.TaskPriority("urgent"))}, ErrInvalidValue},
		{"title only", WriterAgent, models.TaskPatch{Title: ptr("x")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPatch(tt.writer, tt.patch)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriterFor(t *testing.T) {
	if WriterFor("") != WriterHuman {
		t.Error("empty source should be a human write")
	}
	if WriterFor(models.UpdateSourceUser) != WriterHuman {
		t.Error("user source should be a human write")
	}
	if WriterFor(models.UpdateSourceSession) != WriterAgent {
		t.Error("session source should be an agent write")
	}
}

func TestAdvanceOnSpawn(t *testing.T) {
	tests := []struct {
		from    models.TaskStatus
		want    models.TaskStatus
		advance bool
	}{
		{models.TaskStatusTodo, models.TaskStatusInProgress, true},
		{models.TaskStatusQueued, models.TaskStatusInProgress, true},
		{models.TaskStatusInProgress, models.TaskStatusInProgress, false},
		{models.TaskStatusBlocked, models.TaskStatusBlocked, false},
		{models.TaskStatusReview, models.TaskStatusReview, false},
		{models.TaskStatusDone, models.TaskStatusDone, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			got, ok := AdvanceOnSpawn(tt.from)
			if got != tt.want || ok != tt.advance {
				t.Errorf("AdvanceOnSpawn(%s) = %s, %v; want %s, %v", tt.from, got, ok, tt.want, tt.advance)
			}
		})
	}
}

func TestAgentCompletedMovesInProgressToReview(t *testing.T) {
	task := &models.Task{ID: "t1", Status: models.TaskStatusInProgress}
	next, changes, err := Apply(task, WriterAgent, models.TaskPatch{AgentStatus: ptr(models.AgentStatusCompleted)}, 1000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != models.TaskStatusReview {
		t.Fatalf("expected review, got %s", next.Status)
	}
	if next.AgentStatus != models.AgentStatusCompleted {
		t.Fatalf("expected agentStatus completed, got %s", next.AgentStatus)
	}
	if len(changes) != 2 || !changes[1].Auto {
		t.Fatalf("expected agentStatus change plus one auto status change, got %+v", changes)
	}
	if task.Status != models.TaskStatusInProgress {
		t.Fatal("Apply must not modify its input")
	}
}

func TestAgentCompletedOnDoneTaskKeepsStatus(t *testing.T) {
	task := &models.Task{ID: "t1", Status: models.TaskStatusDone}
	next, _, err := Apply(task, WriterAgent, models.TaskPatch{AgentStatus: ptr(models.AgentStatusCompleted)}, 1000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != models.TaskStatusDone {
		t.Fatalf("expected done, got %s", next.Status)
	}
	if next.AgentStatus != models.AgentStatusCompleted {
		t.Fatalf("expected agentStatus completed, got %s", next.AgentStatus)
	}
}

func TestAgentCompletedNeverReachesDone(t *testing.T) {
	for s := range validTaskStatusesForTest() {
		task := &models.Task{ID: "t", Status: s}
		next, _, err := Apply(task, WriterAgent, models.TaskPatch{AgentStatus: ptr(models.AgentStatusCompleted)}, 1)
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if next.Status == models.TaskStatusDone && s != models.TaskStatusDone {
			t.Fatalf("%s: agent write reached done", s)
		}
	}
}

func validTaskStatusesForTest() map[models.TaskStatus]struct{} {
	return map[models.TaskStatus]struct{}{
		models.TaskStatusTodo: {}, models.TaskStatusQueued: {}, models.TaskStatusInProgress: {},
		models.TaskStatusBlocked: {}, models.TaskStatusPaused: {}, models.TaskStatusReview: {},
		models.TaskStatusChangesRequested: {}, models.TaskStatusDone: {}, models.TaskStatusCancelled: {},
		models.TaskStatusWontDo: {},
	}
}

func TestTerminalTaskOnlyReopens(t *testing.T) {
	task := &models.Task{ID: "t1", Status: models.TaskStatusDone}

	if _, _, err := Apply(task, WriterHuman, models.TaskPatch{Title: ptr("renamed")}, 1); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal for title edit on done task, got %v", err)
	}
	if _, _, err := Apply(task, WriterHuman, models.TaskPatch{Status: ptr(models.TaskStatusCancelled)}, 1); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal for terminal-to-terminal write, got %v", err)
	}

	reopened, _, err := Apply(task, WriterHuman, models.TaskPatch{Status: ptr(models.TaskStatusTodo), Title: ptr("again")}, 5)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != models.TaskStatusTodo || reopened.Title != "again" {
		t.Fatalf("unexpected reopened task: %+v", reopened)
	}
	if reopened.CompletedAt != nil {
		t.Fatal("reopen should clear completedAt")
	}
}

func TestLifecycleTimestamps(t *testing.T) {
	task := &models.Task{ID: "t1", Status: models.TaskStatusTodo}
	started, _, err := Apply(task, WriterHuman, models.TaskPatch{Status: ptr(models.TaskStatusInProgress)}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if started.StartedAt == nil || *started.StartedAt != 10 {
		t.Fatalf("expected startedAt 10, got %v", started.StartedAt)
	}
	done, _, err := Apply(started, WriterHuman, models.TaskPatch{Status: ptr(models.TaskStatusDone)}, 20)
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedAt == nil || *done.CompletedAt != 20 {
		t.Fatalf("expected completedAt 20, got %v", done.CompletedAt)
	}
	if *done.StartedAt != 10 {
		t.Fatal("startedAt should not move")
	}
}

func TestApplySpawn(t *testing.T) {
	next, ch := ApplySpawn(&models.Task{ID: "t1", Status: models.TaskStatusQueued}, 7)
	if next.Status != models.TaskStatusInProgress || ch == nil || !ch.Auto {
		t.Fatalf("expected auto advance to in_progress, got %s %+v", next.Status, ch)
	}
	same, ch := ApplySpawn(&models.Task{ID: "t2", Status: models.TaskStatusReview}, 7)
	if same.Status != models.TaskStatusReview || ch != nil {
		t.Fatalf("review task should not move, got %s", same.Status)
	}
}

func TestReconcilerNotifiesOnReview(t *testing.T) {
	var got []Transition
	r := NewReconciler(NotifierFunc(func(tr Transition) { got = append(got, tr) }), nil)

	prev := &models.Task{ID: "t1", Status: models.TaskStatusInProgress}
	next := &models.Task{ID: "t1", Status: models.TaskStatusReview, AgentStatus: models.AgentStatusCompleted}
	all := r.ObserveTask(prev, next)

	if len(all) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(all))
	}
	if len(got) != 1 || got[0].To != string(models.TaskStatusReview) {
		t.Fatalf("expected one review notification, got %+v", got)
	}
	if r.ObserveTask(nil, next) != nil {
		t.Fatal("first sighting should not produce transitions")
	}
}

func TestReconcilerSessionFailure(t *testing.T) {
	var got []Transition
	r := NewReconciler(NotifierFunc(func(tr Transition) { got = append(got, tr) }), nil)
	r.ObserveSession(
		&models.Session{ID: "s1", Status: models.SessionStatusSpawning},
		&models.Session{ID: "s1", Status: models.SessionStatusFailed},
	)
	if len(got) != 1 || got[0].Kind != "session" {
		t.Fatalf("expected one session notification, got %+v", got)
	}
}
