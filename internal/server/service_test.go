package server

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/manifest"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

// recorder captures broadcasts in wire form so later mutations of the
// payload cannot change what was recorded.
type recorder struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (r *recorder) Broadcast(name string, data any) {
	raw, _ := json.Marshal(data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, events.Envelope{Event: name, Data: raw})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Event
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name string) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.envs) - 1; i >= 0; i-- {
		if r.envs[i].Event == name {
			ev, _ := events.Decode(r.envs[i])
			return ev
		}
	}
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = nil
}

func newTestService(t *testing.T) (*Service, *recorder, *models.Project) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "maestro.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	rec := &recorder{}
	svc := NewService(store.New(db), rec, Options{
		SessionDir: filepath.Join(t.TempDir(), "sessions"),
		ServerURL:  "http://localhost:2357",
	})
	p, err := svc.CreateProject(models.CreateProjectRequest{Name: "demo", WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	rec.reset()
	return svc, rec, p
}

func mustTask(t *testing.T, svc *Service, projectID, title string) *models.Task {
	t.Helper()
	tk, err := svc.CreateTask(models.CreateTaskRequest{ProjectID: projectID, Title: title})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func ptr[T any](v T) *T { return &v }

func TestCreateTaskDefaults(t *testing.T) {
	svc, rec, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "Fix bug")
	if tk.Status != models.TaskStatusTodo || tk.Priority != models.PriorityMedium {
		t.Fatalf("unexpected defaults %s %s", tk.Status, tk.Priority)
	}
	if len(tk.Timeline) != 1 || tk.Timeline[0].Type != models.TimelineCreated {
		t.Fatalf("expected created timeline entry, got %+v", tk.Timeline)
	}
	if rec.count(events.NameTaskCreated) != 1 {
		t.Fatalf("expected task:created, got %v", rec.names())
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _, p := newTestService(t)
	tests := []struct {
		name string
		req  models.CreateTaskRequest
	}{
		{"empty title", models.CreateTaskRequest{ProjectID: p.ID, Title: " "}},
		{"unknown project", models.CreateTaskRequest{ProjectID: "nope", Title: "x"}},
		{"bad priority", models.CreateTaskRequest{ProjectID: p.ID, Title: "x", Priority: "urgent"}},
		{"missing parent", models.CreateTaskRequest{ProjectID: p.ID, Title: "x", ParentID: ptr("nope")}},
		{"missing dependency", models.CreateTaskRequest{ProjectID: p.ID, Title: "x", Dependencies: []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateTask(tt.req); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParentMustStayAcyclic(t *testing.T) {
	svc, _, p := newTestService(t)
	a := mustTask(t, svc, p.ID, "a")
	b, err := svc.CreateTask(models.CreateTaskRequest{ProjectID: p.ID, Title: "b", ParentID: &a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateTask(a.ID, models.TaskPatch{ParentID: &b.ID}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("cycle should be rejected, got %v", err)
	}
	moved, err := svc.UpdateTask(b.ID, models.TaskPatch{ParentID: ptr("")})
	if err != nil {
		t.Fatal(err)
	}
	if !moved.IsRoot() {
		t.Fatal("empty parent should move the task to the root")
	}
}

func TestWriterPermissions(t *testing.T) {
	svc, _, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "x")

	tests := []struct {
		name  string
		patch models.TaskPatch
	}{
		{"human writes agentStatus", models.TaskPatch{AgentStatus: ptr(models.AgentStatusWorking)}},
		{"agent writes status", models.TaskPatch{Status: ptr(models.TaskStatusDone), UpdateSource: models.UpdateSourceSession}},
		{"unknown status", models.TaskPatch{Status: ptr(models.TaskStatus("nope"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.UpdateTask(tk.ID, tt.patch); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestAgentCompletionMovesToReview(t *testing.T) {
	svc, rec, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "x")
	if _, err := svc.UpdateTask(tk.ID, models.TaskPatch{Status: ptr(models.TaskStatusInProgress)}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.UpdateTask(tk.ID, models.TaskPatch{
		AgentStatus:  ptr(models.AgentStatusCompleted),
		UpdateSource: models.UpdateSourceSession,
		SessionID:    "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskStatusReview {
		t.Fatalf("expected review, got %s", got.Status)
	}
	last := got.Timeline[len(got.Timeline)-1]
	if last.Type != models.TimelineStatusChanged || !strings.Contains(last.Message, "automatic") || last.SessionID != "s1" {
		t.Fatalf("unexpected timeline entry %+v", last)
	}
	ev, ok := rec.last(events.NameTaskUpdated).(events.TaskUpdated)
	if !ok || ev.Task.Status != models.TaskStatusReview {
		t.Fatalf("broadcast should carry the review status, got %+v", ev)
	}
}

func TestTerminalTaskRules(t *testing.T) {
	svc, _, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "x")
	if _, err := svc.UpdateTask(tk.ID, models.TaskPatch{Status: ptr(models.TaskStatusDone)}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.UpdateTask(tk.ID, models.TaskPatch{Title: ptr("renamed")}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("human edit of a terminal task should be rejected, got %v", err)
	}
	agent, err := svc.UpdateTask(tk.ID, models.TaskPatch{AgentStatus: ptr(models.AgentStatusCompleted), UpdateSource: models.UpdateSourceSession})
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != models.TaskStatusDone {
		t.Fatalf("agent write must not touch a terminal status, got %s", agent.Status)
	}
	reopened, err := svc.UpdateTask(tk.ID, models.TaskPatch{Status: ptr(models.TaskStatusTodo)})
	if err != nil {
		t.Fatal(err)
	}
	if reopened.CompletedAt != nil {
		t.Fatal("reopen should clear completedAt")
	}
}

func TestLinkIsAtomicAndAnnouncedOnBothSides(t *testing.T) {
	svc, rec, p := newTestService(t)
	a := mustTask(t, svc, p.ID, "a")
	b := mustTask(t, svc, p.ID, "b")
	sess, err := svc.CreateSession(models.CreateSessionRequest{ProjectID: p.ID, TaskIDs: []string{a.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Name != "worker-a" || sess.Status != models.SessionStatusSpawning {
		t.Fatalf("unexpected session %+v", sess)
	}
	rec.reset()

	if _, err := svc.AddTaskToSession(sess.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	want := []string{events.NameTaskSessionAdded, events.NameSessionTaskAdded}
	if got := rec.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	gotTask, _ := svc.GetTask(b.ID)
	gotSess, _ := svc.GetSession(sess.ID)
	if !gotTask.HasSession(sess.ID) || !gotSess.HasTask(b.ID) {
		t.Fatal("link missing on one side")
	}

	rec.reset()
	if _, err := svc.RemoveTaskFromSession(sess.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	gotTask, _ = svc.GetTask(b.ID)
	gotSess, _ = svc.GetSession(sess.ID)
	if gotTask.HasSession(sess.ID) || gotSess.HasTask(b.ID) {
		t.Fatal("unlink left one side behind")
	}
	if rec.count(events.NameTaskSessionRemoved) != 1 || rec.count(events.NameSessionTaskRemoved) != 1 {
		t.Fatalf("expected both removal events, got %v", rec.names())
	}

	other, _ := svc.CreateProject(models.CreateProjectRequest{Name: "other"})
	foreign := mustTask(t, svc, other.ID, "foreign")
	if _, err := svc.AddTaskToSession(sess.ID, foreign.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("cross-project link should be rejected, got %v", err)
	}
	if _, err := svc.AddTaskToSession("nope", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpawnProtocol(t *testing.T) {
	svc, rec, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "Fix bug")
	rec.reset()

	resp, err := svc.Spawn(models.SpawnRequest{ProjectID: p.ID, TaskIDs: []string{tk.ID}, Skills: []string{"go"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{events.NameTaskUpdated, events.NameSessionCreated, events.NameSessionSpawn}
	if got := rec.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}

	ev, ok := rec.last(events.NameSessionSpawn).(events.SessionSpawn)
	if !ok {
		t.Fatal("spawn event did not decode")
	}
	if ev.Session.ID != resp.SessionID || ev.Session.Name != "worker-Fix bug" {
		t.Fatalf("unexpected session %+v", ev.Session)
	}
	if ev.Command != "maestro worker init" || ev.Cwd != p.WorkingDirectory {
		t.Fatalf("unexpected command or cwd: %q %q", ev.Command, ev.Cwd)
	}
	for _, k := range []string{manifest.EnvSessionID, manifest.EnvManifestPath, manifest.EnvServerURL, manifest.EnvProjectID, manifest.EnvTaskIDs} {
		if ev.EnvVars[k] == "" {
			t.Errorf("missing env %s", k)
		}
	}
	onDisk, err := os.ReadFile(ev.EnvVars[manifest.EnvManifestPath])
	if err != nil || string(onDisk) != ev.Manifest {
		t.Fatalf("manifest on disk should match the event: %v", err)
	}

	got, _ := svc.GetTask(tk.ID)
	if got.Status != models.TaskStatusInProgress || got.StartedAt == nil || !got.HasSession(resp.SessionID) {
		t.Fatalf("task not advanced and linked: %+v", got)
	}
}

func TestSpawnValidationCreatesNothing(t *testing.T) {
	svc, rec, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "x")
	rec.reset()

	bad := []models.SpawnRequest{
		{ProjectID: "nope", TaskIDs: []string{tk.ID}},
		{ProjectID: p.ID},
		{ProjectID: p.ID, TaskIDs: []string{"nope"}},
		{ProjectID: p.ID, TaskIDs: []string{tk.ID}, Role: "boss"},
	}
	for _, req := range bad {
		if _, err := svc.Spawn(req); !errors.Is(err, ErrInvalid) {
			t.Errorf("%+v: expected ErrInvalid, got %v", req, err)
		}
	}
	sessions, _ := svc.ListSessions(models.SessionFilter{ProjectID: p.ID})
	if len(sessions) != 0 || len(rec.names()) != 0 {
		t.Fatalf("rejected spawns must create nothing: %d sessions, events %v", len(sessions), rec.names())
	}
}

func TestDeleteTaskCascadesAndRebroadcastsSessions(t *testing.T) {
	svc, rec, p := newTestService(t)
	parent := mustTask(t, svc, p.ID, "parent")
	child, _ := svc.CreateTask(models.CreateTaskRequest{ProjectID: p.ID, Title: "child", ParentID: &parent.ID})
	sess, _ := svc.CreateSession(models.CreateSessionRequest{ProjectID: p.ID, TaskIDs: []string{child.ID}})
	rec.reset()

	if err := svc.DeleteTask(parent.ID); err != nil {
		t.Fatal(err)
	}
	if rec.count(events.NameTaskDeleted) != 2 {
		t.Fatalf("expected a delete per task, got %v", rec.names())
	}
	ev, ok := rec.last(events.NameSessionUpdated).(events.SessionUpdated)
	if !ok || ev.Session.ID != sess.ID || len(ev.Session.TaskIDs) != 0 {
		t.Fatalf("session should be re-broadcast without the task, got %+v", ev)
	}
	if err := svc.DeleteTask(parent.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionLifecycleAndActivity(t *testing.T) {
	svc, _, p := newTestService(t)
	tk := mustTask(t, svc, p.ID, "x")
	sess, _ := svc.CreateSession(models.CreateSessionRequest{ProjectID: p.ID, TaskIDs: []string{tk.ID}, Name: "w"})

	done, err := svc.UpdateSession(sess.ID, models.SessionPatch{Status: ptr(models.SessionStatusCompleted)})
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed session should carry completedAt")
	}
	withEvent, err := svc.AppendSessionEvent(sess.ID, models.AppendSessionEventRequest{Type: "tool_use", Message: "ran tests"})
	if err != nil {
		t.Fatal(err)
	}
	if len(withEvent.Events) != 1 || withEvent.Events[0].Message != "ran tests" {
		t.Fatalf("unexpected events %+v", withEvent.Events)
	}
	if _, err := svc.AppendSessionEvent(sess.ID, models.AppendSessionEventRequest{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
