package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache/cachetest"
	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/process"
	"github.com/iammorganparry/clive/apps/maestro/internal/relations"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
	"github.com/iammorganparry/clive/apps/maestro/internal/transport"
)

type testAPI struct {
	*cachetest.FakeAPI
}

func (testAPI) SpawnSession(ctx context.Context, req models.SpawnRequest) (*models.SpawnResponse, error) {
	return &models.SpawnResponse{SessionID: "ack"}, nil
}

type fakeChannel struct {
	mu        sync.Mutex
	listeners []transport.Listener
}

func (c *fakeChannel) Subscribe(l transport.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
	return func() {}
}

type countingLauncher struct {
	mu    sync.Mutex
	specs []process.Spec
}

func (l *countingLauncher) Launch(ctx context.Context, spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	return &stubHandle{spec: spec, done: make(chan struct{})}, nil
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

type stubHandle struct {
	spec process.Spec
	done chan struct{}
}

func (h *stubHandle) SessionID() string     { return h.spec.SessionID }
func (h *stubHandle) Name() string          { return h.spec.Name }
func (h *stubHandle) PID() int              { return 1 }
func (h *stubHandle) Kill()                 {}
func (h *stubHandle) Interrupt()            {}
func (h *stubHandle) Wait() int             { return 0 }
func (h *stubHandle) Done() <-chan struct{} { return h.done }

func envelope(t *testing.T, name string, data any) events.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return events.Envelope{Event: name, Data: raw}
}

func newTestEngine(t *testing.T) (*Engine, *cachetest.FakeAPI, *countingLauncher) {
	t.Helper()
	fake := cachetest.NewFakeAPI()
	fake.Projects["p1"] = &models.Project{ID: "p1", Name: "demo"}
	l := &countingLauncher{}
	e := New(testAPI{fake}, &fakeChannel{}, l, Options{RetryDelay: time.Millisecond})
	t.Cleanup(e.Stop)
	return e, fake, l
}

func TestConnectRefetchesActiveProject(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	fake.PutTask(&models.Task{ID: "t1", ProjectID: "p1", Status: models.TaskStatusTodo})
	e.Cache().SetActiveProject("p1")

	// A stale entity that the server deleted while we were away.
	e.Cache().ApplyTask(&models.Task{ID: "gone", ProjectID: "p1"})

	e.HandleConnect()
	e.Drain()

	if _, ok := e.Cache().Task("gone"); ok {
		t.Fatal("refetch must drop entities missing on the server")
	}
	if _, ok := e.Cache().Task("t1"); !ok {
		t.Fatal("refetch must load the server's tasks")
	}
	if len(e.Cache().Projects()) != 1 {
		t.Fatal("projects should be refetched on connect")
	}
}

func TestConnectRefetchRetries(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		failTimes int
		wantCalls int
		wantTask  bool
	}{
		{name: "server error once", err: cachetest.ServerError(), failTimes: 1, wantCalls: 2, wantTask: true},
		{name: "connection error twice", err: &client.APIError{Kind: client.ErrConnection, Message: "refused"}, failTimes: 2, wantCalls: 3, wantTask: true},
		{name: "server error gives up", err: cachetest.ServerError(), failTimes: 5, wantCalls: 3},
		{name: "not found is final", err: cachetest.NotFound("project"), failTimes: 5, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, fake, _ := newTestEngine(t)
			fake.PutTask(&models.Task{ID: "t1", ProjectID: "p1", Status: models.TaskStatusTodo})
			e.Cache().SetActiveProject("p1")

			fake.SetFail("ListTasks", tt.err)
			var mu sync.Mutex
			lists := 0
			fake.BeforeList = func() {
				mu.Lock()
				defer mu.Unlock()
				lists++
				if lists > tt.failTimes {
					fake.SetFail("ListTasks", nil)
				}
			}

			e.HandleConnect()
			e.Drain()

			if got := fake.CallCount("ListTasks"); got != tt.wantCalls {
				t.Fatalf("ListTasks called %d times, want %d", got, tt.wantCalls)
			}
			if _, ok := e.Cache().Task("t1"); ok != tt.wantTask {
				t.Fatalf("task cached = %v, want %v", ok, tt.wantTask)
			}
		})
	}
}

func TestSetActiveProjectRejectsUnknownProject(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	err := e.SetActiveProject(context.Background(), "nope")
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if fake.CallCount("ListTasks") != 0 {
		t.Fatal("lists must not be fetched for an unknown project")
	}

	if err := e.SetActiveProject(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if p, ok := e.Cache().Project("p1"); !ok || p.Name != "demo" {
		t.Fatal("active project should be cached")
	}
}

func TestSpawnEventLaunchesOnce(t *testing.T) {
	e, _, l := newTestEngine(t)
	spawn := events.SessionSpawn{
		Session: &models.Session{ID: "s1", ProjectID: "p1", Name: "worker-fix", Status: models.SessionStatusSpawning},
		Command: "maestro worker init",
		Cwd:     t.TempDir(),
		EnvVars: map[string]string{"MAESTRO_SESSION_ID": "s1"},
	}

	e.HandleMessage(envelope(t, events.NameSessionCreated, spawn.Session))
	if l.count() != 0 {
		t.Fatal("session:created must never create a process")
	}
	e.HandleMessage(envelope(t, events.NameSessionSpawn, spawn))
	e.HandleMessage(envelope(t, events.NameSessionSpawn, spawn))
	if l.count() != 1 {
		t.Fatalf("expected one launch, got %d", l.count())
	}
	if !e.Orchestrator().HasLocalHandle("s1") {
		t.Fatal("handle should be linked")
	}

	e.HandleMessage(envelope(t, events.NameSessionDeleted, map[string]string{"id": "s1"}))
	if e.Orchestrator().HasLocalHandle("s1") {
		t.Fatal("session:deleted should drop the handle")
	}
	if _, ok := e.Cache().Session("s1"); ok {
		t.Fatal("session:deleted should remove the session")
	}
}

func TestRelationshipEventsRefetchOtherSide(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	fake.PutTask(&models.Task{ID: "t1", ProjectID: "p1", SessionIDs: []string{}})
	fake.PutSession(&models.Session{ID: "s1", ProjectID: "p1", TaskIDs: []string{}})
	if err := e.SetActiveProject(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	if _, err := fake.AddTaskToSession(ctx, "s1", "t1"); err != nil {
		t.Fatal(err)
	}
	link := events.Link{TaskID: "t1", SessionID: "s1"}
	e.HandleMessage(envelope(t, events.NameSessionTaskAdded, link))
	e.HandleMessage(envelope(t, events.NameTaskSessionAdded, link))
	e.Drain()

	if vs := relations.Check(e.Cache()); len(vs) != 0 {
		t.Fatalf("integrity broken: %v", vs)
	}
	tk, _ := e.Cache().Task("t1")
	if !tk.HasSession("s1") {
		t.Fatal("task side not refetched")
	}
}

func TestReplayedUpdatesAreIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	tk := &models.Task{ID: "t1", ProjectID: "p1", Title: "Fix bug", Status: models.TaskStatusReview}
	e.HandleMessage(envelope(t, events.NameTaskUpdated, tk))
	first := e.Cache().Tasks("")
	e.HandleMessage(envelope(t, events.NameTaskUpdated, tk))
	if second := e.Cache().Tasks(""); len(second) != 1 || second[0].Title != first[0].Title {
		t.Fatal("replay changed the cache")
	}
}

func TestUnknownAndBadEventsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.HandleMessage(events.Envelope{Event: "notify:sound", Data: json.RawMessage(`{}`)})
	e.HandleMessage(events.Envelope{Event: events.NameTaskUpdated, Data: json.RawMessage(`{"title":"no id"}`)})
	if len(e.Cache().Tasks("")) != 0 {
		t.Fatal("nothing should be applied")
	}
}

type transitions struct {
	mu  sync.Mutex
	all []status.Transition
}

func (r *transitions) Notify(t status.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, t)
}

func (r *transitions) snapshot() []status.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Transition(nil), r.all...)
}

func TestRolledBackPredictionDoesNotNotify(t *testing.T) {
	fake := cachetest.NewFakeAPI()
	fake.Projects["p1"] = &models.Project{ID: "p1", Name: "demo"}
	fake.PutTask(&models.Task{ID: "t1", ProjectID: "p1", Title: "Fix bug", Status: models.TaskStatusInProgress, SessionIDs: []string{}})
	notes := &transitions{}
	e := New(testAPI{fake}, &fakeChannel{}, &countingLauncher{}, Options{Notifier: notes})
	t.Cleanup(e.Stop)

	ctx := context.Background()
	if err := e.SetActiveProject(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	completed := models.AgentStatusCompleted
	patch := models.TaskPatch{AgentStatus: &completed, UpdateSource: models.UpdateSourceSession}
	fake.SetFail("UpdateTask", cachetest.ServerError())
	if err := e.UpdateTask(ctx, "t1", patch); err == nil {
		t.Fatal("expected the failed update to surface")
	}
	if got := notes.snapshot(); len(got) != 0 {
		t.Fatalf("a rolled back prediction must not notify, got %+v", got)
	}
	if tk, _ := e.Cache().Task("t1"); tk.Status != models.TaskStatusInProgress {
		t.Fatalf("expected rollback to in_progress, got %s", tk.Status)
	}

	fake.SetFail("UpdateTask", nil)
	if err := e.UpdateTask(ctx, "t1", patch); err != nil {
		t.Fatal(err)
	}
	got := notes.snapshot()
	if len(got) != 1 || got[0].Field != "status" || got[0].To != string(models.TaskStatusReview) {
		t.Fatalf("expected one confirmed review notification, got %+v", got)
	}
}
