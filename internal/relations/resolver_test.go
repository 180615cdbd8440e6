package relations

import (
	"context"
	"testing"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache"
	"github.com/iammorganparry/clive/apps/maestro/internal/cache/cachetest"
	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

func setup(t *testing.T) (*cachetest.FakeAPI, *cache.Cache, *Resolver) {
	t.Helper()
	api := cachetest.NewFakeAPI()
	api.PutTask(&models.Task{ID: "t1", ProjectID: "p1", Status: models.TaskStatusTodo, SessionIDs: []string{}})
	api.PutTask(&models.Task{ID: "t2", ProjectID: "p1", Status: models.TaskStatusTodo, SessionIDs: []string{}})
	api.PutSession(&models.Session{ID: "s1", ProjectID: "p1", TaskIDs: []string{}, Status: models.SessionStatusRunning})

	c := cache.New(api)
	c.SetActiveProject("p1")
	if err := c.FetchAll(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	return api, c, NewResolver(c, api, nil)
}

func TestLinkUpdatesBothSides(t *testing.T) {
	_, c, r := setup(t)
	ctx := context.Background()

	if err := r.Link(ctx, "t1", "s1"); err != nil {
		t.Fatal(err)
	}
	tk, _ := c.Task("t1")
	s, _ := c.Session("s1")
	if !tk.HasSession("s1") || !s.HasTask("t1") {
		t.Fatalf("link not visible on both sides: task=%v session=%v", tk.SessionIDs, s.TaskIDs)
	}
	if vs := Check(c); len(vs) != 0 {
		t.Fatalf("unexpected violations %v", vs)
	}

	if err := r.Unlink(ctx, "t1", "s1"); err != nil {
		t.Fatal(err)
	}
	tk, _ = c.Task("t1")
	s, _ = c.Session("s1")
	if tk.HasSession("s1") || s.HasTask("t1") {
		t.Fatal("unlink not visible on both sides")
	}
}

// Another writer links on the server. Each ordering of the two relationship
// events must end with a consistent cache.
func TestRelationshipEventsInAnyOrder(t *testing.T) {
	orders := map[string][]string{
		"task side first":    {"task", "session"},
		"session side first": {"session", "task"},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			api, c, r := setup(t)
			ctx := context.Background()
			for _, tid := range []string{"t1", "t2"} {
				if _, err := api.AddTaskToSession(ctx, "s1", tid); err != nil {
					t.Fatal(err)
				}
			}

			for _, tid := range []string{"t1", "t2"} {
				l := events.Link{TaskID: tid, SessionID: "s1"}
				for i, side := range order {
					if side == "task" {
						_ = r.HandleTaskSide(ctx, l)
					} else {
						_ = r.HandleSessionSide(ctx, l)
					}
					if i == 0 && tid == "t2" {
						// A removal races in between the halves.
						if _, err := api.RemoveTaskFromSession(ctx, "s1", "t1"); err != nil {
							t.Fatal(err)
						}
						_ = r.HandleTaskSide(ctx, events.Link{TaskID: "t1", SessionID: "s1"})
						_ = r.HandleSessionSide(ctx, events.Link{TaskID: "t1", SessionID: "s1"})
					}
				}
			}

			if vs := Check(c); len(vs) != 0 {
				t.Fatalf("referential integrity broken: %v", vs)
			}
			s, _ := c.Session("s1")
			if s.HasTask("t1") || !s.HasTask("t2") {
				t.Fatalf("unexpected final links %v", s.TaskIDs)
			}
		})
	}
}

func TestRefetchOfDeletedEntityIsQuiet(t *testing.T) {
	api, c, r := setup(t)
	api.Drop("s1")
	if err := r.HandleTaskSide(context.Background(), events.Link{TaskID: "t1", SessionID: "s1"}); err != nil {
		t.Fatalf("not found should not be an error: %v", err)
	}
	if _, ok := c.Session("s1"); !ok {
		t.Fatal("only a delete event may remove the session")
	}
}

func TestCheckAndRepair(t *testing.T) {
	api, c, r := setup(t)
	ctx := context.Background()
	if _, err := api.AddTaskToSession(ctx, "s1", "t1"); err != nil {
		t.Fatal(err)
	}
	// Only the session side made it to the cache.
	if _, err := c.FetchSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	vs := Check(c)
	if len(vs) != 1 || vs[0].Side != "session" || vs[0].TaskID != "t1" {
		t.Fatalf("expected one session-side violation, got %v", vs)
	}
	if err := r.Repair(ctx, vs); err != nil {
		t.Fatal(err)
	}
	if vs := Check(c); len(vs) != 0 {
		t.Fatalf("repair left violations %v", vs)
	}
}
