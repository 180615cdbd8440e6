package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "maestro.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	if err := s.CreateProject(&models.Project{ID: "p1", Name: "demo", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	parent := "t1"
	tasks := []*models.Task{
		{ID: "t1", ProjectID: "p1", Title: "root", Status: models.TaskStatusTodo, Priority: models.PriorityMedium, CreatedAt: 1},
		{ID: "t2", ProjectID: "p1", ParentID: &parent, Title: "child", Status: models.TaskStatusTodo, Priority: models.PriorityLow, CreatedAt: 2},
	}
	for _, tk := range tasks {
		if err := s.CreateTask(tk); err != nil {
			t.Fatal(err)
		}
	}
	sess := &models.Session{ID: "s1", ProjectID: "p1", Name: "w", Status: models.SessionStatusRunning, Role: models.RoleWorker, StartedAt: 3}
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		db.Close()
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTest(t)
	if p, err := s.GetProject("nope"); p != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v %v", p, err)
	}
	if tk, err := s.GetTask("nope"); tk != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v %v", tk, err)
	}
	if sess, err := s.GetSession("nope"); sess != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v %v", sess, err)
	}
}

func TestTaskFilters(t *testing.T) {
	s := openTest(t)
	seed(t, s)

	tests := []struct {
		name   string
		filter models.TaskFilter
		want   []string
	}{
		{"project", models.TaskFilter{ProjectID: "p1"}, []string{"t1", "t2"}},
		{"roots", models.TaskFilter{ProjectID: "p1", ParentID: models.RootParent}, []string{"t1"}},
		{"children", models.TaskFilter{ParentID: "t1"}, []string{"t2"}},
		{"status", models.TaskFilter{Status: models.TaskStatusDone}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListTasks(tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d tasks", tt.want, len(got))
			}
			for i, tk := range got {
				if tk.ID != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], tk.ID)
				}
			}
		})
	}
}

func TestLinksAreVisibleFromBothSides(t *testing.T) {
	s := openTest(t)
	seed(t, s)

	added, err := s.Link("t1", "s1", 10)
	if err != nil || !added {
		t.Fatalf("link: %v %v", added, err)
	}
	if again, _ := s.Link("t1", "s1", 11); again {
		t.Fatal("second link should be a no-op")
	}

	tk, _ := s.GetTask("t1")
	sess, _ := s.GetSession("s1")
	if !tk.HasSession("s1") || !sess.HasTask("t1") {
		t.Fatalf("link missing: %v %v", tk.SessionIDs, sess.TaskIDs)
	}
	byTask, _ := s.ListSessions(models.SessionFilter{TaskID: "t1"})
	if len(byTask) != 1 {
		t.Fatalf("expected session by task filter, got %d", len(byTask))
	}

	if removed, _ := s.Unlink("t1", "s1"); !removed {
		t.Fatal("unlink should report removal")
	}
	tk, _ = s.GetTask("t1")
	if len(tk.SessionIDs) != 0 {
		t.Fatalf("unlink left %v", tk.SessionIDs)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := openTest(t)
	seed(t, s)
	s.Link("t2", "s1", 10)

	if ok, err := s.DeleteTask("t1"); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if child, _ := s.GetTask("t2"); child != nil {
		t.Fatal("subtask should be deleted with its parent")
	}
	sess, _ := s.GetSession("s1")
	if len(sess.TaskIDs) != 0 {
		t.Fatalf("links should cascade, got %v", sess.TaskIDs)
	}

	if ok, _ := s.DeleteProject("p1"); !ok {
		t.Fatal("project delete should report removal")
	}
	if sess, _ := s.GetSession("s1"); sess != nil {
		t.Fatal("sessions should cascade with the project")
	}
}

func TestTxRollsBack(t *testing.T) {
	s := openTest(t)
	seed(t, s)
	boom := errors.New("boom")

	err := s.Tx(func(tx *Store) error {
		if _, err := tx.Link("t1", "s1", 10); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	tk, _ := s.GetTask("t1")
	if len(tk.SessionIDs) != 0 {
		t.Fatal("rolled back link is visible")
	}
}

func TestRoundTripsJSONColumns(t *testing.T) {
	s := openTest(t)
	seed(t, s)

	tk, _ := s.GetTask("t1")
	started := int64(5)
	tk.StartedAt = &started
	tk.Dependencies = []string{"t2"}
	tk.Timeline = append(tk.Timeline, models.TimelineEvent{ID: "e1", Type: models.TimelineStatusChanged, Timestamp: 5})
	if err := s.UpdateTask(tk); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask("t1")
	if *got.StartedAt != 5 || got.Dependencies[0] != "t2" || got.Timeline[0].ID != "e1" {
		t.Fatalf("unexpected task %+v", got)
	}

	sess, _ := s.GetSession("s1")
	sess.Env = map[string]string{"MAESTRO_SESSION_ID": "s1"}
	sess.Events = append(sess.Events, models.SessionEvent{ID: "a1", Type: "tool", Timestamp: 6})
	if err := s.UpdateSession(sess); err != nil {
		t.Fatal(err)
	}
	back, _ := s.GetSession("s1")
	if back.Env["MAESTRO_SESSION_ID"] != "s1" || len(back.Events) != 1 {
		t.Fatalf("unexpected session %+v", back)
	}

	p, tasks, sessions, err := s.db.Counts()
	if err != nil || p != 1 || tasks != 2 || sessions != 1 {
		t.Fatalf("counts %d %d %d %v", p, tasks, sessions, err)
	}
}
