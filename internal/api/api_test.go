package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/events"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/server"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

type testServer struct {
	srv *httptest.Server
	hub *server.Hub
	svc *server.Service
}

func setupTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := server.NewHub(logger, nil)
	svc := server.NewService(store.New(db), hub, server.Options{
		SessionDir: filepath.Join(dir, "sessions"),
		Logger:     logger,
	})
	srv := httptest.NewServer(NewRouter(db, svc, hub, apiKey, logger))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testServer{srv: srv, hub: hub, svc: svc}
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, "")

	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.DB.Status != "ok" {
		t.Errorf("health = %+v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestBearerAuth(t *testing.T) {
	ts := setupTestServer(t, "secret")
	ctx := context.Background()

	if err := client.New(ts.srv.URL).Health(ctx); err != nil {
		t.Fatalf("health should not need auth: %v", err)
	}

	_, err := client.New(ts.srv.URL).ListProjects(ctx)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
	if !errors.Is(err, client.ErrInvalidRequest) {
		t.Errorf("401 should map to InvalidRequest, got %v", err)
	}

	projects, err := client.New(ts.srv.URL, client.WithAPIKey("secret")).ListProjects(ctx)
	if err != nil {
		t.Fatalf("authorized list: %v", err)
	}
	if len(projects) != 0 {
		t.Errorf("projects = %d, want 0", len(projects))
	}
}

func TestTaskLifecycleOverREST(t *testing.T) {
	ts := setupTestServer(t, "")
	c := client.New(ts.srv.URL)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, models.CreateProjectRequest{Name: "demo"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	parent, err := c.CreateTask(ctx, models.CreateTaskRequest{ProjectID: p.ID, Title: "parent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if parent.Status != models.TaskStatusTodo || parent.Priority != models.PriorityMedium {
		t.Errorf("defaults = %s/%s", parent.Status, parent.Priority)
	}
	child, err := c.CreateTask(ctx, models.CreateTaskRequest{ProjectID: p.ID, Title: "child", ParentID: &parent.ID})
	if err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	roots, err := c.ListTasks(ctx, models.TaskFilter{ProjectID: p.ID, ParentID: models.RootParent})
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 || roots[0].ID != parent.ID {
		t.Errorf("roots = %v", roots)
	}

	title := "renamed"
	updated, err := c.UpdateTask(ctx, child.ID, models.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "renamed" {
		t.Errorf("title = %q", updated.Title)
	}

	if err := c.DeleteTask(ctx, parent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetTask(ctx, child.ID); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("subtask after cascade: err = %v, want NotFound", err)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := setupTestServer(t, "")
	c := client.New(ts.srv.URL)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, models.CreateProjectRequest{Name: "demo"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"missing task", func() error { _, err := c.GetTask(ctx, "nope"); return err }, client.ErrNotFound},
		{"missing session", func() error { _, err := c.GetSession(ctx, "nope"); return err }, client.ErrNotFound},
		{"unknown project", func() error {
			_, err := c.CreateTask(ctx, models.CreateTaskRequest{ProjectID: "nope", Title: "x"})
			return err
		}, client.ErrInvalidRequest},
		{"bad status filter", func() error {
			_, err := c.ListTasks(ctx, models.TaskFilter{ProjectID: p.ID, Status: "bogus"})
			return err
		}, client.ErrInvalidRequest},
		{"spawn without tasks in project", func() error {
			_, err := c.SpawnSession(ctx, models.SpawnRequest{ProjectID: p.ID, TaskIDs: []string{"nope"}, Role: models.RoleWorker})
			return err
		}, client.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	dead := client.New("http://127.0.0.1:1")
	if _, err := dead.ListProjects(ctx); !errors.Is(err, client.ErrConnection) {
		t.Errorf("unreachable server: err = %v, want ErrConnection", err)
	}
}

func TestInvalidBody(t *testing.T) {
	ts := setupTestServer(t, "")

	resp, err := http.Post(ts.srv.URL+"/api/tasks", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if !strings.HasPrefix(body["error"], "invalid request body") {
		t.Errorf("error = %q", body["error"])
	}
}

func TestSpawnReturnsOnlyAcknowledgment(t *testing.T) {
	ts := setupTestServer(t, "")
	c := client.New(ts.srv.URL)
	ctx := context.Background()

	p, _ := c.CreateProject(ctx, models.CreateProjectRequest{Name: "demo", WorkingDirectory: t.TempDir()})
	task, err := c.CreateTask(ctx, models.CreateTaskRequest{ProjectID: p.ID, Title: "work"})
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(models.SpawnRequest{ProjectID: p.ID, TaskIDs: []string{task.ID}, Role: models.RoleWorker})
	resp, err := http.Post(ts.srv.URL+"/api/sessions/spawn", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 1 || body["sessionId"] == "" {
		t.Errorf("body = %v, want only sessionId", body)
	}
}

func TestPushEndpointDeliversEvents(t *testing.T) {
	ts := setupTestServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := ts.svc.CreateProject(models.CreateProjectRequest{Name: "demo"}); err != nil {
		t.Fatal(err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != events.NameProjectCreated {
		t.Errorf("event = %q, want %q", env.Event, events.NameProjectCreated)
	}
	ev, err := events.Decode(env)
	if err != nil {
		t.Fatal(err)
	}
	if ev.(events.ProjectCreated).Project.Name != "demo" {
		t.Errorf("decoded = %+v", ev)
	}
}
