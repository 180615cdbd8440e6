package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/api"
	"github.com/iammorganparry/clive/apps/maestro/internal/manifest"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/server"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

// run executes the root command. Flags keep their values between runs, so
// callers pass every flag that matters explicitly.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	err := rootCmd.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("maestro %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{
		"MAESTRO_SERVER_URL", "MAESTRO_PROJECT", "MAESTRO_API_KEY", "MAESTRO_SESSION_ID",
		"MAESTRO_MANIFEST_PATH", "PORT", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestCommandsAgainstServer(t *testing.T) {
	isolateEnv(t)

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := server.NewHub(logger, nil)
	sessionDir := filepath.Join(dir, "sessions")
	svc := server.NewService(store.New(db), hub, server.Options{SessionDir: sessionDir, Logger: logger})
	srv := httptest.NewServer(api.NewRouter(db, svc, hub, "", logger))
	t.Cleanup(srv.Close)
	url := srv.URL

	pid := mustRun(t, "project", "add", "demo", "--dir", t.TempDir(), "--server", url)
	if pid == "" {
		t.Fatal("project add printed no id")
	}

	tid := mustRun(t, "task", "add", "write", "docs", "--server", url, "--project", pid,
		"--parent=", "--priority=high", "--description=")
	list := mustRun(t, "task", "list", "--server", url, "--project", pid, "--status=", "--parent=")
	if !strings.Contains(list, "write docs") || !strings.Contains(list, "todo") {
		t.Errorf("task list = %q", list)
	}

	sid := mustRun(t, "spawn", tid, "--server", url, "--project", pid, "--role=worker", "--name=", "--spawned-by=")
	sess, err := svc.GetSession(sid)
	if err != nil {
		t.Fatalf("spawned session: %v", err)
	}
	if sess.Status != models.SessionStatusSpawning {
		t.Errorf("status = %s", sess.Status)
	}

	t.Setenv(manifest.EnvManifestPath, manifest.Path(sessionDir, sid))
	t.Setenv(manifest.EnvSessionID, sid)
	briefing := mustRun(t, "worker", "init", "--server", url)
	if !strings.Contains(briefing, "write docs") || !strings.Contains(briefing, "demo") {
		t.Errorf("init output = %q", briefing)
	}
	if _, err := run(t, "orchestrator", "init", "--server", url); err == nil {
		t.Error("orchestrator init should refuse a worker manifest")
	}
	sess, _ = svc.GetSession(sid)
	if sess.Status != models.SessionStatusRunning || len(sess.Events) != 1 || sess.Events[0].Type != "init" {
		t.Errorf("session after init = %+v", sess)
	}

	mustRun(t, "task", "set", tid, "--server", url, "--status=", "--agent-status", "completed", "--session", sid)
	task, _ := svc.GetTask(tid)
	if task.Status != models.TaskStatusReview {
		t.Errorf("task status = %s, want review", task.Status)
	}

	check := mustRun(t, "watch", "--check", "--repair=false", "--server", url, "--project", pid)
	if !strings.Contains(check, "consistent") {
		t.Errorf("check output = %q", check)
	}

	sessions := mustRun(t, "session", "list", "--server", url, "--project", pid, "--task", tid, "--status=")
	if !strings.Contains(sessions, sid) {
		t.Errorf("session list = %q", sessions)
	}
	mustRun(t, "session", "stop", sid, "--server", url)
	sess, _ = svc.GetSession(sid)
	if sess.Status != models.SessionStatusStopped || sess.CompletedAt == nil {
		t.Errorf("session after stop = %+v", sess)
	}
}

func TestTaskPatchFromFlags(t *testing.T) {
	tests := []struct {
		name       string
		flags      map[string]string
		wantErr    bool
		wantSource models.UpdateSource
	}{
		{name: "human status", flags: map[string]string{"status": "done"}, wantSource: models.UpdateSourceUser},
		{name: "agent status", flags: map[string]string{"agent-status": "working", "session": "s1"}, wantSource: models.UpdateSourceSession},
		{name: "both", flags: map[string]string{"status": "done", "agent-status": "working"}, wantErr: true},
		{name: "neither", flags: map[string]string{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().String("status", "", "")
			cmd.Flags().String("agent-status", "", "")
			cmd.Flags().String("session", "", "")
			for k, v := range tt.flags {
				if err := cmd.Flags().Set(k, v); err != nil {
					t.Fatal(err)
				}
			}

			patch, err := taskPatchFromFlags(cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && patch.UpdateSource != tt.wantSource {
				t.Errorf("source = %s, want %s", patch.UpdateSource, tt.wantSource)
			}
		})
	}
}

func TestRequireProject(t *testing.T) {
	isolateEnv(t)
	_, err := run(t, "task", "list", "--server", "http://127.0.0.1:1", "--project", "", "--status=", "--parent=")
	if err == nil || !strings.Contains(err.Error(), "MAESTRO_PROJECT") {
		t.Errorf("err = %v", err)
	}
}
