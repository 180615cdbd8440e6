package events

import (
	"encoding/json"
	"testing"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

func envelope(t *testing.T, name string, data any) Envelope {
	t.Helper()
	raw, err := Encode(name, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestDecodeKnownEvents(t *testing.T) {
	task := &models.Task{ID: "t1", ProjectID: "p1", Title: "Fix bug", Status: models.TaskStatusTodo}
	sess := &models.Session{ID: "s1", ProjectID: "p1", TaskIDs: []string{"t1"}, Status: models.SessionStatusSpawning}
	link := Link{TaskID: "t1", SessionID: "s1"}

	tests := []struct {
		name string
		data any
		want string
	}{
		{NameTaskCreated, task, NameTaskCreated},
		{NameTaskUpdated, task, NameTaskUpdated},
		{NameTaskDeleted, map[string]string{"id": "t1"}, NameTaskDeleted},
		{NameSessionCreated, sess, NameSessionCreated},
		{NameSessionUpdated, sess, NameSessionUpdated},
		{NameSessionDeleted, map[string]string{"id": "s1"}, NameSessionDeleted},
		{NameProjectCreated, &models.Project{ID: "p1"}, NameProjectCreated},
		{NameProjectDeleted, map[string]string{"id": "p1"}, NameProjectDeleted},
		{NameSessionSpawn, SessionSpawn{Session: sess, Command: "maestro worker init"}, NameSessionSpawn},
		{NameTaskSessionAdded, link, NameTaskSessionAdded},
		{NameTaskSessionRemoved, link, NameTaskSessionRemoved},
		{NameSessionTaskAdded, link, NameSessionTaskAdded},
		{NameSessionTaskRemoved, link, NameSessionTaskRemoved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(envelope(t, tt.name, tt.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Name() != tt.want {
				t.Fatalf("got %s, want %s", ev.Name(), tt.want)
			}
			if _, unknown := ev.(Unknown); unknown {
				t.Fatal("known event decoded as Unknown")
			}
		})
	}
}

func TestDecodeSpawnCarriesProcessData(t *testing.T) {
	spawn := SessionSpawn{
		Session:  &models.Session{ID: "s1", Name: "worker-fix"},
		Command:  "maestro worker init",
		Cwd:      "/tmp/p1",
		EnvVars:  map[string]string{"MAESTRO_SESSION_ID": "s1"},
		Manifest: "version: \"1.0\"\n",
	}
	ev, err := Decode(envelope(t, NameSessionSpawn, spawn))
	if err != nil {
		t.Fatal(err)
	}
	got := ev.(SessionSpawn)
	if got.Cwd != "/tmp/p1" || got.EnvVars["MAESTRO_SESSION_ID"] != "s1" || got.Session.Name != "worker-fix" {
		t.Fatalf("unexpected spawn payload: %+v", got)
	}
}

func TestDecodeUnknownIsIgnorable(t *testing.T) {
	ev, err := Decode(Envelope{Event: "notify:sound", Data: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("unknown events must not error: %v", err)
	}
	if u, ok := ev.(Unknown); !ok || u.Event != "notify:sound" {
		t.Fatalf("expected Unknown, got %#v", ev)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []Envelope{
		{Event: NameTaskUpdated, Data: json.RawMessage(`{"title":"no id"}`)},
		{Event: NameTaskUpdated, Data: json.RawMessage(`not json`)},
		{Event: NameTaskDeleted, Data: json.RawMessage(`{}`)},
		{Event: NameSessionSpawn, Data: json.RawMessage(`{"command":"x"}`)},
		{Event: NameSessionTaskAdded, Data: json.RawMessage(`{"taskId":"t1"}`)},
		{Event: NameSessionUpdated},
	}
	for _, env := range tests {
		if _, err := Decode(env); err == nil {
			t.Errorf("expected error for %s %s", env.Event, env.Data)
		}
	}
}
