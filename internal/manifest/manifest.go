// Package manifest builds the declarative document a spawned session reads on
// startup and the MAESTRO_ environment it is launched with.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// Version is written into every manifest.
const Version = "1.0"

// FileName is the manifest's name inside a session directory.
const FileName = "manifest.yaml"

// Environment variable names passed to a spawned session.
const (
	EnvSessionID    = "MAESTRO_SESSION_ID"
	EnvManifestPath = "MAESTRO_MANIFEST_PATH"
	EnvServerURL    = "MAESTRO_SERVER_URL"
	EnvProjectID    = "MAESTRO_PROJECT_ID"
	EnvTaskIDs      = "MAESTRO_TASK_IDS"
	EnvRole         = "MAESTRO_ROLE"
	EnvSpawnedBy    = "MAESTRO_SPAWNED_BY"
)

// Manifest is the document bound to one session.
type Manifest struct {
	Version string             `yaml:"version"`
	Role    models.SessionRole `yaml:"role"`
	Project Project            `yaml:"project"`
	Tasks   []Task             `yaml:"tasks"`
	Skills  []string           `yaml:"skills"`
	Session Session            `yaml:"session"`
}

type Project struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type Task struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Description  string   `yaml:"description,omitempty"`
	Priority     string   `yaml:"priority,omitempty"`
	ParentID     string   `yaml:"parent_id,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
}

type Session struct {
	ID             string `yaml:"id"`
	Model          string `yaml:"model"`
	PermissionMode string `yaml:"permission_mode"`
	Cwd            string `yaml:"cwd"`
}

// Defaults for the session block.
const (
	DefaultModel          = "sonnet"
	DefaultPermissionMode = "acceptEdits"
)

// Input is what Generate binds together.
type Input struct {
	SessionID string
	Role      models.SessionRole
	Project   *models.Project
	Tasks     []*models.Task
	Skills    []string
}

// Generate builds the manifest for a session.
func Generate(in Input) (*Manifest, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if in.Project == nil {
		return nil, fmt.Errorf("project is required")
	}
	if len(in.Tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}
	role := in.Role
	if role == "" {
		role = models.RoleWorker
	}

	m := &Manifest{
		Version: Version,
		Role:    role,
		Project: Project{ID: in.Project.ID, Name: in.Project.Name},
		Tasks:   make([]Task, 0, len(in.Tasks)),
		Skills:  append([]string{}, in.Skills...),
		Session: Session{
			ID:             in.SessionID,
			Model:          DefaultModel,
			PermissionMode: DefaultPermissionMode,
			Cwd:            in.Project.WorkingDirectory,
		},
	}
	for _, t := range in.Tasks {
		mt := Task{
			ID:           t.ID,
			Title:        t.Title,
			Description:  t.Description,
			Priority:     string(t.Priority),
			Dependencies: t.Dependencies,
		}
		if t.ParentID != nil {
			mt.ParentID = *t.ParentID
		}
		m.Tasks = append(m.Tasks, mt)
	}
	return m, nil
}

// TaskIDs returns the ids of the bound tasks in manifest order.
func (m *Manifest) TaskIDs() []string {
	ids := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Encode renders the manifest as YAML.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// Parse reads a manifest back, rejecting unknown versions.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	return &m, nil
}

// Path returns where the manifest for sessionID lives under dir.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID, FileName)
}

// Write encodes the manifest into its session directory under dir and
// returns the path and content written.
func Write(dir string, m *Manifest) (string, []byte, error) {
	data, err := m.Encode()
	if err != nil {
		return "", nil, err
	}
	path := Path(dir, m.Session.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", nil, fmt.Errorf("failed to rename manifest: %w", err)
	}
	return path, data, nil
}

// EnvInput is what Env needs to build a session's environment.
type EnvInput struct {
	SessionID    string
	ManifestPath string
	ServerURL    string
	ProjectID    string
	TaskIDs      []string
	Role         models.SessionRole
	SpawnedBy    string
}

// Env builds the flat MAESTRO_ environment for a spawned session.
func Env(in EnvInput) map[string]string {
	env := map[string]string{
		EnvSessionID:    in.SessionID,
		EnvManifestPath: in.ManifestPath,
		EnvServerURL:    in.ServerURL,
		EnvProjectID:    in.ProjectID,
		EnvTaskIDs:      strings.Join(in.TaskIDs, ","),
		EnvRole:         string(in.Role),
	}
	if in.SpawnedBy != "" {
		env[EnvSpawnedBy] = in.SpawnedBy
	}
	return env
}

// Command returns the command line a session of role runs.
func Command(role models.SessionRole) string {
	if role == models.RoleOrchestrator {
		return "maestro orchestrator init"
	}
	return "maestro worker init"
}

// EnvKeys returns the keys of env in sorted order.
func EnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
