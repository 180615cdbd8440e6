// Package cachetest provides an in-memory stand-in for the REST API, for
// tests of packages that sit on top of the cache.
package cachetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// FakeAPI keeps entities in maps and links tasks and sessions on both sides
// in one step, the way the server does. Fail injects an error per method name.
type FakeAPI struct {
	mu       sync.Mutex
	Projects map[string]*models.Project
	Tasks    map[string]*models.Task
	Sessions map[string]*models.Session
	Fail     map[string]error
	Calls    map[string]int
	// BeforeList runs inside ListTasks and ListSessions before they answer.
	BeforeList func()
	seq        int
}

func NewFakeAPI() *FakeAPI {
	return &FakeAPI{
		Projects: make(map[string]*models.Project),
		Tasks:    make(map[string]*models.Task),
		Sessions: make(map[string]*models.Session),
		Fail:     make(map[string]error),
		Calls:    make(map[string]int),
	}
}

// NotFound builds the error the REST client returns for a 404.
func NotFound(what string) error {
	return &client.APIError{Kind: client.ErrNotFound, StatusCode: 404, Message: what + " not found"}
}

// ServerError builds the error the REST client returns for a 500.
func ServerError() error {
	return &client.APIError{Kind: client.ErrServerError, StatusCode: 500, Message: "boom"}
}

func (f *FakeAPI) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// SetFail makes method return err until cleared with a nil err.
func (f *FakeAPI) SetFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, method)
		return
	}
	f.Fail[method] = err
}

func (f *FakeAPI) enter(method string) error {
	f.Calls[method]++
	return f.Fail[method]
}

func (f *FakeAPI) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

// PutTask seeds or replaces a server-side task.
func (f *FakeAPI) PutTask(t *models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tasks[t.ID] = t.Clone()
}

// PutSession seeds or replaces a server-side session.
func (f *FakeAPI) PutSession(s *models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sessions[s.ID] = s.Clone()
}

// Drop removes a task or session server-side without any event.
func (f *FakeAPI) Drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Tasks, id)
	delete(f.Sessions, id)
}

func (f *FakeAPI) ListProjects(ctx context.Context) ([]*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListProjects"); err != nil {
		return nil, err
	}
	var out []*models.Project
	for _, p := range f.Projects {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (f *FakeAPI) GetProject(ctx context.Context, id string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetProject"); err != nil {
		return nil, err
	}
	p, ok := f.Projects[id]
	if !ok {
		return nil, NotFound("project")
	}
	return p.Clone(), nil
}

func (f *FakeAPI) CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateProject"); err != nil {
		return nil, err
	}
	p := &models.Project{ID: f.nextID("p"), Name: req.Name, WorkingDirectory: req.WorkingDirectory}
	f.Projects[p.ID] = p
	return p.Clone(), nil
}

func (f *FakeAPI) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateProject"); err != nil {
		return nil, err
	}
	p, ok := f.Projects[id]
	if !ok {
		return nil, NotFound("project")
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.WorkingDirectory != nil {
		p.WorkingDirectory = *patch.WorkingDirectory
	}
	return p.Clone(), nil
}

func (f *FakeAPI) DeleteProject(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteProject"); err != nil {
		return err
	}
	if _, ok := f.Projects[id]; !ok {
		return NotFound("project")
	}
	delete(f.Projects, id)
	return nil
}

func (f *FakeAPI) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	if hook := f.beforeList(); hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListTasks"); err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, t := range f.Tasks {
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeAPI) GetTask(ctx context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetTask"); err != nil {
		return nil, err
	}
	t, ok := f.Tasks[id]
	if !ok {
		return nil, NotFound("task")
	}
	return t.Clone(), nil
}

func (f *FakeAPI) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTask"); err != nil {
		return nil, err
	}
	t := &models.Task{
		ID:          f.nextID("t"),
		ProjectID:   req.ProjectID,
		ParentID:    req.ParentID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusTodo,
		Priority:    models.PriorityMedium,
		SessionIDs:  []string{},
	}
	f.Tasks[t.ID] = t
	return t.Clone(), nil
}

func (f *FakeAPI) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateTask"); err != nil {
		return nil, err
	}
	t, ok := f.Tasks[id]
	if !ok {
		return nil, NotFound("task")
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.AgentStatus != nil {
		t.AgentStatus = *patch.AgentStatus
		if t.AgentStatus == models.AgentStatusCompleted && t.Status == models.TaskStatusInProgress {
			t.Status = models.TaskStatusReview
		}
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	return t.Clone(), nil
}

func (f *FakeAPI) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteTask"); err != nil {
		return err
	}
	if _, ok := f.Tasks[id]; !ok {
		return NotFound("task")
	}
	delete(f.Tasks, id)
	return nil
}

func (f *FakeAPI) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	if hook := f.beforeList(); hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListSessions"); err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, s := range f.Sessions {
		if filter.ProjectID != "" && s.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeAPI) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetSession"); err != nil {
		return nil, err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return nil, NotFound("session")
	}
	return s.Clone(), nil
}

func (f *FakeAPI) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateSession"); err != nil {
		return nil, err
	}
	s := &models.Session{
		ID:        f.nextID("s"),
		ProjectID: req.ProjectID,
		TaskIDs:   append([]string(nil), req.TaskIDs...),
		Name:      req.Name,
		Role:      req.Role,
		Status:    models.SessionStatusSpawning,
	}
	f.Sessions[s.ID] = s
	for _, tid := range s.TaskIDs {
		if t, ok := f.Tasks[tid]; ok && !t.HasSession(s.ID) {
			t.SessionIDs = append(t.SessionIDs, s.ID)
		}
	}
	return s.Clone(), nil
}

func (f *FakeAPI) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateSession"); err != nil {
		return nil, err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return nil, NotFound("session")
	}
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	return s.Clone(), nil
}

func (f *FakeAPI) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteSession"); err != nil {
		return err
	}
	if _, ok := f.Sessions[id]; !ok {
		return NotFound("session")
	}
	delete(f.Sessions, id)
	return nil
}

func (f *FakeAPI) AddTaskToSession(ctx context.Context, sessionID, taskID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddTaskToSession"); err != nil {
		return nil, err
	}
	s, t, err := f.pair(sessionID, taskID)
	if err != nil {
		return nil, err
	}
	if !s.HasTask(taskID) {
		s.TaskIDs = append(s.TaskIDs, taskID)
	}
	if !t.HasSession(sessionID) {
		t.SessionIDs = append(t.SessionIDs, sessionID)
	}
	return s.Clone(), nil
}

func (f *FakeAPI) RemoveTaskFromSession(ctx context.Context, sessionID, taskID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveTaskFromSession"); err != nil {
		return nil, err
	}
	s, t, err := f.pair(sessionID, taskID)
	if err != nil {
		return nil, err
	}
	s.TaskIDs = without(s.TaskIDs, taskID)
	t.SessionIDs = without(t.SessionIDs, sessionID)
	return s.Clone(), nil
}

func (f *FakeAPI) pair(sessionID, taskID string) (*models.Session, *models.Task, error) {
	s, ok := f.Sessions[sessionID]
	if !ok {
		return nil, nil, NotFound("session")
	}
	t, ok := f.Tasks[taskID]
	if !ok {
		return nil, nil, NotFound("task")
	}
	return s, t, nil
}

func (f *FakeAPI) beforeList() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BeforeList
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
