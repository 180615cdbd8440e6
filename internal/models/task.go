package models

// TaskStatus is the human-authoritative status of a task.
type TaskStatus string

const (
	TaskStatusTodo             TaskStatus = "todo"
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusInProgress       TaskStatus = "in_progress"
	TaskStatusBlocked          TaskStatus = "blocked"
	TaskStatusPaused           TaskStatus = "paused"
	TaskStatusReview           TaskStatus = "review"
	TaskStatusChangesRequested TaskStatus = "changes_requested"
	TaskStatusDone             TaskStatus = "done"
	TaskStatusCancelled        TaskStatus = "cancelled"
	TaskStatusWontDo           TaskStatus = "wont_do"
)

var validTaskStatuses = map[TaskStatus]bool{
	TaskStatusTodo:             true,
	TaskStatusQueued:           true,
	TaskStatusInProgress:       true,
	TaskStatusBlocked:          true,
	TaskStatusPaused:           true,
	TaskStatusReview:           true,
	TaskStatusChangesRequested: true,
	TaskStatusDone:             true,
	TaskStatusCancelled:        true,
	TaskStatusWontDo:           true,
}

func (s TaskStatus) IsValid() bool {
	return validTaskStatuses[s]
}

// IsTerminal reports whether only a human reopen may change the task further.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusCancelled, TaskStatusWontDo:
		return true
	}
	return false
}

// Icon returns the glyph used for the status in terminal views.
func (s TaskStatus) Icon() string {
	switch s {
	case TaskStatusTodo, TaskStatusQueued:
		return "○"
	case TaskStatusInProgress:
		return "●"
	case TaskStatusReview, TaskStatusChangesRequested:
		return "◐"
	case TaskStatusDone:
		return "✓"
	case TaskStatusBlocked:
		return "⊘"
	case TaskStatusPaused:
		return "‖"
	case TaskStatusCancelled, TaskStatusWontDo:
		return "⊖"
	default:
		return "○"
	}
}

// AgentStatus is the agent-authoritative status of a task. The zero value
// means no agent has reported anything.
type AgentStatus string

const (
	AgentStatusNone       AgentStatus = ""
	AgentStatusWorking    AgentStatus = "working"
	AgentStatusBlocked    AgentStatus = "blocked"
	AgentStatusNeedsInput AgentStatus = "needs_input"
	AgentStatusCompleted  AgentStatus = "completed"
	AgentStatusFailed     AgentStatus = "failed"
)

func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusNone, AgentStatusWorking, AgentStatusBlocked,
		AgentStatusNeedsInput, AgentStatusCompleted, AgentStatusFailed:
		return true
	}
	return false
}

// TaskPriority orders tasks in views.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

func (p TaskPriority) IsValid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// TimelineEventType classifies an entry in a task's timeline.
type TimelineEventType string

const (
	TimelineCreated            TimelineEventType = "created"
	TimelineStatusChanged      TimelineEventType = "status_changed"
	TimelineAgentStatusChanged TimelineEventType = "agent_status_changed"
	TimelineSessionStarted     TimelineEventType = "session_started"
	TimelineSessionLinked      TimelineEventType = "session_linked"
	TimelineSessionUnlinked    TimelineEventType = "session_unlinked"
	TimelineUpdate             TimelineEventType = "update"
)

// TimelineEvent is one append-only entry in a task's timeline.
type TimelineEvent struct {
	ID        string            `json:"id"`
	Type      TimelineEventType `json:"type"`
	Message   string            `json:"message,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Task is a unit of work, optionally nested under a parent task.
type Task struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	ParentID     *string         `json:"parentId"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Status       TaskStatus      `json:"status"`
	AgentStatus  AgentStatus     `json:"agentStatus,omitempty"`
	Priority     TaskPriority    `json:"priority"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
	StartedAt    *int64          `json:"startedAt"`
	CompletedAt  *int64          `json:"completedAt"`
	SessionIDs   []string        `json:"sessionIds"`
	Dependencies []string        `json:"dependencies"`
	Timeline     []TimelineEvent `json:"timeline"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == nil || *t.ParentID == ""
}

// HasSession reports whether sessionID is linked on the task side.
func (t *Task) HasSession(sessionID string) bool {
	for _, id := range t.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares no slices or pointers with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ParentID = cloneString(t.ParentID)
	c.StartedAt = cloneInt64(t.StartedAt)
	c.CompletedAt = cloneInt64(t.CompletedAt)
	c.SessionIDs = cloneStrings(t.SessionIDs)
	c.Dependencies = cloneStrings(t.Dependencies)
	if t.Timeline != nil {
		c.Timeline = make([]TimelineEvent, len(t.Timeline))
		copy(c.Timeline, t.Timeline)
	}
	return &c
}

// CreateTaskRequest is the payload for POST /api/tasks.
type CreateTaskRequest struct {
	ProjectID    string       `json:"projectId"`
	ParentID     *string      `json:"parentId,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Priority     TaskPriority `json:"priority,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
}

// UpdateSource identifies which authority is writing a task patch.
type UpdateSource string

const (
	UpdateSourceUser    UpdateSource = "user"
	UpdateSourceSession UpdateSource = "session"
)

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Title        *string       `json:"title,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Status       *TaskStatus   `json:"status,omitempty"`
	AgentStatus  *AgentStatus  `json:"agentStatus,omitempty"`
	Priority     *TaskPriority `json:"priority,omitempty"`
	ParentID     *string       `json:"parentId,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	UpdateSource UpdateSource  `json:"updateSource,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
}

// Fields lists the task fields the patch touches, in a stable order.
func (p TaskPatch) Fields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.Description != nil {
		fields = append(fields, "description")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.AgentStatus != nil {
		fields = append(fields, "agentStatus")
	}
	if p.Priority != nil {
		fields = append(fields, "priority")
	}
	if p.ParentID != nil {
		fields = append(fields, "parentId")
	}
	if p.Dependencies != nil {
		fields = append(fields, "dependencies")
	}
	return fields
}

// TaskFilter narrows GET /api/tasks. ParentID "root" selects root tasks.
type TaskFilter struct {
	ProjectID string
	Status    TaskStatus
	ParentID  string
}

// RootParent is the TaskFilter.ParentID value that selects root tasks.
const RootParent = "root"

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
