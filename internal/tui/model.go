// Package tui renders the engine's cache as a live task dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/iammorganparry/clive/apps/maestro/internal/cache"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
	"github.com/iammorganparry/clive/apps/maestro/internal/process"
	"github.com/iammorganparry/clive/apps/maestro/internal/relations"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
)

const (
	maxNotices     = 5
	maxOutputLines = 500
	maxOutputBatch = 100
)

// Engine is the part of the sync engine the dashboard drives.
type Engine interface {
	Cache() *cache.Cache
	SetActiveProject(ctx context.Context, projectID string) error
	Spawn(ctx context.Context, req models.SpawnRequest) (string, error)
	UpdateTask(ctx context.Context, id string, patch models.TaskPatch) error
}

// Handles reports which sessions have a process on this machine.
type Handles interface {
	Handle(sessionID string) (process.Handle, bool)
	HasLocalHandle(sessionID string) bool
	Exited(sessionID string) bool
	Handles() []string
}

// NotifyMsg carries a status transition into the program.
type NotifyMsg status.Transition

type changeMsg struct{}

type watchClosedMsg struct{}

type outputBatchMsg struct {
	lines []process.OutputLine
}

type outputClosedMsg struct{}

type actionDoneMsg struct {
	what string
	err  error
}

type row struct {
	task  *models.Task
	depth int
}

// Model is the root Bubble Tea model
type Model struct {
	width  int
	height int
	ready  bool

	engine    Engine
	handles   Handles
	projectID string
	timeout   time.Duration
	keys      KeyMap

	changes <-chan cache.Change
	stop    func()

	// output carries lines from local session processes; logs buffers the
	// latest maxOutputLines per session id.
	output   <-chan process.OutputLine
	logs     map[string][]process.OutputLine
	attached string

	rows     []row
	selected int
	detail   viewport.Model
	showHelp bool

	notices []string
	message string
	isError bool
}

// New builds the dashboard for projectID. output may be nil when no local
// process output is forwarded.
func New(e Engine, h Handles, projectID string, output <-chan process.OutputLine) Model {
	ch, stop := e.Cache().Watch()
	m := Model{
		engine:    e,
		handles:   h,
		projectID: projectID,
		timeout:   30 * time.Second,
		keys:      DefaultKeyMap(),
		changes:   ch,
		stop:      stop,
		output:    output,
		logs:      make(map[string][]process.OutputLine),
		detail:    viewport.New(0, 0),
	}
	m.rebuild()
	return m
}

func (m Model) Init() tea.Cmd {
	if m.output == nil {
		return waitForChange(m.changes)
	}
	return tea.Batch(waitForChange(m.changes), waitForOutput(m.output))
}

// waitForOutput blocks for one line, then takes whatever else is queued.
func waitForOutput(ch <-chan process.OutputLine) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return outputClosedMsg{}
		}
		lines := []process.OutputLine{line}
		for len(lines) < maxOutputBatch {
			select {
			case line, ok := <-ch:
				if !ok {
					return outputBatchMsg{lines: lines}
				}
				lines = append(lines, line)
			default:
				return outputBatchMsg{lines: lines}
			}
		}
		return outputBatchMsg{lines: lines}
	}
}

func waitForChange(ch <-chan cache.Change) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return watchClosedMsg{}
		}
		// Coalesce bursts into one redraw.
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return changeMsg{}
				}
			default:
				return changeMsg{}
			}
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.detail.Width = m.detailWidth() - 4
		m.detail.Height = max(m.bodyHeight()-2, 1)
		m.refreshDetail()

	case changeMsg:
		m.rebuild()
		return m, waitForChange(m.changes)

	case watchClosedMsg:
		return m, nil

	case outputBatchMsg:
		follow := false
		for _, l := range msg.lines {
			buf := append(m.logs[l.SessionID], l)
			if len(buf) > maxOutputLines {
				buf = buf[len(buf)-maxOutputLines:]
			}
			m.logs[l.SessionID] = buf
			if l.SessionID == m.attached {
				follow = true
			}
		}
		if follow {
			atBottom := m.detail.AtBottom()
			m.refreshDetail()
			if atBottom {
				m.detail.GotoBottom()
			}
		}
		return m, waitForOutput(m.output)

	case outputClosedMsg:
		return m, nil

	case NotifyMsg:
		m.notices = append(m.notices, formatTransition(status.Transition(msg)))
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}

	case actionDoneMsg:
		if msg.err != nil {
			m.message = msg.what + ": " + msg.err.Error()
			m.isError = true
		} else {
			m.message = msg.what
			m.isError = false
		}

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.stop != nil {
			m.stop()
		}
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
			m.attached = ""
			m.refreshDetail()
		}
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.rows)-1 {
			m.selected++
			m.attached = ""
			m.refreshDetail()
		}
	case key.Matches(msg, m.keys.Attach):
		m.attach()
	case key.Matches(msg, m.keys.Back):
		if m.attached != "" {
			m.attached = ""
			m.refreshDetail()
			m.detail.GotoTop()
		}
	case key.Matches(msg, m.keys.Interrupt):
		m.interrupt()
	case key.Matches(msg, m.keys.PageUp):
		m.detail.SetYOffset(m.detail.YOffset - max(m.detail.Height/2, 1))
	case key.Matches(msg, m.keys.PageDown):
		m.detail.SetYOffset(m.detail.YOffset + max(m.detail.Height/2, 1))
	case key.Matches(msg, m.keys.Spawn):
		if t := m.current(); t != nil {
			return m, m.spawnCmd(t)
		}
	case key.Matches(msg, m.keys.Done):
		if t := m.current(); t != nil {
			return m, m.setStatusCmd(t, models.TaskStatusDone)
		}
	case key.Matches(msg, m.keys.Reopen):
		if t := m.current(); t != nil && t.Status.IsTerminal() {
			return m, m.setStatusCmd(t, models.TaskStatusTodo)
		}
	case key.Matches(msg, m.keys.Refresh):
		return m, m.refreshCmd()
	case key.Matches(msg, m.keys.Check):
		vs := relations.Check(m.engine.Cache())
		if len(vs) == 0 {
			m.message, m.isError = "all task/session links consistent", false
		} else {
			m.message, m.isError = fmt.Sprintf("%d broken links, first: %s", len(vs), vs[0]), true
		}
	}
	return m, nil
}

// attach shows the output of the selected task's next local session,
// cycling through them on repeated presses.
func (m *Model) attach() {
	t := m.current()
	if t == nil {
		return
	}
	local := m.localSessions(t.ID)
	if len(local) == 0 {
		m.message, m.isError = "no local process for "+t.Title, true
		return
	}
	next := local[0]
	for i, id := range local {
		if id == m.attached {
			next = local[(i+1)%len(local)]
			break
		}
	}
	m.attached = next
	m.message, m.isError = "", false
	m.refreshDetail()
	m.detail.GotoBottom()
}

// interrupt signals the attached session, or the selected task's first live
// local session when nothing is attached.
func (m *Model) interrupt() {
	sid := m.attached
	if sid == "" {
		if t := m.current(); t != nil {
			for _, id := range m.localSessions(t.ID) {
				if !m.handles.Exited(id) {
					sid = id
					break
				}
			}
		}
	}
	if sid == "" {
		m.message, m.isError = "no running local process", true
		return
	}
	h, ok := m.handles.Handle(sid)
	if !ok || m.handles.Exited(sid) {
		m.message, m.isError = "process for "+shortID(sid)+" is not running", true
		return
	}
	h.Interrupt()
	m.message, m.isError = "interrupt sent to "+h.Name(), false
}

// localSessions lists the task's sessions that have a process here.
func (m Model) localSessions(taskID string) []string {
	if m.handles == nil {
		return nil
	}
	var ids []string
	for _, s := range m.engine.Cache().SessionsForTask(taskID) {
		if m.handles.HasLocalHandle(s.ID) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (m Model) spawnCmd(t *models.Task) tea.Cmd {
	e, timeout := m.engine, m.timeout
	req := models.SpawnRequest{ProjectID: t.ProjectID, TaskIDs: []string{t.ID}, Role: models.RoleWorker}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		sid, err := e.Spawn(ctx, req)
		return actionDoneMsg{what: "spawn requested for " + t.Title + " (" + shortID(sid) + ")", err: err}
	}
}

func (m Model) setStatusCmd(t *models.Task, to models.TaskStatus) tea.Cmd {
	e, timeout := m.engine, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := e.UpdateTask(ctx, t.ID, models.TaskPatch{Status: &to, UpdateSource: models.UpdateSourceUser})
		return actionDoneMsg{what: t.Title + " → " + string(to), err: err}
	}
}

func (m Model) refreshCmd() tea.Cmd {
	e, timeout, projectID := m.engine, m.timeout, m.projectID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return actionDoneMsg{what: "refreshed", err: e.SetActiveProject(ctx, projectID)}
	}
}

// rebuild flattens the project's task tree in display order.
func (m *Model) rebuild() {
	c := m.engine.Cache()
	var selectedID string
	if t := m.current(); t != nil {
		selectedID = t.ID
	}

	var rows []row
	var walk func(ts []*models.Task, depth int)
	walk = func(ts []*models.Task, depth int) {
		for _, t := range ts {
			rows = append(rows, row{task: t, depth: depth})
			walk(c.Children(t.ID), depth+1)
		}
	}
	walk(c.RootTasks(m.projectID), 0)
	m.rows = rows

	m.selected = 0
	for i, r := range m.rows {
		if r.task.ID == selectedID {
			m.selected = i
			break
		}
	}
	m.refreshDetail()
}

func (m Model) current() *models.Task {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return nil
	}
	return m.rows[m.selected].task
}

func (m *Model) refreshDetail() {
	m.detail.SetContent(m.renderDetail())
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	if m.showHelp {
		return m.helpView()
	}

	header := m.renderHeader()
	tasks := PanelStyle.Width(m.width - m.detailWidth() - 2).Height(m.bodyHeight()).Render(m.renderTasks())
	detail := PanelStyle.Width(m.detailWidth() - 2).Height(m.bodyHeight()).Render(m.detail.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, tasks, detail)

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		body,
		m.renderNotices(),
		m.renderStatusBar(),
	)
}

func (m Model) bodyHeight() int {
	return max(m.height-4-maxNotices, 3)
}

func (m Model) detailWidth() int {
	return max(m.width/2, 20)
}

func (m Model) renderHeader() string {
	title := HeaderStyle.Render("MAESTRO")
	name := m.projectID
	if p, ok := m.engine.Cache().Project(m.projectID); ok {
		name = p.Name
	}
	return title + "  " + MutedStyle.Render(name)
}

func (m Model) renderTasks() string {
	var b strings.Builder
	b.WriteString(PanelTitleStyle.Render("Tasks"))
	b.WriteString("\n")
	if len(m.rows) == 0 {
		b.WriteString(MutedStyle.Render("no tasks"))
		return b.String()
	}
	c := m.engine.Cache()
	for i, r := range m.rows {
		t := r.task
		line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", r.depth), t.Status.Icon(), t.Title)
		if n := c.ActiveSessionCount(t.ID); n > 0 {
			line += fmt.Sprintf(" [%d active]", n)
		}
		if i == m.selected {
			b.WriteString(SelectedStyle.Render(line))
		} else {
			b.WriteString(TaskStatusStyle(t.Status).Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderDetail() string {
	if m.attached != "" {
		return m.renderSession(m.attached)
	}
	t := m.current()
	if t == nil {
		return MutedStyle.Render("select a task")
	}
	var b strings.Builder
	b.WriteString(PanelTitleStyle.Render(t.Title))
	b.WriteString("\n")
	fmt.Fprintf(&b, "status: %s", TaskStatusStyle(t.Status).Render(string(t.Status)))
	if t.AgentStatus != models.AgentStatusNone {
		fmt.Fprintf(&b, "  agent: %s", t.AgentStatus)
	}
	fmt.Fprintf(&b, "  priority: %s\n", t.Priority)
	if t.Description != "" {
		b.WriteString(t.Description + "\n")
	}

	b.WriteString("\n" + PanelTitleStyle.Render("Sessions") + "\n")
	sessions := m.engine.Cache().SessionsForTask(t.ID)
	if len(sessions) == 0 {
		b.WriteString(MutedStyle.Render("none") + "\n")
	}
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s %s %s\n", SessionStatusStyle(s.Status).Render(string(s.Status)), s.Name, MutedStyle.Render(m.placement(s.ID)))
	}

	b.WriteString("\n" + PanelTitleStyle.Render("Timeline") + "\n")
	for i := len(t.Timeline) - 1; i >= 0; i-- {
		ev := t.Timeline[i]
		ts := time.UnixMilli(ev.Timestamp).Format("15:04:05")
		fmt.Fprintf(&b, "%s %s\n", MutedStyle.Render(ts), ev.Message)
	}
	return b.String()
}

// renderSession shows one local session's process and its buffered output.
func (m Model) renderSession(sessionID string) string {
	var b strings.Builder
	name := shortID(sessionID)
	s, ok := m.engine.Cache().Session(sessionID)
	if ok {
		name = s.Name
	}
	b.WriteString(PanelTitleStyle.Render(name))
	b.WriteString("\n")
	if ok {
		fmt.Fprintf(&b, "status: %s  ", SessionStatusStyle(s.Status).Render(string(s.Status)))
	}
	if h, live := m.handles.Handle(sessionID); live {
		fmt.Fprintf(&b, "pid: %d  ", h.PID())
	}
	b.WriteString(MutedStyle.Render(m.placement(sessionID)) + "\n")

	if tasks := m.engine.Cache().TasksForSession(sessionID); len(tasks) > 0 {
		titles := make([]string, len(tasks))
		for i, t := range tasks {
			titles[i] = t.Title
		}
		b.WriteString(MutedStyle.Render("tasks: "+strings.Join(titles, ", ")) + "\n")
	}

	b.WriteString("\n" + PanelTitleStyle.Render("Output") + "\n")
	lines := m.logs[sessionID]
	if len(lines) == 0 {
		b.WriteString(MutedStyle.Render("no output yet") + "\n")
	}
	for _, l := range lines {
		switch l.Type {
		case "stderr":
			b.WriteString(ErrorStyle.Render(l.Text))
		case "exit", "system":
			b.WriteString(MutedStyle.Render(l.Text))
		default:
			b.WriteString(l.Text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// placement says where a session's process lives relative to this client.
func (m Model) placement(sessionID string) string {
	if m.handles == nil || !m.handles.HasLocalHandle(sessionID) {
		return "(remote)"
	}
	if m.handles.Exited(sessionID) {
		return "(local, exited)"
	}
	return "(local)"
}

func (m Model) renderNotices() string {
	lines := make([]string, maxNotices)
	copy(lines[maxNotices-len(m.notices):], m.notices)
	return strings.Join(lines, "\n")
}

func (m Model) renderStatusBar() string {
	if m.message != "" {
		if m.isError {
			return StatusBarStyle.Render(ErrorStyle.Render(m.message))
		}
		return StatusBarStyle.Render(m.message)
	}
	local := 0
	if m.handles != nil {
		local = len(m.handles.Handles())
	}
	if m.attached != "" {
		return StatusBarStyle.Render(fmt.Sprintf("%d local · a next session · i interrupt · esc back · q quit", local))
	}
	return StatusBarStyle.Render(fmt.Sprintf("%d local · s spawn · a attach · i interrupt · d done · o reopen · c check · r refresh · ? help · q quit", local))
}

func (m Model) helpView() string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("Keys") + "\n\n")
	for _, k := range m.keys.Bindings() {
		h := k.Help()
		fmt.Fprintf(&b, "  %-8s %s\n", h.Key, h.Desc)
	}
	return b.String()
}

func formatTransition(t status.Transition) string {
	line := fmt.Sprintf("%s %s: %s %s → %s", t.Kind, t.Title, t.Field, t.From, t.To)
	if t.Attention {
		return lipgloss.NewStyle().Foreground(ColorYellow).Render("● " + line)
	}
	return MutedStyle.Render(line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
