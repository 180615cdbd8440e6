package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"
)

// ANSI escape sequences: colors, cursor movement, OSC titles, charset switches.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][AB012]`)

// StripANSI removes terminal escape sequences from a line of output.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// Spec is everything needed to start a session's process.
type Spec struct {
	SessionID string
	Name      string
	Command   string
	Dir       string
	Env       map[string]string
}

// OutputLine is a line of output from a launched process
type OutputLine struct {
	SessionID string
	Text      string
	Type      string // "stdout", "stderr", "system", "exit"
	ExitCode  int    // set when Type is "exit"
}

// Handle is a running session process.
type Handle interface {
	SessionID() string
	Name() string
	PID() int
	Kill()
	Interrupt()
	// Wait blocks until exit and returns the exit code, -1 if unknown.
	Wait() int
	Done() <-chan struct{}
}

// Launcher creates processes. It is the only way the client starts one.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// DefaultOutputDrain is how long a handle waits for output after the process
// exits before closing the pipes.
const DefaultOutputDrain = 2 * time.Second

// ExecLauncher runs the command through a shell on the local machine.
type ExecLauncher struct {
	Shell  string
	Logger *slog.Logger
	// OnOutput receives every line. When nil, lines go to the debug log.
	OnOutput func(OutputLine)
	// OutputDrain bounds the wait for output still held open by children
	// of the exited process. Zero means DefaultOutputDrain.
	OutputDrain time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("launch %s: empty command", spec.SessionID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Not CommandContext: the process outlives the event that started it.
	cmd := exec.Command(shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = MergeEnv(os.Environ(), spec.Env)
	// Own process group so Kill reaches the agent and anything it forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Non-file writers make Wait copy output itself, so WaitDelay can cut
	// off a grandchild that keeps stdout open after the agent exits.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = l.OutputDrain
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultOutputDrain
	}

	h := &execHandle{
		sessionID: spec.SessionID,
		name:      spec.Name,
		cmd:       cmd,
		stdin:     stdin,
		done:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("start %q in %s: %w", spec.Command, spec.Dir, err)
	}
	logger.Info("session process started", "session_id", spec.SessionID, "name", spec.Name, "pid", cmd.Process.Pid)

	emit := l.OnOutput
	if emit == nil {
		emit = func(line OutputLine) {
			logger.Debug("session output", "session_id", line.SessionID, "type", line.Type, "text", line.Text)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(stdout, spec.SessionID, "stdout", emit)
	}()
	go func() {
		defer wg.Done()
		scan(stderr, spec.SessionID, "stderr", emit)
	}()

	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		close(h.done)
		if errors.Is(err, exec.ErrWaitDelay) {
			logger.Warn("session output still open after exit, pipes closed", "session_id", spec.SessionID)
		}

		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		logger.Info("session process exited", "session_id", spec.SessionID, "exit_code", exitCode)
		// The exit line comes after every output line.
		wg.Wait()
		emit(OutputLine{SessionID: spec.SessionID, Type: "exit", ExitCode: exitCode})
	}()

	return h, nil
}

func scan(r io.Reader, sessionID, kind string, emit func(OutputLine)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		emit(OutputLine{SessionID: sessionID, Text: StripANSI(scanner.Text()), Type: kind})
	}
	// Keep the pipe flowing after an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

// MergeEnv overlays extra onto base (KEY=VALUE entries). Keys in extra win;
// the result is sorted for stable process environments.
func MergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type execHandle struct {
	sessionID string
	name      string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	done      chan struct{}
	mu        sync.Mutex
	killed    bool
}

func (h *execHandle) SessionID() string     { return h.sessionID }
func (h *execHandle) Name() string          { return h.name }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Kill terminates the process
func (h *execHandle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed && h.cmd.Process != nil {
		h.killed = true
		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			_ = h.cmd.Process.Kill()
		}
	}
}

// Interrupt sends SIGINT, like pressing Ctrl+C in the terminal.
func (h *execHandle) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed && h.cmd.Process != nil {
		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGINT); err != nil {
			_ = h.cmd.Process.Signal(syscall.SIGINT)
		}
	}
}

func (h *execHandle) Wait() int {
	<-h.done
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// CloseStdinWithTimeout closes stdin and kills the process if it has not
// exited within timeout.
func (h *execHandle) CloseStdinWithTimeout(timeout time.Duration) {
	h.mu.Lock()
	if h.stdin != nil {
		_ = h.stdin.Close()
		h.stdin = nil
	}
	h.mu.Unlock()

	select {
	case <-h.done:
	case <-time.After(timeout):
		h.Kill()
	}
}

// Stop closes stdin and force-kills h after timeout when h was started by
// ExecLauncher; other handles are killed immediately.
func Stop(h Handle, timeout time.Duration) {
	if eh, ok := h.(*execHandle); ok {
		eh.CloseStdinWithTimeout(timeout)
		return
	}
	h.Kill()
}
