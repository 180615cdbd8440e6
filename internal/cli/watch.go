package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/config"
	"github.com/iammorganparry/clive/apps/maestro/internal/engine"
	"github.com/iammorganparry/clive/apps/maestro/internal/process"
	"github.com/iammorganparry/clive/apps/maestro/internal/relations"
	"github.com/iammorganparry/clive/apps/maestro/internal/status"
	"github.com/iammorganparry/clive/apps/maestro/internal/transport"
	"github.com/iammorganparry/clive/apps/maestro/internal/tui"
)

const (
	stopGrace    = 5 * time.Second
	outputBuffer = 1024
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live dashboard and run spawned sessions locally",
	Long: `Watch keeps a local copy of the project in sync with the server and launches
a process for every session spawn event it receives.

With --check it loads the project once, reports task/session links that are
present on one side only, and exits.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Bool("check", false, "Report broken task/session links and exit")
	watchCmd.Flags().Bool("repair", false, "With --check, refetch both sides of every broken link")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := requireProject(cfg); err != nil {
		return err
	}
	if check, _ := cmd.Flags().GetBool("check"); check {
		repair, _ := cmd.Flags().GetBool("repair")
		return runCheck(cmd, cfg, repair)
	}

	// The dashboard owns the terminal, so logs go to a file.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "watch.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := newLogger(cfg, logFile)

	c := newClient(cfg)
	ch := transport.Shared(c.WebSocketURL(),
		transport.WithLogger(logger),
		transport.WithBackoff(cfg.ReconnectBase, cfg.ReconnectCap),
		transport.WithDialer(transport.WSDialer{Header: authHeader(cfg)}),
	)

	var prog *tea.Program
	notify := status.NotifierFunc(func(t status.Transition) {
		if prog != nil {
			prog.Send(tui.NotifyMsg(t))
		}
	})
	// Lines are dropped, not queued, when the dashboard falls behind.
	output := make(chan process.OutputLine, outputBuffer)
	launcher := &process.ExecLauncher{
		Logger: logger,
		OnOutput: func(line process.OutputLine) {
			select {
			case output <- line:
			default:
				logger.Debug("dashboard behind, dropping session output", "session_id", line.SessionID, "type", line.Type)
			}
		},
	}
	e := engine.New(c, ch, launcher, engine.Options{
		Logger:         logger,
		Notifier:       notify,
		DedupWindow:    cfg.SpawnDedupWindow,
		RequestTimeout: cfg.RequestTimeout,
		OnLaunchError: func(sessionID string, err error) {
			if prog != nil {
				prog.Send(tui.NotifyMsg(status.Transition{
					Kind: "session", ID: sessionID, Title: sessionID, Field: "launch", To: err.Error(), Attention: true,
				}))
			}
		},
	})

	prog = tea.NewProgram(tui.New(e, e.Orchestrator(), cfg.Project, output), tea.WithAltScreen())

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	err = e.SetActiveProject(ctx, cfg.Project)
	cancel()
	if err != nil {
		return fmt.Errorf("load project %s: %w", cfg.Project, err)
	}
	e.Start()
	defer func() {
		e.Stop()
		e.Orchestrator().StopAll(stopGrace)
	}()

	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func runCheck(cmd *cobra.Command, cfg *config.Config, repair bool) error {
	logger := newLogger(cfg, os.Stderr)
	// No push channel: the check works on a single snapshot.
	e := engine.New(newClient(cfg), noChannel{}, nil, engine.Options{Logger: logger, RequestTimeout: cfg.RequestTimeout})
	defer e.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()
	if err := e.SetActiveProject(ctx, cfg.Project); err != nil {
		return fmt.Errorf("load project %s: %w", cfg.Project, err)
	}

	out := cmd.OutOrStdout()
	vs := relations.Check(e.Cache())
	if len(vs) == 0 {
		fmt.Fprintln(out, "All task/session links are consistent.")
		return nil
	}
	fmt.Fprintf(out, "Broken links (%d):\n", len(vs))
	for _, v := range vs {
		fmt.Fprintf(out, "  %s\n", v)
	}
	if !repair {
		return fmt.Errorf("%d broken links", len(vs))
	}

	if err := e.Resolver().Repair(ctx, vs); err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	if left := relations.Check(e.Cache()); len(left) > 0 {
		return fmt.Errorf("%d links still broken after repair", len(left))
	}
	fmt.Fprintln(out, "Repaired.")
	return nil
}

type noChannel struct{}

func (noChannel) Subscribe(transport.Listener) func() { return func() {} }
