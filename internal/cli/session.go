package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions in the project",
	RunE:  runSessionList,
}

var sessionLinkCmd = &cobra.Command{
	Use:   "link [session-id] [task-id]",
	Short: "Attach a task to a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionLink,
}

var sessionUnlinkCmd = &cobra.Command{
	Use:   "unlink [session-id] [task-id]",
	Short: "Detach a task from a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionUnlink,
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Mark a session stopped",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStop,
}

var sessionLogCmd = &cobra.Command{
	Use:   "log [session-id] [type] [message...]",
	Short: "Append an entry to a session's activity log",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSessionLog,
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionLinkCmd)
	sessionCmd.AddCommand(sessionUnlinkCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionLogCmd)

	sessionListCmd.Flags().String("task", "", "Only sessions linked to this task")
	sessionListCmd.Flags().String("status", "", "Only sessions with this status")
}

func runSessionList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := requireProject(cfg); err != nil {
		return err
	}
	taskID, _ := cmd.Flags().GetString("task")
	st, _ := cmd.Flags().GetString("status")
	sessions, err := newClient(cfg).ListSessions(cmd.Context(), models.SessionFilter{
		ProjectID: cfg.Project,
		TaskID:    taskID,
		Status:    models.SessionStatus(st),
	})
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), sessions)
	return nil
}

func printSessions(w io.Writer, sessions []*models.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%s  %-10s %-12s %s  tasks: %s\n", s.ID, s.Status, s.Role, s.Name, strings.Join(s.TaskIDs, ","))
	}
}

func runSessionLink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := newClient(cfg).AddTaskToSession(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), []*models.Session{s})
	return nil
}

func runSessionUnlink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := newClient(cfg).RemoveTaskFromSession(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), []*models.Session{s})
	return nil
}

func runSessionStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stopped := models.SessionStatusStopped
	s, err := newClient(cfg).UpdateSession(cmd.Context(), args[0], models.SessionPatch{Status: &stopped})
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), []*models.Session{s})
	return nil
}

func runSessionLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, err = newClient(cfg).AppendSessionEvent(cmd.Context(), args[0], models.AppendSessionEventRequest{
		Type:    args[1],
		Message: strings.Join(args[2:], " "),
	})
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
