package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the project",
	RunE:  runTaskList,
}

var taskAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskSetCmd = &cobra.Command{
	Use:   "set [task-id]",
	Short: "Change a task's status",
	Long: `Set the human status with --status, or report agent progress with
--agent-status and --session. Agent reports never change the human status
directly; the server derives it.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskSet,
}

var taskRmCmd = &cobra.Command{
	Use:   "rm [task-id]",
	Short: "Delete a task and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRm,
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskSetCmd)
	taskCmd.AddCommand(taskRmCmd)

	taskListCmd.Flags().String("status", "", "Only tasks with this status")
	taskListCmd.Flags().String("parent", "", `Only children of this task ("root" for top level)`)

	taskAddCmd.Flags().String("parent", "", "Create as a subtask of this task")
	taskAddCmd.Flags().String("priority", "", "low, medium or high")
	taskAddCmd.Flags().String("description", "", "Task description")

	taskSetCmd.Flags().String("status", "", "Human status")
	taskSetCmd.Flags().String("agent-status", "", "Agent status")
	taskSetCmd.Flags().String("session", "", "Reporting session id (defaults to MAESTRO_SESSION_ID)")
}

func runTaskList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := requireProject(cfg); err != nil {
		return err
	}
	st, _ := cmd.Flags().GetString("status")
	parent, _ := cmd.Flags().GetString("parent")
	tasks, err := newClient(cfg).ListTasks(cmd.Context(), models.TaskFilter{
		ProjectID: cfg.Project,
		Status:    models.TaskStatus(st),
		ParentID:  parent,
	})
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), tasks)
	return nil
}

func printTasks(w io.Writer, tasks []*models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	for _, t := range tasks {
		agent := ""
		if t.AgentStatus != models.AgentStatusNone {
			agent = " [agent: " + string(t.AgentStatus) + "]"
		}
		fmt.Fprintf(w, "%s %s  %-18s %s%s\n", t.Status.Icon(), t.ID, t.Status, t.Title, agent)
	}
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := requireProject(cfg); err != nil {
		return err
	}
	req := models.CreateTaskRequest{ProjectID: cfg.Project, Title: strings.Join(args, " ")}
	if parent, _ := cmd.Flags().GetString("parent"); parent != "" {
		req.ParentID = &parent
	}
	p, _ := cmd.Flags().GetString("priority")
	req.Priority = models.TaskPriority(p)
	req.Description, _ = cmd.Flags().GetString("description")

	t, err := newClient(cfg).CreateTask(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.ID)
	return nil
}

func runTaskSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	patch, err := taskPatchFromFlags(cmd)
	if err != nil {
		return err
	}
	t, err := newClient(cfg).UpdateTask(cmd.Context(), args[0], patch)
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), []*models.Task{t})
	return nil
}

// taskPatchFromFlags builds a human patch from --status or an agent patch
// from --agent-status. Mixing the two is refused.
func taskPatchFromFlags(cmd *cobra.Command) (models.TaskPatch, error) {
	st, _ := cmd.Flags().GetString("status")
	agent, _ := cmd.Flags().GetString("agent-status")
	switch {
	case st != "" && agent != "":
		return models.TaskPatch{}, fmt.Errorf("--status and --agent-status cannot be combined")
	case st != "":
		s := models.TaskStatus(st)
		return models.TaskPatch{Status: &s, UpdateSource: models.UpdateSourceUser}, nil
	case agent != "":
		a := models.AgentStatus(agent)
		sid, _ := cmd.Flags().GetString("session")
		if sid == "" {
			sid = envOr("MAESTRO_SESSION_ID", "")
		}
		return models.TaskPatch{AgentStatus: &a, UpdateSource: models.UpdateSourceSession, SessionID: sid}, nil
	default:
		return models.TaskPatch{}, fmt.Errorf("one of --status or --agent-status is required")
	}
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return newClient(cfg).DeleteTask(cmd.Context(), args[0])
}
