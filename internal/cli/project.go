package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectList,
}

var projectAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

func init() {
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectAddCmd)

	projectAddCmd.Flags().String("dir", "", "Working directory for spawned sessions")
}

func runProjectList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	projects, err := newClient(cfg).ListProjects(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(projects) == 0 {
		fmt.Fprintln(out, "No projects.")
		return nil
	}
	for _, p := range projects {
		fmt.Fprintf(out, "%s  %-24s %s\n", p.ID, p.Name, p.WorkingDirectory)
	}
	return nil
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	p, err := newClient(cfg).CreateProject(cmd.Context(), models.CreateProjectRequest{Name: args[0], WorkingDirectory: dir})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), p.ID)
	return nil
}
