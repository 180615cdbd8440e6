package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/manifest"
	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Commands run inside a spawned worker session",
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Commands run inside a spawned orchestrator session",
}

func init() {
	workerCmd.AddCommand(newInitCmd(models.RoleWorker))
	orchestratorCmd.AddCommand(newInitCmd(models.RoleOrchestrator))
}

func newInitCmd(role models.SessionRole) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Load the session manifest and report the session running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, role)
		},
	}
}

func runInit(cmd *cobra.Command, role models.SessionRole) error {
	path := os.Getenv(manifest.EnvManifestPath)
	if path == "" {
		return fmt.Errorf("%s is not set; init runs inside a spawned session", manifest.EnvManifestPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	if m.Role != role {
		return fmt.Errorf("manifest is for a %s session, not %s", m.Role, role)
	}
	if sid := os.Getenv(manifest.EnvSessionID); sid != "" && sid != m.Session.ID {
		return fmt.Errorf("manifest belongs to session %s, environment says %s", m.Session.ID, sid)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c := newClient(cfg)
	running := models.SessionStatusRunning
	if _, err := c.UpdateSession(cmd.Context(), m.Session.ID, models.SessionPatch{Status: &running}); err != nil {
		return fmt.Errorf("mark session running: %w", err)
	}
	if _, err := c.AppendSessionEvent(cmd.Context(), m.Session.ID, models.AppendSessionEventRequest{
		Type:    "init",
		Message: fmt.Sprintf("%s initialized with %d tasks", role, len(m.Tasks)),
	}); err != nil {
		return fmt.Errorf("record init: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s (%s) in project %s\n", m.Session.ID, m.Role, m.Project.Name)
	fmt.Fprintf(out, "Model: %s  Permissions: %s  Cwd: %s\n\n", m.Session.Model, m.Session.PermissionMode, m.Session.Cwd)
	fmt.Fprintf(out, "Tasks (%d):\n", len(m.Tasks))
	for _, t := range m.Tasks {
		fmt.Fprintf(out, "  %s  %s\n", t.ID, t.Title)
		if t.Description != "" {
			fmt.Fprintf(out, "      %s\n", t.Description)
		}
	}
	if len(m.Skills) > 0 {
		fmt.Fprintf(out, "\nSkills: %v\n", m.Skills)
	}
	return nil
}
