package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

var spawnCmd = &cobra.Command{
	Use:   "spawn [task-id...]",
	Short: "Ask the server to spawn a session for tasks",
	Long: `Spawn requests a new session bound to the given tasks and prints its id.

The process itself is started by a running "maestro watch" when the spawn
event reaches it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().String("role", string(models.RoleWorker), "worker or orchestrator")
	spawnCmd.Flags().String("name", "", "Session name")
	spawnCmd.Flags().StringSlice("skill", nil, "Skill to bind (repeatable)")
	spawnCmd.Flags().String("spawned-by", "", "Parent session id (defaults to MAESTRO_SESSION_ID)")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := requireProject(cfg); err != nil {
		return err
	}
	role, _ := cmd.Flags().GetString("role")
	name, _ := cmd.Flags().GetString("name")
	skills, _ := cmd.Flags().GetStringSlice("skill")
	parent, _ := cmd.Flags().GetString("spawned-by")
	if parent == "" {
		parent = envOr("MAESTRO_SESSION_ID", "")
	}
	if skills == nil {
		skills = []string{}
	}

	resp, err := newClient(cfg).SpawnSession(cmd.Context(), models.SpawnRequest{
		ProjectID:   cfg.Project,
		TaskIDs:     args,
		Role:        models.SessionRole(role),
		SessionName: name,
		Skills:      skills,
		SpawnedBy:   parent,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.SessionID)
	return nil
}
