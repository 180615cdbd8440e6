// Package cli implements the maestro command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/client"
	"github.com/iammorganparry/clive/apps/maestro/internal/config"
)

var (
	verbose bool
	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - tasks and the agent sessions that work on them",
		Long: `Maestro tracks hierarchical tasks and the agent sessions spawned to execute them.

Run "maestro serve" for the local server and "maestro watch" for the live dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("server", "", "Server URL (overrides MAESTRO_SERVER_URL)")
	rootCmd.PersistentFlags().String("project", "", "Project id (overrides MAESTRO_PROJECT)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(orchestratorCmd)
}

// Execute runs the root command
func Execute(version string) error {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig loads the config and applies the global flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.ServerURL = s
	}
	if p, _ := cmd.Flags().GetString("project"); p != "" {
		cfg.Project = p
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newClient(cfg *config.Config) *client.Client {
	return client.New(cfg.ServerURL, client.WithAPIKey(cfg.APIKey), client.WithTimeout(cfg.RequestTimeout))
}

func authHeader(cfg *config.Config) http.Header {
	if cfg.APIKey == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + cfg.APIKey}}
}

func requireProject(cfg *config.Config) error {
	if cfg.Project == "" {
		return fmt.Errorf("no project selected: pass --project or set MAESTRO_PROJECT")
	}
	return nil
}
