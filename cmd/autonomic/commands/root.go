package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geo-mak/autonomic-playground/pkg/api"
)

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autonomic",
		Short: "Autonomic - self-correcting operations playground",
		Long: `Autonomic registers operations under controllers, runs them on demand or
when their sensors fire, and streams every invocation's states to the caller.

Drift controllers watch a resource and correct it back to its desired value.
Run "autonomic serve" to start a server and the other commands to drive it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML or CUE)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", api.DefaultServerURL, "server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newActiveCommand())
	rootCmd.AddCommand(newActivateCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newLockCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newSensorCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newChangeStateCommand())
	rootCmd.AddCommand(newPlaybookCommand())

	return rootCmd
}

func newClient() *api.Client {
	return api.NewClient(serverURL)
}
