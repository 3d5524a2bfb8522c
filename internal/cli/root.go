package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor — an autonomous software-delivery pipeline engine",
	Long: `conductor runs quality-agent pipelines over incoming branches, integrates
ready work through a branch/merge/conflict-resolution saga, schedules
dispatch across a manifest of in-flight branches, and reacts to CI/review
feedback with bounded retries.

"conductor serve" runs the engine itself (event bus, runner, director,
reaction engine, HTTP surface). The other subcommands are a thin client
against a running server.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(directorCmd)
	rootCmd.AddCommand(webhookCmd)

	rootCmd.PersistentFlags().String("addr", "", "conductor server address (default http://localhost:8080, or $CONDUCTOR_ADDR)")
}
