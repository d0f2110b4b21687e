// Command plumberd is the thin composition-root binary that wires
// pkg/runtime.Runtime together for a standalone deployment. It is not
// a servlet-development tool: the servlets a graph.yaml names are
// loaded from whatever stab.Loader the deployment supplies (this
// binary ships only the diagnostic set in pkg/builtin), mirroring the
// teacher's cmd/warren/main.go rootCmd/subcommand shape.
package main

import (
	"fmt"
	"os"

	"github.com/plumberd/plumber/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "plumberd",
	Short: "plumberd runs a servlet service graph",
	Long: `plumberd is the reference engine for servlet service graphs: it
loads a graph.yaml describing servlet nodes and the pipe edges between
them, then schedules requests across the graph's worker pool.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"plumberd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(graphCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
