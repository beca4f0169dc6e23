// Command worldsim runs the tick-driven world simulation.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worldsim",
		Short: "Tick-driven world simulation",
		Long: `worldsim advances a small world one tick at a time: traders meet in
double-auction markets, NPCs speak through a generation backend, and every
change is recorded as an event.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newEventsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version, "commit": commit})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worldsim version %s (commit: %s)\n", version, commit)
		},
	}
}
