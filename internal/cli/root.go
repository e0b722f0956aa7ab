package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "procwatch",
	Short: "Process exec, exit and kill monitor",
	Long: `procwatch attaches eBPF tracepoints to report process creation,
process termination and successful kill(2) calls with their target pid.

Configuration sources (in priority order):
  1. Command line flags
  2. Environment variables (PROCWATCH_*)
  3. Configuration file (procwatch.yaml)
  4. Defaults`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./procwatch.yaml or /etc/procwatch/procwatch.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(killsCmd)
	rootCmd.AddCommand(versionCmd)
}
