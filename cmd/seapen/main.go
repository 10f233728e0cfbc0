package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/seapen/seapen/pkg/logger"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "seapen",
	Short: "Autonomous agent orchestration engine",
	Long: `seapen drives long-running reasoning sessions against an LLM
completion endpoint: it rotates API credentials, parses the model's
tool markup, maintains a persistent knowledge store, and compacts the
session log on a fixed cadence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagDebug {
			logger.SetLevel(logger.DEBUG)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("seapen %s (%s)\n", version, runtime.Version())
	},
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "seapen.json"
	}
	return filepath.Join(home, ".seapen", "config.json")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, compactCmd, archivesCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
