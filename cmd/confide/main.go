package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/arnberg/confide/internal/config"
)

var version = "dev"

var (
	noColor bool
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "confide",
	Short: "Local FAQ matcher for mental-health and relationship questions",
	Long: `confide matches free-form questions against a curated corpus of
question-answer groups and returns the closest pre-written answer, or a
fallback when nothing matches well enough. Training, inference, and
storage all run locally.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig honors the --config flag before falling back to the default
// lookup (CONFIDE_CONFIG, then the XDG config dir).
func loadConfig() (config.Config, error) {
	if cfgPath != "" {
		return config.LoadPath(cfgPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	rootCmd.AddCommand(
		trainCmd,
		askCmd,
		shellCmd,
		intentsCmd,
		historyCmd,
		retrainCmd,
		feedbackCmd,
		serveCmd,
		mcpCmd,
		startCmd,
		stopCmd,
		statusCmd,
		dataCmd,
		configCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
