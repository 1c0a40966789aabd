package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blesurvey/survey"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes
const (
	exitError          = 1
	exitBackgroundDied = 3
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blesurvey",
	Short: "Bluetooth Low Energy device survey",
	Long: `Bluetooth Low Energy (BLE) survey tool that:

- Listens for advertisements of surveyed devices and records their signal strength
- Connects to every new device and reads its identifying characteristics
- Retries unidentified devices and keeps the results in a SQLite database

Use "survey" to run the pipeline, "devices", "device" and "stats" to inspect the results.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, survey.ErrBackgroundContextDied) {
		return exitBackgroundDied
	}
	return exitError
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(surveyCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(statsCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("database", "", "Path to the survey database (overrides config)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
