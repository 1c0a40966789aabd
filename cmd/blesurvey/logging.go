package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesurvey/pkg/config"
)

// loadConfig builds the effective configuration: defaults, then the --config file and
// BLESURVEY_* environment, then explicit command-line flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
		cfg.LogLevel = level
	}
	if db, _ := cmd.Flags().GetString("database"); db != "" {
		cfg.Database = db
	}
	return cfg, nil
}

// configureLogger creates a logger honoring --log-level, then the configured log_level.
// Read-only commands stay quiet below warnings unless a level is requested explicitly.
func configureLogger(cmd *cobra.Command, cfg *config.Config, quiet bool) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if explicit, _ := cmd.Flags().GetString("log-level"); quiet && explicit == "" {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}
