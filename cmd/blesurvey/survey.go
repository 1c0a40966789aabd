package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/blesurvey/intake"
	goble "github.com/srg/blesurvey/internal/device/go-ble"
	"github.com/srg/blesurvey/internal/store"
	"github.com/srg/blesurvey/pkg/config"
	"github.com/srg/blesurvey/scanner"
	"github.com/srg/blesurvey/scheduler"
	"github.com/srg/blesurvey/session"
	"github.com/srg/blesurvey/survey"
)

// surveyCmd represents the survey command
var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Run the BLE survey until interrupted",
	Long: `Listen for advertisements of surveyed devices, record their signal strength,
connect to new devices to read their identifiers and store everything in the database.

The survey runs until Ctrl+C (SIGINT) or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runSurvey,
}

func init() {
	surveyCmd.Flags().Int("adapter", 0, "HCI adapter index (Linux)")
	surveyCmd.Flags().Int("max-sessions", 0, "Maximum concurrent connections (overrides config)")
	surveyCmd.Flags().Bool("active-scan", false, "Request scan responses from peripherals")
}

func runSurvey(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("adapter") {
		cfg.Adapter, _ = cmd.Flags().GetInt("adapter")
	}
	if cmd.Flags().Changed("max-sessions") {
		cfg.MaxSessions, _ = cmd.Flags().GetInt("max-sessions")
	}
	if cmd.Flags().Changed("active-scan") {
		cfg.ActiveScan, _ = cmd.Flags().GetBool("active-scan")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg, false)

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	central, err := goble.NewCentral(goble.FactoryOptions{
		HCIIndex:    cfg.Adapter,
		DialTimeout: cfg.DialTimeout,
		ActiveScan:  cfg.ActiveScan,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := central.Stop(); err != nil {
			logger.WithError(err).Debug("Failed to stop scanning")
		}
	}()

	sv, err := survey.New(central, central, st, surveyOptions(cfg), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Listen for Ctrl+C to stop the survey
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted, stopping survey...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return sv.Run(ctx)
}

// surveyOptions maps the configuration onto pipeline options
func surveyOptions(cfg *config.Config) survey.Options {
	return survey.Options{
		PollInterval: cfg.PollInterval,
		AdvertBuffer: cfg.AdvertBuffer,
		ResultQueue:  cfg.ResultQueue,
		Scan: scanner.ScanOptions{
			ServiceUUIDs: cfg.TargetServices,
			AllowList:    cfg.AllowList,
			BlockList:    cfg.BlockList,
		},
		Scheduler: scheduler.Options{
			MaxSessions: cfg.MaxSessions,
			ConnectRate: cfg.ConnectRate,
			QueueSize:   cfg.ConnectQueue,
			Session: session.Options{
				DeviceIDChar:   cfg.DeviceIDChar,
				PublicAddrChar: cfg.PublicAddrChar,
				Timeout:        cfg.SessionTimeout,
			},
		},
		Intake: intake.Options{RetryDelay: cfg.RetryDelay},
	}
}
