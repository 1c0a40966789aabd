package main

import (
	"bytes"
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blesurvey/internal/store"
	"github.com/srg/blesurvey/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Seeded device addresses
const (
	TestDeviceAddress1 = "AA:00:00:00:00:01"
	TestDeviceAddress2 = "AA:00:00:00:00:02"
)

var seedEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// CommandTestSuite runs commands against a seeded survey database
type CommandTestSuite struct {
	suite.Suite

	Helper   *testutils.TestHelper
	Database string

	savedLocal *time.Location
}

func (s *CommandTestSuite) SetupSuite() {
	s.savedLocal = time.Local
	time.Local = time.UTC
}

func (s *CommandTestSuite) TearDownSuite() {
	time.Local = s.savedLocal
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Database = filepath.Join(s.T().TempDir(), "survey.db")
	s.seed()
}

func (s *CommandTestSuite) TearDownTest() {
	resetFlags(rootCmd)
}

// seed writes one identified and one unidentified device
func (s *CommandTestSuite) seed() {
	ctx := context.Background()
	st, err := store.Open(s.Database, s.Helper.Logger)
	s.Require().NoError(err)
	defer st.Close()

	tx, err := st.Begin(ctx)
	s.Require().NoError(err)

	queued := seedEpoch
	connected := seedEpoch.Add(time.Second)
	id, public := "dev-0001", "11:22:33:44:55:66"
	services, connectMS, inquiryMS := 2, int64(900), int64(300)
	s.Require().NoError(tx.CreateDevice(ctx, &store.DeviceRecord{
		Address:          TestDeviceAddress1,
		DeviceID:         &id,
		PublicAddress:    &public,
		Queued:           &queued,
		Connected:        &connected,
		Attempts:         1,
		ServiceCount:     &services,
		ConnectLatencyMS: &connectMS,
		InquiryLatencyMS: &inquiryMS,
	}))
	tx4 := -4
	s.Require().NoError(tx.AppendSignal(ctx, TestDeviceAddress1, store.SignalSample{Time: seedEpoch.Add(5 * time.Second), RSSI: -61, Reported: &tx4}))
	s.Require().NoError(tx.AppendSignal(ctx, TestDeviceAddress1, store.SignalSample{Time: seedEpoch.Add(10 * time.Second), RSSI: -58}))
	for uuid, chars := range map[string]int{"180a": 3, "e45c1747a0a444ab8c06a956df58d93a": 2} {
		_, err := tx.FetchOrCreateService(ctx, uuid, chars)
		s.Require().NoError(err)
		s.Require().NoError(tx.LinkService(ctx, TestDeviceAddress1, uuid))
	}

	s.Require().NoError(tx.CreateDevice(ctx, &store.DeviceRecord{
		Address:  TestDeviceAddress2,
		Queued:   &queued,
		Attempts: 3,
	}))
	s.Require().NoError(tx.AppendSignal(ctx, TestDeviceAddress2, store.SignalSample{Time: seedEpoch.Add(5 * time.Second), RSSI: -70}))

	s.Require().NoError(tx.Commit())
}

// ExecuteCommand runs the root command with args and returns stdout and the error
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	defer resetFlags(rootCmd)
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default value
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
