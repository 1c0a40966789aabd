package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite

	ctx   context.Context
	store *store.SQLiteStore
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	st, err := store.Open(filepath.Join(s.T().TempDir(), "survey.db"), logger)
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreTestSuite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

func (s *StoreTestSuite) inTx(fn func(tx store.Tx)) {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	fn(tx)
	s.Require().NoError(tx.Commit())
}

func ptr[T any](v T) *T { return &v }

func (s *StoreTestSuite) TestGetDevice_NotFound() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	defer tx.Rollback()

	_, err = tx.GetDevice(s.ctx, "AA:BB:CC:DD:EE:FF")
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *StoreTestSuite) TestCreateAndUpdateDevice() {
	queued := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)

	s.inTx(func(tx store.Tx) {
		s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{
			Address: "AA:BB:CC:DD:EE:FF",
			Queued:  &queued,
		}))
	})

	s.inTx(func(tx store.Tx) {
		rec, err := tx.GetDevice(s.ctx, "AA:BB:CC:DD:EE:FF")
		s.Require().NoError(err)
		s.Require().NotNil(rec.Queued)
		s.WithinDuration(queued, *rec.Queued, time.Millisecond)
		s.Nil(rec.DeviceID)
		s.Nil(rec.Connected)
		s.Zero(rec.Attempts)
		s.False(rec.Identified())

		rec.Attempts++
		rec.DeviceID = ptr("dev-1")
		rec.PublicAddress = ptr("11:22:33:44:55:66")
		rec.ServiceCount = ptr(2)
		rec.ConnectLatencyMS = ptr(int64(850))
		rec.InquiryLatencyMS = ptr(int64(120))
		s.Require().NoError(tx.UpdateDevice(s.ctx, rec))
	})

	s.inTx(func(tx store.Tx) {
		rec, err := tx.GetDevice(s.ctx, "AA:BB:CC:DD:EE:FF")
		s.Require().NoError(err)
		s.Equal(1, rec.Attempts)
		s.Equal("dev-1", *rec.DeviceID)
		s.Equal("11:22:33:44:55:66", *rec.PublicAddress)
		s.Equal(2, *rec.ServiceCount)
		s.Equal(int64(850), *rec.ConnectLatencyMS)
		s.Equal(int64(120), *rec.InquiryLatencyMS)
		s.True(rec.Identified())
	})
}

func (s *StoreTestSuite) TestUpdateDevice_Missing() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	defer tx.Rollback()

	err = tx.UpdateDevice(s.ctx, &store.DeviceRecord{Address: "00:00:00:00:00:01"})
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *StoreTestSuite) TestRollback_DiscardsChanges() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{Address: "AA:AA:AA:AA:AA:AA"}))
	s.Require().NoError(tx.Rollback())
	s.NoError(tx.Rollback(), "second rollback MUST be harmless")

	devices, err := s.store.ListDevices(s.ctx)
	s.Require().NoError(err)
	s.Empty(devices)
}

func (s *StoreTestSuite) TestSignals() {
	base := time.Unix(1_700_000_000, 0)
	s.inTx(func(tx store.Tx) {
		s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF"}))
		s.Require().NoError(tx.AppendSignal(s.ctx, "AA:BB:CC:DD:EE:FF", store.SignalSample{Time: base, RSSI: -70, Reported: ptr(4)}))
		s.Require().NoError(tx.AppendSignal(s.ctx, "AA:BB:CC:DD:EE:FF", store.SignalSample{Time: base.Add(time.Second), RSSI: -65}))
	})

	samples, err := s.store.DeviceSignals(s.ctx, "AA:BB:CC:DD:EE:FF", 0)
	s.Require().NoError(err)
	s.Require().Len(samples, 2)

	s.Equal(-65, samples[0].RSSI, "newest sample MUST come first")
	s.Nil(samples[0].Reported)
	s.Equal(-70, samples[1].RSSI)
	s.Require().NotNil(samples[1].Reported)
	s.Equal(4, *samples[1].Reported)
	s.WithinDuration(base, samples[1].Time, time.Millisecond)

	limited, err := s.store.DeviceSignals(s.ctx, "AA:BB:CC:DD:EE:FF", 1)
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *StoreTestSuite) TestAppendSignal_UnknownDevice() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	defer tx.Rollback()

	err = tx.AppendSignal(s.ctx, "DE:AD:BE:EF:00:00", store.SignalSample{Time: time.Now(), RSSI: -50})
	s.Error(err, "signals MUST reference an existing device")
}

func (s *StoreTestSuite) TestServices() {
	s.inTx(func(tx store.Tx) {
		s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{Address: "AA:BB:CC:DD:EE:FF"}))

		svc, err := tx.FetchOrCreateService(s.ctx, "180a", 3)
		s.Require().NoError(err)
		s.Equal(3, *svc.Characteristics)

		again, err := tx.FetchOrCreateService(s.ctx, "180a", 5)
		s.Require().NoError(err)
		s.Equal(3, *again.Characteristics, "known count MUST NOT be overwritten")

		s.Require().NoError(tx.LinkService(s.ctx, "AA:BB:CC:DD:EE:FF", "180a"))
		s.Require().NoError(tx.LinkService(s.ctx, "AA:BB:CC:DD:EE:FF", "180a"), "relinking MUST be idempotent")
	})

	services, err := s.store.DeviceServices(s.ctx, "AA:BB:CC:DD:EE:FF")
	s.Require().NoError(err)
	s.Require().Len(services, 1)
	s.Equal("180a", services[0].UUID)
}

func (s *StoreTestSuite) TestListDevicesAndStats() {
	now := time.Unix(1_700_000_000, 0)
	s.inTx(func(tx store.Tx) {
		s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{
			Address:       "BB:00:00:00:00:01",
			DeviceID:      ptr("a"),
			PublicAddress: ptr("b"),
			Attempts:      2,
		}))
		s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{Address: "AA:00:00:00:00:01", Attempts: 1}))
		s.Require().NoError(tx.AppendSignal(s.ctx, "AA:00:00:00:00:01", store.SignalSample{Time: now, RSSI: -80}))
		s.Require().NoError(tx.AppendSignal(s.ctx, "AA:00:00:00:00:01", store.SignalSample{Time: now.Add(time.Second), RSSI: -60}))
		_, err := tx.FetchOrCreateService(s.ctx, "180f", 1)
		s.Require().NoError(err)
	})

	devices, err := s.store.ListDevices(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(devices, 2)

	s.Equal("AA:00:00:00:00:01", devices[0].Address)
	s.Equal(2, devices[0].Samples)
	s.Require().NotNil(devices[0].LastRSSI)
	s.Equal(-60, *devices[0].LastRSSI)
	s.Require().NotNil(devices[0].LastSeen)
	s.WithinDuration(now.Add(time.Second), *devices[0].LastSeen, time.Millisecond)

	s.Equal("BB:00:00:00:00:01", devices[1].Address)
	s.Nil(devices[1].LastRSSI)
	s.True(devices[1].Identified())

	stats, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(store.Stats{Devices: 2, Identified: 1, Attempts: 3, Samples: 2, Services: 1}, stats)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := store.Open("", nil)
	require.Error(t, err)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "survey.db")
	st, err := store.Open(path, nil)
	require.NoError(t, err)
	defer st.Close()
	require.Equal(t, path, st.Path())
}
