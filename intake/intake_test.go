package intake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blesurvey/intake"
	"github.com/srg/blesurvey/internal/store"
	"github.com/srg/blesurvey/internal/testutils"
	"github.com/srg/blesurvey/scanner"
	"github.com/srg/blesurvey/scheduler"
	"github.com/stretchr/testify/suite"
)

const addr = "AA:BB:CC:DD:EE:FF"

type recordingQueue struct {
	requests []scheduler.Request
	reject   bool
}

func (q *recordingQueue) Enqueue(req scheduler.Request) bool {
	if q.reject {
		return false
	}
	q.requests = append(q.requests, req)
	return true
}

// failingCommitStore lets everything through except Commit
type failingCommitStore struct {
	store.Store
}

type failingCommitTx struct {
	store.Tx
}

func (s failingCommitStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingCommitTx{tx}, nil
}

func (t failingCommitTx) Commit() error {
	_ = t.Tx.Rollback()
	return errors.New("disk I/O error")
}

type IntakeTestSuite struct {
	suite.Suite

	ctx    context.Context
	helper *testutils.TestHelper
	clock  *testutils.FakeClock
	store  *store.SQLiteStore
	buffer *scanner.ReportBuffer
	queue  *recordingQueue
	proc   *intake.Processor
}

func (s *IntakeTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = testutils.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s.store = s.helper.OpenStore()
	s.buffer = scanner.NewReportBuffer(64)
	s.queue = &recordingQueue{}
	s.proc = intake.New(s.store, s.buffer, s.queue, intake.Options{}, s.helper.Logger).WithClock(s.clock.Now)
}

func (s *IntakeTestSuite) advertise(rssi int, txPower *int) {
	_, err := s.buffer.Put(scanner.Report{Address: addr, RSSI: rssi, TxPower: txPower, Timestamp: s.clock.Now()})
	s.Require().NoError(err)
}

func (s *IntakeTestSuite) process() int {
	n, err := s.proc.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	return n
}

func (s *IntakeTestSuite) device() *store.DeviceRecord {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	defer tx.Rollback()
	rec, err := tx.GetDevice(s.ctx, addr)
	s.Require().NoError(err)
	return rec
}

func (s *IntakeTestSuite) update(fn func(rec *store.DeviceRecord)) {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	rec, err := tx.GetDevice(s.ctx, addr)
	s.Require().NoError(err)
	fn(rec)
	s.Require().NoError(tx.UpdateDevice(s.ctx, rec))
	s.Require().NoError(tx.Commit())
}

func (s *IntakeTestSuite) signals() []store.SignalSample {
	samples, err := s.store.DeviceSignals(s.ctx, addr, 0)
	s.Require().NoError(err)
	return samples
}

func ptr[T any](v T) *T { return &v }

func (s *IntakeTestSuite) TestEmptyBuffer() {
	s.Zero(s.process())
	s.Empty(s.queue.requests)
}

func (s *IntakeTestSuite) TestUnseenAddress() {
	// GOAL: Verify the first sighting creates exactly one record, one request and one sample
	//
	// TEST SCENARIO: AA:BB:CC:DD:EE:FF, RSSI -70, reported power 4, never seen before

	s.advertise(-70, ptr(4))
	s.Equal(1, s.process())

	rec := s.device()
	s.Require().NotNil(rec.Queued)
	s.WithinDuration(s.clock.Now(), *rec.Queued, time.Millisecond)
	s.Zero(rec.Attempts)

	s.Require().Len(s.queue.requests, 1)
	s.Equal(scheduler.Request{Address: addr, Queued: s.clock.Now()}, s.queue.requests[0])

	samples := s.signals()
	s.Require().Len(samples, 1)
	s.Equal(-70, samples[0].RSSI)
	s.Require().NotNil(samples[0].Reported)
	s.Equal(4, *samples[0].Reported)

	s.Equal(intake.Metrics{Discovered: 1, Samples: 1}, s.proc.GetMetrics())
}

func (s *IntakeTestSuite) TestRepeatedSightingsInOneBatch() {
	s.advertise(-70, nil)
	s.advertise(-68, nil)
	s.advertise(-66, nil)
	s.Equal(3, s.process())

	s.Len(s.queue.requests, 1, "one batch MUST enqueue an address once")
	s.Len(s.signals(), 3, "every advertisement MUST yield a sample")
	s.Nil(s.signals()[0].Reported)
}

func (s *IntakeTestSuite) TestRetryAfterDelay() {
	// GOAL: Verify an unidentified device is re-enqueued only once the retry delay has passed
	//
	// TEST SCENARIO: queued 61s ago, device id unset → re-enqueued, queued refreshed, +1 sample

	s.advertise(-70, nil)
	s.process()
	s.Require().Len(s.queue.requests, 1)

	s.clock.Advance(30 * time.Second)
	s.advertise(-71, nil)
	s.process()
	s.Len(s.queue.requests, 1, "retry MUST NOT happen before the delay")

	s.clock.Advance(30 * time.Second)
	s.advertise(-72, nil)
	s.process()
	s.Len(s.queue.requests, 1, "exactly the retry delay MUST NOT trigger a retry")

	s.clock.Advance(time.Second)
	s.advertise(-73, nil)
	s.process()
	s.Require().Len(s.queue.requests, 2, "61s after queueing the device MUST be retried")
	s.Equal(s.clock.Now(), s.queue.requests[1].Queued)

	rec := s.device()
	s.WithinDuration(s.clock.Now(), *rec.Queued, time.Millisecond)
	s.Len(s.signals(), 4)
	s.Equal(int64(1), s.proc.GetMetrics().Retries)
}

func (s *IntakeTestSuite) TestIdentifiedDeviceNeverRetried() {
	s.advertise(-70, nil)
	s.process()
	s.update(func(rec *store.DeviceRecord) {
		rec.DeviceID = ptr("dev-1")
		rec.PublicAddress = ptr("11:22:33:44:55:66")
	})

	for i := 0; i < 5; i++ {
		s.clock.Advance(time.Hour)
		s.advertise(-60, nil)
		s.process()
	}
	s.Len(s.queue.requests, 1, "identified device MUST NOT be enqueued again")
	s.Len(s.signals(), 6)
}

func (s *IntakeTestSuite) TestDeviceIDKnownPublicMissingNotRetried() {
	s.advertise(-70, nil)
	s.process()
	s.update(func(rec *store.DeviceRecord) { rec.DeviceID = ptr("dev-2") })

	s.clock.Advance(10 * time.Minute)
	s.advertise(-60, nil)
	s.process()
	s.Len(s.queue.requests, 1)
}

func (s *IntakeTestSuite) TestRecordWithoutQueuedTimeIsRetried() {
	tx, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(tx.CreateDevice(s.ctx, &store.DeviceRecord{Address: addr, Attempts: 1}))
	s.Require().NoError(tx.Commit())

	s.advertise(-70, nil)
	s.process()
	s.Len(s.queue.requests, 1)
}

func (s *IntakeTestSuite) TestEnqueueOnlyAfterCommit() {
	proc := intake.New(failingCommitStore{s.store}, s.buffer, s.queue, intake.Options{}, s.helper.Logger).
		WithClock(s.clock.Now)

	s.advertise(-70, nil)
	_, err := proc.ProcessBatch(s.ctx)
	s.Error(err)
	s.Empty(s.queue.requests, "failed commit MUST NOT enqueue")

	devices, err := s.store.ListDevices(s.ctx)
	s.Require().NoError(err)
	s.Empty(devices)
	s.Equal(intake.Metrics{}, proc.GetMetrics(), "rolled back batch MUST NOT be counted")
}

func (s *IntakeTestSuite) TestRetryNotCountedWhenCommitFails() {
	s.advertise(-70, nil)
	s.process()

	proc := intake.New(failingCommitStore{s.store}, s.buffer, s.queue, intake.Options{}, s.helper.Logger).
		WithClock(s.clock.Now)
	s.clock.Advance(2 * time.Minute)
	s.advertise(-70, nil)
	_, err := proc.ProcessBatch(s.ctx)
	s.Error(err)

	s.Len(s.queue.requests, 1)
	s.Zero(proc.GetMetrics().Retries)
	s.Zero(proc.GetMetrics().Discovered)
}

func (s *IntakeTestSuite) TestRejectedEnqueueCounted() {
	s.queue.reject = true
	s.advertise(-70, nil)
	s.process()

	s.Equal(int64(1), s.proc.GetMetrics().Rejected)
	s.NotNil(s.device(), "record MUST persist even when the queue is full")
}

func (s *IntakeTestSuite) TestCustomRetryDelay() {
	proc := intake.New(s.store, s.buffer, s.queue, intake.Options{RetryDelay: 5 * time.Second}, s.helper.Logger).
		WithClock(s.clock.Now)

	s.advertise(-70, nil)
	_, err := proc.ProcessBatch(s.ctx)
	s.Require().NoError(err)

	s.clock.Advance(6 * time.Second)
	s.advertise(-70, nil)
	_, err = proc.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Len(s.queue.requests, 2)
}

func TestIntakeTestSuite(t *testing.T) {
	suite.Run(t, new(IntakeTestSuite))
}
