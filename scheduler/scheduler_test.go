package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blesurvey/internal/device"
	"github.com/srg/blesurvey/internal/testutils"
	"github.com/srg/blesurvey/scheduler"
	"github.com/srg/blesurvey/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "AA:BB:CC:DD:EE:01"
	addrB = "AA:BB:CC:DD:EE:02"
)

var identifiable = &testutils.FakePeripheral{
	Services: []device.ServiceInfo{{
		UUID:            "e45c1747-a0a4-44ab-8c06-a956df58d93a",
		Characteristics: []string{session.DefaultDeviceIDChar, session.DefaultPublicAddrChar},
	}},
	Values: map[string][]byte{
		device.NormalizeUUID(session.DefaultDeviceIDChar):   []byte("dev"),
		device.NormalizeUUID(session.DefaultPublicAddrChar): []byte("pub"),
	},
}

func newScheduler(t *testing.T, central device.Central, opts scheduler.Options) (*scheduler.Scheduler, chan session.DeviceStatus) {
	results := make(chan session.DeviceStatus, 32)
	h := testutils.NewTestHelper(t)
	return scheduler.New(central, results, opts, h.Logger), results
}

func TestDispatch_UnknownAddressDropped(t *testing.T) {
	// GOAL: Verify an address the adapter has never seen produces no session,
	// no status and no connect request
	//
	// TEST SCENARIO: KnownAddresses is empty → Dispatch returns false → Connect never called

	central := &testutils.MockCentral{}
	central.On("KnownAddresses").Return(device.NewAddressSet("11:11:11:11:11:11"))

	s, results := newScheduler(t, central, scheduler.DefaultOptions())
	started := s.Dispatch(context.Background(), scheduler.Request{Address: addrA, Queued: time.Now()})

	assert.False(t, started)
	central.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
	assert.Empty(t, results, "dropped request MUST NOT emit a status")
	assert.Equal(t, int64(1), s.GetMetrics().DroppedUnknown)
	assert.Zero(t, s.InFlight())
}

func TestDispatch_StartsSession(t *testing.T) {
	central := testutils.NewFakeCentral().WithPeripheral(addrA, identifiable)
	s, results := newScheduler(t, central, scheduler.DefaultOptions())

	queued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, s.Dispatch(context.Background(), scheduler.Request{Address: "aa-bb-cc-dd-ee-01", Queued: queued}))
	s.Wait()

	require.Len(t, results, 2)
	partial, final := <-results, <-results
	assert.True(t, partial.Pending)
	assert.False(t, final.Pending)
	assert.Equal(t, addrA, final.Address)
	assert.Equal(t, queued, final.Queued)
	assert.NoError(t, final.Err)

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.Started)
	assert.Equal(t, int64(1), m.Identified)
	assert.Zero(t, s.InFlight())
}

func TestDispatch_SkipsAddressAlreadyInFlight(t *testing.T) {
	central := testutils.NewFakeCentral(addrA)
	s, _ := newScheduler(t, central, scheduler.DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.Wait()
	}()

	require.True(t, s.Dispatch(ctx, scheduler.Request{Address: addrA}))
	<-central.Connected()

	assert.False(t, s.Dispatch(ctx, scheduler.Request{Address: addrA}))
	assert.Equal(t, int64(1), s.GetMetrics().DroppedBusy)
	assert.Equal(t, 1, central.ConnectCount())
}

func TestDispatch_ConcurrencyCap(t *testing.T) {
	// GOAL: Verify no more than MaxSessions sessions run at once
	//
	// TEST SCENARIO: cap=1 → second dispatch waits → first session fails → second starts

	central := testutils.NewFakeCentral(addrA, addrB)
	opts := scheduler.DefaultOptions()
	opts.MaxSessions = 1
	s, results := newScheduler(t, central, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.Wait()
	}()

	require.True(t, s.Dispatch(ctx, scheduler.Request{Address: addrA}))
	first := <-central.Connected()

	second := make(chan bool, 1)
	go func() { second <- s.Dispatch(ctx, scheduler.Request{Address: addrB}) }()

	select {
	case <-second:
		t.Fatal("second dispatch MUST wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, central.ConnectCount())

	first.Emit(device.ConnectResult{Err: errors.New("timeout")})

	select {
	case ok := <-second:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("second dispatch MUST start once the slot is free")
	}
	<-central.Connected()
	assert.Equal(t, 2, central.ConnectCount())

	status := <-results
	assert.Equal(t, addrA, status.Address)
	assert.ErrorIs(t, status.Err, device.ErrConnectFailed)
}

func TestDispatch_CancelWhileWaitingForSlot(t *testing.T) {
	central := testutils.NewFakeCentral(addrA, addrB)
	opts := scheduler.DefaultOptions()
	opts.MaxSessions = 1
	s, _ := newScheduler(t, central, opts)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Dispatch(ctx, scheduler.Request{Address: addrA}))

	done := make(chan bool, 1)
	go func() { done <- s.Dispatch(ctx, scheduler.Request{Address: addrB}) }()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Dispatch MUST give up on cancel")
	}
	s.Wait()
}

func TestEnqueue_RejectsWhenFull(t *testing.T) {
	opts := scheduler.DefaultOptions()
	opts.QueueSize = 1
	s, _ := newScheduler(t, testutils.NewFakeCentral(), opts)

	assert.True(t, s.Enqueue(scheduler.Request{Address: addrA}))
	assert.False(t, s.Enqueue(scheduler.Request{Address: addrB}), "full queue MUST reject the newest request")
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, int64(1), s.GetMetrics().Rejected)
}

func TestRun_ConsumesQueue(t *testing.T) {
	central := testutils.NewFakeCentral().WithPeripheral(addrA, identifiable)
	s, results := newScheduler(t, central, scheduler.Options{ConnectRate: 100})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.True(t, s.Enqueue(scheduler.Request{Address: addrA, Queued: time.Now()}))

	require.Eventually(t, func() bool { return len(results) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run MUST return on cancel")
	}
	s.Wait()
}
