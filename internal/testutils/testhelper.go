package testutils

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/store"
	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// OpenStore opens a fresh SQLite store in the test's temp dir, closed on cleanup
func (h *TestHelper) OpenStore() *store.SQLiteStore {
	h.T.Helper()
	st, err := store.Open(filepath.Join(h.T.TempDir(), "survey.db"), h.Logger)
	require.NoError(h.T, err, "test store MUST open")
	h.T.Cleanup(func() { _ = st.Close() })
	return st
}

func CreateMockAdvertisement(address string, rssi int, services ...string) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithAddress(address).WithRSSI(rssi).WithServices(services...)
}

// FakeClock is a manually advanced clock
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
