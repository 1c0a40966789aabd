package testutils

import (
	"context"

	"github.com/srg/blesurvey/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockAdvertisement is a testify mock of device.Advertisement
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string  { return m.Called().String(0) }
func (m *MockAdvertisement) Services() []string { return m.Called().Get(0).([]string) }
func (m *MockAdvertisement) TxPowerLevel() int  { return m.Called().Int(0) }
func (m *MockAdvertisement) Connectable() bool  { return m.Called().Bool(0) }
func (m *MockAdvertisement) RSSI() int          { return m.Called().Int(0) }
func (m *MockAdvertisement) Addr() string       { return m.Called().String(0) }

// MockCentral is a testify mock of device.Central
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) KnownAddresses() device.AddressSet {
	return m.Called().Get(0).(device.AddressSet)
}

func (m *MockCentral) Connect(ctx context.Context, address string) (device.Link, error) {
	args := m.Called(ctx, address)
	link, _ := args.Get(0).(device.Link)
	return link, args.Error(1)
}
