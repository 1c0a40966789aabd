package goble

import (
	"time"

	"github.com/go-ble/ble"
)

// FactoryOptions selects and tunes the local adapter
type FactoryOptions struct {
	HCIIndex    int           // Linux HCI device index (hci0 = 0)
	DialTimeout time.Duration // Upper bound for a single connection attempt
	ActiveScan  bool          // Request scan responses from peripherals
}

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(opts FactoryOptions) (ble.Device, error) {
	dev, err := newPlatformDevice(opts)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return dev, nil
}
