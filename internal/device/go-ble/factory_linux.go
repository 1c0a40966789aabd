//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

func newPlatformDevice(opts FactoryOptions) (ble.Device, error) {
	return linux.NewDevice(platformOptions(opts)...)
}

func platformOptions(opts FactoryOptions) []ble.Option {
	scanType := uint8(0x00) // passive
	if opts.ActiveScan {
		scanType = 0x01
	}

	scanParams := cmd.LESetScanParameters{
		LEScanType:           scanType,
		LEScanInterval:       0x0010, // N * 0.625msec
		LEScanWindow:         0x0010, // N * 0.625msec
		OwnAddressType:       0x00,   // public
		ScanningFilterPolicy: 0x00,   // accept all
	}

	options := []ble.Option{
		ble.OptDeviceID(opts.HCIIndex),
		ble.OptScanParams(scanParams),
	}
	if opts.DialTimeout > 0 {
		options = append(options, ble.OptDialerTimeout(opts.DialTimeout))
	}
	return options
}
