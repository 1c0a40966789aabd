//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newPlatformDevice(_ FactoryOptions) (ble.Device, error) {
	return darwin.NewDevice()
}
