//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blesurvey/internal/device"
)

func newPlatformDevice(_ FactoryOptions) (ble.Device, error) {
	return nil, fmt.Errorf("%w: BLE central on %s", device.ErrUnsupported, runtime.GOOS)
}
