package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/srg/blesurvey/internal/device"
	"github.com/srg/blesurvey/survey"
)

// FormatUserError turns known failures into short, actionable messages
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, survey.ErrBackgroundContextDied):
		return fmt.Sprintf("survey stopped because a background task exited (%v); check the adapter and rerun", err)
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again"
	case errors.Is(err, device.ErrNotInitialized):
		return "Bluetooth adapter is not available. Check the adapter index and permissions"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("not supported on this platform: %v", err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("permission denied: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	}
	return err.Error()
}
