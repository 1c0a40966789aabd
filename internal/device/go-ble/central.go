package goble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/device"
	"github.com/srg/blesurvey/internal/groutine"
)

const (
	// DefaultDialTimeout bounds a single connection attempt when none is configured
	DefaultDialTimeout = 30 * time.Second

	// DefaultReadTimeout is the default timeout for characteristic read operations.
	// This prevents indefinite blocking if a device becomes unresponsive during a read.
	DefaultReadTimeout = 5 * time.Second

	// linkEventBuffer comfortably exceeds the number of events a single link can produce
	linkEventBuffer = 16
	linkOpBuffer    = 4
)

// Central implements device.Central and device.ScanningDevice on top of a single go-ble device.
//
// Addresses are considered "known" once the device's own scan has reported them,
// which mirrors the host stack's device cache: a freshly advertised address may not
// be dialable until the adapter itself has seen it.
type Central struct {
	dev         ble.Device
	known       *hashmap.Map[string, time.Time]
	dialTimeout time.Duration
	readTimeout time.Duration
	logger      *logrus.Logger
}

// NewCentral creates a Central over the adapter returned by DeviceFactory
func NewCentral(opts FactoryOptions, logger *logrus.Logger) (*Central, error) {
	dev, err := DeviceFactory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	return NewCentralWithDevice(dev, opts.DialTimeout, logger), nil
}

// NewCentralWithDevice wraps an already opened go-ble device
func NewCentralWithDevice(dev ble.Device, dialTimeout time.Duration, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	return &Central{
		dev:         dev,
		known:       hashmap.New[string, time.Time](),
		dialTimeout: dialTimeout,
		readTimeout: DefaultReadTimeout,
		logger:      logger,
	}
}

// Scan runs discovery on the adapter, recording every reported address as known
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		wrapped := NewBLEAdvertisement(adv)
		c.known.Set(wrapped.Addr(), time.Now())
		handler(wrapped)
	}
	if err := c.dev.Scan(ctx, allowDup, bleHandler); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// KnownAddresses returns a snapshot of every address the adapter has reported
func (c *Central) KnownAddresses() device.AddressSet {
	set := make(device.AddressSet, c.known.Len())
	c.known.Range(func(addr string, _ time.Time) bool {
		set[addr] = struct{}{}
		return true
	})
	return set
}

// Connect starts a connection attempt on a dedicated goroutine and returns its link immediately
func (c *Central) Connect(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	address = device.NormalizeAddress(address)

	l := newLink(address, c.readTimeout, c.logger)
	dial := func(dialCtx context.Context) (ble.Client, error) {
		return c.dev.Dial(dialCtx, ble.NewAddr(address))
	}

	groutine.Go(ctx, "ble-link-"+address, func(linkCtx context.Context) {
		l.run(linkCtx, dial, c.dialTimeout)
	})
	return l, nil
}

// Stop halts any scan in progress on the adapter
func (c *Central) Stop() error {
	return NormalizeError(c.dev.Stop())
}
