package goble

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/device"
)

type opKind int

const (
	opRead opKind = iota
	opDisconnect
)

type linkOp struct {
	kind opKind
	uuid string
}

// bleLink drives one connection on a single worker goroutine, so events for the
// link are produced strictly in request order.
type bleLink struct {
	address     string
	events      chan device.Event
	ops         chan linkOp
	done        chan struct{}
	readTimeout time.Duration
	logger      *logrus.Entry
}

func newLink(address string, readTimeout time.Duration, logger *logrus.Logger) *bleLink {
	return &bleLink{
		address:     address,
		events:      make(chan device.Event, linkEventBuffer),
		ops:         make(chan linkOp, linkOpBuffer),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
		logger:      logger.WithField("address", address),
	}
}

func (l *bleLink) Address() string                { return l.address }
func (l *bleLink) Events() <-chan device.Event    { return l.events }
func (l *bleLink) ReadCharacteristic(uuid string) { l.submit(linkOp{kind: opRead, uuid: uuid}) }
func (l *bleLink) Disconnect()                    { l.submit(linkOp{kind: opDisconnect}) }

func (l *bleLink) submit(op linkOp) {
	select {
	case l.ops <- op:
	case <-l.done:
		l.logger.WithField("op", op.kind).Debug("Link already closed, request ignored")
	}
}

func (l *bleLink) emit(ev device.Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Link event buffer full, event dropped")
	}
}

func (l *bleLink) run(ctx context.Context, dial func(context.Context) (ble.Client, error), dialTimeout time.Duration) {
	defer close(l.done)
	defer close(l.events)

	l.logger.WithField("timeout", dialTimeout).Debug("Dialing BLE device...")
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := dial(dialCtx)
	cancel()
	if err != nil {
		l.emit(device.ConnectResult{Err: fmt.Errorf("%w: %w", device.ErrConnectFailed, NormalizeError(err))})
		return
	}
	l.emit(device.ConnectResult{})

	// Requests queued while dialing are replayed in order; a disconnect among
	// them releases the fresh connection before discovery starts.
	pending := l.drainOps()
	if lo.ContainsBy(pending, func(op linkOp) bool { return op.kind == opDisconnect }) {
		l.logger.Debug("Disconnect requested while dialing, releasing connection")
		l.emit(device.DisconnectResult{Err: l.cancel(client)})
		return
	}

	disconnected := client.Disconnected()

	l.logger.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		l.emit(device.ServicesResolved{Err: fmt.Errorf("failed to discover profile: %w", NormalizeError(err))})
	} else {
		l.emit(device.ServicesResolved{Services: servicesFromProfile(profile)})
	}

	for _, op := range pending {
		l.read(client, profile, op.uuid)
	}

	for {
		select {
		case <-ctx.Done():
			l.cancel(client)
			l.emit(device.DisconnectResult{Err: ctx.Err()})
			return

		case <-disconnected:
			l.logger.Info("Peripheral dropped the connection")
			l.emit(device.DisconnectResult{Err: device.ErrNotConnected})
			return

		case op := <-l.ops:
			switch op.kind {
			case opRead:
				l.read(client, profile, op.uuid)
			case opDisconnect:
				err := l.cancel(client)
				l.emit(device.DisconnectResult{Err: err})
				return
			}
		}
	}
}

// drainOps returns the requests already queued without waiting for more
func (l *bleLink) drainOps() []linkOp {
	var ops []linkOp
	for {
		select {
		case op := <-l.ops:
			ops = append(ops, op)
		default:
			return ops
		}
	}
}

func (l *bleLink) cancel(client ble.Client) error {
	if err := client.CancelConnection(); err != nil {
		l.logger.WithError(err).Warn("Failed to cancel connection")
		return NormalizeError(err)
	}
	return nil
}

// read performs a single characteristic read bounded by readTimeout
func (l *bleLink) read(client ble.Client, profile *ble.Profile, uuid string) {
	char := findCharacteristic(profile, uuid)
	if char == nil {
		l.emit(device.CharacteristicError{
			UUID: uuid,
			Err:  &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}},
		})
		return
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := client.ReadCharacteristic(char)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			l.emit(device.CharacteristicError{UUID: uuid, Err: NormalizeError(result.err)})
			return
		}
		l.emit(device.CharacteristicValue{UUID: uuid, Value: result.data})
	case <-time.After(l.readTimeout):
		l.emit(device.CharacteristicError{
			UUID: uuid,
			Err:  fmt.Errorf("%w: reading characteristic %s after %v", device.ErrTimeout, uuid, l.readTimeout),
		})
	}
}

func findCharacteristic(profile *ble.Profile, uuid string) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if device.SameUUID(c.UUID.String(), uuid) {
				return c
			}
		}
	}
	return nil
}

func servicesFromProfile(profile *ble.Profile) []device.ServiceInfo {
	services := make([]device.ServiceInfo, 0, len(profile.Services))
	for _, svc := range profile.Services {
		info := device.ServiceInfo{
			UUID:            device.NormalizeUUID(svc.UUID.String()),
			Characteristics: make([]string, 0, len(svc.Characteristics)),
		}
		for _, c := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, device.NormalizeUUID(c.UUID.String()))
		}
		services = append(services, info)
	}
	return services
}
