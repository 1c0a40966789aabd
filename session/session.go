// Package session drives a single GATT connection attempt: connect, resolve services,
// read the two identifying characteristics, disconnect. It never touches persistence;
// its only outputs are requests on the link and DeviceStatus pushes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/device"
)

const (
	// DefaultDeviceIDChar holds the peripheral's device identifier
	DefaultDeviceIDChar = "64b81e3c-d60c-4f08-8396-9351b04f7591"
	// DefaultPublicAddrChar holds the peripheral's public address (System ID)
	DefaultPublicAddrChar = "00002a23-0000-1000-8000-00805f9b34fb"
	// DefaultTimeout bounds a whole session
	DefaultTimeout = 45 * time.Second
)

// ErrSessionTimeout is the terminal error of a session that did not finish in time
var ErrSessionTimeout = errors.New("session timed out")

// Options configures a Session
type Options struct {
	DeviceIDChar   string
	PublicAddrChar string
	// Timeout bounds the session from Start to completion. Zero disables it.
	Timeout time.Duration
}

// DefaultOptions returns the survey's identifying characteristics and default timeout
func DefaultOptions() Options {
	return Options{
		DeviceIDChar:   DefaultDeviceIDChar,
		PublicAddrChar: DefaultPublicAddrChar,
		Timeout:        DefaultTimeout,
	}
}

// Session is an explicit state machine over the events of one device.Link.
// A Session is driven by a single goroutine; it is not safe for concurrent use.
type Session struct {
	id      string
	central device.Central
	link    device.Link
	opts    Options
	out     chan<- DeviceStatus
	now     func() time.Time
	logger  *logrus.Entry

	state        State
	status       DeviceStatus
	pendingReads map[string]struct{}
	pushed       int
}

// New creates a session for address. Statuses are published on out, blocking when it is full.
func New(central device.Central, address string, queued time.Time, out chan<- DeviceStatus, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.DeviceIDChar == "" {
		opts.DeviceIDChar = DefaultDeviceIDChar
	}
	if opts.PublicAddrChar == "" {
		opts.PublicAddrChar = DefaultPublicAddrChar
	}

	address = device.NormalizeAddress(address)
	id := ulid.Make().String()
	entry := logger.WithFields(logrus.Fields{
		"address": address,
		"session": id,
	})

	return &Session{
		id:           id,
		central:      central,
		opts:         opts,
		out:          out,
		now:          time.Now,
		logger:       entry,
		state:        Idle,
		status:       DeviceStatus{Address: address, Pending: true, Queued: queued},
		pendingReads: make(map[string]struct{}),
	}
}

// WithClock replaces the clock used for all timestamps
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Address() string { return s.status.Address }
func (s *Session) State() State    { return s.state }
func (s *Session) Done() bool      { return s.state.Terminal() }

// Status returns a copy of the current status
func (s *Session) Status() DeviceStatus { return s.status.Clone() }

// Pushes returns how many statuses have been published so far
func (s *Session) Pushes() int { return s.pushed }

// Start stamps the connect start and issues the connect request; it does not wait for the outcome.
// If the request cannot be issued the session fails immediately and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	if s.state != Idle {
		return fmt.Errorf("session for %s already started (state %s)", s.status.Address, s.state)
	}

	s.status.ConnectStarted = s.now()
	s.state = Connecting
	s.logger.Debug("Connecting...")

	link, err := s.central.Connect(ctx, s.status.Address)
	if err != nil {
		s.fail(ctx, fmt.Errorf("%w: %w", device.ErrConnectFailed, err))
		return s.status.Err
	}
	s.link = link
	return nil
}

// Run starts the session and processes link events until it reaches a terminal state.
// It returns the terminal error, nil for a fully identified device.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if s.opts.Timeout > 0 {
		timer := time.NewTimer(s.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	events := s.link.Events()
	for !s.Done() {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.Handle(ctx, device.DisconnectResult{Err: device.ErrNotConnected})
				continue
			}
			s.Handle(ctx, ev)

		case <-timeout:
			s.Expire(ctx)

		case <-ctx.Done():
			s.logger.WithError(ctx.Err()).Debug("Session cancelled")
			s.disconnectBestEffort()
			s.state = Complete
			return ctx.Err()
		}
	}
	return s.status.Err
}

// Expire ends a session that is still running with ErrSessionTimeout
func (s *Session) Expire(ctx context.Context) {
	if s.Done() {
		return
	}
	s.logger.WithField("state", s.state).Warn("Session timed out")
	s.status.Err = ErrSessionTimeout
	s.disconnectBestEffort()
	s.complete(ctx)
}

// Handle advances the state machine by one event
func (s *Session) Handle(ctx context.Context, ev device.Event) {
	if s.Done() {
		s.logger.WithFields(logrus.Fields{
			"event": fmt.Sprintf("%T", ev),
			"state": s.state,
		}).Debug("Event for finished session ignored")
		return
	}

	switch e := ev.(type) {
	case device.ConnectResult:
		s.onConnect(ctx, e)
	case device.ServicesResolved:
		s.onServicesResolved(ctx, e)
	case device.CharacteristicValue:
		s.onValue(ctx, e)
	case device.CharacteristicError:
		s.onReadError(ctx, e)
	case device.DisconnectResult:
		s.onDisconnect(ctx, e)
	default:
		s.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Unknown link event")
	}
}

func (s *Session) onConnect(ctx context.Context, e device.ConnectResult) {
	if s.state != Connecting {
		s.unexpected(e)
		return
	}
	if e.Err != nil {
		err := e.Err
		if !errors.Is(err, device.ErrConnectFailed) {
			err = fmt.Errorf("%w: %w", device.ErrConnectFailed, err)
		}
		s.fail(ctx, err)
		return
	}

	now := s.now()
	s.status.ConnectEnded = &now
	wall := now.Round(0)
	s.status.ConnectedAt = &wall
	s.state = Connected

	latency, _ := s.status.ConnectLatency()
	s.logger.WithField("latency", latency).Info("Connected")
}

func (s *Session) onServicesResolved(ctx context.Context, e device.ServicesResolved) {
	if s.state != Connected {
		s.unexpected(e)
		return
	}
	if e.Err != nil {
		s.logger.WithError(e.Err).Warn("Service discovery failed")
		s.state = PartialFailure
		s.status.Err = e.Err
		s.disconnectBestEffort()
		s.complete(ctx)
		return
	}

	now := s.now()
	s.status.ServicesResolvedAt = &now
	count := len(e.Services)
	s.status.ServiceCount = &count
	s.status.Services = make([]ServiceSummary, 0, len(e.Services))
	targets := make([]string, 0, 2)
	for _, svc := range e.Services {
		s.status.Services = append(s.status.Services, ServiceSummary{
			UUID:            device.NormalizeUUID(svc.UUID),
			Characteristics: len(svc.Characteristics),
		})
		for _, c := range svc.Characteristics {
			if s.isTarget(c) && !device.ContainsUUID(targets, c) {
				targets = append(targets, c)
			}
		}
	}
	s.state = ServicesResolved
	s.logger.WithFields(logrus.Fields{
		"services": count,
		"targets":  len(targets),
	}).Debug("Services resolved")

	if len(targets) == 0 {
		s.state = PartialFailure
		s.status.Err = &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{s.opts.DeviceIDChar, s.opts.PublicAddrChar},
		}
		s.logger.Warn("Device has no identifying characteristics")
		s.disconnectBestEffort()
		s.complete(ctx)
		return
	}

	s.state = ReadingCharacteristics
	for _, c := range targets {
		s.pendingReads[device.NormalizeUUID(c)] = struct{}{}
		s.link.ReadCharacteristic(c)
	}
}

func (s *Session) onValue(ctx context.Context, e device.CharacteristicValue) {
	if s.state != ReadingCharacteristics {
		s.unexpected(e)
		return
	}
	delete(s.pendingReads, device.NormalizeUUID(e.UUID))

	value := decodeValue(e.Value)
	switch {
	case device.SameUUID(e.UUID, s.opts.DeviceIDChar):
		s.status.DeviceID = &value
	case device.SameUUID(e.UUID, s.opts.PublicAddrChar):
		s.status.PublicAddress = &value
	default:
		s.logger.WithField("uuid", e.UUID).Debug("Value for unrequested characteristic ignored")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"uuid":  e.UUID,
		"value": value,
	}).Debug("Characteristic read")

	if s.status.DeviceID != nil && s.status.PublicAddress != nil {
		now := s.now()
		s.status.InquiryEnded = &now
		s.state = Identified
		s.logger.WithFields(logrus.Fields{
			"device_id": *s.status.DeviceID,
			"public":    *s.status.PublicAddress,
		}).Info("Device identified")

		s.state = Disconnecting
		s.link.Disconnect()
		return
	}

	s.push(ctx)
	if len(s.pendingReads) == 0 {
		// every target that exists has been read and one value is still missing
		s.state = PartialFailure
		s.status.Err = &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.missingChar()}}
		s.disconnectBestEffort()
		s.complete(ctx)
	}
}

func (s *Session) onReadError(ctx context.Context, e device.CharacteristicError) {
	if s.state != ReadingCharacteristics {
		s.unexpected(e)
		return
	}
	s.logger.WithError(e.Err).WithField("uuid", e.UUID).Warn("Characteristic read failed")

	s.state = PartialFailure
	s.status.Err = fmt.Errorf("%w: %s: %w", device.ErrCharacteristicReadFailed, e.UUID, e.Err)
	s.disconnectBestEffort()
	s.complete(ctx)
}

func (s *Session) onDisconnect(ctx context.Context, e device.DisconnectResult) {
	if s.state == Disconnecting {
		if e.Err != nil {
			s.logger.WithError(e.Err).Debug("Disconnect reported an error")
		}
		s.complete(ctx)
		return
	}

	// the link went away before the session finished
	err := e.Err
	if err == nil {
		err = device.ErrNotConnected
	}
	s.logger.WithError(err).WithField("state", s.state).Warn("Link lost")
	if s.state == Connecting {
		s.fail(ctx, fmt.Errorf("%w: %w", device.ErrConnectFailed, err))
		return
	}
	s.state = PartialFailure
	s.status.Err = err
	s.complete(ctx)
}

func (s *Session) unexpected(ev device.Event) {
	s.logger.WithFields(logrus.Fields{
		"event": fmt.Sprintf("%T", ev),
		"state": s.state,
	}).Warn("Unexpected event for session state")
}

func (s *Session) isTarget(uuid string) bool {
	return device.SameUUID(uuid, s.opts.DeviceIDChar) || device.SameUUID(uuid, s.opts.PublicAddrChar)
}

func (s *Session) missingChar() string {
	if s.status.DeviceID == nil {
		return s.opts.DeviceIDChar
	}
	return s.opts.PublicAddrChar
}

// disconnectBestEffort releases the link unless a disconnect is already in flight.
// A link that is still connecting gets the request too, so a late connection is torn down.
func (s *Session) disconnectBestEffort() {
	if s.link != nil && s.state != Disconnecting {
		s.link.Disconnect()
	}
}

// fail ends a session whose connect never succeeded
func (s *Session) fail(ctx context.Context, err error) {
	s.logger.WithError(err).Info("Connect failed")
	s.state = Failed
	s.status.Err = err
	s.status.Pending = false
	s.push(ctx)
}

func (s *Session) complete(ctx context.Context) {
	s.status.Pending = false
	s.push(ctx)
	s.state = Complete
}

// push publishes a snapshot of the status, blocking until the consumer accepts it
func (s *Session) push(ctx context.Context) {
	snapshot := s.status.Clone()
	select {
	case s.out <- snapshot:
		s.pushed++
	case <-ctx.Done():
		s.logger.WithField("pending", snapshot.Pending).Warn("Status dropped, context done")
	}
}

// decodeValue interprets a characteristic value as text with trailing NUL padding removed
func decodeValue(v []byte) string {
	return strings.ToValidUTF8(strings.TrimRight(string(v), "\x00"), "�")
}
