package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blesurvey/internal/device"
)

// FakePeripheral scripts how a FakeLink answers requests.
// A link created for an address without a FakePeripheral is driven manually via Emit.
type FakePeripheral struct {
	ConnectErr  error
	Services    []device.ServiceInfo
	DiscoverErr error
	Values      map[string][]byte // characteristic UUID -> value
	ReadErrors  map[string]error  // characteristic UUID -> read failure
}

// FakeLink is a device.Link recording every request it receives
type FakeLink struct {
	address    string
	events     chan device.Event
	peripheral *FakePeripheral

	mu          sync.Mutex
	reads       []string
	disconnects int
	closed      bool
}

// NewFakeLink creates a manually driven link
func NewFakeLink(address string) *FakeLink {
	return &FakeLink{
		address: device.NormalizeAddress(address),
		events:  make(chan device.Event, 64),
	}
}

func (l *FakeLink) Address() string             { return l.address }
func (l *FakeLink) Events() <-chan device.Event { return l.events }

func (l *FakeLink) ReadCharacteristic(uuid string) {
	l.mu.Lock()
	l.reads = append(l.reads, uuid)
	p := l.peripheral
	l.mu.Unlock()

	if p == nil {
		return
	}
	if err, ok := p.ReadErrors[device.NormalizeUUID(uuid)]; ok {
		l.Emit(device.CharacteristicError{UUID: uuid, Err: err})
		return
	}
	if v, ok := p.Values[device.NormalizeUUID(uuid)]; ok {
		l.Emit(device.CharacteristicValue{UUID: uuid, Value: v})
		return
	}
	l.Emit(device.CharacteristicError{UUID: uuid, Err: &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}})
}

func (l *FakeLink) Disconnect() {
	l.mu.Lock()
	l.disconnects++
	scripted := l.peripheral != nil
	l.mu.Unlock()

	if scripted {
		l.Emit(device.DisconnectResult{})
		l.Close()
	}
}

// Emit delivers an event to the link's consumer. Events after Close are discarded.
func (l *FakeLink) Emit(ev device.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events <- ev
}

// Close closes the event channel once
func (l *FakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
}

// Reads returns the characteristic UUIDs requested so far
func (l *FakeLink) Reads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reads...)
}

// Disconnects returns how many times Disconnect was called
func (l *FakeLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// start plays the scripted connect and discovery outcome
func (l *FakeLink) start(p *FakePeripheral) {
	l.mu.Lock()
	l.peripheral = p
	l.mu.Unlock()

	if p.ConnectErr != nil {
		l.Emit(device.ConnectResult{Err: fmt.Errorf("%w: %w", device.ErrConnectFailed, p.ConnectErr)})
		l.Close()
		return
	}
	l.Emit(device.ConnectResult{})
	if p.DiscoverErr != nil {
		l.Emit(device.ServicesResolved{Err: p.DiscoverErr})
		return
	}
	l.Emit(device.ServicesResolved{Services: p.Services})
}

// FakeCentral is an in-memory device.Central for tests
type FakeCentral struct {
	mu          sync.Mutex
	known       device.AddressSet
	peripherals map[string]*FakePeripheral
	links       map[string][]*FakeLink
	connectErr  map[string]error
	connected   chan *FakeLink
}

// NewFakeCentral creates a central that already knows the given addresses
func NewFakeCentral(known ...string) *FakeCentral {
	return &FakeCentral{
		known:       device.NewAddressSet(known...),
		peripherals: make(map[string]*FakePeripheral),
		links:       make(map[string][]*FakeLink),
		connectErr:  make(map[string]error),
		connected:   make(chan *FakeLink, 64),
	}
}

// AddKnown marks addresses as known to the adapter
func (c *FakeCentral) AddKnown(addrs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range addrs {
		c.known[device.NormalizeAddress(a)] = struct{}{}
	}
}

// WithPeripheral scripts the peripheral at address and marks it known
func (c *FakeCentral) WithPeripheral(address string, p *FakePeripheral) *FakeCentral {
	c.AddKnown(address)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals[device.NormalizeAddress(address)] = p
	return c
}

// FailConnect makes Connect for address return err without creating a link
func (c *FakeCentral) FailConnect(address string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr[device.NormalizeAddress(address)] = err
}

func (c *FakeCentral) KnownAddresses() device.AddressSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(device.AddressSet, len(c.known))
	for a := range c.known {
		snapshot[a] = struct{}{}
	}
	return snapshot
}

func (c *FakeCentral) Connect(_ context.Context, address string) (device.Link, error) {
	address = device.NormalizeAddress(address)

	c.mu.Lock()
	if err, ok := c.connectErr[address]; ok {
		c.mu.Unlock()
		return nil, err
	}
	link := NewFakeLink(address)
	c.links[address] = append(c.links[address], link)
	p := c.peripherals[address]
	c.mu.Unlock()

	if p != nil {
		link.start(p)
	}
	select {
	case c.connected <- link:
	default:
	}
	return link, nil
}

// Connected delivers every link created by Connect, in order
func (c *FakeCentral) Connected() <-chan *FakeLink {
	return c.connected
}

// Links returns the links created for address
func (c *FakeCentral) Links(address string) []*FakeLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeLink(nil), c.links[device.NormalizeAddress(address)]...)
}

// ConnectCount returns the total number of links created
func (c *FakeCentral) ConnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.links {
		n += len(l)
	}
	return n
}

// FakeScanningDevice replays advertisements then waits for cancellation
type FakeScanningDevice struct {
	Advertisements []device.Advertisement
	Err            error
	// ExitAfterReplay makes Scan return right after replaying instead of waiting for ctx
	ExitAfterReplay bool

	mu       sync.Mutex
	allowDup *bool
}

func (d *FakeScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	d.mu.Lock()
	d.allowDup = &allowDup
	d.mu.Unlock()

	if d.Err != nil {
		return d.Err
	}
	for _, adv := range d.Advertisements {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
	}
	if d.ExitAfterReplay {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// AllowDup returns the duplicate flag passed to the last Scan, or nil if Scan was never called
func (d *FakeScanningDevice) AllowDup() *bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowDup
}
