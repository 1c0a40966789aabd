package goble

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blesurvey/internal/device"
)

// fakeDevice is a ble.Device that replays advertisements and hands out a scripted client.
// Methods the adapter never calls panic through the embedded nil interface.
type fakeDevice struct {
	ble.Device

	adverts []ble.Advertisement
	scanErr error
	client  *fakeClient
	dialErr error
	// dialGate, when set, holds Dial until it is closed
	dialGate chan struct{}

	mu     sync.Mutex
	dialed []string
	stops  int
}

func (d *fakeDevice) Scan(_ context.Context, _ bool, h ble.AdvHandler) error {
	for _, a := range d.adverts {
		h(a)
	}
	return d.scanErr
}

func (d *fakeDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, a.String())
	d.mu.Unlock()

	if d.dialGate != nil {
		select {
		case <-d.dialGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDevice) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// fakeClient is a connected ble.Client serving a fixed profile
type fakeClient struct {
	ble.Client

	profile      *ble.Profile
	discoverErr  error
	values       map[string][]byte // characteristic UUID as reported by ble.UUID.String()
	readErr      error
	readGate     chan struct{} // when set, reads block until it is closed
	disconnected chan struct{}

	mu        sync.Mutex
	discovers int
	reads     []string
	cancels   int
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{
		profile:      profile,
		values:       map[string][]byte{},
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) {
	c.mu.Lock()
	c.discovers++
	c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return c.profile, nil
}

func (c *fakeClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	if c.readGate != nil {
		<-c.readGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, char.UUID.String())
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.values[char.UUID.String()], nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeClient) Cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

func (c *fakeClient) Discovers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovers
}

func (c *fakeClient) Reads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reads...)
}

// surveyProfile is a peripheral carrying the identifying service and device information
func surveyProfile() *ble.Profile {
	target := ble.NewService(ble.MustParse("e45c1747-a0a4-44ab-8c06-a956df58d93a"))
	target.NewCharacteristic(ble.MustParse("64b81e3c-d60c-4f08-8396-9351b04f7591"))

	info := ble.NewService(ble.MustParse("180a"))
	info.NewCharacteristic(ble.MustParse("2a23"))
	info.NewCharacteristic(ble.MustParse("2a29"))

	return &ble.Profile{Services: []*ble.Service{target, info}}
}

// fakeAdvertisement is a decoded advertisement as darwin reports it
type fakeAdvertisement struct {
	ble.Advertisement

	addr     string
	name     string
	rssi     int
	services []ble.UUID
	overflow []ble.UUID
	txPower  int
}

func (a *fakeAdvertisement) Addr() ble.Addr              { return ble.NewAddr(a.addr) }
func (a *fakeAdvertisement) LocalName() string           { return a.name }
func (a *fakeAdvertisement) RSSI() int                   { return a.rssi }
func (a *fakeAdvertisement) Services() []ble.UUID        { return a.services }
func (a *fakeAdvertisement) OverflowService() []ble.UUID { return a.overflow }
func (a *fakeAdvertisement) TxPowerLevel() int           { return a.txPower }
func (a *fakeAdvertisement) Connectable() bool           { return true }

// rawFakeAdvertisement also exposes its undecoded packets, as HCI advertisements do
type rawFakeAdvertisement struct {
	fakeAdvertisement

	data []byte
	sr   []byte
}

func (a *rawFakeAdvertisement) Data() []byte         { return a.data }
func (a *rawFakeAdvertisement) ScanResponse() []byte { return a.sr }

// collectEvents reads link events until the channel closes
func collectEvents(link device.Link, timeout time.Duration) ([]device.Event, bool) {
	var got []device.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-link.Events():
			if !ok {
				return got, true
			}
			got = append(got, ev)
		case <-deadline:
			return got, false
		}
	}
}
