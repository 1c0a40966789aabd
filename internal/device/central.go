package device

import "context"

// Event is a single asynchronous notification delivered by a Link.
// Events of one link are delivered in order; nothing is guaranteed across links.
type Event interface {
	isEvent()
}

// ConnectResult reports the outcome of a connect request. Err is nil on success.
type ConnectResult struct {
	Err error
}

// ServiceInfo describes one resolved GATT service
type ServiceInfo struct {
	UUID            string
	Characteristics []string
}

// ServicesResolved reports the end of service discovery.
// Err is set when discovery itself failed.
type ServicesResolved struct {
	Services []ServiceInfo
	Err      error
}

// CharacteristicValue carries the value of a completed characteristic read
type CharacteristicValue struct {
	UUID  string
	Value []byte
}

// CharacteristicError reports a failed characteristic read
type CharacteristicError struct {
	UUID string
	Err  error
}

// DisconnectResult reports that the link is down, either on request or because the peer left.
type DisconnectResult struct {
	Err error
}

func (ConnectResult) isEvent()       {}
func (ServicesResolved) isEvent()    {}
func (CharacteristicValue) isEvent() {}
func (CharacteristicError) isEvent() {}
func (DisconnectResult) isEvent()    {}

// Link is a single in-flight connection attempt to a peripheral.
// Requests are asynchronous; their outcome arrives on Events.
// The Events channel is closed once the link has fully shut down.
type Link interface {
	Address() string
	Events() <-chan Event
	ReadCharacteristic(uuid string)
	Disconnect()
}

// Central is the BLE central-role capability used to open links to peripherals
type Central interface {
	// KnownAddresses returns a snapshot of the addresses the adapter has seen so far.
	KnownAddresses() AddressSet
	// Connect starts an asynchronous connection attempt and returns immediately.
	// A non-nil error means the request could not be issued at all.
	Connect(ctx context.Context, address string) (Link, error)
}

// AddressSet is a set of normalized device addresses
type AddressSet map[string]struct{}

// NewAddressSet builds a set from the given addresses, normalizing each one
func NewAddressSet(addrs ...string) AddressSet {
	set := make(AddressSet, len(addrs))
	for _, a := range addrs {
		set[NormalizeAddress(a)] = struct{}{}
	}
	return set
}

// Has reports whether the set contains addr (compared after normalization)
func (s AddressSet) Has(addr string) bool {
	_, ok := s[NormalizeAddress(addr)]
	return ok
}
