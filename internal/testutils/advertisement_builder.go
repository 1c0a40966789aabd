package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blesurvey/internal/device"
)

// AdvertisementBuilder builds mocked advertisements for testing.
// Only explicitly set fields get mock expectations, so a test fails loudly
// when code under test reads a field the test did not configure.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	txPower     *int
	connectable bool

	// Track which fields were explicitly set
	nameSet        bool
	addressSet     bool
	rssiSet        bool
	servicesSet    bool
	txPowerSet     bool
	connectableSet bool
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with connectable=true.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{connectable: true}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	b.nameSet = true
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	b.addressSet = true
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	b.rssiSet = true
	return b
}

// WithServices adds service UUIDs to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	b.txPowerSet = true
	return b
}

// WithNoTxPower marks the advertisement as carrying no TX power level.
func (b *AdvertisementBuilder) WithNoTxPower() *AdvertisementBuilder {
	b.txPower = nil
	b.txPowerSet = true
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	b.connectableSet = true
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var present map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &present); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal field presence: %v", err))
	}

	var data struct {
		Name        *string  `json:"name"`
		Address     *string  `json:"address"`
		RSSI        *int     `json:"rssi"`
		Services    []string `json:"services"`
		TxPower     *int     `json:"txPower"`
		Connectable *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(err)
	}

	if _, ok := present["name"]; ok {
		b.WithName(deref(data.Name, ""))
	}
	if _, ok := present["address"]; ok {
		b.WithAddress(deref(data.Address, ""))
	}
	if _, ok := present["rssi"]; ok {
		b.WithRSSI(deref(data.RSSI, -50))
	}
	if _, ok := present["services"]; ok {
		b.services = nil
		b.WithServices(data.Services...)
	}
	if _, ok := present["txPower"]; ok {
		b.txPower = data.TxPower
		b.txPowerSet = true
	}
	if _, ok := present["connectable"]; ok {
		b.WithConnectable(deref(data.Connectable, true))
	}
	return b
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Build creates a MockAdvertisement implementing device.Advertisement.
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}

	if b.addressSet {
		adv.On("Addr").Return(b.address)
	}
	if b.nameSet {
		adv.On("LocalName").Return(b.name)
	}
	if b.rssiSet {
		adv.On("RSSI").Return(b.rssi)
	}
	if b.servicesSet {
		services := b.services
		if services == nil {
			services = []string{}
		}
		adv.On("Services").Return(services)
	}
	if b.connectableSet {
		adv.On("Connectable").Return(b.connectable)
	}
	if b.txPowerSet {
		if b.txPower != nil {
			adv.On("TxPowerLevel").Return(*b.txPower)
		} else {
			adv.On("TxPowerLevel").Return(device.TxPowerUnavailable)
		}
	}
	return adv
}

// AdvertisementArrayBuilder collects advertisements for a FakeScanningDevice.
//
// Example usage:
//
//	ad1 := NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:FF").WithRSSI(-40).Build()
//
//	advertisements := NewAdvertisementArrayBuilder().
//	    WithAdvertisements(ad1).
//	    WithNewAdvertisement().
//	        WithAddress("11:22:33:44:55:66").
//	        WithRSSI(-55).
//	        WithNoTxPower().
//	        Build().
//	    Build()
type AdvertisementArrayBuilder struct {
	advertisements []device.Advertisement
}

// NewAdvertisementArrayBuilder creates an empty array builder.
func NewAdvertisementArrayBuilder() *AdvertisementArrayBuilder {
	return &AdvertisementArrayBuilder{}
}

// WithAdvertisements appends pre-built advertisements.
func (ab *AdvertisementArrayBuilder) WithAdvertisements(ads ...device.Advertisement) *AdvertisementArrayBuilder {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// WithNewAdvertisement starts a nested builder whose Build returns to this array builder.
func (ab *AdvertisementArrayBuilder) WithNewAdvertisement() *AdvertisementArrayBuilderItem {
	return &AdvertisementArrayBuilderItem{
		AdvertisementBuilder: NewAdvertisementBuilder(),
		parent:               ab,
	}
}

// Build returns the collected advertisements.
func (ab *AdvertisementArrayBuilder) Build() []device.Advertisement {
	return ab.advertisements
}

// AdvertisementArrayBuilderItem wraps AdvertisementBuilder to return to its parent array builder.
type AdvertisementArrayBuilderItem struct {
	*AdvertisementBuilder
	parent *AdvertisementArrayBuilder
}

// Build adds the advertisement to the parent array and returns the array builder
func (abi *AdvertisementArrayBuilderItem) Build() *AdvertisementArrayBuilder {
	abi.parent.advertisements = append(abi.parent.advertisements, abi.AdvertisementBuilder.Build())
	return abi.parent
}

// WithName sets the device name.
func (abi *AdvertisementArrayBuilderItem) WithName(name string) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithName(name)
	return abi
}

// WithAddress sets the device address.
func (abi *AdvertisementArrayBuilderItem) WithAddress(addr string) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithAddress(addr)
	return abi
}

// WithRSSI sets the RSSI.
func (abi *AdvertisementArrayBuilderItem) WithRSSI(rssi int) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithRSSI(rssi)
	return abi
}

// WithServices sets the advertised service UUIDs.
func (abi *AdvertisementArrayBuilderItem) WithServices(uuids ...string) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithServices(uuids...)
	return abi
}

// WithTxPower sets the advertised TX power.
func (abi *AdvertisementArrayBuilderItem) WithTxPower(power int) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithTxPower(power)
	return abi
}

// WithNoTxPower marks TX power as not advertised.
func (abi *AdvertisementArrayBuilderItem) WithNoTxPower() *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithNoTxPower()
	return abi
}

// WithConnectable sets the connectable flag.
func (abi *AdvertisementArrayBuilderItem) WithConnectable(c bool) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.WithConnectable(c)
	return abi
}

// FromJSON loads fields from a JSON template.
func (abi *AdvertisementArrayBuilderItem) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementArrayBuilderItem {
	abi.AdvertisementBuilder.FromJSON(jsonStrFmt, args...)
	return abi
}
