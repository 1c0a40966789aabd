package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"
	"github.com/samber/lo"
	"github.com/srg/blesurvey/internal/device"
)

// adTypeTxPower is the AD type of the "Tx Power Level" field.
const adTypeTxPower = 0x0A

// rawAdvertisement is implemented by HCI advertisements that expose the
// undecoded advertising data and scan response.
type rawAdvertisement interface {
	Data() []byte
	ScanResponse() []byte
}

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return device.NormalizeAddress(a.adv.Addr().String()) }

// TxPowerLevel returns the advertised TX power, or device.TxPowerUnavailable
// when the raw packets carry no TX power field. HCI advertisements report 0
// for a missing field, so the raw packets are decoded here instead.
func (a *BLEAdvertisement) TxPowerLevel() int {
	raw, ok := a.adv.(rawAdvertisement)
	if !ok {
		return a.adv.TxPowerLevel()
	}
	field := adv.NewRawPacket(raw.Data(), raw.ScanResponse()).Field(adTypeTxPower)
	if len(field) < 1 {
		return device.TxPowerUnavailable
	}
	return int(int8(field[0]))
}

// Services returns the complete and overflow service lists, normalized and
// without duplicates. HCI advertisements report the same UUIDs for both.
func (a *BLEAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	overflow := a.adv.OverflowService()
	result := make([]string, 0, len(bleServices)+len(overflow))
	for _, svc := range bleServices {
		result = append(result, device.NormalizeUUID(svc.String()))
	}
	for _, svc := range overflow {
		result = append(result, device.NormalizeUUID(svc.String()))
	}
	return lo.Uniq(result)
}

// Unwrap returns the underlying ble.Advertisement for internal use within go-ble package
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}
