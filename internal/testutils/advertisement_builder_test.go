package testutils

import (
	"testing"

	"github.com/srg/blesurvey/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementArrayBuilder_NestedItemChain(t *testing.T) {
	first := NewAdvertisementBuilder().WithAddress("00:00:00:00:00:01").Build()

	ads := NewAdvertisementArrayBuilder().
		WithAdvertisements(first).
		WithNewAdvertisement().
		WithAddress("11:22:33:44:55:66").
		WithName("sensor").
		WithRSSI(-55).
		WithServices("180d", "180f").
		WithTxPower(4).
		WithConnectable(false).
		Build().
		WithNewAdvertisement().
		FromJSON(`{"address": "%s", "txPower": null}`, "77:88:99:AA:BB:CC").
		WithNoTxPower().
		Build().
		Build()

	require.Len(t, ads, 3)
	assert.Equal(t, "00:00:00:00:00:01", ads[0].Addr())

	second := ads[1]
	assert.Equal(t, "11:22:33:44:55:66", second.Addr())
	assert.Equal(t, "sensor", second.LocalName())
	assert.Equal(t, -55, second.RSSI())
	assert.Equal(t, []string{"180d", "180f"}, second.Services())
	assert.Equal(t, 4, second.TxPowerLevel())
	assert.False(t, second.Connectable())

	third := ads[2]
	assert.Equal(t, "77:88:99:AA:BB:CC", third.Addr())
	assert.Equal(t, device.TxPowerUnavailable, third.TxPowerLevel())
}
