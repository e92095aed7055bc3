package netmap

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"network-access-backend/config"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
)

func testRows() []config.SubnetConfig {
	return []config.SubnetConfig{
		{ID: 20, CIDR: "192.168.20.0/24", ConnectionType: "wired", PortalDNS: "192.168.20.4"},
		{ID: 40, CIDR: "192.168.40.0/24", ConnectionType: "wifi", SSID: "Guests", PortalDNS: "192.168.40.4"},
		{ID: 41, CIDR: "192.168.40.128/25", ConnectionType: "wifi", SSID: "Narrow",
			RegisteredPoolStart: "192.168.40.130", RegisteredPoolEnd: "192.168.40.140"},
	}
}

func TestNew_ResolvesRows(t *testing.T) {
	table, err := New(testRows())
	require.NoError(t, err)

	s, ok := table.Lookup(40)
	require.True(t, ok)
	assert.Equal(t, model.ConnectionWiFi, s.ConnectionType)
	assert.Equal(t, "Guests", s.SSID)
	assert.Equal(t, netip.MustParseAddr("192.168.40.4"), s.PortalDNS)
	assert.Equal(t, netip.MustParseAddr("192.168.40.5"), s.RegisteredFrom)
	assert.Equal(t, netip.MustParseAddr("192.168.40.127"), s.RegisteredTo)
}

func TestNew_RejectsBadRows(t *testing.T) {
	testCases := []struct {
		name string
		row  config.SubnetConfig
	}{
		{name: "bad cidr", row: config.SubnetConfig{ID: 1, CIDR: "nope"}},
		{name: "bad connection type", row: config.SubnetConfig{ID: 1, CIDR: "10.0.0.0/24", ConnectionType: "carrier-pigeon"}},
		{name: "ipv6", row: config.SubnetConfig{ID: 1, CIDR: "2001:db8::/64"}},
		{name: "pool outside subnet", row: config.SubnetConfig{ID: 1, CIDR: "10.0.0.0/24", RegisteredPoolEnd: "10.0.1.5"}},
		{name: "pool reversed", row: config.SubnetConfig{ID: 1, CIDR: "10.0.0.0/24", RegisteredPoolStart: "10.0.0.200", RegisteredPoolEnd: "10.0.0.100"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]config.SubnetConfig{tc.row})
			assert.Error(t, err)
		})
	}
}

func TestTable_ForIP_PrefersMostSpecific(t *testing.T) {
	table, err := New(testRows())
	require.NoError(t, err)

	s, ok := table.ForIP("192.168.40.10")
	require.True(t, ok)
	assert.Equal(t, 40, s.ID)

	s, ok = table.ForIP("192.168.40.200")
	require.True(t, ok)
	assert.Equal(t, 41, s.ID)

	_, ok = table.ForIP("10.9.9.9")
	assert.False(t, ok)

	_, ok = table.ForIP("garbage")
	assert.False(t, ok)
}

func TestSubnet_InRegisteredPool(t *testing.T) {
	table, err := New(testRows())
	require.NoError(t, err)
	s, _ := table.Lookup(40)

	assert.False(t, s.InRegisteredPool(netip.MustParseAddr("192.168.40.4")))
	assert.True(t, s.InRegisteredPool(netip.MustParseAddr("192.168.40.5")))
	assert.True(t, s.InRegisteredPool(netip.MustParseAddr("192.168.40.127")))
	assert.False(t, s.InRegisteredPool(netip.MustParseAddr("192.168.40.128")))
	assert.False(t, s.InRegisteredPool(netip.MustParseAddr("192.168.41.10")))
}

func TestTable_MustHave(t *testing.T) {
	table, err := New(testRows())
	require.NoError(t, err)

	_, err = table.MustHave(20)
	assert.NoError(t, err)

	_, err = table.MustHave(77)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
