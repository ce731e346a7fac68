package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
)

func TestNewAssignsShortDeviceID(t *testing.T) {
	s := New(config.Default())
	assert.Len(t, s.DeviceID(), 8)
}

func TestSplitServiceType(t *testing.T) {
	service, domainSuffix := splitServiceType("_rpi-cloner._tcp.local.")
	assert.Equal(t, "_rpi-cloner._tcp", service)
	assert.Equal(t, "local.", domainSuffix)
}

func TestParseServiceEntryFiltersMissingAddress(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	_, ok := parseServiceEntry(entry)
	assert.False(t, ok)
}

func TestParseServiceEntryReadsTxtRecords(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.Instance = "pi-b"
	entry.HostName = "pi-b.local."
	entry.Port = 8765
	entry.Text = []string{"device_id=abcd1234", "version=1.0", "hostname=pi-b"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.50")}

	peer, ok := parseServiceEntry(entry)
	assert.True(t, ok)
	assert.Equal(t, "abcd1234", peer.DeviceID)
	assert.Equal(t, "pi-b", peer.Hostname)
	assert.Equal(t, "192.168.1.50", peer.Address)
	assert.Equal(t, 8765, peer.Port)
}
