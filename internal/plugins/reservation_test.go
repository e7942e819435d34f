package plugins

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

func TestReservationPluginMatchesByChAddr(t *testing.T) {
	chaddr := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	reservedIP := netip.MustParseAddr("10.0.0.50")

	cfg := &dhcpmodel.NetworkConfig{
		Subnet: netip.MustParsePrefix("10.0.0.0/24"),
		Reservations: []*dhcpmodel.Reservation{{
			IP:    reservedIP,
			Match: dhcpmodel.ReservationMatch{ChAddr: chaddr},
		}},
	}

	req, err := dhcpv4.NewDiscovery(chaddr)
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.ChAddr = chaddr
	msg.Subnet = cfg

	p := NewReservation()
	outcome := p.Handle(context.Background(), msg)

	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	assert.Equal(t, reservedIP, msg.CandidateIP)
}

func TestReservationPluginNoMatchLeavesCandidateIPUnset(t *testing.T) {
	cfg := &dhcpmodel.NetworkConfig{
		Subnet: netip.MustParsePrefix("10.0.0.0/24"),
		Reservations: []*dhcpmodel.Reservation{{
			IP:    netip.MustParseAddr("10.0.0.50"),
			Match: dhcpmodel.ReservationMatch{ChAddr: net.HardwareAddr{1, 2, 3, 4, 5, 6}},
		}},
	}

	chaddr := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	req, err := dhcpv4.NewDiscovery(chaddr)
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.ChAddr = chaddr
	msg.Subnet = cfg

	p := NewReservation()
	p.Handle(context.Background(), msg)

	assert.False(t, msg.CandidateIP.IsValid())
}

func TestReservationPluginNilSubnetIsNoop(t *testing.T) {
	chaddr := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	req, err := dhcpv4.NewDiscovery(chaddr)
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.ChAddr = chaddr

	p := NewReservation()
	outcome := p.Handle(context.Background(), msg)
	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	assert.False(t, msg.CandidateIP.IsValid())
}

func TestReservationPluginMergesOptions(t *testing.T) {
	chaddr := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	reservedIP := netip.MustParseAddr("10.0.0.50")
	opts := dhcpmodel.NewOptionSet()
	opts.Set(67, []byte("pxe.ipxe"))

	cfg := &dhcpmodel.NetworkConfig{
		Subnet: netip.MustParsePrefix("10.0.0.0/24"),
		Reservations: []*dhcpmodel.Reservation{{
			IP:      reservedIP,
			Match:   dhcpmodel.ReservationMatch{ChAddr: chaddr},
			Options: opts,
		}},
	}

	req, err := dhcpv4.NewDiscovery(chaddr)
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.ChAddr = chaddr
	msg.Subnet = cfg
	msg.Options = dhcpmodel.NewOptionSet()

	p := NewReservation()
	p.Handle(context.Background(), msg)

	v, ok := msg.Options.Get(67)
	require.True(t, ok)
	assert.Equal(t, []byte("pxe.ipxe"), v.Raw)
}
