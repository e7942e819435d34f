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

func newV4OfferCtx(t *testing.T, cfg *dhcpmodel.NetworkConfig) (*dhcpmodel.MsgContext, *dhcpv4.DHCPv4) {
	t.Helper()
	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptParameterRequestList(
		dhcpv4.OptionSubnetMask, dhcpv4.OptionServerIdentifier, dhcpv4.OptionIPAddressLeaseTime,
	))
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.Response = resp
	msg.Subnet = cfg
	msg.Options = dhcpmodel.NewOptionSet()
	return msg, resp
}

func TestStaticOptsAppliesServerIdentifierAndMask(t *testing.T) {
	cfg := &dhcpmodel.NetworkConfig{
		Subnet:   netip.MustParsePrefix("192.168.5.0/24"),
		ServerID: "192.168.5.1",
	}
	msg, resp := newV4OfferCtx(t, cfg)

	p := NewStaticOpts()
	outcome := p.Handle(context.Background(), msg)

	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	assert.Equal(t, net.IPv4(192, 168, 5, 1).To4(), resp.ServerIdentifier().To4())
	assert.Equal(t, net.IPMask{0xff, 0xff, 0xff, 0}, net.IPMask(resp.SubnetMask()))
}

func TestStaticOptsHostOverrideWinsOverNetworkDefaults(t *testing.T) {
	cfg := &dhcpmodel.NetworkConfig{
		Subnet:     netip.MustParsePrefix("192.168.5.0/24"),
		ServerName: "default-host",
		FileName:   "default.img",
	}
	msg, resp := newV4OfferCtx(t, cfg)
	msg.HostOverride = &dhcpmodel.HostOptionOverride{
		FileName: "pxe.ipxe",
	}

	NewStaticOpts().Handle(context.Background(), msg)

	assert.Equal(t, "pxe.ipxe", string(resp.BootFileName))
	assert.Empty(t, resp.ServerHostName)
}

func TestStaticOptsFallsBackToNetworkDefaultsWithoutOverride(t *testing.T) {
	cfg := &dhcpmodel.NetworkConfig{
		Subnet:     netip.MustParsePrefix("192.168.5.0/24"),
		ServerName: "default-host",
		FileName:   "default.img",
	}
	msg, resp := newV4OfferCtx(t, cfg)

	NewStaticOpts().Handle(context.Background(), msg)

	assert.Equal(t, "default-host", string(resp.ServerHostName))
	assert.Equal(t, "default.img", string(resp.BootFileName))
}
