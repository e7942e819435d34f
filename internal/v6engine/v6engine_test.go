package v6engine

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredora/coredora/internal/dhcpmodel"
	"github.com/coredora/coredora/internal/plugin"
)

type allocateStubPlugin struct {
	ip netip.Addr
}

func (p *allocateStubPlugin) Name() string { return "allocate" }

func (p *allocateStubPlugin) Handle(_ context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	msg.CandidateIP = p.ip
	return dhcpmodel.OutcomeContinue
}

func testNetwork() *dhcpmodel.NetworkConfig {
	return &dhcpmodel.NetworkConfig{Subnet: netip.MustParsePrefix("2001:db8::/64")}
}

func buildEngine(t *testing.T, ip netip.Addr, cfgOverrides func(*Config)) *Engine {
	t.Helper()
	pipeline, err := plugin.Build(dhcpmodel.FamilyV6, []plugin.Registration{
		{Plugin: &allocateStubPlugin{ip: ip}},
	})
	require.NoError(t, err)

	cfg := Config{
		Pipeline: pipeline,
		LookupSubnet: func(addr netip.Addr) (*dhcpmodel.NetworkConfig, bool) {
			return testNetwork(), true
		},
	}
	if cfgOverrides != nil {
		cfgOverrides(&cfg)
	}
	return New(cfg)
}

func TestEngineHandleSolicitReturnsAdvertiseWithIAAddr(t *testing.T) {
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	e := buildEngine(t, netip.MustParseAddr("2001:db8::10"), nil)

	req, err := dhcpv6.NewSolicit(mac)
	require.NoError(t, err)

	resp, err := e.Handle(context.Background(), "eth0", nil, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, dhcpv6.MessageTypeAdvertise, resp.Type())

	inner, err := resp.GetInnerMessage()
	require.NoError(t, err)
	oia := inner.Options.OneIANA()
	require.NotNil(t, oia)
	addr := oia.Options.OneAddress()
	require.NotNil(t, addr)
	assert.Equal(t, "2001:db8::10", addr.IPv6Addr.String())
}

func TestEngineHandleReleaseReturnsNoResponse(t *testing.T) {
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	e := buildEngine(t, netip.MustParseAddr("2001:db8::10"), nil)

	solicit, err := dhcpv6.NewSolicit(mac)
	require.NoError(t, err)
	advertise, err := dhcpv6.NewAdvertiseFromSolicit(solicit)
	require.NoError(t, err)
	release, err := dhcpv6.NewRequestFromAdvertise(advertise)
	require.NoError(t, err)
	release.MessageType = dhcpv6.MessageTypeRelease

	resp, err := e.Handle(context.Background(), "eth0", nil, release)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestClientKeyIncludesIAID(t *testing.T) {
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	req, err := dhcpv6.NewSolicit(mac)
	require.NoError(t, err)

	duid, ok := req.GetOneOption(dhcpv6.OptionClientID).(dhcpv6.DUID)
	require.True(t, ok)
	iaid, hasIA := iaidOf(req)
	require.True(t, hasIA)

	key := clientKey(duid, iaid, hasIA)
	assert.Contains(t, key, "/")
}
