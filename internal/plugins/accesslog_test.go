package plugins

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

func TestAccessLogPluginLogsSuccessfulTransaction(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewAccessLog(zap.New(core))

	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.Response = resp
	msg.Subnet = &dhcpmodel.NetworkConfig{Subnet: netip.MustParsePrefix("192.168.5.0/24")}
	msg.CandidateIP = netip.MustParseAddr("192.168.5.10")
	msg.ClientKey = "v4/mac/aabbccddee01"

	outcome := p.Handle(context.Background(), msg)

	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	assert.Equal(t, "192.168.5.10", entry.ContextMap()["ip"])
	assert.Equal(t, "v4/mac/aabbccddee01", entry.ContextMap()["client_key"])
}

func TestAccessLogPluginLogsWarnOnError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewAccessLog(zap.New(core))

	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.Err = assert.AnError

	outcome := p.Handle(context.Background(), msg)

	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestAccessLogPluginNilLoggerDefaultsToNop(t *testing.T) {
	p := NewAccessLog(nil)
	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	require.NoError(t, err)
	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req

	assert.NotPanics(t, func() {
		p.Handle(context.Background(), msg)
	})
}
