// Package v6engine is the DHCPv6 counterpart of v4engine: message
// framing (ADVERTISE/REPLY/rapid-commit), (DUID, IAID) client keying,
// and source-address-or-interface subnet selection, then handoff to the
// plugin pipeline.
package v6engine

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
	"github.com/coredora/coredora/internal/plugin"
)

// SubnetLookup resolves a source/link address to a configured network.
type SubnetLookup func(addr netip.Addr) (*dhcpmodel.NetworkConfig, bool)

// InterfaceAddr resolves the IPv6 address bound to iface, the final
// subnet-selection fallback.
type InterfaceAddr func(iface string) (netip.Addr, bool)

// Config bundles the engine's construction-time parameters.
type Config struct {
	Pipeline      *plugin.Pipeline
	LookupSubnet  SubnetLookup
	InterfaceAddr InterfaceAddr
	RapidCommit   bool
	Log           *zap.Logger
}

// Engine runs the v6 state machine over one pipeline.
type Engine struct {
	pipeline      *plugin.Pipeline
	lookupSubnet  SubnetLookup
	interfaceAddr InterfaceAddr
	rapidCommit   bool
	log           *zap.Logger
}

func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		pipeline:      cfg.Pipeline,
		lookupSubnet:  cfg.LookupSubnet,
		interfaceAddr: cfg.InterfaceAddr,
		rapidCommit:   cfg.RapidCommit,
		log:           log,
	}
}

// Handle runs one inbound DHCPv6 message through subnet/client-key
// resolution and the plugin pipeline, returning the built response (nil
// to silently drop).
func (e *Engine) Handle(ctx context.Context, iface string, src net.Addr, req *dhcpv6.Message) (dhcpv6.DHCPv6, error) {
	var resp dhcpv6.DHCPv6
	var err error

	switch req.Type() {
	case dhcpv6.MessageTypeSolicit:
		if e.rapidCommit && req.GetOneOption(dhcpv6.OptionRapidCommit) != nil {
			resp, err = dhcpv6.NewReplyFromMessage(req)
		} else {
			resp, err = dhcpv6.NewAdvertiseFromSolicit(req)
		}
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeConfirm, dhcpv6.MessageTypeRenew,
		dhcpv6.MessageTypeRebind, dhcpv6.MessageTypeRelease, dhcpv6.MessageTypeDecline,
		dhcpv6.MessageTypeInformationRequest:
		resp, err = dhcpv6.NewReplyFromMessage(req)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindProtocol, "build v6 reply")
	}

	duid, duidOK := req.GetOneOption(dhcpv6.OptionClientID).(dhcpv6.DUID)
	iaid, hasIA := iaidOf(req)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV6, iface)
	msg.Src = src
	msg.Packet = req
	msg.Response = resp
	msg.Options = dhcpmodel.NewOptionSet()
	if duidOK {
		msg.ClientKey = clientKey(duid, iaid, hasIA)
		msg.DUID = string(duid.ToBytes())
		msg.IAID = iaid
	}
	if subnet, ok := e.selectSubnet(src, iface); ok {
		msg.Subnet = subnet
	}

	if req.Type() == dhcpv6.MessageTypeInformationRequest {
		if e.pipeline.Run(ctx, msg); msg.Err != nil {
			return nil, msg.Err
		}
		return resp, nil
	}

	outcome := e.pipeline.Run(ctx, msg)
	if outcome == dhcpmodel.OutcomeNoResponse || outcome == dhcpmodel.OutcomeError {
		return nil, msg.Err
	}
	if req.Type() == dhcpv6.MessageTypeDecline || req.Type() == dhcpv6.MessageTypeRelease {
		return nil, nil
	}
	if msg.CandidateIP.IsValid() && hasIA {
		inner, ierr := resp.GetInnerMessage()
		if ierr == nil {
			lease := time.Hour
			if msg.Subnet != nil && msg.Subnet.DefaultLease > 0 {
				lease = msg.Subnet.DefaultLease
			}
			addIAAddr(inner, iaid, msg.CandidateIP, lease)
		}
	}
	return resp, nil
}

func iaidOf(req *dhcpv6.Message) (uint32, bool) {
	if ia := req.Options.OneIANA(); ia != nil {
		return ia.IaId, true
	}
	return 0, false
}

func clientKey(duid dhcpv6.DUID, iaid uint32, hasIA bool) string {
	if !hasIA {
		return string(duid.ToBytes())
	}
	return string(duid.ToBytes()) + "/" + strconv.FormatUint(uint64(iaid), 10)
}

func addIAAddr(resp *dhcpv6.Message, iaid uint32, ip netip.Addr, lease time.Duration) {
	resp.UpdateOption(&dhcpv6.OptIANA{
		IaId: iaid,
		Options: dhcpv6.IdentityOptions{Options: []dhcpv6.Option{
			&dhcpv6.OptIAAddress{
				IPv6Addr:          net.IP(ip.AsSlice()),
				PreferredLifetime: lease,
				ValidLifetime:     lease,
			},
		}},
	})
}

func (e *Engine) selectSubnet(src net.Addr, iface string) (*dhcpmodel.NetworkConfig, bool) {
	if e.lookupSubnet == nil {
		return nil, false
	}
	if udp, ok := src.(*net.UDPAddr); ok {
		if addr, ok := netip.AddrFromSlice(udp.IP.To16()); ok {
			if n, ok := e.lookupSubnet(addr); ok {
				return n, true
			}
		}
	}
	if e.interfaceAddr != nil {
		if addr, ok := e.interfaceAddr(iface); ok {
			if n, ok := e.lookupSubnet(addr); ok {
				return n, true
			}
		}
	}
	return nil, false
}
