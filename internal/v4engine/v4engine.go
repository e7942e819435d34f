// Package v4engine is the DHCPv4 state machine: message framing, client
// key and subnet resolution, flood protection, and handing the request to
// the plugin pipeline. It owns everything upstream of allocation
// decisions (which live in the allocate plugin) and downstream of the
// wire codec (which lives in the listener).
package v4engine

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
	"github.com/coredora/coredora/internal/plugin"
)

// linkSelectionSubOption is RFC 3527's Link Selection sub-option (5) of
// the relay agent information option (82).
const linkSelectionSubOption byte = 5

// SubnetLookup resolves a parsed candidate address to a configured
// network, or ok=false if none matches.
type SubnetLookup func(addr netip.Addr) (*dhcpmodel.NetworkConfig, bool)

// InterfaceAddr resolves the IPv4 address bound to iface, used as the
// final subnet-selection fallback.
type InterfaceAddr func(iface string) (netip.Addr, bool)

// FloodLimit configures the per-chaddr token bucket; Packets <= 0
// disables flood protection.
type FloodLimit struct {
	Packets int
	Window  time.Duration
}

// Engine runs the v4 state machine over one pipeline.
type Engine struct {
	pipeline      *plugin.Pipeline
	lookupSubnet  SubnetLookup
	interfaceAddr InterfaceAddr
	chaddrOnly    bool
	rapidCommit   bool
	bootpEnable   bool
	flood         FloodLimit
	log           *zap.Logger

	floodMu sync.Mutex
	buckets map[string]*tokenBucket
}

// Config bundles the engine's construction-time parameters.
type Config struct {
	Pipeline      *plugin.Pipeline
	LookupSubnet  SubnetLookup
	InterfaceAddr InterfaceAddr
	ChaddrOnly    bool
	RapidCommit   bool
	BootpEnable   bool
	Flood         FloodLimit
	Log           *zap.Logger
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
		chaddrOnly:    cfg.ChaddrOnly,
		rapidCommit:   cfg.RapidCommit,
		bootpEnable:   cfg.BootpEnable,
		flood:         cfg.Flood,
		log:           log,
		buckets:       make(map[string]*tokenBucket),
	}
}

// Handle runs one inbound DHCPv4 message through subnet/client-key
// resolution, flood protection, and the plugin pipeline, returning the
// built response (nil if the message should be silently dropped).
func (e *Engine) Handle(ctx context.Context, iface string, src net.Addr, req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	if e.flood.Packets > 0 && e.throttled(req.ClientHWAddr.String()) {
		return nil, nil
	}

	if isBootp(req) {
		if !e.bootpEnable {
			return nil, nil
		}
		return e.handleBootp(ctx, iface, src, req)
	}

	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindProtocol, "build v4 reply")
	}

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, iface)
	msg.Src = src
	msg.Packet = req
	msg.Response = resp
	msg.ClientKey = e.clientKey(req)
	msg.ChAddr = req.ClientHWAddr
	msg.Options = dhcpmodel.NewOptionSet()

	if subnet, ok := e.selectSubnet(req, iface); ok {
		msg.Subnet = subnet
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		if e.rapidCommit && req.IsOptionRequested(dhcpv4.OptionRapidCommit) {
			resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
			resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRapidCommit, nil))
		} else {
			resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
		}
	case dhcpv4.MessageTypeRequest:
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
	case dhcpv4.MessageTypeInform:
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		resp.YourIPAddr = net.IPv4zero
	case dhcpv4.MessageTypeDecline, dhcpv4.MessageTypeRelease:
		// no reply sent regardless of pipeline outcome
	default:
		return nil, nil
	}

	outcome := e.pipeline.Run(ctx, msg)

	if req.MessageType() == dhcpv4.MessageTypeRequest && msg.Err != nil {
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
		return resp, nil
	}
	switch outcome {
	case dhcpmodel.OutcomeNoResponse, dhcpmodel.OutcomeError:
		return nil, msg.Err
	}
	if req.MessageType() == dhcpv4.MessageTypeDecline || req.MessageType() == dhcpv4.MessageTypeRelease {
		return nil, nil
	}
	if msg.CandidateIP.IsValid() {
		resp.YourIPAddr = net.IP(msg.CandidateIP.AsSlice())
	}
	return resp, nil
}

// handleBootp keys the request by chaddr alone and runs the pipeline
// without message-type dispatch, since a BOOTP request carries no message
// type. The allocate stage ignores messages without one, so the reply
// carries an address only when another stage (such as a reservation) sets
// CandidateIP, and no infinite lease is recorded.
func (e *Engine) handleBootp(ctx context.Context, iface string, src net.Addr, req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindProtocol, "build bootp reply")
	}
	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, iface)
	msg.Src = src
	msg.Packet = req
	msg.Response = resp
	msg.ClientKey = req.ClientHWAddr.String()
	msg.ChAddr = req.ClientHWAddr
	msg.Options = dhcpmodel.NewOptionSet()
	if subnet, ok := e.selectSubnet(req, iface); ok {
		msg.Subnet = subnet
	}
	if e.pipeline.Run(ctx, msg) == dhcpmodel.OutcomeNoResponse {
		return nil, msg.Err
	}
	if msg.CandidateIP.IsValid() {
		resp.YourIPAddr = net.IP(msg.CandidateIP.AsSlice())
	}
	return resp, nil
}

func isBootp(req *dhcpv4.DHCPv4) bool {
	return req.HWType == 1 && req.Options.Get(dhcpv4.OptionDHCPMessageType) == nil
}

func (e *Engine) clientKey(req *dhcpv4.DHCPv4) string {
	if e.chaddrOnly {
		return req.ClientHWAddr.String()
	}
	if id := req.Options.Get(dhcpv4.OptionClientIdentifier); len(id) > 0 {
		return string(id)
	}
	return req.ClientHWAddr.String()
}

func (e *Engine) selectSubnet(req *dhcpv4.DHCPv4, iface string) (*dhcpmodel.NetworkConfig, bool) {
	if e.lookupSubnet == nil {
		return nil, false
	}
	if !req.GatewayIPAddr.IsUnspecified() {
		if addr, ok := netip.AddrFromSlice(req.GatewayIPAddr.To4()); ok {
			if n, ok := e.lookupSubnet(addr); ok {
				return n, true
			}
		}
	}
	if relay := req.RelayAgentInfo(); relay != nil {
		if sub := relay.Get(dhcpv4.GenericOptionCode(linkSelectionSubOption)); len(sub) == 4 {
			if addr, ok := netip.AddrFromSlice(sub); ok {
				if n, ok := e.lookupSubnet(addr); ok {
					return n, true
				}
			}
		}
	}
	if raw := req.Options.Get(dhcpv4.OptionSubnetSelection); len(raw) == 4 {
		if addr, ok := netip.AddrFromSlice(raw); ok {
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

func (e *Engine) throttled(key string) bool {
	e.floodMu.Lock()
	defer e.floodMu.Unlock()
	b, ok := e.buckets[key]
	if !ok {
		b = newTokenBucket(e.flood.Packets, e.flood.Window)
		e.buckets[key] = b
	}
	return !b.take(time.Now())
}

// tokenBucket is a fixed-window counter: at most `limit` admits per
// `window`, reset on the first admit after the window elapses.
type tokenBucket struct {
	limit    int
	window   time.Duration
	windowAt time.Time
	count    int
}

func newTokenBucket(limit int, window time.Duration) *tokenBucket {
	return &tokenBucket{limit: limit, window: window}
}

func (b *tokenBucket) take(now time.Time) bool {
	if now.Sub(b.windowAt) >= b.window {
		b.windowAt = now
		b.count = 0
	}
	if b.count >= b.limit {
		return false
	}
	b.count++
	return true
}
