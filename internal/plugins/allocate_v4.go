package plugins

import (
	"context"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/allocator"
	"github.com/coredora/coredora/internal/coordinator"
	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
)

// Pinger is the ICMP probe collaborator consulted before confirming a
// freshly picked IP, when a network enables ping_check.
type Pinger interface {
	// Alive reports whether ip answered within the network's configured
	// ping_timeout.
	Alive(ctx context.Context, ip netip.Addr, timeout time.Duration) bool
}

// AllocateV4Plugin runs reserve_first/try_ip/try_lease for DHCPv4
// DISCOVER/REQUEST messages. It wraps a local allocator.Allocator
// directly in standalone mode, or a *coordinator.Coordinator when
// clustering is enabled.
type AllocateV4Plugin struct {
	alloc  *allocator.Allocator
	coord  *coordinator.Coordinator // nil in standalone mode
	pinger Pinger                   // nil disables the ping-check step
	clock  func() time.Time
	log    *zap.Logger
}

// NewAllocateV4 builds the plugin. coord may be nil for standalone
// deployments; pinger may be nil to disable the ping-check step.
func NewAllocateV4(alloc *allocator.Allocator, coord *coordinator.Coordinator, pinger Pinger, log *zap.Logger) *AllocateV4Plugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &AllocateV4Plugin{alloc: alloc, coord: coord, pinger: pinger, clock: func() time.Time { return time.Now().UTC() }, log: log}
}

func (p *AllocateV4Plugin) Name() string { return "allocate" }

func (p *AllocateV4Plugin) DependsOn() []string { return []string{"classify", "reservation"} }

func (p *AllocateV4Plugin) Handle(ctx context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	req, ok := msg.Packet.(*dhcpv4.DHCPv4)
	if !ok || msg.Subnet == nil {
		return dhcpmodel.OutcomeContinue
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return p.handleDiscover(ctx, msg, req)
	case dhcpv4.MessageTypeRequest:
		return p.handleRequest(ctx, msg, req)
	case dhcpv4.MessageTypeDecline:
		return p.handleDecline(ctx, msg, req)
	case dhcpv4.MessageTypeRelease:
		return p.handleRelease(ctx, msg, req)
	default:
		return dhcpmodel.OutcomeContinue
	}
}

func (p *AllocateV4Plugin) handleDiscover(ctx context.Context, msg *dhcpmodel.MsgContext, req *dhcpv4.DHCPv4) dhcpmodel.Outcome {
	now := p.clock()
	subnet := msg.Subnet.Subnet.String()
	duration := msg.Subnet.DefaultLease

	rec, err := p.reserve(ctx, msg, subnet, now, duration)
	if err != nil {
		msg.Err = err
		return dhcpmodel.OutcomeNoResponse
	}

	if p.pinger != nil && msg.Subnet.PingCheck {
		if p.pinger.Alive(ctx, rec.IP, msg.Subnet.PingTimeout) {
			_ = p.alloc.Probate(subnet, rec.IP, now.Add(msg.Subnet.ProbationPeriod))
			rec2, err := p.reserve(ctx, msg, subnet, now, duration)
			if err != nil {
				msg.Err = err
				return dhcpmodel.OutcomeNoResponse
			}
			rec = rec2
		}
	}

	msg.CandidateIP = rec.IP
	return dhcpmodel.OutcomeContinue
}

func (p *AllocateV4Plugin) reserve(ctx context.Context, msg *dhcpmodel.MsgContext, subnet string, now time.Time, duration time.Duration) (dhcpmodel.LeaseRecord, error) {
	if msg.CandidateIP.IsValid() {
		// A reservation plugin already picked a fixed IP: try_ip, no
		// allocator-level retry per the design's asymmetry.
		ip := msg.CandidateIP
		if p.coord != nil {
			rec, err := p.alloc.TryIP(subnet, ip, msg.ClientKey, now, duration)
			if err != nil {
				return dhcpmodel.LeaseRecord{}, err
			}
			confirmed, ok, err := p.coord.ConfirmTryIP(ctx, subnet, coordinator.LeaseKeyV4(subnet, msg.ClientKey), rec)
			if err != nil {
				return dhcpmodel.LeaseRecord{}, err
			}
			if !ok {
				return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "reserved ip conflicts in cluster")
			}
			return confirmed, nil
		}
		return p.alloc.TryIP(subnet, ip, msg.ClientKey, now, duration)
	}

	rng := pickRange(msg.Subnet, msg.Classes)
	if rng == nil {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "no eligible range for this subnet")
	}
	if p.coord != nil {
		return p.coord.Reserve(ctx, subnet, coordinator.LeaseKeyV4(subnet, msg.ClientKey), msg.Subnet.ProbationPeriod, func() (dhcpmodel.LeaseRecord, error) {
			return p.alloc.ReserveFirst(subnet, rng, msg.ClientKey, now, duration)
		})
	}
	return p.alloc.ReserveFirst(subnet, rng, msg.ClientKey, now, duration)
}

func pickRange(subnet *dhcpmodel.NetworkConfig, classes map[string]struct{}) *dhcpmodel.Range {
	for _, r := range subnet.Ranges {
		if r.Eligible(classes) {
			return r
		}
	}
	return nil
}

func (p *AllocateV4Plugin) handleRequest(ctx context.Context, msg *dhcpmodel.MsgContext, req *dhcpv4.DHCPv4) dhcpmodel.Outcome {
	now := p.clock()
	subnet := msg.Subnet.Subnet.String()
	requested := req.RequestedIPAddress()
	var ip netip.Addr
	if requested != nil {
		if a, ok := netip.AddrFromSlice(requested.To4()); ok {
			ip = a
		}
	} else if !req.ClientIPAddr.IsUnspecified() {
		if a, ok := netip.AddrFromSlice(req.ClientIPAddr.To4()); ok {
			ip = a
		}
	}
	if !ip.IsValid() {
		msg.Err = derrors.New(derrors.KindProtocol, "request carries no usable ip")
		return dhcpmodel.OutcomeNoResponse
	}

	rec, err := p.alloc.TryLease(subnet, ip, msg.ClientKey, now, msg.Subnet.DefaultLease)
	if err != nil {
		if msg.Subnet.Authoritative {
			msg.Err = derrors.Wrap(err, derrors.KindProtocol, "request: authoritative mismatch")
			return dhcpmodel.OutcomeRespond // engine NAKs when msg.Err is set
		}
		return dhcpmodel.OutcomeNoResponse
	}
	msg.CandidateIP = rec.IP
	return dhcpmodel.OutcomeContinue
}

func (p *AllocateV4Plugin) handleDecline(_ context.Context, msg *dhcpmodel.MsgContext, req *dhcpv4.DHCPv4) dhcpmodel.Outcome {
	ip, ok := netip.AddrFromSlice(req.RequestedIPAddress().To4())
	if !ok {
		return dhcpmodel.OutcomeNoResponse
	}
	subnet := msg.Subnet.Subnet.String()
	deadline := p.clock().Add(msg.Subnet.ProbationPeriod)
	if p.coord != nil {
		_ = p.coord.Decline(context.Background(), dhcpmodel.FamilyV4, subnet, ip, deadline)
	} else {
		_ = p.alloc.Probate(subnet, ip, deadline)
	}
	return dhcpmodel.OutcomeNoResponse
}

func (p *AllocateV4Plugin) handleRelease(_ context.Context, msg *dhcpmodel.MsgContext, req *dhcpv4.DHCPv4) dhcpmodel.Outcome {
	ip, ok := netip.AddrFromSlice(req.ClientIPAddr.To4())
	if !ok {
		return dhcpmodel.OutcomeNoResponse
	}
	subnet := msg.Subnet.Subnet.String()
	if p.coord != nil {
		_ = p.coord.Release(context.Background(), dhcpmodel.FamilyV4, subnet, ip, msg.ClientKey, coordinator.LeaseKeyV4(subnet, msg.ClientKey))
	} else {
		_ = p.alloc.Release(subnet, ip, msg.ClientKey)
	}
	return dhcpmodel.OutcomeNoResponse
}
