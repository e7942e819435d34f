package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/allocator"
	"github.com/coredora/coredora/internal/coordinator"
	"github.com/coredora/coredora/internal/dhcpmodel"
)

// AllocateV6Plugin runs the v6 allocation decisions for
// SOLICIT/REQUEST/RENEW/REBIND/DECLINE/RELEASE. ClientKey combines the
// DUID with the IAID of the message's first IA_NA, and one address is
// allocated per message; further IA_NA options are not given leases.
type AllocateV6Plugin struct {
	alloc *allocator.Allocator
	coord *coordinator.Coordinator
	clock func() time.Time
	log   *zap.Logger
}

func NewAllocateV6(alloc *allocator.Allocator, coord *coordinator.Coordinator, log *zap.Logger) *AllocateV6Plugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &AllocateV6Plugin{alloc: alloc, coord: coord, clock: func() time.Time { return time.Now().UTC() }, log: log}
}

func (p *AllocateV6Plugin) Name() string { return "allocate" }

func (p *AllocateV6Plugin) DependsOn() []string { return []string{"classify", "reservation"} }

func (p *AllocateV6Plugin) Handle(ctx context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	req, ok := msg.Packet.(*dhcpv6.Message)
	if !ok || msg.Subnet == nil {
		return dhcpmodel.OutcomeContinue
	}

	switch req.Type() {
	case dhcpv6.MessageTypeSolicit:
		return p.handleSolicitOrRequest(ctx, msg, false)
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeRenew, dhcpv6.MessageTypeRebind:
		return p.handleSolicitOrRequest(ctx, msg, true)
	case dhcpv6.MessageTypeDecline:
		return p.handleDecline(msg)
	case dhcpv6.MessageTypeRelease:
		return p.handleRelease(msg)
	default:
		return dhcpmodel.OutcomeContinue
	}
}

func (p *AllocateV6Plugin) handleSolicitOrRequest(ctx context.Context, msg *dhcpmodel.MsgContext, lease bool) dhcpmodel.Outcome {
	now := p.clock()
	subnet := msg.Subnet.Subnet.String()

	ip := msg.CandidateIP
	if !ip.IsValid() {
		ip = deterministicAddress(msg.Subnet.Subnet, msg.ClientKey)
	}

	var rec dhcpmodel.LeaseRecord
	var err error
	if p.coord != nil {
		leaseKey := coordinator.LeaseKeyV6(subnet, msg.DUID, msg.IAID)
		rec, err = p.coord.Reserve(ctx, subnet, leaseKey, msg.Subnet.ProbationPeriod, func() (dhcpmodel.LeaseRecord, error) {
			return p.alloc.TryIP(subnet, ip, msg.ClientKey, now, msg.Subnet.DefaultLease)
		})
	} else {
		rec, err = p.alloc.TryIP(subnet, ip, msg.ClientKey, now, msg.Subnet.DefaultLease)
	}
	if err != nil {
		msg.Err = err
		return dhcpmodel.OutcomeNoResponse
	}
	if lease {
		rec, err = p.alloc.TryLease(subnet, rec.IP, msg.ClientKey, now, msg.Subnet.DefaultLease)
		if err != nil {
			msg.Err = err
			return dhcpmodel.OutcomeNoResponse
		}
	}
	msg.CandidateIP = rec.IP
	return dhcpmodel.OutcomeContinue
}

func (p *AllocateV6Plugin) handleDecline(msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	if !msg.CandidateIP.IsValid() {
		return dhcpmodel.OutcomeNoResponse
	}
	subnet := msg.Subnet.Subnet.String()
	deadline := p.clock().Add(msg.Subnet.ProbationPeriod)
	if p.coord != nil {
		_ = p.coord.Decline(context.Background(), dhcpmodel.FamilyV6, subnet, msg.CandidateIP, deadline)
	} else {
		_ = p.alloc.Probate(subnet, msg.CandidateIP, deadline)
	}
	return dhcpmodel.OutcomeNoResponse
}

func (p *AllocateV6Plugin) handleRelease(msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	if !msg.CandidateIP.IsValid() {
		return dhcpmodel.OutcomeNoResponse
	}
	subnet := msg.Subnet.Subnet.String()
	if p.coord != nil {
		leaseKey := coordinator.LeaseKeyV6(subnet, msg.DUID, msg.IAID)
		_ = p.coord.Release(context.Background(), dhcpmodel.FamilyV6, subnet, msg.CandidateIP, msg.ClientKey, leaseKey)
	} else {
		_ = p.alloc.Release(subnet, msg.CandidateIP, msg.ClientKey)
	}
	return dhcpmodel.OutcomeNoResponse
}

// deterministicAddress distributes addresses across subnet via a fixed
// hash of (subnet, client key), used whenever no earlier stage has set
// CandidateIP. An IA_ADDR hint from the client is not read.
func deterministicAddress(subnet netip.Prefix, clientKey string) netip.Addr {
	h := sha256.Sum256([]byte(subnet.String() + "|" + clientKey))
	base := subnet.Masked().Addr()
	bits := subnet.Bits()
	hostBits := 128 - bits
	if hostBits > 64 {
		hostBits = 64
	}
	offset := binary.BigEndian.Uint64(h[:8]) & ((1 << uint(hostBits)) - 1)

	baseBytes := base.As16()
	var add [16]byte
	binary.BigEndian.PutUint64(add[8:], offset)
	var carry uint16
	for i := 15; i >= 0; i-- {
		sum := uint16(baseBytes[i]) + uint16(add[i]) + carry
		baseBytes[i] = byte(sum)
		carry = sum >> 8
	}
	return netip.AddrFrom16(baseBytes)
}
