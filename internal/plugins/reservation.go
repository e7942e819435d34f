package plugins

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

// ReservationPlugin matches the inbound message's chaddr or option
// against the network's configured reservations. A match sets
// msg.CandidateIP (and overlays the reservation's options) before the
// allocate stage runs, so reservation priority is structural: allocate
// simply honors an already-set CandidateIP via try_ip rather than
// scanning ranges.
type ReservationPlugin struct{}

func NewReservation() *ReservationPlugin { return &ReservationPlugin{} }

func (p *ReservationPlugin) Name() string { return "reservation" }

func (p *ReservationPlugin) DependsOn() []string { return []string{"classify"} }

func (p *ReservationPlugin) Handle(_ context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	if msg.Subnet == nil {
		return dhcpmodel.OutcomeContinue
	}
	chaddr := msg.ChAddr
	getOpt := func(code uint32) ([]byte, bool) {
		return optionLookup(msg, code)
	}
	for _, r := range msg.Subnet.Reservations {
		if !r.Match.Matches(chaddr, getOpt) {
			continue
		}
		if r.IsIPFree() {
			// IP-free reservations are skipped: configuration loading
			// leaves their IP unset and no stage chooses one, so a client
			// matching only an IP-free reservation gets an ordinary range
			// allocation without the reservation's options.
			continue
		}
		msg.CandidateIP = r.IP
		if r.Options != nil {
			if msg.Options == nil {
				msg.Options = r.Options
			} else {
				msg.Options = msg.Options.Merge(r.Options)
			}
		}
		return dhcpmodel.OutcomeContinue
	}
	return dhcpmodel.OutcomeContinue
}

func optionLookup(msg *dhcpmodel.MsgContext, code uint32) ([]byte, bool) {
	if m, ok := msg.Packet.(*dhcpv4.DHCPv4); ok {
		v := m.Options.Get(dhcpv4.GenericOptionCode(code))
		if v == nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}
