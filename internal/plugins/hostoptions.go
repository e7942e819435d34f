package plugins

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/coredora/coredora/internal/dhcpmodel"
	"github.com/coredora/coredora/internal/hostopts"
)

// HostOptionsPlugin resolves a per-host override from the host-option
// store and caches it on the context for staticopts to apply (v4 and v6).
type HostOptionsPlugin struct {
	store *hostopts.Store
}

func NewHostOptions(store *hostopts.Store) *HostOptionsPlugin {
	return &HostOptionsPlugin{store: store}
}

func (p *HostOptionsPlugin) Name() string { return "hostoptions" }

func (p *HostOptionsPlugin) DependsOn() []string { return []string{"allocate"} }

func (p *HostOptionsPlugin) Handle(ctx context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	if p.store == nil || msg.Subnet == nil {
		return dhcpmodel.OutcomeContinue
	}

	var override *dhcpmodel.HostOptionOverride
	var err error
	subnet := msg.Subnet.Subnet.String()

	switch req := msg.Packet.(type) {
	case *dhcpv4.DHCPv4:
		override, err = p.store.LookupV4(ctx, subnet, req.Options.Get(dhcpv4.OptionClientIdentifier), req.ClientHWAddr)
	case *dhcpv6.Message:
		duidOpt, ok := req.GetOneOption(dhcpv6.OptionClientID).(dhcpv6.DUID)
		if !ok {
			return dhcpmodel.OutcomeContinue
		}
		override, err = p.store.LookupV6(ctx, subnet, duidOpt.ToBytes(), iaidOf(req))
	default:
		return dhcpmodel.OutcomeContinue
	}
	if err != nil {
		msg.Err = err
		return dhcpmodel.OutcomeContinue
	}
	if override != nil && !override.Empty() {
		msg.HostOverride = override
	}
	return dhcpmodel.OutcomeContinue
}

// iaidOf reads the first IA_NA's id off the request, defaulting to 0 when
// the message carries none (e.g. a RELEASE that targets IA_TA instead).
func iaidOf(req *dhcpv6.Message) uint32 {
	if ia := req.Options.OneIANA(); ia != nil {
		return ia.IaId
	}
	return 0
}
