package plugins

import (
	"context"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/rfc1035label"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

// StaticOptsPlugin applies a network's configured static options to the
// in-progress response: consolidates what the teacher split across
// per-option modules (netmask, router, dns, searchdomains, staticroute,
// mtu, autoconfigure, ipv6only, leasetime, serverid) into one stage,
// since they share a config source (NetworkConfig) and a precedence rule
// (class < range < reservation < host-option) rather than independent
// lifecycles.
type StaticOptsPlugin struct{}

func NewStaticOpts() *StaticOptsPlugin { return &StaticOptsPlugin{} }

func (p *StaticOptsPlugin) Name() string { return "staticopts" }

func (p *StaticOptsPlugin) DependsOn() []string { return []string{"allocate", "hostoptions"} }

func (p *StaticOptsPlugin) Handle(_ context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	switch req := msg.Packet.(type) {
	case *dhcpv4.DHCPv4:
		p.applyV4(msg, req)
	case *dhcpv6.Message:
		p.applyV6(msg, req)
	}
	return dhcpmodel.OutcomeContinue
}

func (p *StaticOptsPlugin) applyV4(msg *dhcpmodel.MsgContext, req *dhcpv4.DHCPv4) {
	resp, ok := msg.Response.(*dhcpv4.DHCPv4)
	if !ok || msg.Subnet == nil {
		return
	}
	cfg := msg.Subnet

	if req.MessageType() != dhcpv4.MessageTypeNone && req.IsOptionRequested(dhcpv4.OptionIPAddressLeaseTime) && cfg.DefaultLease > 0 {
		resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(cfg.DefaultLease))
	}
	if cfg.ServerID != "" {
		if ip := net.ParseIP(cfg.ServerID).To4(); ip != nil {
			resp.UpdateOption(dhcpv4.OptServerIdentifier(ip))
		}
	}
	if mask := subnetMaskOf(cfg); mask != nil {
		resp.UpdateOption(dhcpv4.OptSubnetMask(mask))
	}

	if raw, ok := msg.Options.Get(optRouter); ok && req.IsOptionRequested(dhcpv4.OptionRouter) {
		resp.UpdateOption(dhcpv4.Option{Code: dhcpv4.OptionRouter, Value: dhcpv4.IPs(parseIPList(raw.Raw))})
	}
	if raw, ok := msg.Options.Get(optDNS); ok && req.IsOptionRequested(dhcpv4.OptionDomainNameServer) {
		resp.UpdateOption(dhcpv4.OptDNS(parseIPList(raw.Raw)...))
	}
	if raw, ok := msg.Options.Get(optSearch); ok && req.IsOptionRequested(dhcpv4.OptionDNSDomainSearchList) {
		resp.UpdateOption(dhcpv4.OptDomainSearch(&rfc1035label.Labels{Labels: parseStringList(raw.Raw)}))
	}
	if raw, ok := msg.Options.Get(optMTU); ok && req.IsOptionRequested(dhcpv4.OptionInterfaceMTU) && len(raw.Raw) == 2 {
		resp.UpdateOption(dhcpv4.Option{Code: dhcpv4.OptionInterfaceMTU, Value: dhcpv4.Uint16(uint16(raw.Raw[0])<<8 | uint16(raw.Raw[1]))})
	}
	if req.IsOptionRequested(dhcpv4.OptionIPv6OnlyPreferred) {
		if raw, ok := msg.Options.Get(optIPv6Only); ok && len(raw.Raw) == 4 {
			seconds := uint32(raw.Raw[0])<<24 | uint32(raw.Raw[1])<<16 | uint32(raw.Raw[2])<<8 | uint32(raw.Raw[3])
			resp.UpdateOption(dhcpv4.OptIPv6OnlyPreferred(time.Duration(seconds) * time.Second))
		}
	}

	if resp.MessageType() == dhcpv4.MessageTypeOffer && resp.YourIPAddr.IsUnspecified() {
		if _, ok := req.AutoConfigure(); ok {
			resp.UpdateOption(dhcpv4.OptAutoConfigure(dhcpv4.DoNotAutoConfigure))
		}
	}

	if msg.HostOverride != nil {
		if msg.HostOverride.ServerName != "" {
			resp.ServerHostName = []byte(msg.HostOverride.ServerName)
		}
		if msg.HostOverride.FileName != "" {
			resp.BootFileName = []byte(msg.HostOverride.FileName)
		}
		if msg.HostOverride.NextServer.IsValid() {
			resp.ServerIPAddr = net.ParseIP(msg.HostOverride.NextServer.String())
		}
	} else if cfg.ServerName != "" || cfg.FileName != "" {
		resp.ServerHostName = []byte(cfg.ServerName)
		resp.BootFileName = []byte(cfg.FileName)
	}
}

func (p *StaticOptsPlugin) applyV6(msg *dhcpmodel.MsgContext, req *dhcpv6.Message) {
	resp, ok := msg.Response.(dhcpv6.DHCPv6)
	if !ok {
		return
	}
	if raw, ok := msg.Options.Get(optV6DNS); ok && req.IsOptionRequested(dhcpv6.OptionDNSRecursiveNameServer) {
		resp.UpdateOption(dhcpv6.OptDNS(parseIPList(raw.Raw)...))
	}
	if msg.HostOverride != nil {
		if msg.HostOverride.BootFileURL != "" {
			resp.UpdateOption(dhcpv6.OptBootFileURL(msg.HostOverride.BootFileURL))
		}
		if len(msg.HostOverride.BootFileParam) > 0 {
			resp.UpdateOption(dhcpv6.OptBootFileParam(msg.HostOverride.BootFileParam...))
		}
	}
}

// Well-known option codes the static-options overlay looks for on
// msg.Options, populated by config loading from each network/range's
// Options set. The v6 DNS code is offset into the upper bits so it
// cannot collide with a v4 code in the same OptionSet when a range's
// options are shared across families.
const (
	optRouter   = uint32(dhcpv4.OptionRouter)
	optDNS      = uint32(dhcpv4.OptionDomainNameServer)
	optSearch   = uint32(dhcpv4.OptionDNSDomainSearchList)
	optMTU      = uint32(dhcpv4.OptionInterfaceMTU)
	optIPv6Only = uint32(dhcpv4.OptionIPv6OnlyPreferred)
	optV6DNS    = uint32(dhcpv6.OptionDNSRecursiveNameServer) | 1<<16
)

func subnetMaskOf(cfg *dhcpmodel.NetworkConfig) net.IPMask {
	bits := cfg.Subnet.Bits()
	if bits <= 0 || bits > 32 {
		return nil
	}
	mask := make(net.IPMask, 4)
	for i := 0; i < 4; i++ {
		switch {
		case bits >= 8:
			mask[i] = 0xff
			bits -= 8
		case bits > 0:
			mask[i] = byte(0xff << uint(8-bits))
			bits = 0
		}
	}
	return mask
}

func parseIPList(raw []byte) []net.IP {
	var out []net.IP
	for i := 0; i+4 <= len(raw); i += 4 {
		out = append(out, net.IP(raw[i:i+4]))
	}
	return out
}

func parseStringList(raw []byte) []string {
	var out []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			if i > start {
				out = append(out, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, string(raw[start:]))
	}
	return out
}
