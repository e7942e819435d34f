package plugins

import (
	"context"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/ddns"
	"github.com/coredora/coredora/internal/dhcpmodel"
)

// fqdnServerOverride is bit 0x02 ("S") of DHCPv4 option 81's flags byte:
// the client asks the server to perform the forward update itself.
const fqdnServerOverride = 0x02

// DDNSPlugin dispatches a forward+reverse update when the client's FQDN
// option requests server-side update. Updates run in a bounded goroutine
// and never affect the Outcome: a DDNS failure must never fail the lease.
type DDNSPlugin struct {
	client  *ddns.Client
	timeout time.Duration
	log     *zap.Logger
	inFlight chan struct{} // bounds concurrent update goroutines
}

// NewDDNS builds the plugin. client may be nil to disable DDNS entirely
// (Handle becomes a no-op). maxInFlight bounds concurrent background
// update goroutines; values <= 0 default to 16.
func NewDDNS(client *ddns.Client, timeout time.Duration, maxInFlight int, log *zap.Logger) *DDNSPlugin {
	if log == nil {
		log = zap.NewNop()
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &DDNSPlugin{client: client, timeout: timeout, log: log, inFlight: make(chan struct{}, maxInFlight)}
}

func (p *DDNSPlugin) Name() string { return "ddns" }

func (p *DDNSPlugin) DependsOn() []string { return []string{"allocate", "hostoptions"} }

func (p *DDNSPlugin) Handle(_ context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	if p.client == nil || !msg.CandidateIP.IsValid() {
		return dhcpmodel.OutcomeContinue
	}

	switch req := msg.Packet.(type) {
	case *dhcpv4.DHCPv4:
		p.maybeUpdateV4(msg, req)
	case *dhcpv6.Message:
		p.maybeUpdateV6(msg, req)
	}
	return dhcpmodel.OutcomeContinue
}

func (p *DDNSPlugin) maybeUpdateV4(msg *dhcpmodel.MsgContext, req *dhcpv4.DHCPv4) {
	raw := req.Options.Get(dhcpv4.OptionFQDN)
	if len(raw) < 3 || raw[0]&fqdnServerOverride == 0 {
		return
	}
	host := string(raw[3:])
	if host == "" {
		return
	}
	p.dispatch(host, msg.CandidateIP)
}

func (p *DDNSPlugin) maybeUpdateV6(msg *dhcpmodel.MsgContext, req *dhcpv6.Message) {
	opt := req.GetOneOption(dhcpv6.OptionFQDN)
	if opt == nil {
		return
	}
	raw := opt.ToBytes()
	if len(raw) < 2 || raw[0]&fqdnServerOverride == 0 {
		return
	}
	host, err := dhcpv6DomainName(raw[1:])
	if err != nil || host == "" {
		return
	}
	p.dispatch(host, msg.CandidateIP)
}

// dhcpv6DomainName decodes the RFC 1035-style label sequence option 39
// carries after its flags byte.
func dhcpv6DomainName(labels []byte) (string, error) {
	var out []byte
	for i := 0; i < len(labels); {
		n := int(labels[i])
		i++
		if n == 0 {
			break
		}
		if i+n > len(labels) {
			return "", nil
		}
		if len(out) > 0 {
			out = append(out, '.')
		}
		out = append(out, labels[i:i+n]...)
		i += n
	}
	return string(out), nil
}

func (p *DDNSPlugin) dispatch(host string, ip netip.Addr) {
	select {
	case p.inFlight <- struct{}{}:
	default:
		p.log.Warn("ddns update dropped: too many in-flight updates", zap.String("host", host))
		return
	}
	go func() {
		defer func() { <-p.inFlight }()
		if err := p.client.UpdateForward(host, ip, p.timeout); err != nil {
			p.log.Warn("ddns forward update failed", zap.String("host", host), zap.Error(err))
			return
		}
		if err := p.client.UpdateReverse(host, ip); err != nil {
			p.log.Warn("ddns reverse update failed", zap.String("host", host), zap.Error(err))
		}
	}()
}
