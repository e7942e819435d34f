// Package ddns implements the dynamic DNS update dispatch named in the
// design's external-interfaces list: a forward (A/AAAA) and reverse (PTR)
// update composed per RFC 2136, optionally TSIG-signed, sent through a
// pluggable Exchanger so the actual network transport stays out of this
// repo's contract.
package ddns

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Exchanger sends one DNS message and returns the reply, the same seam
// AdGuardHome's forwarding upstreams expose around *dns.Client.
type Exchanger interface {
	Exchange(m *dns.Msg) (*dns.Msg, error)
}

// netExchanger is the real body: a *dns.Client against one configured
// nameserver address.
type netExchanger struct {
	client  *dns.Client
	address string
}

// NewExchanger returns an Exchanger that talks to address (host:port) over
// UDP, falling back to TCP on truncation, mirroring the teacher's plain
// resolver.
func NewExchanger(address string, timeout time.Duration) Exchanger {
	return &netExchanger{
		client:  &dns.Client{Timeout: timeout},
		address: address,
	}
}

func (e *netExchanger) Exchange(m *dns.Msg) (*dns.Msg, error) {
	reply, _, err := e.client.Exchange(m, e.address)
	if err != nil {
		return nil, err
	}
	if reply != nil && reply.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: e.client.Timeout}
		reply, _, err = tcp.Exchange(m, e.address)
	}
	return reply, err
}

// TSIGConfig carries the key name/algorithm/secret used to sign updates,
// unset (KeyName == "") meaning no signing.
type TSIGConfig struct {
	KeyName   string
	Algorithm string // e.g. dns.HmacSHA256; defaults to HmacSHA256 when empty
	Secret    string // base64, as required by dns.Client.TsigSecret
}

// Client composes and sends forward/reverse DDNS updates. A zero Client
// (nil Exchanger) is valid and a no-op Update, matching the design's "DDNS
// failure never blocks a lease" rule by construction rather than by
// catching a panic.
type Client struct {
	exchanger Exchanger
	zone      string // forward zone, e.g. "example.com."
	ptrZone   string // reverse zone, e.g. "168.192.in-addr.arpa."
	tsig      TSIGConfig
}

// New builds a Client. zone and ptrZone should already be FQDNs (trailing
// dot); exchanger may be nil to disable DDNS entirely.
func New(exchanger Exchanger, zone, ptrZone string, tsig TSIGConfig) *Client {
	return &Client{exchanger: exchanger, zone: dns.Fqdn(zone), ptrZone: dns.Fqdn(ptrZone), tsig: tsig}
}

// UpdateForward sends an RFC 2136 update replacing host's A or AAAA
// record (depending on ip's family) with ip, under the configured zone.
func (c *Client) UpdateForward(host string, ip netip.Addr, ttl time.Duration) error {
	if c == nil || c.exchanger == nil {
		return nil
	}
	fqdn := dns.Fqdn(host) + c.zone
	rrType := dns.TypeA
	if ip.Is6() && !ip.Is4In6() {
		rrType = dns.TypeAAAA
	}
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", fqdn, seconds(ttl), dns.TypeToString[rrType], ip))
	if err != nil {
		return err
	}

	remove, err := dns.NewRR(fmt.Sprintf("%s 0 ANY %s", fqdn, dns.TypeToString[rrType]))
	if err != nil {
		return err
	}

	m := new(dns.Msg)
	m.SetUpdate(c.zone)
	m.RemoveRRset([]dns.RR{remove})
	m.Insert([]dns.RR{rr})
	return c.send(m)
}

// UpdateReverse sends an RFC 2136 update replacing ip's PTR record with
// host, under the configured reverse zone.
func (c *Client) UpdateReverse(host string, ip netip.Addr) error {
	if c == nil || c.exchanger == nil {
		return nil
	}
	arpa, err := reverseName(ip)
	if err != nil {
		return err
	}
	rr, err := dns.NewRR(fmt.Sprintf("%s 3600 IN PTR %s", arpa, dns.Fqdn(host)))
	if err != nil {
		return err
	}

	remove, err := dns.NewRR(fmt.Sprintf("%s 0 ANY PTR", arpa))
	if err != nil {
		return err
	}

	m := new(dns.Msg)
	m.SetUpdate(c.ptrZone)
	m.RemoveRRset([]dns.RR{remove})
	m.Insert([]dns.RR{rr})
	return c.send(m)
}

func (c *Client) send(m *dns.Msg) error {
	if c.tsig.KeyName != "" {
		alg := c.tsig.Algorithm
		if alg == "" {
			alg = dns.HmacSHA256
		}
		keyName := dns.Fqdn(c.tsig.KeyName)
		m.SetTsig(keyName, alg, 300, time.Now().Unix())
		if nc, ok := c.exchanger.(*netExchanger); ok {
			nc.client.TsigSecret = map[string]string{keyName: c.tsig.Secret}
		}
	}
	reply, err := c.exchanger.Exchange(m)
	if err != nil {
		return err
	}
	if reply != nil && reply.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("ddns: server returned %s", dns.RcodeToString[reply.Rcode])
	}
	return nil
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 3600
	}
	return int64(d.Seconds())
}

func reverseName(ip netip.Addr) (string, error) {
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}
	return strings.ToLower(name), nil
}
