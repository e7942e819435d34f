package dhcpmodel

import (
	"net"
	"net/netip"
)

// Outcome is the result of running a message through the plugin pipeline.
type Outcome uint8

const (
	// OutcomeContinue proceeds to the next plugin.
	OutcomeContinue Outcome = iota
	// OutcomeRespond halts the chain and emits the current response buffer.
	OutcomeRespond
	// OutcomeNoResponse halts silently; the packet is dropped.
	OutcomeNoResponse
	// OutcomeError aborts the chain with a recorded failure.
	OutcomeError
)

// MsgContext is the per-request mutable state threaded through the plugin
// pipeline. It is created on ingress and discarded once the pipeline
// completes; nothing about it outlives one datagram.
type MsgContext struct {
	Family Family

	// Iface is the interface of arrival; Src/Dst are the packet's socket
	// addresses as surfaced by the listener collaborator.
	Iface string
	Src   net.Addr
	Dst   net.Addr

	// Subnet is the NetworkConfig chosen for this request, nil until the
	// subnet-selection step of the state machine runs.
	Subnet *NetworkConfig

	// Classes is the set of matched class names, decorated onto the
	// message by the classifier plugin.
	Classes map[string]struct{}

	// ClientKey is the resolved client identity (opt 61 or chaddr for v4;
	// DUID+IAID for v6).
	ClientKey string

	// ChAddr is the v4 hardware address, used by reservation matching and
	// flood protection regardless of which option supplied ClientKey.
	ChAddr net.HardwareAddr

	// DUID and IAID are the raw components ClientKey was built from for a
	// v6 message, kept separately so the allocate plugin can build the
	// KV lease key without re-parsing ClientKey.
	DUID string
	IAID uint32

	// CandidateIP is the IP chosen or requested during this transaction,
	// set by the allocator plugin (or echoed from a client's requested-IP
	// option) for downstream plugins (host-options, ddns) to consult.
	CandidateIP netip.Addr

	// HostOverride is the resolved host-option override, if any, looked up
	// once and cached on the context so later plugins don't re-query the KV.
	HostOverride *HostOptionOverride

	// Packet is the decoded inbound message (a *dhcpv4.DHCPv4 or
	// *dhcpv6.Message); plugins type-assert to the concrete type for their
	// family rather than the pipeline depending on the codec.
	Packet any

	// Response is the in-progress reply the engine is assembling; nil
	// until the allocate/respond stage creates it.
	Response any

	// Options accumulates option overlays in class < range < reservation <
	// host-option precedence order; the finalize stage applies it to
	// Response.
	Options *OptionSet

	Outcome Outcome
	Err     error
}

// NewMsgContext creates an empty context for family f arriving on iface.
func NewMsgContext(f Family, iface string) *MsgContext {
	return &MsgContext{
		Family:  f,
		Iface:   iface,
		Classes: make(map[string]struct{}),
	}
}

// HasClass reports whether name is in the matched class set.
func (c *MsgContext) HasClass(name string) bool {
	_, ok := c.Classes[name]
	return ok
}

// HostOptionOverride supplies DHCPv4 header fields (sname/fname/siaddr) or
// DHCPv6 boot options (59/60) for one host, looked up from the
// host-option store by one of the four key patterns in §4.7.
type HostOptionOverride struct {
	// v4
	ServerName string // sname
	FileName   string // fname
	NextServer netip.Addr // siaddr

	// v6
	BootFileURL   string // option 59
	BootFileParam []string // option 60
}

// Empty reports whether the override carries no fields, i.e. a miss that
// should fall back to config defaults.
func (h *HostOptionOverride) Empty() bool {
	if h == nil {
		return true
	}
	return h.ServerName == "" && h.FileName == "" && !h.NextServer.IsValid() &&
		h.BootFileURL == "" && len(h.BootFileParam) == 0
}
