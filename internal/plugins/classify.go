// Package plugins holds the concrete pipeline stages: classification,
// reservation matching, allocation, static option application,
// host-option overlay, DDNS update, and access logging. Each stage
// implements plugin.Plugin and is safe to register independently.
package plugins

import (
	"context"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/classify"
	"github.com/coredora/coredora/internal/dhcpmodel"
)

// ClassifyPlugin evaluates the configured client classes against the
// inbound message and decorates msg.Classes with the matched set.
type ClassifyPlugin struct {
	ordered []*classify.Class
	log     *zap.Logger
}

// NewClassify builds a ClassifyPlugin from already-compiled, already
// topologically-ordered classes (see classify.Compile and classify.Order).
func NewClassify(ordered []*classify.Class, log *zap.Logger) *ClassifyPlugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClassifyPlugin{ordered: ordered, log: log}
}

func (p *ClassifyPlugin) Name() string { return "classify" }

func (p *ClassifyPlugin) Handle(_ context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	if len(p.ordered) == 0 {
		return dhcpmodel.OutcomeContinue
	}
	view := packetView{msg: msg}
	matched, err := classify.Evaluate(p.ordered, view)
	if err != nil {
		p.log.Warn("classify: evaluation failed", zap.Error(err))
		return dhcpmodel.OutcomeContinue
	}
	for _, cls := range p.ordered {
		if !matched[cls.Name] {
			continue
		}
		msg.Classes[cls.Name] = struct{}{}
		if cls.Options == nil {
			continue
		}
		if msg.Options == nil {
			msg.Options = cls.Options
		} else {
			msg.Options = msg.Options.Merge(cls.Options)
		}
	}
	return dhcpmodel.OutcomeContinue
}

// packetView adapts a MsgContext's decoded packet to classify.PacketView
// without the classifier depending on the wire codec.
type packetView struct {
	msg *dhcpmodel.MsgContext
}

func (v packetView) Field(name string) (classify.Value, bool) {
	switch m := v.msg.Packet.(type) {
	case *dhcpv4.DHCPv4:
		return v4Field(m, name)
	case *dhcpv6.Message:
		return v6Field(m, name)
	default:
		return classify.Value{}, false
	}
}

func (v packetView) Option(code uint32) ([]byte, bool) {
	switch m := v.msg.Packet.(type) {
	case *dhcpv4.DHCPv4:
		opt := m.Options.Get(dhcpv4.GenericOptionCode(code))
		if opt == nil {
			return nil, false
		}
		return opt, true
	case *dhcpv6.Message:
		opt := m.GetOneOption(dhcpv6.OptionCode(code))
		if opt == nil {
			return nil, false
		}
		return opt.ToBytes(), true
	default:
		return nil, false
	}
}

func v4Field(m *dhcpv4.DHCPv4, name string) (classify.Value, bool) {
	switch name {
	case "chaddr":
		return classify.BytesVal(m.ClientHWAddr), true
	case "hlen":
		return classify.IntVal(int64(m.HwAddrLen)), true
	case "htype":
		return classify.IntVal(int64(m.HWType)), true
	case "ciaddr":
		if ip, ok := netip.AddrFromSlice(m.ClientIPAddr.To4()); ok {
			return classify.IPVal(ip), true
		}
		return classify.Value{}, false
	case "giaddr":
		if ip, ok := netip.AddrFromSlice(m.GatewayIPAddr.To4()); ok {
			return classify.IPVal(ip), true
		}
		return classify.Value{}, false
	case "yiaddr":
		if ip, ok := netip.AddrFromSlice(m.YourIPAddr.To4()); ok {
			return classify.IPVal(ip), true
		}
		return classify.Value{}, false
	case "siaddr":
		if ip, ok := netip.AddrFromSlice(m.ServerIPAddr.To4()); ok {
			return classify.IPVal(ip), true
		}
		return classify.Value{}, false
	case "msgtype":
		return classify.IntVal(int64(m.MessageType())), true
	case "transid":
		return classify.IntVal(int64(m.TransactionID)), true
	default:
		return classify.Value{}, false
	}
}

func v6Field(m *dhcpv6.Message, name string) (classify.Value, bool) {
	switch name {
	case "msgtype":
		return classify.IntVal(int64(m.MessageType)), true
	case "transid":
		return classify.BytesVal(m.TransactionID[:]), true
	default:
		return classify.Value{}, false
	}
}
