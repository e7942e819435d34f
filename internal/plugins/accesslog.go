package plugins

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

// AccessLogPlugin is the pipeline's final stage: it emits one structured
// log line per transaction (request/response summaries, subnet, outcome),
// consolidating the teacher's file-based messagelog handler into the
// server's own zap logger rather than a side-channel log file.
type AccessLogPlugin struct {
	log *zap.Logger
}

func NewAccessLog(log *zap.Logger) *AccessLogPlugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccessLogPlugin{log: log}
}

func (p *AccessLogPlugin) Name() string { return "accesslog" }

func (p *AccessLogPlugin) DependsOn() []string { return []string{"ddns"} }

func (p *AccessLogPlugin) Handle(_ context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	fields := []zap.Field{
		zap.String("iface", msg.Iface),
		zap.Stringer("family", msg.Family),
	}
	if msg.Subnet != nil {
		fields = append(fields, zap.String("subnet", msg.Subnet.Subnet.String()))
	}
	if msg.CandidateIP.IsValid() {
		fields = append(fields, zap.Stringer("ip", msg.CandidateIP))
	}
	if msg.ClientKey != "" {
		fields = append(fields, zap.String("client_key", msg.ClientKey))
	}

	switch req := msg.Packet.(type) {
	case *dhcpv4.DHCPv4:
		fields = append(fields, zap.String("request", req.Summary()))
		if resp, ok := msg.Response.(*dhcpv4.DHCPv4); ok {
			fields = append(fields, zap.String("response", resp.Summary()))
		}
	case *dhcpv6.Message:
		fields = append(fields, zap.String("request", req.Summary()))
		if resp, ok := msg.Response.(dhcpv6.DHCPv6); ok {
			fields = append(fields, zap.String("response", resp.Summary()))
		}
	}

	if msg.Err != nil {
		p.log.Warn("dhcp transaction failed", append(fields, zap.Error(msg.Err))...)
	} else {
		p.log.Info("dhcp transaction", fields...)
	}
	return dhcpmodel.OutcomeContinue
}
