// Package listener binds DHCPv4/DHCPv6 UDP sockets per configured
// interface and dispatches each datagram to the v4/v6 engines under a
// bounded worker pool, mirroring the teacher's app.go wiring of
// server4.Server/server6.Server through an errgroup.
package listener

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/server6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/coredora/coredora/internal/metrics"
	"github.com/coredora/coredora/internal/v4engine"
	"github.com/coredora/coredora/internal/v6engine"
)

// Config bundles one listener's bind targets and engines.
type Config struct {
	Interfaces []string
	Addresses  []*net.UDPAddr

	V4 *v4engine.Engine
	V6 *v6engine.Engine

	// MaxLiveMsgs bounds concurrently in-flight requests; <= 0 disables
	// the cap.
	MaxLiveMsgs int
	// Timeout is the per-request deadline; <= 0 disables it.
	Timeout time.Duration

	Metrics *metrics.Registry
	Log     *zap.Logger
}

// Listener owns a set of bound sockets and their serve goroutines.
type Listener struct {
	cfg     Config
	log     *zap.Logger
	admit   *semaphore.Weighted
	group   *errgroup.Group
	servers4 []*server4.Server
	servers6 []*server6.Server
}

func New(cfg Config) *Listener {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	var admit *semaphore.Weighted
	if cfg.MaxLiveMsgs > 0 {
		admit = semaphore.NewWeighted(int64(cfg.MaxLiveMsgs))
	}
	return &Listener{cfg: cfg, log: log, admit: admit}
}

// Start binds every (interface, address) pair and begins serving.
func (l *Listener) Start() error {
	l.group = &errgroup.Group{}
	for _, iface := range ifacesOrDefault(l.cfg.Interfaces) {
		iface := iface
		for _, addr := range l.cfg.Addresses {
			isV6 := addr.IP.To4() == nil
			if isV6 {
				srv, err := server6.NewServer(iface, addr, l.handle6(iface))
				if err != nil {
					return fmt.Errorf("listener: bind %s/%s: %w", iface, addr, err)
				}
				l.servers6 = append(l.servers6, srv)
				l.group.Go(srv.Serve)
			} else {
				srv, err := server4.NewServer(iface, addr, l.handle4(iface))
				if err != nil {
					return fmt.Errorf("listener: bind %s/%s: %w", iface, addr, err)
				}
				l.servers4 = append(l.servers4, srv)
				l.group.Go(srv.Serve)
			}
		}
	}
	l.log.Info("listener started", zap.Strings("interfaces", l.cfg.Interfaces), zap.Int("sockets", len(l.servers4)+len(l.servers6)))
	return nil
}

// Stop closes every bound socket and waits for in-flight Serve goroutines.
func (l *Listener) Stop() error {
	for _, s := range l.servers4 {
		if err := s.Close(); err != nil {
			return err
		}
	}
	for _, s := range l.servers6 {
		if err := s.Close(); err != nil {
			return err
		}
	}
	if l.group != nil {
		return l.group.Wait()
	}
	return nil
}

func ifacesOrDefault(ifaces []string) []string {
	if len(ifaces) == 0 {
		return []string{""}
	}
	return ifaces
}

func (l *Listener) handle4(iface string) server4.Handler {
	return func(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
		if !l.tryAdmit() {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.AdmissionDropped.Inc()
			}
			return
		}
		defer l.release()

		ctx, cancel := l.requestContext()
		defer cancel()

		resp, err := l.cfg.V4.Handle(ctx, iface, peer, req)
		if err != nil {
			l.log.Warn("v4 handler failed", zap.Error(err))
			return
		}
		if resp == nil {
			return
		}
		if _, err := conn.WriteTo(resp.ToBytes(), peer); err != nil {
			l.log.Warn("v4 write failed", zap.Error(err))
		}
	}
}

func (l *Listener) handle6(iface string) server6.Handler {
	return func(conn net.PacketConn, peer net.Addr, m dhcpv6.DHCPv6) {
		if !l.tryAdmit() {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.AdmissionDropped.Inc()
			}
			return
		}
		defer l.release()

		req, err := m.GetInnerMessage()
		if err != nil {
			l.log.Warn("v6 cannot get inner message", zap.Error(err))
			return
		}

		ctx, cancel := l.requestContext()
		defer cancel()

		resp, err := l.cfg.V6.Handle(ctx, iface, peer, req)
		if err != nil {
			l.log.Warn("v6 handler failed", zap.Error(err))
			return
		}
		if resp == nil {
			return
		}

		if m.IsRelay() {
			if rmsg, ok := resp.(*dhcpv6.Message); ok {
				relayed, rerr := dhcpv6.NewRelayReplFromRelayForw(m.(*dhcpv6.RelayMessage), rmsg)
				if rerr != nil {
					l.log.Warn("v6 cannot build relay-repl", zap.Error(rerr))
					return
				}
				resp = relayed
			}
		}

		if _, err := conn.WriteTo(resp.ToBytes(), peer); err != nil {
			l.log.Warn("v6 write failed", zap.Error(err))
		}
	}
}

func (l *Listener) tryAdmit() bool {
	if l.admit == nil {
		return true
	}
	return l.admit.TryAcquire(1)
}

func (l *Listener) release() {
	if l.admit != nil {
		l.admit.Release(1)
	}
}

func (l *Listener) requestContext() (context.Context, context.CancelFunc) {
	if l.cfg.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), l.cfg.Timeout)
}
