// Package pingcheck implements the ICMP echo probe the allocator consults
// before confirming a freshly-picked address, via pro-bing the way the
// teacher's monitor service uses it for reachability checks.
package pingcheck

import (
	"context"
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober implements plugins.Pinger: a single ICMP echo against ip with a
// deadline of timeout, reporting whether it answered.
type Prober struct {
	Privileged bool
}

// New returns a Prober using unprivileged (datagram) ICMP sockets by
// default.
func New() *Prober { return &Prober{} }

// Alive sends one echo to ip and reports whether it replied within
// timeout. A pinger construction or run failure is treated as "not
// alive" rather than propagated: the allocator only cares whether the
// address is free to claim.
func (p *Prober) Alive(ctx context.Context, ip netip.Addr, timeout time.Duration) bool {
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return false
	}
	pinger.Count = 1
	if timeout <= 0 {
		timeout = time.Second
	}
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.Privileged)

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case <-ctx.Done():
		pinger.Stop()
		return false
	case err := <-done:
		if err != nil {
			return false
		}
	}
	return pinger.Statistics().PacketsRecv > 0
}
