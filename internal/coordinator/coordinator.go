// Package coordinator wraps the local allocator with the two-step KV
// confirmation that lets multiple coredora instances share one IP pool:
// probe the reverse IP index, then write the lease and its index entry.
// On conflict the candidate is probated locally and the caller retries
// with a fresh pick.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coredora/coredora/internal/allocator"
	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
	"github.com/coredora/coredora/internal/kv"
)

// State is the coordinator's view of KV reachability.
type State uint8

const (
	StateConnected State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "connected"
}

// MaxConflictRetries bounds reserve_first's retry budget on IP-index
// conflict. try_ip gets none, by design: this asymmetry is load-bearing
// for OFFER->REQUEST stickiness and must not be "fixed" into symmetry.
const MaxConflictRetries = 8

// Clock abstracts time.Now for deterministic tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Coordinator is the clustered wrapper around a local allocator.Allocator.
type Coordinator struct {
	alloc    *allocator.Allocator
	store    kv.Store
	log      *zap.Logger
	clock    Clock
	serverID string

	mu    sync.RWMutex
	state State

	cacheMu sync.RWMutex
	cache   map[string]dhcpmodel.LeaseRecord // client_key -> renew cache entry

	pollInterval    time.Duration
	cacheThreshold  float64
	healthFailCount int

	reconciliations    uint64
	recordsReconciled  uint64
}

// New builds a Coordinator over alloc and store. serverID identifies this
// instance's writes in the KV.
func New(alloc *allocator.Allocator, store kv.Store, log *zap.Logger, serverID string, pollInterval time.Duration) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		alloc:          alloc,
		store:          store,
		log:            log,
		clock:          realClock{},
		serverID:       serverID,
		cache:          make(map[string]dhcpmodel.LeaseRecord),
		pollInterval:   pollInterval,
		cacheThreshold: 1.0,
	}
}

// Start runs the startup self-test and, if it succeeds, launches the
// background health poller. Startup aborts on self-test failure.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.store.SelfTest(ctx); err != nil {
		return derrors.Wrap(err, derrors.KindCoordination, "kv startup self-test")
	}
	go c.pollHealth(ctx)
	return nil
}

func (c *Coordinator) pollHealth(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx)
		}
	}
}

func (c *Coordinator) probeOnce(ctx context.Context) {
	err := c.store.SelfTest(ctx)
	c.mu.Lock()
	prev := c.state
	if err != nil {
		c.healthFailCount++
		if c.healthFailCount >= 3 {
			c.state = StateDegraded
		}
	} else {
		c.healthFailCount = 0
		c.state = StateConnected
	}
	next := c.state
	c.mu.Unlock()

	if prev != next {
		c.log.Info("coordinator state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
		if next == StateConnected {
			c.Reconcile(ctx)
		}
	}
}

// CurrentState returns the coordinator's current reachability state.
func (c *Coordinator) CurrentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func indexKey(family dhcpmodel.Family, subnet string, ip netip.Addr) string {
	return fmt.Sprintf("%s/%s/ip/%s", family, subnet, ip)
}

// LeaseKeyV4 builds the KV key under which a v4 lease record is stored,
// keyed by client_key.
func LeaseKeyV4(subnet, clientKey string) string {
	return fmt.Sprintf("v4/%s/client/%s", subnet, sanitizeKey(clientKey))
}

// LeaseKeyV6 builds the KV key under which a v6 lease record is stored,
// keyed by (duid, iaid).
func LeaseKeyV6(subnet, duid string, iaid uint32) string {
	return fmt.Sprintf("v6/%s/duid/%s/iaid/%d", subnet, sanitizeKey(duid), iaid)
}

func sanitizeKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '/', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

type kvLease struct {
	ClientKey string    `json:"client_key"`
	IP        string    `json:"ip"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	ServerID  string    `json:"server_id"`
}

// Reserve confirms a freshly allocator-picked reservation against the KV,
// making up to MaxConflictRetries pick-and-confirm attempts in all and
// picking afresh after an IP-index conflict or a KV error. pick must return a new candidate record each call
// (typically allocator.ReserveFirst over the same range).
func (c *Coordinator) Reserve(ctx context.Context, subnet, leaseKey string, probationPeriod time.Duration, pick func() (dhcpmodel.LeaseRecord, error)) (dhcpmodel.LeaseRecord, error) {
	if c.CurrentState() == StateDegraded {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindCoordination, "new allocation blocked: kv degraded")
	}

	var last error
	for attempt := 0; attempt < MaxConflictRetries; attempt++ {
		rec, err := pick()
		if err != nil {
			return dhcpmodel.LeaseRecord{}, err
		}
		ok, err := c.confirm(ctx, rec, leaseKey)
		if err != nil {
			last = err
			continue
		}
		if ok {
			c.putCache(rec)
			return rec, nil
		}
		// Conflict: probate locally and retry with a fresh pick.
		if perr := c.alloc.Probate(subnet, rec.IP, c.clock.Now().Add(probationPeriod)); perr != nil {
			c.log.Warn("local probation after kv conflict failed", zap.Error(perr))
		}
	}
	if last != nil {
		return dhcpmodel.LeaseRecord{}, last
	}
	return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindCoordination, "kv conflict retry budget exhausted")
}

// ConfirmTryIP confirms a client-requested specific IP with no retry: on
// conflict the caller must fall back to range-based allocation itself.
func (c *Coordinator) ConfirmTryIP(ctx context.Context, subnet, leaseKey string, rec dhcpmodel.LeaseRecord) (dhcpmodel.LeaseRecord, bool, error) {
	if c.CurrentState() == StateDegraded {
		return dhcpmodel.LeaseRecord{}, false, derrors.New(derrors.KindCoordination, "new allocation blocked: kv degraded")
	}
	ok, err := c.confirm(ctx, rec, leaseKey)
	if err != nil {
		return dhcpmodel.LeaseRecord{}, false, err
	}
	if ok {
		c.putCache(rec)
	}
	return rec, ok, nil
}

// confirm performs the probe-then-write sequence for one candidate
// record: read the reverse IP index; if it names a different active
// client, report conflict (ok=false); otherwise write the lease key and
// the index entry.
func (c *Coordinator) confirm(ctx context.Context, rec dhcpmodel.LeaseRecord, leaseKey string) (bool, error) {
	idxKey := indexKey(rec.Family, rec.Subnet, rec.IP)
	entry, found, err := c.store.Leases().Get(ctx, idxKey)
	if err != nil {
		return false, derrors.Wrap(err, derrors.KindCoordination, "ip index probe")
	}
	if found {
		var existing kvLease
		if jerr := json.Unmarshal(entry.Value, &existing); jerr == nil {
			if existing.ClientKey != rec.ClientKey && existing.State != dhcpmodel.StateReleased.String() && existing.State != dhcpmodel.StateExpired.String() {
				if !existing.ExpiresAt.Before(c.clock.Now()) {
					return false, nil
				}
			}
		}
	}

	payload, err := json.Marshal(kvLease{
		ClientKey: rec.ClientKey,
		IP:        rec.IP.String(),
		State:     rec.State.String(),
		ExpiresAt: rec.ExpiresAt,
		ServerID:  c.serverID,
	})
	if err != nil {
		return false, derrors.Wrap(err, derrors.KindCoordination, "marshal lease record")
	}
	if _, err := c.store.Leases().Put(ctx, leaseKey, payload); err != nil {
		return false, derrors.Wrap(err, derrors.KindCoordination, "write lease key")
	}
	if _, err := c.store.Leases().Put(ctx, idxKey, payload); err != nil {
		return false, derrors.Wrap(err, derrors.KindCoordination, "write ip index")
	}
	return true, nil
}

// RenewFromCache attempts to confirm a renewal from the in-memory renew
// cache without a KV round-trip. ok=false means the caller must fall back
// to a full confirm.
func (c *Coordinator) RenewFromCache(clientKey string, ip netip.Addr, now time.Time) (dhcpmodel.LeaseRecord, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	rec, ok := c.cache[clientKey]
	if !ok || rec.IP != ip || rec.Expired(now) {
		return dhcpmodel.LeaseRecord{}, false
	}
	return rec, true
}

func (c *Coordinator) putCache(rec dhcpmodel.LeaseRecord) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[rec.ClientKey] = rec
}

// Release performs the local release and best-effort propagates it to the
// KV; KV failures are logged, never returned, per the design's
// best-effort release/decline rule.
func (c *Coordinator) Release(ctx context.Context, family dhcpmodel.Family, subnet string, ip netip.Addr, clientKey, leaseKey string) error {
	if err := c.alloc.Release(subnet, ip, clientKey); err != nil {
		return err
	}
	c.cacheMu.Lock()
	delete(c.cache, clientKey)
	c.cacheMu.Unlock()

	idxKey := indexKey(family, subnet, ip)
	if err := c.store.Leases().Delete(ctx, idxKey); err != nil {
		c.log.Warn("best-effort kv release failed", zap.Error(err))
	}
	if err := c.store.Leases().Delete(ctx, leaseKey); err != nil {
		c.log.Warn("best-effort kv release failed", zap.Error(err))
	}
	return nil
}

// Decline probates ip locally and best-effort clears its KV index entry.
func (c *Coordinator) Decline(ctx context.Context, family dhcpmodel.Family, subnet string, ip netip.Addr, probationDeadline time.Time) error {
	if err := c.alloc.Probate(subnet, ip, probationDeadline); err != nil {
		return err
	}
	idxKey := indexKey(family, subnet, ip)
	if err := c.store.Leases().Delete(ctx, idxKey); err != nil {
		c.log.Warn("best-effort kv decline failed", zap.Error(err))
	}
	return nil
}

// GC scans the leases keyspace and deletes IP-index entries whose own
// payload is unreadable, non-Active or expired. It does not look up the
// lease key an index entry points to, and it does not rewrite lease keys
// to the Expired state.
func (c *Coordinator) GC(ctx context.Context, now time.Time) error {
	keys, err := c.store.Leases().Keys(ctx, "")
	if err != nil {
		return derrors.Wrap(err, derrors.KindCoordination, "gc list keys")
	}
	for _, k := range keys {
		if !isIndexKey(k) {
			continue
		}
		entry, ok, err := c.store.Leases().Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var rec kvLease
		if json.Unmarshal(entry.Value, &rec) != nil {
			_ = c.store.Leases().Delete(ctx, k)
			continue
		}
		if rec.State != dhcpmodel.StateReserved.String() && rec.State != dhcpmodel.StateLeased.String() {
			_ = c.store.Leases().Delete(ctx, k)
			continue
		}
		if rec.ExpiresAt.Before(now) {
			_ = c.store.Leases().Delete(ctx, k)
		}
	}
	return nil
}

func isIndexKey(k string) bool {
	for i := 0; i+3 <= len(k); i++ {
		if k[i:i+3] == "/ip" {
			return true
		}
	}
	return false
}

// Reconcile rebuilds the renew cache from Active KV records; called on
// transition back to Connected.
func (c *Coordinator) Reconcile(ctx context.Context) {
	keys, err := c.store.Leases().Keys(ctx, "")
	if err != nil {
		c.log.Warn("reconciliation list keys failed", zap.Error(err))
		return
	}
	rebuilt := make(map[string]dhcpmodel.LeaseRecord)
	var reconciled uint64
	for _, k := range keys {
		if isIndexKey(k) {
			continue
		}
		entry, ok, err := c.store.Leases().Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var rec kvLease
		if json.Unmarshal(entry.Value, &rec) != nil {
			continue
		}
		if rec.State != dhcpmodel.StateLeased.String() && rec.State != dhcpmodel.StateReserved.String() {
			continue
		}
		ip, perr := netip.ParseAddr(rec.IP)
		if perr != nil {
			continue
		}
		rebuilt[rec.ClientKey] = dhcpmodel.LeaseRecord{
			ClientKey: rec.ClientKey,
			IP:        ip,
			State:     dhcpmodel.StateLeased,
			ExpiresAt: rec.ExpiresAt,
			ServerID:  rec.ServerID,
		}
		reconciled++
	}
	c.cacheMu.Lock()
	c.cache = rebuilt
	c.cacheMu.Unlock()

	c.mu.Lock()
	c.reconciliations++
	c.recordsReconciled += reconciled
	c.mu.Unlock()
}

// Counters returns the reconciliations and records_reconciled counters
// for the metrics collector.
func (c *Coordinator) Counters() (reconciliations, recordsReconciled uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconciliations, c.recordsReconciled
}
