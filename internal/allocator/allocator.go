// Package allocator implements the local IP allocation engine: the
// single-node decision of which IP to hand a client, backed by a
// leasestore.Store. It knows nothing about clustering; the coordinator
// wraps it with the KV confirmation step.
package allocator

import (
	"net/netip"
	"time"

	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
	"github.com/coredora/coredora/internal/leasestore"
)

// Allocator is the local, single-node IP allocation engine described by
// reserve_first/try_ip/try_lease/release/probate/lookup_by_client.
type Allocator struct {
	store leasestore.Store
	clock leasestore.Clock
}

// New builds an Allocator over store. If clock is nil, RealClock is used.
func New(store leasestore.Store, clock leasestore.Clock) *Allocator {
	if clock == nil {
		clock = leasestore.RealClock{}
	}
	return &Allocator{store: store, clock: clock}
}

// ReserveFirst scans rng in ascending IP order (skipping rng.Except) and
// reserves the first IP that is either already bound to clientKey or
// expired. On success the record is written as Reserved.
func (a *Allocator) ReserveFirst(subnet string, rng *dhcpmodel.Range, clientKey string, now time.Time, leaseDuration time.Duration) (dhcpmodel.LeaseRecord, error) {
	// Sticky pass: prefer an IP already held by this client, even if a
	// lower IP in the range would otherwise win the scan.
	if existing, ok, err := a.store.GetByClient(subnet, clientKey); err != nil {
		return dhcpmodel.LeaseRecord{}, err
	} else if ok && rng.Contains(existing.IP) && existing.State.Active() {
		return a.reserveAt(subnet, existing.IP, clientKey, now, leaseDuration, existing.Revision)
	}

	var picked netip.Addr
	var pickedOK bool
	var pickedRevision uint64
	err := a.store.ScanRange(subnet, rng.Start, rng.End, func(rec dhcpmodel.LeaseRecord) (bool, error) {
		if _, excluded := rng.Except[rec.IP]; excluded {
			return true, nil
		}
		if rec.State == dhcpmodel.StateProbated && !rec.Expired(now) {
			return true, nil
		}
		if rec.ClientKey == clientKey || rec.Expired(now) {
			picked = rec.IP
			pickedOK = true
			pickedRevision = rec.Revision
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return dhcpmodel.LeaseRecord{}, err
	}
	if pickedOK {
		return a.reserveAt(subnet, picked, clientKey, now, leaseDuration, pickedRevision)
	}

	// No existing row matched (unbound gap in the range): walk addresses
	// directly, skipping anything the store already has a live row for.
	seen := make(map[netip.Addr]struct{})
	if err := a.store.ScanRange(subnet, rng.Start, rng.End, func(rec dhcpmodel.LeaseRecord) (bool, error) {
		seen[rec.IP] = struct{}{}
		return true, nil
	}); err != nil {
		return dhcpmodel.LeaseRecord{}, err
	}
	for ip := rng.Start; ip.Compare(rng.End) <= 0; ip = ip.Next() {
		if _, excluded := rng.Except[ip]; excluded {
			continue
		}
		if _, taken := seen[ip]; taken {
			continue
		}
		return a.reserveAt(subnet, ip, clientKey, now, leaseDuration, 0)
	}
	return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "range exhausted")
}

func (a *Allocator) reserveAt(subnet string, ip netip.Addr, clientKey string, now time.Time, leaseDuration time.Duration, expectRevision uint64) (dhcpmodel.LeaseRecord, error) {
	fam := dhcpmodel.FamilyV4
	if ip.Is6() && !ip.Is4In6() {
		fam = dhcpmodel.FamilyV6
	}
	rec := dhcpmodel.LeaseRecord{
		LeaseID:   newLeaseID(subnet, ip),
		Family:    fam,
		Subnet:    subnet,
		IP:        ip,
		ClientKey: clientKey,
		State:     dhcpmodel.StateReserved,
		ExpiresAt: dhcpmodel.ExpiryFor(now, leaseDuration),
		Revision:  expectRevision + 1,
		UpdatedAt: now,
	}
	ok, err := a.store.CompareAndSwap(subnet, ip, expectRevision, rec)
	if err != nil {
		return dhcpmodel.LeaseRecord{}, derrors.Wrap(err, derrors.KindStorage, "reserve_first write")
	}
	if !ok {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "reservation raced, retry")
	}
	return rec, nil
}

// TryIP attempts to reserve a specific ip. It succeeds if the IP is
// unbound, expired, or already held by clientKey. No internal retry: the
// caller (per the design's asymmetry between reserve_first and try_ip)
// falls back to range-based allocation on failure.
func (a *Allocator) TryIP(subnet string, ip netip.Addr, clientKey string, now time.Time, leaseDuration time.Duration) (dhcpmodel.LeaseRecord, error) {
	existing, ok, err := a.store.GetByIP(subnet, ip)
	if err != nil {
		return dhcpmodel.LeaseRecord{}, err
	}
	if ok && existing.State.Active() && !existing.Expired(now) && existing.ClientKey != clientKey {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "ip held by another client")
	}
	if ok && existing.State == dhcpmodel.StateProbated && !existing.Expired(now) {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "ip on probation")
	}
	var expectRevision uint64
	if ok {
		expectRevision = existing.Revision
	}
	return a.reserveAt(subnet, ip, clientKey, now, leaseDuration, expectRevision)
}

// TryLease transitions a Reserved or held-by-client record to Leased.
func (a *Allocator) TryLease(subnet string, ip netip.Addr, clientKey string, now time.Time, leaseDuration time.Duration) (dhcpmodel.LeaseRecord, error) {
	existing, ok, err := a.store.GetByIP(subnet, ip)
	if err != nil {
		return dhcpmodel.LeaseRecord{}, err
	}
	if !ok {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "no reservation to lease")
	}
	if existing.ClientKey != clientKey || !existing.State.Active() {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "reservation not held by client")
	}
	next := existing
	next.State = dhcpmodel.StateLeased
	next.ExpiresAt = dhcpmodel.ExpiryFor(now, leaseDuration)
	next.Revision = existing.Revision + 1
	next.UpdatedAt = now
	ok2, err := a.store.CompareAndSwap(subnet, ip, existing.Revision, next)
	if err != nil {
		return dhcpmodel.LeaseRecord{}, derrors.Wrap(err, derrors.KindStorage, "try_lease write")
	}
	if !ok2 {
		return dhcpmodel.LeaseRecord{}, derrors.New(derrors.KindAllocation, "lease raced, retry")
	}
	return next, nil
}

// Release deletes the record for (subnet, ip) if it belongs to clientKey;
// idempotent if absent. Best-effort per the design: callers must not
// propagate a failure here as a protocol error.
func (a *Allocator) Release(subnet string, ip netip.Addr, clientKey string) error {
	existing, ok, err := a.store.GetByIP(subnet, ip)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if existing.ClientKey != clientKey {
		return nil
	}
	return a.store.Delete(subnet, ip)
}

// Probate marks the record Probated with expires_at = probationDeadline,
// blocking selection until then. If no record exists at ip, one is
// created in the Probated state so future scans skip it.
func (a *Allocator) Probate(subnet string, ip netip.Addr, probationDeadline time.Time) error {
	existing, ok, err := a.store.GetByIP(subnet, ip)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	if !ok {
		rec := dhcpmodel.LeaseRecord{
			LeaseID:   newLeaseID(subnet, ip),
			Subnet:    subnet,
			IP:        ip,
			State:     dhcpmodel.StateProbated,
			ExpiresAt: probationDeadline,
			Revision:  1,
			UpdatedAt: now,
		}
		_, err := a.store.CompareAndSwap(subnet, ip, 0, rec)
		return err
	}
	next := existing
	next.State = dhcpmodel.StateProbated
	next.ExpiresAt = probationDeadline
	next.Revision = existing.Revision + 1
	next.UpdatedAt = now
	_, err = a.store.CompareAndSwap(subnet, ip, existing.Revision, next)
	return err
}

// LookupByClient returns the Active record for clientKey, if any.
func (a *Allocator) LookupByClient(subnet, clientKey string, now time.Time) (dhcpmodel.LeaseRecord, bool, error) {
	rec, ok, err := a.store.GetByClient(subnet, clientKey)
	if err != nil || !ok {
		return dhcpmodel.LeaseRecord{}, false, err
	}
	if !rec.State.Active() || rec.Expired(now) {
		return dhcpmodel.LeaseRecord{}, false, nil
	}
	return rec, true, nil
}

func newLeaseID(subnet string, ip netip.Addr) string {
	return subnet + "/" + ip.String()
}
