// Package leasestore implements the local, durable record of lease state
// that backs the IP allocator: {ip, client-id, state, expiry, network}.
package leasestore

import (
	"net/netip"
	"time"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

// Store is the persistence contract the allocator needs: point read by
// (subnet, ip); point read by (subnet, client_key); ordered range scan by
// ip; conditional update by ip; insert; delete; aggregate counts by state.
type Store interface {
	// GetByIP returns the record at (subnet, ip), or ok=false if absent.
	GetByIP(subnet string, ip netip.Addr) (rec dhcpmodel.LeaseRecord, ok bool, err error)

	// GetByClient returns the Active record for (subnet, client_key), or
	// ok=false if absent.
	GetByClient(subnet, clientKey string) (rec dhcpmodel.LeaseRecord, ok bool, err error)

	// ScanRange iterates records in [start, end] in ascending IP order,
	// invoking fn for each. fn returning false stops the scan early. Only
	// records for subnet are visited.
	ScanRange(subnet string, start, end netip.Addr, fn func(dhcpmodel.LeaseRecord) (cont bool, err error)) error

	// Insert writes a brand new record; it is an error if one already
	// exists at (subnet, ip).
	Insert(rec dhcpmodel.LeaseRecord) error

	// CompareAndSwap updates the record at (subnet, ip) only if its current
	// revision equals expectRevision. With expectRevision 0 it succeeds when
	// no Active record exists at (subnet, ip), replacing a non-Active one.
	// Returns ok=false on mismatch without error, so callers can retry.
	CompareAndSwap(subnet string, ip netip.Addr, expectRevision uint64, next dhcpmodel.LeaseRecord) (ok bool, err error)

	// Delete removes the record at (subnet, ip); idempotent if absent.
	Delete(subnet string, ip netip.Addr) error

	// CountByState returns, for subnet, the number of records in each
	// state.
	CountByState(subnet string) (map[dhcpmodel.State]int, error)
}

// Clock abstracts time.Now for deterministic tests; production code uses
// RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock returns the wall-clock time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
