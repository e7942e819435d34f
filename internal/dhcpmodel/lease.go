// Package dhcpmodel holds the data types shared by the allocator, the
// lease store, the cluster coordinator, and the plugin pipeline: the
// LeaseRecord, NetworkConfig, Range, Reservation, ClientClass, MsgContext
// and HostOptionOverride types described by the design.
package dhcpmodel

import (
	"net/netip"
	"time"
)

// Family distinguishes DHCPv4 from DHCPv6 leases and keys.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// State is a LeaseRecord's place in the lease lifecycle DAG.
//
//	Reserved -> Leased
//	Reserved -> Released
//	Reserved -> Probated
//	Leased   -> Released
//	Leased   -> Probated
//	Leased   -> Expired
//	Probated -> (removed after probation)
//	Released, Expired -> (removable)
type State uint8

const (
	StateReserved State = iota
	StateLeased
	StateProbated
	StateReleased
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateLeased:
		return "leased"
	case StateProbated:
		return "probated"
	case StateReleased:
		return "released"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Active reports whether s is one of the Active states (Reserved, Leased).
func (s State) Active() bool {
	return s == StateReserved || s == StateLeased
}

// InfiniteLease is the sentinel far-future instant that represents a
// lease_duration of zero ("infinite") per the whole-second UTC semantics
// the allocator requires.
var InfiniteLease = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// LeaseRecord is the central allocation entity. See State for the
// lifecycle it participates in.
type LeaseRecord struct {
	LeaseID    string    `json:"lease_id"`
	Family     Family    `json:"family"`
	Subnet     string    `json:"subnet"` // CIDR string, e.g. "192.168.5.0/24"
	IP         netip.Addr `json:"ip"`
	ClientKey  string    `json:"client_key"`
	State      State     `json:"state"`
	ExpiresAt  time.Time `json:"expires_at"`
	ServerID   string    `json:"server_id"`
	Revision   uint64    `json:"revision"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for safe handoff across goroutines; the
// record contains no nested mutable collections, so a value copy suffices.
func (l LeaseRecord) Clone() LeaseRecord { return l }

// Expired reports whether the record's expiry is strictly before now, at
// whole-second UTC resolution as required by the allocator's numeric
// semantics.
func (l LeaseRecord) Expired(now time.Time) bool {
	return l.ExpiresAt.Truncate(time.Second).Before(now.Truncate(time.Second))
}

// ClampLeaseDuration clamps d to [min, max]; a duration of zero means
// "infinite" and is returned unchanged rather than clamped (ExpiryFor maps
// it to InfiniteLease).
func ClampLeaseDuration(d, min, max time.Duration) time.Duration {
	if d == 0 {
		return 0
	}
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// ExpiryFor computes the expires_at instant for a lease acquired at now
// with the given (already-clamped) duration; a zero duration maps to the
// infinite-lease sentinel.
func ExpiryFor(now time.Time, d time.Duration) time.Time {
	if d == 0 {
		return InfiniteLease
	}
	return now.Add(d).Truncate(time.Second)
}
