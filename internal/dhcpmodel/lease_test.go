package dhcpmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateStringValues(t *testing.T) {
	cases := map[State]string{
		StateReserved: "reserved",
		StateLeased:   "leased",
		StateProbated: "probated",
		StateReleased: "released",
		StateExpired:  "expired",
	}
	for s, want := range cases {
		assert.Equal(t, want, s.String())
	}
}

func TestStateActive(t *testing.T) {
	assert.True(t, StateReserved.Active())
	assert.True(t, StateLeased.Active())
	assert.False(t, StateProbated.Active())
	assert.False(t, StateReleased.Active())
	assert.False(t, StateExpired.Active())
}

func TestFamilyString(t *testing.T) {
	assert.Equal(t, "v4", FamilyV4.String())
	assert.Equal(t, "v6", FamilyV6.String())
}

func TestLeaseRecordExpired(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	rec := LeaseRecord{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, rec.Expired(now))

	rec2 := LeaseRecord{ExpiresAt: now.Add(time.Second)}
	assert.False(t, rec2.Expired(now))
}

func TestClampLeaseDurationZeroMeansInfinite(t *testing.T) {
	assert.Equal(t, time.Duration(0), ClampLeaseDuration(0, time.Minute, time.Hour))
}

func TestClampLeaseDurationClampsToBounds(t *testing.T) {
	assert.Equal(t, time.Minute, ClampLeaseDuration(time.Second, time.Minute, time.Hour))
	assert.Equal(t, time.Hour, ClampLeaseDuration(2*time.Hour, time.Minute, time.Hour))
	assert.Equal(t, 30*time.Minute, ClampLeaseDuration(30*time.Minute, time.Minute, time.Hour))
}

func TestExpiryForZeroDurationReturnsInfiniteSentinel(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, InfiniteLease, ExpiryFor(now, 0))
}

func TestExpiryForAddsDurationTruncatedToSecond(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 500_000_000, time.UTC)
	got := ExpiryFor(now, time.Hour)
	want := now.Add(time.Hour).Truncate(time.Second)
	assert.Equal(t, want, got)
}
