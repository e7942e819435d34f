package allocator

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

type memStore struct {
	rows map[string]dhcpmodel.LeaseRecord // key: subnet + "/" + ip.String()
}

func newMemStore() *memStore { return &memStore{rows: map[string]dhcpmodel.LeaseRecord{}} }

func key(subnet string, ip netip.Addr) string { return subnet + "|" + ip.String() }

func (m *memStore) GetByIP(subnet string, ip netip.Addr) (dhcpmodel.LeaseRecord, bool, error) {
	r, ok := m.rows[key(subnet, ip)]
	return r, ok, nil
}

func (m *memStore) GetByClient(subnet, clientKey string) (dhcpmodel.LeaseRecord, bool, error) {
	for _, r := range m.rows {
		if r.Subnet == subnet && r.ClientKey == clientKey && r.State.Active() {
			return r, true, nil
		}
	}
	return dhcpmodel.LeaseRecord{}, false, nil
}

func (m *memStore) ScanRange(subnet string, start, end netip.Addr, fn func(dhcpmodel.LeaseRecord) (bool, error)) error {
	for ip := start; ip.Compare(end) <= 0; ip = ip.Next() {
		r, ok := m.rows[key(subnet, ip)]
		if !ok {
			continue
		}
		cont, err := fn(r)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		if ip == end {
			break
		}
	}
	return nil
}

func (m *memStore) Insert(rec dhcpmodel.LeaseRecord) error {
	m.rows[key(rec.Subnet, rec.IP)] = rec
	return nil
}

func (m *memStore) CompareAndSwap(subnet string, ip netip.Addr, expectRevision uint64, next dhcpmodel.LeaseRecord) (bool, error) {
	cur, ok := m.rows[key(subnet, ip)]
	if expectRevision == 0 {
		if ok && cur.State.Active() {
			return false, nil
		}
		m.rows[key(subnet, ip)] = next
		return true, nil
	}
	if !ok || cur.Revision != expectRevision {
		return false, nil
	}
	m.rows[key(subnet, ip)] = next
	return true, nil
}

func (m *memStore) Delete(subnet string, ip netip.Addr) error {
	delete(m.rows, key(subnet, ip))
	return nil
}

func (m *memStore) CountByState(subnet string) (map[dhcpmodel.State]int, error) {
	out := map[dhcpmodel.State]int{}
	for _, r := range m.rows {
		if r.Subnet == subnet {
			out[r.State]++
		}
	}
	return out, nil
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func testRange() *dhcpmodel.Range {
	return &dhcpmodel.Range{
		Start:        netip.MustParseAddr("10.0.0.10"),
		End:          netip.MustParseAddr("10.0.0.20"),
		Except:       map[netip.Addr]struct{}{netip.MustParseAddr("10.0.0.15"): {}},
		DefaultLease: time.Hour,
	}
}

func TestReserveFirstSkipsExceptionAndScansInOrder(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(store, fixedClock{now})

	var got []netip.Addr
	for i := 0; i < 10; i++ {
		rec, err := a.ReserveFirst("net1", testRange(), clientKeyN(i), now, time.Hour)
		require.NoError(t, err)
		got = append(got, rec.IP)
		_, err = a.TryLease("net1", rec.IP, clientKeyN(i), now, time.Hour)
		require.NoError(t, err)
	}

	want := []string{
		"10.0.0.10", "10.0.0.11", "10.0.0.12", "10.0.0.13", "10.0.0.14",
		"10.0.0.16", "10.0.0.17", "10.0.0.18", "10.0.0.19", "10.0.0.20",
	}
	for i, ip := range got {
		assert.Equal(t, want[i], ip.String())
	}
}

func clientKeyN(i int) string {
	return string(rune('a' + i))
}

func TestLeaseRoundTripThenRelease(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(store, fixedClock{now})

	rec, err := a.ReserveFirst("net1", testRange(), "client-A", now, time.Hour)
	require.NoError(t, err)
	leased, err := a.TryLease("net1", rec.IP, "client-A", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, dhcpmodel.StateLeased, leased.State)

	require.NoError(t, a.Release("net1", rec.IP, "client-A"))

	// A different client should now be able to obtain the freed IP.
	rec2, err := a.ReserveFirst("net1", testRange(), "client-B", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, rec.IP, rec2.IP)
}

func TestRenewalIsSticky(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(store, fixedClock{now})

	rec, err := a.ReserveFirst("net1", testRange(), "client-A", now, time.Hour)
	require.NoError(t, err)
	_, err = a.TryLease("net1", rec.IP, "client-A", now, time.Hour)
	require.NoError(t, err)

	later := now.Add(30 * time.Minute)
	rec2, err := a.ReserveFirst("net1", testRange(), "client-A", later, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, rec.IP, rec2.IP, "renewing client must keep the same IP")
}

func TestProbationBlocksSelectionUntilExpiry(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(store, fixedClock{now})

	rng := &dhcpmodel.Range{
		Start:        netip.MustParseAddr("10.0.0.10"),
		End:          netip.MustParseAddr("10.0.0.10"),
		DefaultLease: time.Hour,
	}

	deadline := now.Add(24 * time.Hour)
	require.NoError(t, a.Probate("net1", netip.MustParseAddr("10.0.0.10"), deadline))

	_, err := a.ReserveFirst("net1", rng, "client-A", now, time.Hour)
	assert.Error(t, err, "probated ip must not be selectable before its deadline")

	after := deadline.Add(time.Second)
	rec, err := a.ReserveFirst("net1", rng, "client-A", after, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", rec.IP.String())
}

func TestTryIPRejectsIPHeldByAnotherActiveClient(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(store, fixedClock{now})

	ip := netip.MustParseAddr("10.0.0.50")
	_, err := a.TryIP("net1", ip, "client-A", now, time.Hour)
	require.NoError(t, err)
	_, err = a.TryLease("net1", ip, "client-A", now, time.Hour)
	require.NoError(t, err)

	_, err = a.TryIP("net1", ip, "client-B", now, time.Hour)
	assert.Error(t, err)
}
