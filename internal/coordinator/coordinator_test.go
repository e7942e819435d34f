package coordinator

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredora/coredora/internal/allocator"
	"github.com/coredora/coredora/internal/dhcpmodel"
	"github.com/coredora/coredora/internal/kv"
)

type memLeaseStore struct {
	rows map[string]dhcpmodel.LeaseRecord
}

func newMemLeaseStore() *memLeaseStore { return &memLeaseStore{rows: map[string]dhcpmodel.LeaseRecord{}} }

func lkey(subnet string, ip netip.Addr) string { return subnet + "|" + ip.String() }

func (m *memLeaseStore) GetByIP(subnet string, ip netip.Addr) (dhcpmodel.LeaseRecord, bool, error) {
	r, ok := m.rows[lkey(subnet, ip)]
	return r, ok, nil
}

func (m *memLeaseStore) GetByClient(subnet, clientKey string) (dhcpmodel.LeaseRecord, bool, error) {
	for _, r := range m.rows {
		if r.Subnet == subnet && r.ClientKey == clientKey && r.State.Active() {
			return r, true, nil
		}
	}
	return dhcpmodel.LeaseRecord{}, false, nil
}

func (m *memLeaseStore) ScanRange(subnet string, start, end netip.Addr, fn func(dhcpmodel.LeaseRecord) (bool, error)) error {
	for ip := start; ip.Compare(end) <= 0; ip = ip.Next() {
		if r, ok := m.rows[lkey(subnet, ip)]; ok {
			cont, err := fn(r)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if ip == end {
			break
		}
	}
	return nil
}

func (m *memLeaseStore) Insert(rec dhcpmodel.LeaseRecord) error {
	m.rows[lkey(rec.Subnet, rec.IP)] = rec
	return nil
}

func (m *memLeaseStore) CompareAndSwap(subnet string, ip netip.Addr, expectRevision uint64, next dhcpmodel.LeaseRecord) (bool, error) {
	cur, ok := m.rows[lkey(subnet, ip)]
	if expectRevision == 0 {
		if ok && cur.State.Active() {
			return false, nil
		}
		m.rows[lkey(subnet, ip)] = next
		return true, nil
	}
	if !ok || cur.Revision != expectRevision {
		return false, nil
	}
	m.rows[lkey(subnet, ip)] = next
	return true, nil
}

func (m *memLeaseStore) Delete(subnet string, ip netip.Addr) error {
	delete(m.rows, lkey(subnet, ip))
	return nil
}

func (m *memLeaseStore) CountByState(subnet string) (map[dhcpmodel.State]int, error) {
	out := map[dhcpmodel.State]int{}
	for _, r := range m.rows {
		if r.Subnet == subnet {
			out[r.State]++
		}
	}
	return out, nil
}

func TestReserveConfirmsAgainstKVAndCaches(t *testing.T) {
	store := newMemLeaseStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alloc := allocator.New(store, fixedClock{now})
	c := New(alloc, kv.NewMemStore(), nil, "server-1", time.Minute)

	rng := &dhcpmodel.Range{Start: netip.MustParseAddr("10.0.0.10"), End: netip.MustParseAddr("10.0.0.20"), DefaultLease: time.Hour}
	rec, err := c.Reserve(context.Background(), "net1", LeaseKeyV4("net1", "client-A"), time.Hour, func() (dhcpmodel.LeaseRecord, error) {
		return alloc.ReserveFirst("net1", rng, "client-A", now, time.Hour)
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", rec.IP.String())

	cached, ok := c.RenewFromCache("client-A", rec.IP, now)
	require.True(t, ok)
	assert.Equal(t, rec.IP, cached.IP)
}

func TestDegradedBlocksNewAllocationsButServesCache(t *testing.T) {
	store := newMemLeaseStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alloc := allocator.New(store, fixedClock{now})
	c := New(alloc, kv.NewMemStore(), nil, "server-1", time.Minute)
	c.mu.Lock()
	c.state = StateDegraded
	c.mu.Unlock()

	rng := &dhcpmodel.Range{Start: netip.MustParseAddr("10.0.0.10"), End: netip.MustParseAddr("10.0.0.20"), DefaultLease: time.Hour}
	_, err := c.Reserve(context.Background(), "net1", LeaseKeyV4("net1", "client-A"), time.Hour, func() (dhcpmodel.LeaseRecord, error) {
		return alloc.ReserveFirst("net1", rng, "client-A", now, time.Hour)
	})
	assert.Error(t, err)

	c.putCache(dhcpmodel.LeaseRecord{ClientKey: "client-B", IP: netip.MustParseAddr("10.0.0.11"), State: dhcpmodel.StateLeased, ExpiresAt: now.Add(time.Hour)})
	cached, ok := c.RenewFromCache("client-B", netip.MustParseAddr("10.0.0.11"), now)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.11", cached.IP.String())
}

func TestReleaseDeletesIndexForItsOwnFamily(t *testing.T) {
	store := newMemLeaseStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alloc := allocator.New(store, fixedClock{now})
	mem := kv.NewMemStore()
	c := New(alloc, mem, nil, "server-1", time.Minute)

	ip := netip.MustParseAddr("2001:db8::10")
	require.NoError(t, store.Insert(dhcpmodel.LeaseRecord{
		Subnet: "net1", IP: ip, ClientKey: "duid123/7", Family: dhcpmodel.FamilyV6,
		State: dhcpmodel.StateLeased, ExpiresAt: now.Add(time.Hour),
	}))
	v6Key := indexKey(dhcpmodel.FamilyV6, "net1", ip)
	_, err := mem.Leases().Put(context.Background(), v6Key, []byte(`{}`))
	require.NoError(t, err)

	// A stale v4 index entry at the same subnet/ip must survive a v6
	// release: each family owns its own index key.
	v4Key := indexKey(dhcpmodel.FamilyV4, "net1", ip)
	_, err = mem.Leases().Put(context.Background(), v4Key, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, c.Release(context.Background(), dhcpmodel.FamilyV6, "net1", ip, "duid123/7", LeaseKeyV6("net1", "duid123", 7)))

	_, ok, err := mem.Leases().Get(context.Background(), v6Key)
	require.NoError(t, err)
	assert.False(t, ok, "release must delete its own family's index entry")

	_, ok, err = mem.Leases().Get(context.Background(), v4Key)
	require.NoError(t, err)
	assert.True(t, ok, "release must not touch another family's index entry")
}

func TestSelfTestAndReconcile(t *testing.T) {
	store := newMemLeaseStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alloc := allocator.New(store, fixedClock{now})
	mem := kv.NewMemStore()
	c := New(alloc, mem, nil, "server-1", time.Minute)

	require.NoError(t, mem.SelfTest(context.Background()))

	rng := &dhcpmodel.Range{Start: netip.MustParseAddr("10.0.0.10"), End: netip.MustParseAddr("10.0.0.10"), DefaultLease: time.Hour}
	_, err := c.Reserve(context.Background(), "net1", LeaseKeyV4("net1", "client-A"), time.Hour, func() (dhcpmodel.LeaseRecord, error) {
		return alloc.ReserveFirst("net1", rng, "client-A", now, time.Hour)
	})
	require.NoError(t, err)

	c.Reconcile(context.Background())
	reconciliations, recordsReconciled := c.Counters()
	assert.Equal(t, uint64(1), reconciliations)
	assert.GreaterOrEqual(t, recordsReconciled, uint64(1))
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }
