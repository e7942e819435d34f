package plugins

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredora/coredora/internal/allocator"
	"github.com/coredora/coredora/internal/dhcpmodel"
)

type fakeLeaseStore struct {
	rows map[string]dhcpmodel.LeaseRecord
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{rows: map[string]dhcpmodel.LeaseRecord{}}
}

func leaseKey(subnet string, ip netip.Addr) string { return subnet + "|" + ip.String() }

func (s *fakeLeaseStore) GetByIP(subnet string, ip netip.Addr) (dhcpmodel.LeaseRecord, bool, error) {
	r, ok := s.rows[leaseKey(subnet, ip)]
	return r, ok, nil
}

func (s *fakeLeaseStore) GetByClient(subnet, clientKey string) (dhcpmodel.LeaseRecord, bool, error) {
	for _, r := range s.rows {
		if r.Subnet == subnet && r.ClientKey == clientKey && r.State.Active() {
			return r, true, nil
		}
	}
	return dhcpmodel.LeaseRecord{}, false, nil
}

func (s *fakeLeaseStore) ScanRange(subnet string, start, end netip.Addr, fn func(dhcpmodel.LeaseRecord) (bool, error)) error {
	for ip := start; ; ip = ip.Next() {
		if r, ok := s.rows[leaseKey(subnet, ip)]; ok {
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

func (s *fakeLeaseStore) Insert(rec dhcpmodel.LeaseRecord) error {
	s.rows[leaseKey(rec.Subnet, rec.IP)] = rec
	return nil
}

func (s *fakeLeaseStore) CompareAndSwap(subnet string, ip netip.Addr, expectRevision uint64, next dhcpmodel.LeaseRecord) (bool, error) {
	cur, ok := s.rows[leaseKey(subnet, ip)]
	if expectRevision == 0 {
		if ok && cur.State.Active() {
			return false, nil
		}
		s.rows[leaseKey(subnet, ip)] = next
		return true, nil
	}
	if !ok || cur.Revision != expectRevision {
		return false, nil
	}
	s.rows[leaseKey(subnet, ip)] = next
	return true, nil
}

func (s *fakeLeaseStore) Delete(subnet string, ip netip.Addr) error {
	delete(s.rows, leaseKey(subnet, ip))
	return nil
}

func (s *fakeLeaseStore) CountByState(subnet string) (map[dhcpmodel.State]int, error) {
	out := map[dhcpmodel.State]int{}
	for _, r := range s.rows {
		if r.Subnet == subnet {
			out[r.State]++
		}
	}
	return out, nil
}

func testNetworkV4() *dhcpmodel.NetworkConfig {
	return &dhcpmodel.NetworkConfig{
		Subnet: netip.MustParsePrefix("10.0.0.0/24"),
		Ranges: []*dhcpmodel.Range{{
			Start:        netip.MustParseAddr("10.0.0.10"),
			End:          netip.MustParseAddr("10.0.0.20"),
			Except:       map[netip.Addr]struct{}{},
			DefaultLease: time.Hour,
		}},
		DefaultLease:    time.Hour,
		ProbationPeriod: time.Minute,
		Authoritative:   true,
	}
}

func TestAllocateV4PluginDiscoverReservesFirstFreeIP(t *testing.T) {
	store := newFakeLeaseStore()
	alloc := allocator.New(store, nil)
	p := NewAllocateV4(alloc, nil, nil, nil)

	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.Subnet = testNetworkV4()
	msg.ClientKey = "v4/mac/aabbccddee01"

	outcome := p.Handle(context.Background(), msg)

	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	assert.Equal(t, netip.MustParseAddr("10.0.0.10"), msg.CandidateIP)
}

func TestAllocateV4PluginRequestConfirmsLease(t *testing.T) {
	store := newFakeLeaseStore()
	alloc := allocator.New(store, nil)
	p := NewAllocateV4(alloc, nil, nil, nil)

	chaddr := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	clientKey := "v4/mac/aabbccddee01"

	discover, err := dhcpv4.NewDiscovery(chaddr)
	require.NoError(t, err)
	discoverMsg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	discoverMsg.Packet = discover
	discoverMsg.Subnet = testNetworkV4()
	discoverMsg.ClientKey = clientKey
	require.Equal(t, dhcpmodel.OutcomeContinue, p.Handle(context.Background(), discoverMsg))

	req, err := dhcpv4.NewRequestFromOffer(mustOffer(t, discover, discoverMsg.CandidateIP))
	require.NoError(t, err)

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.Subnet = testNetworkV4()
	msg.ClientKey = clientKey

	outcome := p.Handle(context.Background(), msg)
	assert.Equal(t, dhcpmodel.OutcomeContinue, outcome)
	assert.Equal(t, discoverMsg.CandidateIP, msg.CandidateIP)
}

func mustOffer(t *testing.T, discover *dhcpv4.DHCPv4, ip netip.Addr) *dhcpv4.DHCPv4 {
	t.Helper()
	offer, err := dhcpv4.NewReplyFromRequest(discover)
	require.NoError(t, err)
	offer.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
	offer.YourIPAddr = net.IP(ip.AsSlice())
	return offer
}

func TestAllocateV4PluginDeclineProbatesIP(t *testing.T) {
	store := newFakeLeaseStore()
	alloc := allocator.New(store, nil)
	p := NewAllocateV4(alloc, nil, nil, nil)
	net4 := testNetworkV4()

	chaddr := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	req, err := dhcpv4.New()
	require.NoError(t, err)
	req.OpCode = dhcpv4.OpcodeBootRequest
	req.ClientHWAddr = chaddr
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeDecline))
	req.UpdateOption(dhcpv4.OptRequestedIPAddress(net.IP{10, 0, 0, 10}))

	msg := dhcpmodel.NewMsgContext(dhcpmodel.FamilyV4, "eth0")
	msg.Packet = req
	msg.Subnet = net4
	msg.ClientKey = "v4/mac/aabbccddee01"

	outcome := p.Handle(context.Background(), msg)
	assert.Equal(t, dhcpmodel.OutcomeNoResponse, outcome)

	states, err := store.CountByState(net4.Subnet.String())
	require.NoError(t, err)
	assert.Equal(t, 1, states[dhcpmodel.StateProbated])
}
