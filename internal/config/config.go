// Package config loads coredora's YAML configuration file and normalizes
// it into the dhcpmodel types the classifier, allocator, and plugin
// pipeline consume. It is the one place that knows about the on-disk
// schema; everything downstream works against dhcpmodel.NetworkConfig,
// *classify.Class, and the other already-normalized types.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coredora/coredora/internal/classify"
	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
)

// File is the raw YAML document shape.
type File struct {
	ServerID string      `yaml:"server_id"`
	Cluster  ClusterFile `yaml:"cluster"`
	DDNS     DDNSFile    `yaml:"ddns"`
	Classes  []ClassFile `yaml:"classes"`
	Networks []NetworkFile `yaml:"networks"`
}

// ClusterFile configures the NATS JetStream-backed KV store.
type ClusterFile struct {
	Enabled     bool     `yaml:"enabled"`
	NATSServers []string `yaml:"nats_servers"`
	Bucket      string   `yaml:"bucket"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DDNSFile configures the dynamic DNS update client.
type DDNSFile struct {
	Enabled       bool          `yaml:"enabled"`
	Server        string        `yaml:"server"`
	Zone          string        `yaml:"zone"`
	PTRZone       string        `yaml:"ptr_zone"`
	TSIGKeyName   string        `yaml:"tsig_key_name"`
	TSIGAlgorithm string        `yaml:"tsig_algorithm"`
	TSIGSecret    string        `yaml:"tsig_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxInFlight   int           `yaml:"max_in_flight"`
}

// OptionFile is one option value attached to a network, range,
// reservation, or class. Exactly one of Hex, Text, IP, IPList should be
// set; Hex wins if more than one is present.
type OptionFile struct {
	Code   uint32   `yaml:"code"`
	Hex    string   `yaml:"hex"`
	Text   string   `yaml:"text"`
	IP     string   `yaml:"ip"`
	IPList []string `yaml:"ip_list"`
}

// ClassFile is a named classifier predicate plus the options it grants
// when matched.
type ClassFile struct {
	Name    string       `yaml:"name"`
	Expr    string       `yaml:"expr"`
	Options []OptionFile `yaml:"options"`
}

// RangeFile is a contiguous address interval within a network.
type RangeFile struct {
	Start        string       `yaml:"start"`
	End          string       `yaml:"end"`
	Except       []string     `yaml:"except"`
	Class        string       `yaml:"class"`
	MinLease     time.Duration `yaml:"min_lease"`
	MaxLease     time.Duration `yaml:"max_lease"`
	DefaultLease time.Duration `yaml:"default_lease"`
	Options      []OptionFile `yaml:"options"`
}

// ReservationFile binds a fixed or match-selected IP to a chaddr or
// option predicate.
type ReservationFile struct {
	IP         string       `yaml:"ip"`
	ChAddr     string       `yaml:"chaddr"`
	OptionCode uint32       `yaml:"option_code"`
	OptionHex  string       `yaml:"option_hex"`
	Options    []OptionFile `yaml:"options"`
}

// NetworkFile is one subnet's full configuration.
type NetworkFile struct {
	Subnet          string            `yaml:"subnet"`
	Interfaces      []string          `yaml:"interfaces"`
	Ranges          []RangeFile       `yaml:"ranges"`
	Reservations    []ReservationFile `yaml:"reservations"`
	Exceptions      []string          `yaml:"exceptions"`
	ProbationPeriod time.Duration     `yaml:"probation_period"`
	PingCheck       bool              `yaml:"ping_check"`
	PingTimeout     time.Duration     `yaml:"ping_timeout"`
	Authoritative   bool              `yaml:"authoritative"`
	ServerID        string            `yaml:"server_id"`
	ServerName      string            `yaml:"server_name"`
	FileName        string            `yaml:"file_name"`
	DefaultLease    time.Duration     `yaml:"default_lease"`
	MinLease        time.Duration     `yaml:"min_lease"`
	MaxLease        time.Duration     `yaml:"max_lease"`
	Options         []OptionFile      `yaml:"options"`
}

// Normalized is the result of loading and validating a File: the
// dhcpmodel networks ready for the allocator, and classes already
// ordered by classify.Order.
type Normalized struct {
	ServerID string
	Cluster  ClusterFile
	DDNS     DDNSFile
	Classes  []*classify.Class
	Networks []*dhcpmodel.NetworkConfig
}

// Load reads and parses the YAML file at path, then normalizes it.
func Load(path string) (*Normalized, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, derrors.Wrapf(err, derrors.KindConfig, "read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, derrors.Wrapf(err, derrors.KindConfig, "parse %s", path)
	}
	return Build(&f)
}

// Build normalizes a parsed File into dhcpmodel types, validating class
// expressions, class dependency order, and every network's structural
// invariants up front so a malformed config fails at startup rather than
// mid-request.
func Build(f *File) (*Normalized, error) {
	classes := make([]*classify.Class, 0, len(f.Classes))
	for _, cf := range f.Classes {
		cls, err := classify.Compile(cf.Name, cf.Expr)
		if err != nil {
			return nil, derrors.Wrapf(err, derrors.KindConfig, "class %q", cf.Name)
		}
		cls.Options = optionSet(cf.Options)
		classes = append(classes, cls)
	}
	ordered, err := classify.Order(classes)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindConfig, "class ordering")
	}

	networks := make([]*dhcpmodel.NetworkConfig, 0, len(f.Networks))
	for _, nf := range f.Networks {
		n, err := buildNetwork(nf, f.ServerID)
		if err != nil {
			return nil, err
		}
		networks = append(networks, n)
	}

	return &Normalized{
		ServerID: f.ServerID,
		Cluster:  f.Cluster,
		DDNS:     f.DDNS,
		Classes:  ordered,
		Networks: networks,
	}, nil
}

func buildNetwork(nf NetworkFile, defaultServerID string) (*dhcpmodel.NetworkConfig, error) {
	subnet, err := netip.ParsePrefix(nf.Subnet)
	if err != nil {
		return nil, derrors.Wrapf(err, derrors.KindConfig, "network %s: invalid subnet", nf.Subnet)
	}
	subnet = subnet.Masked()

	n := &dhcpmodel.NetworkConfig{
		Subnet:          subnet,
		Interfaces:      nf.Interfaces,
		ProbationPeriod: nf.ProbationPeriod,
		PingCheck:       nf.PingCheck,
		PingTimeout:     nf.PingTimeout,
		Authoritative:   nf.Authoritative,
		ServerID:        firstNonEmpty(nf.ServerID, defaultServerID),
		ServerName:      nf.ServerName,
		FileName:        nf.FileName,
		DefaultLease:    nf.DefaultLease,
		MinLease:        nf.MinLease,
		MaxLease:        nf.MaxLease,
		Options:         optionSet(nf.Options),
		Exceptions:      addrSet(nf.Exceptions),
	}

	for i, rf := range nf.Ranges {
		r, err := buildRange(rf)
		if err != nil {
			return nil, derrors.Wrapf(err, derrors.KindConfig, "network %s: range %d", nf.Subnet, i)
		}
		n.Ranges = append(n.Ranges, r)
	}
	for i, resf := range nf.Reservations {
		r, err := buildReservation(resf)
		if err != nil {
			return nil, derrors.Wrapf(err, derrors.KindConfig, "network %s: reservation %d", nf.Subnet, i)
		}
		n.Reservations = append(n.Reservations, r)
	}

	if err := n.Validate(); err != nil {
		return nil, derrors.Wrap(err, derrors.KindConfig, "network validation")
	}
	return n, nil
}

func buildRange(rf RangeFile) (*dhcpmodel.Range, error) {
	start, err := netip.ParseAddr(rf.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := netip.ParseAddr(rf.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return &dhcpmodel.Range{
		Start:        start,
		End:          end,
		Except:       addrSet(rf.Except),
		Options:      optionSet(rf.Options),
		MinLease:     rf.MinLease,
		MaxLease:     rf.MaxLease,
		DefaultLease: rf.DefaultLease,
		ClassName:    rf.Class,
	}, nil
}

func buildReservation(rf ReservationFile) (*dhcpmodel.Reservation, error) {
	res := &dhcpmodel.Reservation{Options: optionSet(rf.Options)}
	if rf.IP != "" {
		ip, err := netip.ParseAddr(rf.IP)
		if err != nil {
			return nil, fmt.Errorf("ip: %w", err)
		}
		res.IP = ip
	}
	switch {
	case rf.ChAddr != "":
		hw, err := net.ParseMAC(rf.ChAddr)
		if err != nil {
			return nil, fmt.Errorf("chaddr: %w", err)
		}
		res.Match = dhcpmodel.ReservationMatch{ChAddr: hw}
	case rf.OptionHex != "":
		raw, err := decodeHex(rf.OptionHex)
		if err != nil {
			return nil, fmt.Errorf("option_hex: %w", err)
		}
		res.Match = dhcpmodel.ReservationMatch{OptionCode: rf.OptionCode, OptionRaw: raw}
	case !res.IP.IsValid():
		return nil, fmt.Errorf("reservation has neither a fixed ip nor a match predicate")
	}
	return res, nil
}

func optionSet(opts []OptionFile) *dhcpmodel.OptionSet {
	set := dhcpmodel.NewOptionSet()
	for _, o := range opts {
		raw, err := optionBytes(o)
		if err != nil {
			continue
		}
		set.Set(o.Code, raw)
	}
	return set
}

func optionBytes(o OptionFile) ([]byte, error) {
	switch {
	case o.Hex != "":
		return decodeHex(o.Hex)
	case o.IP != "":
		ip, err := netip.ParseAddr(o.IP)
		if err != nil {
			return nil, err
		}
		return ip.AsSlice(), nil
	case len(o.IPList) > 0:
		var out []byte
		for _, s := range o.IPList {
			ip, err := netip.ParseAddr(s)
			if err != nil {
				return nil, err
			}
			out = append(out, ip.AsSlice()...)
		}
		return out, nil
	default:
		return []byte(o.Text), nil
	}
}

func decodeHex(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)/2)
	hi := -1
	for _, r := range s {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'a' && r <= 'f':
			v = int(r-'a') + 10
		case r >= 'A' && r <= 'F':
			v = int(r-'A') + 10
		case r == ':' || r == ' ' || r == '-':
			continue
		default:
			return nil, fmt.Errorf("invalid hex digit %q", r)
		}
		if hi < 0 {
			hi = v
			continue
		}
		out = append(out, byte(hi<<4|v))
		hi = -1
	}
	if hi >= 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	return out, nil
}

func addrSet(addrs []string) map[netip.Addr]struct{} {
	if len(addrs) == 0 {
		return nil
	}
	out := make(map[netip.Addr]struct{}, len(addrs))
	for _, s := range addrs {
		if ip, err := netip.ParseAddr(s); err == nil {
			out[ip] = struct{}{}
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
