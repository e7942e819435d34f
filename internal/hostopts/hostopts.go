// Package hostopts implements the per-host option override lookup: a
// KV-backed store consulted with a priority-ordered fallback chain so a
// single override can be scoped to a subnet+identity, just an identity,
// or (v6) a DUID without an IAID.
package hostopts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
	"github.com/coredora/coredora/internal/kv"
)

// record is the small JSON-like payload stored per host-option key.
// Recognized input keys are normalized at write time; Lookup only ever
// needs to read the normalized fields below.
type record struct {
	FName  string   `json:"fname,omitempty"`
	SIAddr string   `json:"siaddr,omitempty"`
	SName  string   `json:"sname,omitempty"`
	Opt59  string   `json:"opt59,omitempty"`
	Opt60  []string `json:"opt60,omitempty"`
}

var v4FieldAliases = map[string]string{
	"boot_file": "fname", "filename": "fname", "bootfile": "fname", "bootfile_name": "fname",
	"next_server": "siaddr", "siaddr": "siaddr",
	"server_name": "sname", "sname": "sname", "tftp_server": "sname",
}

var v6FieldAliases = map[string]string{
	"bootfile_url": "opt59", "boot_file_url": "opt59",
	"bootfile_param": "opt60", "boot_file_param": "opt60",
}

// Store looks up host-option overrides in the host-options KV bucket.
type Store struct {
	bucket kv.Bucket
}

// New wraps bucket (normally Store.HostOptions() of a kv.Store).
func New(bucket kv.Bucket) *Store {
	return &Store{bucket: bucket}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

// LookupV4 tries, in order: v4/{subnet}/client-id/{hex}; v4/client-id/{hex};
// v4/{subnet}/mac/{mac}; v4/mac/{mac}. First hit wins.
func (s *Store) LookupV4(ctx context.Context, subnet string, clientID []byte, chaddr net.HardwareAddr) (*dhcpmodel.HostOptionOverride, error) {
	var keys []string
	if len(clientID) > 0 {
		idHex := sanitize(hex.EncodeToString(clientID))
		if subnet != "" {
			keys = append(keys, fmt.Sprintf("v4/%s/client-id/%s", sanitize(subnet), idHex))
		}
		keys = append(keys, fmt.Sprintf("v4/client-id/%s", idHex))
	}
	if chaddr != nil {
		mac := sanitize(chaddr.String())
		if subnet != "" {
			keys = append(keys, fmt.Sprintf("v4/%s/mac/%s", sanitize(subnet), mac))
		}
		keys = append(keys, fmt.Sprintf("v4/mac/%s", mac))
	}
	return s.lookup(ctx, keys, toV4Override)
}

// LookupV6 tries, in order: v6/{subnet}/duid/{hex}/iaid/{n};
// v6/duid/{hex}/iaid/{n}; v6/{subnet}/duid/{hex}; v6/duid/{hex}.
func (s *Store) LookupV6(ctx context.Context, subnet string, duid []byte, iaid uint32) (*dhcpmodel.HostOptionOverride, error) {
	duidHex := sanitize(hex.EncodeToString(duid))
	var keys []string
	if subnet != "" {
		keys = append(keys, fmt.Sprintf("v6/%s/duid/%s/iaid/%d", sanitize(subnet), duidHex, iaid))
	}
	keys = append(keys, fmt.Sprintf("v6/duid/%s/iaid/%d", duidHex, iaid))
	if subnet != "" {
		keys = append(keys, fmt.Sprintf("v6/%s/duid/%s", sanitize(subnet), duidHex))
	}
	keys = append(keys, fmt.Sprintf("v6/duid/%s", duidHex))
	return s.lookup(ctx, keys, toV6Override)
}

func (s *Store) lookup(ctx context.Context, keys []string, conv func(record) *dhcpmodel.HostOptionOverride) (*dhcpmodel.HostOptionOverride, error) {
	for _, k := range keys {
		entry, ok, err := s.bucket.Get(ctx, k)
		if err != nil {
			return nil, derrors.Wrap(err, derrors.KindStorage, "host-option lookup")
		}
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, derrors.Wrapf(err, derrors.KindStorage, "decode host-option record at %q", k)
		}
		return conv(rec), nil
	}
	return nil, nil
}

func toV4Override(rec record) *dhcpmodel.HostOptionOverride {
	out := &dhcpmodel.HostOptionOverride{ServerName: rec.SName, FileName: rec.FName}
	if rec.SIAddr != "" {
		if ip, err := netip.ParseAddr(rec.SIAddr); err == nil {
			out.NextServer = ip
		}
	}
	return out
}

func toV6Override(rec record) *dhcpmodel.HostOptionOverride {
	return &dhcpmodel.HostOptionOverride{BootFileURL: rec.Opt59, BootFileParam: rec.Opt60}
}

// Put normalizes a raw field map (as accepted from config or an admin
// write) into the stored record shape, applying the key aliases the
// design names, and writes it at key.
func Put(ctx context.Context, bucket kv.Bucket, key string, family dhcpmodel.Family, fields map[string]any) error {
	rec := record{}
	aliases := v4FieldAliases
	if family == dhcpmodel.FamilyV6 {
		aliases = v6FieldAliases
	}
	for k, v := range fields {
		canon, ok := aliases[strings.ToLower(k)]
		if !ok {
			continue
		}
		switch canon {
		case "fname":
			rec.FName, _ = v.(string)
		case "siaddr":
			rec.SIAddr, _ = v.(string)
		case "sname":
			rec.SName, _ = v.(string)
		case "opt59":
			rec.Opt59, _ = v.(string)
		case "opt60":
			if list, ok := v.([]string); ok {
				rec.Opt60 = list
			}
		}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return derrors.Wrap(err, derrors.KindStorage, "marshal host-option record")
	}
	if _, err := bucket.Put(ctx, key, payload); err != nil {
		return derrors.Wrap(err, derrors.KindStorage, "write host-option record")
	}
	return nil
}
