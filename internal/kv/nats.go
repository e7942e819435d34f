package kv

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	derrors "github.com/coredora/coredora/internal/errors"
)

// NATSStore is the clustered Store backed by two JetStream key-value
// buckets: leases (16 revisions retained per key) and host-options (1
// revision retained). This is the production body for
// DORA_BACKEND_MODE=nats; it has no counterpart in the teacher, which
// never runs clustered, so its shape follows the design's bucket naming
// and retention counts directly rather than any prior art in this tree.
type NATSStore struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	leases      jetstream.KeyValue
	hostOptions jetstream.KeyValue
}

// NATSConfig configures bucket names and history depth; zero values take
// the design's defaults.
type NATSConfig struct {
	Servers           string
	LeasesBucket      string
	HostOptionsBucket string
}

// DialNATS connects to cfg.Servers and opens (creating if necessary) the
// leases and host-options buckets.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	if cfg.LeasesBucket == "" {
		cfg.LeasesBucket = "coredora-leases"
	}
	if cfg.HostOptionsBucket == "" {
		cfg.HostOptionsBucket = "coredora-host-options"
	}

	nc, err := nats.Connect(cfg.Servers, nats.Name("coredora"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindCoordination, "connect to nats")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, derrors.Wrap(err, derrors.KindCoordination, "open jetstream context")
	}

	leases, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.LeasesBucket,
		History: 16,
	})
	if err != nil {
		nc.Close()
		return nil, derrors.Wrap(err, derrors.KindCoordination, "create leases bucket")
	}

	hostOptions, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.HostOptionsBucket,
		History: 1,
	})
	if err != nil {
		nc.Close()
		return nil, derrors.Wrap(err, derrors.KindCoordination, "create host-options bucket")
	}

	return &NATSStore{nc: nc, js: js, leases: leases, hostOptions: hostOptions}, nil
}

func (s *NATSStore) Leases() Bucket      { return &natsBucket{kv: s.leases} }
func (s *NATSStore) HostOptions() Bucket { return &natsBucket{kv: s.hostOptions} }

func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSStore) SelfTest(ctx context.Context) error {
	return selfTest(ctx, s.Leases())
}

// natsBucket adapts a jetstream.KeyValue to the Bucket interface. Keys are
// passed through as given. Host-option keys, and the client part of the
// coordinator's lease keys, have '/' and ':' replaced by '_'; the
// coordinator's keys embed the subnet and IP unchanged.
type natsBucket struct {
	kv jetstream.KeyValue
}

func (b *natsBucket) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, derrors.Wrap(err, derrors.KindCoordination, "kv get")
	}
	return Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, true, nil
}

func (b *natsBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, derrors.Wrap(err, derrors.KindCoordination, "kv put")
	}
	return rev, nil
}

func (b *natsBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return derrors.Wrap(err, derrors.KindCoordination, "kv delete")
	}
	return nil
}

func (b *natsBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, derrors.Wrap(err, derrors.KindCoordination, "kv list keys")
	}
	var out []string
	for k := range lister.Keys() {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
