// Package kv abstracts the shared, clustered key-value store the
// coordinator confirms allocations against. The production body is a
// JetStream key-value bucket; an in-memory fake backs unit tests.
package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	derrors "github.com/coredora/coredora/internal/errors"
)

// Entry is one key's current value and revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Bucket is a single JetStream-style key-value namespace.
type Bucket interface {
	// Get returns the current entry for key, or ok=false if absent.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put unconditionally writes value at key and returns the new
	// revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete removes key; idempotent if absent.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys with the given prefix, for GC and
	// reconciliation scans. Order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store groups the two buckets the design names: leases (16 revisions
// retained per key) and host-options (1 revision retained).
type Store interface {
	Leases() Bucket
	HostOptions() Bucket

	// SelfTest writes a probe key, reads it back with byte equality, and
	// deletes it. Startup aborts if this fails.
	SelfTest(ctx context.Context) error

	// Close releases any underlying connection.
	Close() error
}

// memBucket is an in-memory Bucket, safe for concurrent use. It backs
// both tests and the in-process fallback used before a cluster KV is
// configured.
type memBucket struct {
	mu       sync.Mutex
	entries  map[string]Entry
	revision uint64
}

func newMemBucket() *memBucket {
	return &memBucket{entries: make(map[string]Entry)}
}

func (b *memBucket) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok, nil
}

func (b *memBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revision++
	cp := make([]byte, len(value))
	copy(cp, value)
	b.entries[key] = Entry{Key: key, Value: cp, Revision: b.revision}
	return b.revision, nil
}

func (b *memBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *memBucket) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemStore is an in-memory Store, used for tests and for standalone
// deployments that run without a configured cluster KV.
type MemStore struct {
	leases      *memBucket
	hostOptions *memBucket
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{leases: newMemBucket(), hostOptions: newMemBucket()}
}

func (m *MemStore) Leases() Bucket      { return m.leases }
func (m *MemStore) HostOptions() Bucket { return m.hostOptions }
func (m *MemStore) Close() error        { return nil }

func (m *MemStore) SelfTest(ctx context.Context) error {
	return selfTest(ctx, m.leases)
}

func selfTest(ctx context.Context, b Bucket) error {
	const probeKey = "_coredora/startup-probe"
	probeVal := []byte(fmt.Sprintf("probe-%p", b))
	if _, err := b.Put(ctx, probeKey, probeVal); err != nil {
		return derrors.Wrap(err, derrors.KindCoordination, "kv self-test write")
	}
	got, ok, err := b.Get(ctx, probeKey)
	if err != nil {
		return derrors.Wrap(err, derrors.KindCoordination, "kv self-test read")
	}
	if !ok || string(got.Value) != string(probeVal) {
		return derrors.New(derrors.KindCoordination, "kv self-test: readback mismatch")
	}
	if err := b.Delete(ctx, probeKey); err != nil {
		return derrors.Wrap(err, derrors.KindCoordination, "kv self-test cleanup")
	}
	return nil
}
