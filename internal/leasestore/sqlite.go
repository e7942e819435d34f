package leasestore

import (
	"database/sql"
	"fmt"
	"net/netip"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
)

// SQLiteStore is a single-file embedded relational store, matching the
// persisted state layout: a `leases` table keyed by (network, ip) and
// indexed on (ip_sort, expires_at). The table still carries the two legacy columns the
// original on-disk format uses to mean two different things with one
// value -- `leased`/`probation` booleans and an `expires_at` that serves as
// either a lease or a probation deadline depending on which bool is set.
// DESIGN.md records the decision to keep this artifact rather than
// introduce an on-disk migration for a cleaner enum column; the Go-level
// Store interface still exposes the clean dhcpmodel.State enum, derived
// from (leased, probation, client_id) on read and decomposed back to the
// pair on write.
type SQLiteStore struct {
	mu sync.Mutex // serializes writes; matches the per-row semantics §5 requires
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the lease database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", path))
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindStorage, "open lease database")
	}
	schema := `
CREATE TABLE IF NOT EXISTS leases (
	ip TEXT NOT NULL,
	ip_sort BLOB NOT NULL,
	network TEXT NOT NULL,
	family INTEGER NOT NULL,
	lease_id TEXT NOT NULL,
	client_id BLOB,
	leased INTEGER NOT NULL DEFAULT 0,
	probation INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL,
	server_id TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (network, ip)
);
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases (ip_sort, expires_at);
CREATE INDEX IF NOT EXISTS idx_leases_client ON leases (network, client_id);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, derrors.Wrap(err, derrors.KindStorage, "create leases table")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ipSortKey returns ip's 16-byte big-endian form, the BLOB comparison key
// that makes SQLite's default byte-wise ordering equal true ascending-IP
// order; netip.Addr.As16 maps v4 addresses into the IPv4-in-IPv6 range so
// v4-only and v6-only scans (each network holds one family) sort correctly.
func ipSortKey(ip netip.Addr) []byte {
	b := ip.As16()
	return b[:]
}

func rowToRecord(subnet string, ip netip.Addr, clientID []byte, leased, probation bool, expiresAt int64, serverID string, revision uint64, updatedAt int64, leaseID string) dhcpmodel.LeaseRecord {
	fam := dhcpmodel.FamilyV4
	if ip.Is6() && !ip.Is4In6() {
		fam = dhcpmodel.FamilyV6
	}
	state := dhcpmodel.StateReserved
	switch {
	case probation:
		state = dhcpmodel.StateProbated
	case leased:
		state = dhcpmodel.StateLeased
	}
	return dhcpmodel.LeaseRecord{
		LeaseID:   leaseID,
		Family:    fam,
		Subnet:    subnet,
		IP:        ip,
		ClientKey: string(clientID),
		State:     state,
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
		ServerID:  serverID,
		Revision:  revision,
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}
}

func decompose(state dhcpmodel.State) (leased, probation bool) {
	switch state {
	case dhcpmodel.StateLeased:
		return true, false
	case dhcpmodel.StateProbated:
		return false, true
	default: // Reserved, Released, Expired all read back as neither bit set
		return false, false
	}
}

func (s *SQLiteStore) GetByIP(subnet string, ip netip.Addr) (dhcpmodel.LeaseRecord, bool, error) {
	row := s.db.QueryRow(`SELECT ip, client_id, leased, probation, expires_at, server_id, revision, updated_at, lease_id
		FROM leases WHERE network = ? AND ip = ?`, subnet, ip.String())
	return scanOne(row, subnet)
}

func (s *SQLiteStore) GetByClient(subnet, clientKey string) (dhcpmodel.LeaseRecord, bool, error) {
	row := s.db.QueryRow(`SELECT ip, client_id, leased, probation, expires_at, server_id, revision, updated_at, lease_id
		FROM leases WHERE network = ? AND client_id = ? AND (leased = 1 OR probation = 0)
		ORDER BY updated_at DESC LIMIT 1`, subnet, []byte(clientKey))
	return scanOne(row, subnet)
}

func scanOne(row *sql.Row, subnet string) (dhcpmodel.LeaseRecord, bool, error) {
	var (
		ipStr                      string
		clientID                   []byte
		leased, probation          bool
		expiresAt, updatedAt       int64
		serverID, leaseID          string
		revision                   uint64
	)
	err := row.Scan(&ipStr, &clientID, &leased, &probation, &expiresAt, &serverID, &revision, &updatedAt, &leaseID)
	if err == sql.ErrNoRows {
		return dhcpmodel.LeaseRecord{}, false, nil
	}
	if err != nil {
		return dhcpmodel.LeaseRecord{}, false, derrors.Wrap(err, derrors.KindStorage, "scan lease row")
	}
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return dhcpmodel.LeaseRecord{}, false, derrors.Wrap(err, derrors.KindStorage, "parse stored ip")
	}
	return rowToRecord(subnet, ip, clientID, leased, probation, expiresAt, serverID, revision, updatedAt, leaseID), true, nil
}

func (s *SQLiteStore) ScanRange(subnet string, start, end netip.Addr, fn func(dhcpmodel.LeaseRecord) (bool, error)) error {
	rows, err := s.db.Query(`SELECT ip, client_id, leased, probation, expires_at, server_id, revision, updated_at, lease_id
		FROM leases WHERE network = ? ORDER BY ip_sort`, subnet)
	if err != nil {
		return derrors.Wrap(err, derrors.KindStorage, "scan lease range")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ipStr                string
			clientID             []byte
			leased, probation    bool
			expiresAt, updatedAt int64
			serverID, leaseID    string
			revision             uint64
		)
		if err := rows.Scan(&ipStr, &clientID, &leased, &probation, &expiresAt, &serverID, &revision, &updatedAt, &leaseID); err != nil {
			return derrors.Wrap(err, derrors.KindStorage, "scan lease row")
		}
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			continue
		}
		if ip.Less(start) || end.Less(ip) {
			continue
		}
		rec := rowToRecord(subnet, ip, clientID, leased, probation, expiresAt, serverID, revision, updatedAt, leaseID)
		cont, err := fn(rec)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Insert(rec dhcpmodel.LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(rec)
}

func (s *SQLiteStore) insert(rec dhcpmodel.LeaseRecord) error {
	leased, probation := decompose(rec.State)
	_, err := s.db.Exec(`INSERT INTO leases (ip, ip_sort, network, family, lease_id, client_id, leased, probation, expires_at, server_id, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.IP.String(), ipSortKey(rec.IP), rec.Subnet, int(rec.Family), rec.LeaseID, []byte(rec.ClientKey), leased, probation,
		rec.ExpiresAt.Unix(), rec.ServerID, rec.Revision, rec.UpdatedAt.Unix())
	if err != nil {
		return derrors.Wrap(err, derrors.KindStorage, "insert lease")
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwap(subnet string, ip netip.Addr, expectRevision uint64, next dhcpmodel.LeaseRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectRevision == 0 {
		existing, ok, err := s.GetByIP(subnet, ip)
		if err != nil {
			return false, err
		}
		if ok && existing.State.Active() {
			return false, nil
		}
		if ok {
			if err := s.delete(subnet, ip); err != nil {
				return false, err
			}
		}
		return true, s.insert(next)
	}

	leased, probation := decompose(next.State)
	res, err := s.db.Exec(`UPDATE leases SET lease_id=?, client_id=?, leased=?, probation=?, expires_at=?, server_id=?, revision=?, updated_at=?
		WHERE network=? AND ip=? AND revision=?`,
		next.LeaseID, []byte(next.ClientKey), leased, probation, next.ExpiresAt.Unix(), next.ServerID, next.Revision, next.UpdatedAt.Unix(),
		subnet, ip.String(), expectRevision)
	if err != nil {
		return false, derrors.Wrap(err, derrors.KindStorage, "update lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, derrors.Wrap(err, derrors.KindStorage, "rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) Delete(subnet string, ip netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(subnet, ip)
}

func (s *SQLiteStore) delete(subnet string, ip netip.Addr) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE network = ? AND ip = ?`, subnet, ip.String())
	if err != nil {
		return derrors.Wrap(err, derrors.KindStorage, "delete lease")
	}
	return nil
}

func (s *SQLiteStore) CountByState(subnet string) (map[dhcpmodel.State]int, error) {
	counts := make(map[dhcpmodel.State]int)
	rows, err := s.db.Query(`SELECT leased, probation, COUNT(*) FROM leases WHERE network = ? GROUP BY leased, probation`, subnet)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindStorage, "count by state")
	}
	defer rows.Close()
	for rows.Next() {
		var leased, probation bool
		var n int
		if err := rows.Scan(&leased, &probation, &n); err != nil {
			return nil, derrors.Wrap(err, derrors.KindStorage, "scan count row")
		}
		st := dhcpmodel.StateReserved
		switch {
		case probation:
			st = dhcpmodel.StateProbated
		case leased:
			st = dhcpmodel.StateLeased
		}
		counts[st] += n
	}
	return counts, rows.Err()
}
