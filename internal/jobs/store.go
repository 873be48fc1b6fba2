// Package jobs provides the durable job reservation store that
// coordinates distributed population work. A reservation is an exclusive
// claim on one key held by one worker; at most one reserved record exists
// per key, enforced by the store's primary key.
package jobs

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"

	"github.com/keyfill/keyfill/internal/heading"
)

// Job states.
const (
	StatusReserved  = "reserved"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// DefaultTable is the job table name used when none is configured.
const DefaultTable = "_keyfill_jobs"

// Record is one job record as stored.
type Record struct {
	TableName    string
	KeyHash      string
	Status       string
	Key          string // canonical key form
	ErrorMessage string
	Worker       string
	ChangedAt    time.Time
}

// Store is a SQLite-backed job reservation store. It holds its own
// handle on the backing store so job transitions commit independently of
// the scheduler's per-key transactions.
type Store struct {
	db     *sql.DB
	table  string
	worker string
	mu     sync.Mutex

	reserveStmt *sql.Stmt
	settleStmt  *sql.Stmt
}

// Open opens (and if necessary creates) the job store at the given
// backing store path.
func Open(path, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, table: table, worker: workerIdentity()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobs: failed to initialize schema: %w", err)
	}

	reserveStmt, err := db.Prepare(`
		INSERT INTO ` + quote(table) + ` (table_name, key_hash, status, key_payload, worker, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, key_hash) DO NOTHING`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("jobs: failed to prepare reserve statement: %w", err)
	}
	settleStmt, err := db.Prepare(`
		INSERT INTO ` + quote(table) + ` (table_name, key_hash, status, key_payload, error_message, worker, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, key_hash) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			worker = excluded.worker,
			changed_at = excluded.changed_at`)
	if err != nil {
		reserveStmt.Close()
		db.Close()
		return nil, fmt.Errorf("jobs: failed to prepare settle statement: %w", err)
	}
	s.reserveStmt = reserveStmt
	s.settleStmt = settleStmt
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + quote(s.table) + ` (
			table_name TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			key_payload BLOB,
			error_message TEXT,
			worker TEXT NOT NULL,
			changed_at INTEGER NOT NULL,
			PRIMARY KEY (table_name, key_hash)
		)`)
	return err
}

// Worker returns this store's worker identity.
func (s *Store) Worker() string { return s.worker }

// Reserve atomically claims the key for this worker. It returns whether
// the reservation was newly acquired; any existing record, whatever its
// state, denies the claim.
func (s *Store) Reserve(ctx context.Context, tableIdentity string, key heading.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.reserveStmt.ExecContext(ctx,
		tableIdentity, KeyHash(key), StatusReserved, encodeKey(key), s.worker, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("jobs: reserve %s: %w", tableIdentity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobs: reserve %s: %w", tableIdentity, err)
	}
	return n > 0, nil
}

// Complete transitions the key's reservation to completed. Idempotent.
func (s *Store) Complete(ctx context.Context, tableIdentity string, key heading.Key) error {
	return s.settle(ctx, tableIdentity, key, StatusCompleted, "")
}

// Error transitions the key's reservation to errored, storing the
// message. Idempotent.
func (s *Store) Error(ctx context.Context, tableIdentity string, key heading.Key, message string) error {
	return s.settle(ctx, tableIdentity, key, StatusErrored, message)
}

func (s *Store) settle(ctx context.Context, tableIdentity string, key heading.Key, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msg interface{}
	if message != "" {
		msg = message
	}
	_, err := s.settleStmt.ExecContext(ctx,
		tableIdentity, KeyHash(key), status, encodeKey(key), msg, s.worker, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("jobs: mark %s %s: %w", tableIdentity, status, err)
	}
	return nil
}

// List returns the records for one table, newest first.
func (s *Store) List(ctx context.Context, tableIdentity string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, key_hash, status, key_payload, error_message, worker, changed_at
		FROM `+quote(s.table)+`
		WHERE table_name = ?
		ORDER BY changed_at DESC, key_hash`, tableIdentity)
	if err != nil {
		return nil, fmt.Errorf("jobs: list %s: %w", tableIdentity, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			payload []byte
			msg     sql.NullString
			changed int64
		)
		if err := rows.Scan(&r.TableName, &r.KeyHash, &r.Status, &payload, &msg, &r.Worker, &changed); err != nil {
			return nil, fmt.Errorf("jobs: list %s: %w", tableIdentity, err)
		}
		r.Key = decodeKey(payload)
		r.ErrorMessage = msg.String
		r.ChangedAt = time.Unix(changed, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Clear removes terminal records (completed and errored) for one table,
// releasing parked keys for future runs. Returns the number removed.
func (s *Store) Clear(ctx context.Context, tableIdentity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM `+quote(s.table)+`
		WHERE table_name = ? AND status IN (?, ?)`,
		tableIdentity, StatusCompleted, StatusErrored)
	if err != nil {
		return 0, fmt.Errorf("jobs: clear %s: %w", tableIdentity, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the store's handle.
func (s *Store) Close() error {
	if s.reserveStmt != nil {
		s.reserveStmt.Close()
	}
	if s.settleStmt != nil {
		s.settleStmt.Close()
	}
	return s.db.Close()
}

// KeyHash returns the 128-bit content hash of the key's canonical form,
// in hex. All workers derive the same hash for equal keys.
func KeyHash(key heading.Key) string {
	h1, h2 := murmur3.Sum128([]byte(key.Canonical()))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], h1)
	binary.BigEndian.PutUint64(buf[8:], h2)
	return hex.EncodeToString(buf[:])
}

// encodeKey compresses the canonical key form for storage.
func encodeKey(key heading.Key) []byte {
	return snappy.Encode(nil, []byte(key.Canonical()))
}

// decodeKey recovers the canonical key form; corrupt payloads degrade to
// an empty string rather than failing a listing.
func decodeKey(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

// workerIdentity identifies this worker across processes.
func workerIdentity() string {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	id := strings.Split(uuid.New().String(), "-")[0]
	return fmt.Sprintf("%s@%s:%d:%s", username, host, os.Getpid(), id)
}

func quote(name string) string {
	return "`" + name + "`"
}
