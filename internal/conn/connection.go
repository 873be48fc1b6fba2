// Package conn owns one session to the backing store and exposes query
// execution and transaction boundaries on it. A connection holds at most
// one open transaction at a time; concurrency across workers comes from
// running independent processes, each with its own connection.
package conn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	kferr "github.com/keyfill/keyfill/internal/errors"
)

// Transaction control statements. The begin statement establishes a
// consistent read snapshot at first use, which any replacement backing
// store must preserve.
const (
	startTransactionSQL  = "BEGIN DEFERRED"
	commitTransactionSQL = "COMMIT"
	cancelTransactionSQL = "ROLLBACK"
)

// Options controls connection behavior.
type Options struct {
	// Reconnect enables transparent reconnection when the session is
	// dropped mid-statement. The statement is retried once on the new
	// session and a warning is logged, since in-flight transactional
	// state may have been lost.
	Reconnect bool
}

// Connection manages one session to the backing store.
type Connection struct {
	path      string
	reconnect bool
	sessionID string

	db   *sql.DB
	sess *sql.Conn

	mu   sync.Mutex
	inTx bool
}

// Open establishes a new connection to the backing store at path.
func Open(ctx context.Context, path string, opts Options) (*Connection, error) {
	c := &Connection{
		path:      path,
		reconnect: opts.Reconnect,
		sessionID: uuid.New().String(),
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	log.Printf("conn: connected %s (session %s)", path, c.sessionID)
	return c, nil
}

// Connect establishes (or re-establishes) the session.
func (c *Connection) Connect(ctx context.Context) error {
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	if c.db == nil {
		db, err := sql.Open("sqlite3", dsn(c.path))
		if err != nil {
			return kferr.NewConnectionError("opening "+c.path, err)
		}
		// One logical session per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		c.db = db
	}
	sess, err := c.db.Conn(ctx)
	if err != nil {
		return kferr.NewConnectionError("acquiring session for "+c.path, err)
	}
	if err := sess.PingContext(ctx); err != nil {
		sess.Close()
		return kferr.NewConnectionError("pinging "+c.path, err)
	}
	c.sess = sess
	return nil
}

// dsn builds the driver DSN, leaving in-memory paths untouched.
func dsn(path string) string {
	if strings.Contains(path, ":memory:") || strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

// SessionID returns the identifier of this session, used in logs and in
// job-store worker identities.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// Path returns the backing store path this connection is bound to.
func (c *Connection) Path() string {
	return c.path
}

// IsConnected probes session liveness. It is a real ping, not a cached
// flag.
func (c *Connection) IsConnected(ctx context.Context) bool {
	if c.sess == nil {
		return false
	}
	return c.sess.PingContext(ctx) == nil
}

// QueryContext executes a query on the session and returns its rows.
// On a dropped session with reconnection enabled, it reconnects, logs a
// warning, and retries the query once on the new session.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := c.sess.QueryContext(ctx, query, args...)
	if err != nil && c.recovered(ctx, err) {
		rows, err = c.sess.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, kferr.Wrap(kferr.ErrCategoryConnection, kferr.CodeQueryFailed, shorten(query), err)
	}
	return rows, nil
}

// ExecContext executes a statement on the session, with the same
// reconnect behavior as QueryContext.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := c.sess.ExecContext(ctx, query, args...)
	if err != nil && c.recovered(ctx, err) {
		res, err = c.sess.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return nil, kferr.Wrap(kferr.ErrCategoryConnection, kferr.CodeQueryFailed, shorten(query), err)
	}
	return res, nil
}

// recovered reports whether a dropped-session error was handled by
// reconnecting. Only driver-level bad-connection conditions qualify.
func (c *Connection) recovered(ctx context.Context, err error) bool {
	if !c.reconnect || !errors.Is(err, driver.ErrBadConn) {
		return false
	}
	if rerr := c.Connect(ctx); rerr != nil {
		return false
	}
	log.Printf("conn: session went away and was reconnected; data from open transactions may be lost (session %s)", c.sessionID)
	return true
}

// InTransaction reports whether a transaction is open. A dead session is
// never considered in transaction.
func (c *Connection) InTransaction(ctx context.Context) bool {
	c.mu.Lock()
	inTx := c.inTx
	c.mu.Unlock()
	return inTx && c.IsConnected(ctx)
}

// StartTransaction begins a transaction with a consistent read snapshot.
// Fails with NESTED_TRANSACTION when one is already open.
func (c *Connection) StartTransaction(ctx context.Context) error {
	if c.InTransaction(ctx) {
		return kferr.NewTransactionError(kferr.CodeNestedTransaction,
			"nested transactions are not supported")
	}
	if _, err := c.ExecContext(ctx, startTransactionSQL); err != nil {
		return err
	}
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	log.Printf("conn: transaction started (session %s)", c.sessionID)
	return nil
}

// CommitTransaction commits and closes the open transaction. The
// in-transaction flag is cleared even when the statement fails: the
// logical transaction is considered closed either way.
func (c *Connection) CommitTransaction(ctx context.Context) error {
	defer c.clearTx()
	if _, err := c.ExecContext(ctx, commitTransactionSQL); err != nil {
		return err
	}
	log.Printf("conn: transaction committed (session %s)", c.sessionID)
	return nil
}

// CancelTransaction rolls back the open transaction. As with commit, the
// flag is cleared unconditionally: a failed rollback must not leave the
// connection claiming a transaction it cannot act on.
func (c *Connection) CancelTransaction(ctx context.Context) error {
	defer c.clearTx()
	if _, err := c.ExecContext(ctx, cancelTransactionSQL); err != nil {
		return err
	}
	log.Printf("conn: transaction cancelled, rolling back (session %s)", c.sessionID)
	return nil
}

func (c *Connection) clearTx() {
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
}

// Transaction runs fn inside a transaction scope: commit on normal
// return, rollback and error propagation otherwise. No transaction
// outlives the scope.
func (c *Connection) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.StartTransaction(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if cerr := c.CancelTransaction(ctx); cerr != nil {
			log.Printf("conn: rollback after error failed: %v (session %s)", cerr, c.sessionID)
		}
		return err
	}
	return c.CommitTransaction(ctx)
}

// Close releases the session and the underlying handle.
func (c *Connection) Close() error {
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

// shorten trims a statement for error messages, the way query logs do.
func shorten(query string) string {
	const max = 120
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > max {
		return query[:max] + "..."
	}
	return query
}
