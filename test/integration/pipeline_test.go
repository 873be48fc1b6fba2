package integration

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/keyfill/keyfill/internal/blob"
	"github.com/keyfill/keyfill/internal/conn"
	"github.com/keyfill/keyfill/internal/heading"
	"github.com/keyfill/keyfill/internal/jobs"
	"github.com/keyfill/keyfill/internal/populate"
	"github.com/keyfill/keyfill/internal/relation"
	"github.com/keyfill/keyfill/internal/storage"
)

// pipelineEnv is a small two-stage pipeline: subject and session feed a
// computed session_stats table.
type pipelineEnv struct {
	conn  *conn.Connection
	path  string
	stats *relation.Relation
}

func setupPipeline(t *testing.T) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.db")

	ctx := context.Background()
	c, err := conn.Open(ctx, path, conn.Options{Reconnect: true})
	if err != nil {
		t.Fatalf("failed to open connection: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ddl := []string{
		`CREATE TABLE subject (
			subject TEXT NOT NULL,
			species TEXT NOT NULL,
			PRIMARY KEY (subject)
		)`,
		`CREATE TABLE session (
			subject TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			duration REAL NOT NULL,
			PRIMARY KEY (subject, session_id),
			FOREIGN KEY (subject) REFERENCES subject (subject)
		)`,
		`CREATE TABLE session_stats (
			subject TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			mean_duration REAL NOT NULL,
			trace BLOB,
			PRIMARY KEY (subject, session_id),
			FOREIGN KEY (subject, session_id) REFERENCES session (subject, session_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("failed to create table: %v", err)
		}
	}

	for _, s := range []string{"m01", "m02"} {
		if _, err := c.ExecContext(ctx,
			"INSERT INTO subject (subject, species) VALUES (?, 'mouse')", s); err != nil {
			t.Fatalf("failed to seed subject: %v", err)
		}
		for id := 1; id <= 3; id++ {
			if _, err := c.ExecContext(ctx,
				"INSERT INTO session (subject, session_id, duration) VALUES (?, ?, ?)",
				s, id, float64(10*id)); err != nil {
				t.Fatalf("failed to seed session: %v", err)
			}
		}
	}

	return &pipelineEnv{conn: c, path: path, stats: relation.Table(c, "main", "session_stats")}
}

func TestEndToEndPopulate(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	backend, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	blobs := blob.NewStore(backend, "blobs")
	target := env.stats.WithBlobStore(blobs, 256)

	store, err := jobs.Open(env.path, "")
	if err != nil {
		t.Fatalf("failed to open job store: %v", err)
	}
	defer store.Close()

	trace := bytes.Repeat([]byte{0x42}, 2048)
	compute := func(ctx context.Context, key heading.Key) error {
		// One aggregate row per session key, plus a large payload
		// that lands in blob storage.
		sessions := relation.Table(env.conn, "main", "session").Restrict(relation.Cond(key))
		n, err := sessions.Count(ctx)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("expected one session for %s, found %d", key.Canonical(), n)
		}
		return target.Insert(ctx, map[string]interface{}{
			"subject":       key["subject"],
			"session_id":    key["session_id"],
			"mean_duration": float64(key["session_id"].(int64)) * 10,
			"trace":         trace,
		})
	}

	p := populate.New(target, compute, populate.WithJobStore(store))
	failed, err := p.Populate(ctx, populate.Options{ReserveJobs: true})
	if err != nil {
		t.Fatalf("populate failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("got %d failed keys, want 0", len(failed))
	}

	// All six session keys are computed.
	n, err := env.stats.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 6 {
		t.Errorf("got %d computed rows, want 6", n)
	}

	remaining, total, err := p.Progress(ctx)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if remaining != 0 || total != 6 {
		t.Errorf("got progress %d/%d, want 0/6", remaining, total)
	}

	// Traces were externalized and round-trip through the blob store.
	rows, err := env.conn.QueryContext(ctx, "SELECT trace FROM session_stats WHERE subject = 'm01' AND session_id = 1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatal("computed row missing")
	}
	var stored string
	if err := rows.Scan(&stored); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !blob.IsRef(stored) {
		t.Fatalf("stored trace %q should be a blob reference", stored)
	}
	back, err := blobs.Get(ctx, stored)
	if err != nil {
		t.Fatalf("blob get failed: %v", err)
	}
	if !bytes.Equal(back, trace) {
		t.Error("trace payload should round-trip")
	}

	// Every key settled to a completed job record.
	records, err := store.List(ctx, target.FullName())
	if err != nil {
		t.Fatalf("job list failed: %v", err)
	}
	completed := 0
	for _, r := range records {
		if r.Status == jobs.StatusCompleted {
			completed++
		}
	}
	if completed != 6 {
		t.Errorf("got %d completed jobs, want 6", completed)
	}

	// A second pass finds nothing to do.
	again := populate.New(target, func(context.Context, heading.Key) error {
		t.Error("compute should not run on a fully populated table")
		return nil
	})
	if _, err := again.Populate(ctx, populate.Options{}); err != nil {
		t.Fatalf("second populate failed: %v", err)
	}
}

func TestTwoWorkersShareTheLoad(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	store, err := jobs.Open(env.path, "")
	if err != nil {
		t.Fatalf("failed to open job store: %v", err)
	}
	defer store.Close()

	compute := func(ctx context.Context, key heading.Key) error {
		return env.stats.Insert(ctx, map[string]interface{}{
			"subject":       key["subject"],
			"session_id":    key["session_id"],
			"mean_duration": 1.0,
		})
	}

	// Sequential runs against the shared job store: the second worker
	// finds every key either computed or settled.
	first := populate.New(env.stats, compute, populate.WithJobStore(store))
	if _, err := first.Populate(ctx, populate.Options{ReserveJobs: true, Limit: 4}); err != nil {
		t.Fatalf("first worker failed: %v", err)
	}
	second := populate.New(env.stats, compute, populate.WithJobStore(store))
	if _, err := second.Populate(ctx, populate.Options{ReserveJobs: true}); err != nil {
		t.Fatalf("second worker failed: %v", err)
	}

	n, err := env.stats.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 6 {
		t.Errorf("got %d rows, want 6", n)
	}
	firstStats := first.Stats().Get(env.stats.FullName())
	secondStats := second.Stats().Get(env.stats.FullName())
	if firstStats.Computed != 4 {
		t.Errorf("first worker computed %d, want 4", firstStats.Computed)
	}
	if secondStats.Computed != 2 {
		t.Errorf("second worker computed %d, want 2", secondStats.Computed)
	}
}
