package benchmark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/keyfill/keyfill/internal/conn"
	"github.com/keyfill/keyfill/internal/storage"
)

// getBenchmarkStorage returns a storage backend and an object prefix.
// It respects KEYFILL_BLOB_TYPE=s3 from .env or environment.
// For S3 the prefix is "bench/<benchName>/<timestamp>".
func getBenchmarkStorage(b *testing.B, benchName string) (storage.ObjectStorage, string) {
	// Try loading .env from project root (../../.env relative to test/benchmark)
	_ = godotenv.Load("../../.env")

	if os.Getenv("KEYFILL_BLOB_TYPE") == "s3" {
		bucket := os.Getenv("KEYFILL_S3_BUCKET")
		if bucket == "" {
			b.Fatal("KEYFILL_S3_BUCKET is required for s3 benchmark")
		}
		cfg := storage.DefaultS3Config()
		cfg.Region = os.Getenv("KEYFILL_S3_REGION")
		cfg.Endpoint = os.Getenv("KEYFILL_S3_ENDPOINT")

		st, err := storage.NewS3Storage(context.Background(), bucket, cfg)
		if err != nil {
			b.Fatalf("failed to initialize s3 storage: %v", err)
		}
		prefix := fmt.Sprintf("bench/%s/%d", benchName, time.Now().UnixNano())
		return st, prefix
	}

	st, err := storage.NewLocalStorage(b.TempDir())
	if err != nil {
		b.Fatalf("failed to initialize local storage: %v", err)
	}
	return st, "blobs"
}

// openBenchmarkConn opens a throwaway backing store for one benchmark.
func openBenchmarkConn(b *testing.B) (*conn.Connection, string) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.db")
	c, err := conn.Open(context.Background(), path, conn.Options{})
	if err != nil {
		b.Fatalf("failed to open connection: %v", err)
	}
	b.Cleanup(func() { c.Close() })
	return c, path
}
