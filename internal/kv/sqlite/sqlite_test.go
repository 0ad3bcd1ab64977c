package sqlite

import (
	"bytes"
	"context"
	"testing"
)

func TestWALMode(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	// In-memory databases don't support WAL, so we expect "memory"
	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "memory" && journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'memory' or 'wal', got: %s", journalMode)
	}

	var busyTimeout int
	if err := db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout to be 5000, got: %d", busyTimeout)
	}

	var cacheSize int
	if err := db.conn.QueryRow("PRAGMA cache_size").Scan(&cacheSize); err != nil {
		t.Fatalf("Failed to query cache_size: %v", err)
	}
	if cacheSize != -64000 {
		t.Errorf("Expected cache_size to be -64000, got: %d", cacheSize)
	}
}

func TestWALModeWithFile(t *testing.T) {
	db, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'wal' for file database, got: %s", journalMode)
	}
}

func TestPutReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	prev, existed, err := db.Put(ctx, 1, []byte("k"), []byte("v1"))
	if err != nil || existed || prev != nil {
		t.Fatalf("first Put = (%q, %v, %v), want no previous", prev, existed, err)
	}

	prev, existed, err = db.Put(ctx, 1, []byte("k"), []byte("v2"))
	if err != nil || !existed || string(prev) != "v1" {
		t.Fatalf("second Put = (%q, %v, %v), want previous v1", prev, existed, err)
	}

	// Same key in another region is independent
	if _, ok, _ := db.Get(ctx, 2, []byte("k")); ok {
		t.Fatal("key leaked across regions")
	}

	removed, existed, err := db.Delete(ctx, 1, []byte("k"))
	if err != nil || !existed || string(removed) != "v2" {
		t.Fatalf("Delete = (%q, %v, %v), want removed v2", removed, existed, err)
	}
	if _, existed, _ := db.Delete(ctx, 1, []byte("k")); existed {
		t.Fatal("second Delete reported an existing key")
	}
}

func TestScanIsByteOrdered(t *testing.T) {
	ctx := context.Background()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	keys := [][]byte{{0, 2}, {0, 1, 5}, {1}, {0, 1}}
	for _, k := range keys {
		if _, _, err := db.Put(ctx, 3, k, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var got [][]byte
	err = db.Scan(ctx, 3, func(key, _ []byte) error {
		got = append(got, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := [][]byte{{0, 1}, {0, 1, 5}, {0, 2}, {1}}
	if len(got) != len(want) {
		t.Fatalf("Scan returned %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("key %d = %v, want %v", i, got[i], want[i])
		}
	}

	n, err := db.Count(ctx, 3)
	if err != nil || n != 4 {
		t.Fatalf("Count = (%d, %v), want 4", n, err)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/persist.db"

	db, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	if _, _, err := db.Put(ctx, 0, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	value, ok, err := db.Get(ctx, 0, []byte("a"))
	if err != nil || !ok || string(value) != "1" {
		t.Fatalf("Get after reopen = (%q, %v, %v)", value, ok, err)
	}
}
