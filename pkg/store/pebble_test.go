package store

import (
	"testing"

	"projectd/pkg/logger"
)

func init() { logger.Init() }

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t)

	if err := db.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := db.Get([]byte("k1"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := db.Delete([]byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("k1")); !IsNotFound(err) {
		t.Fatalf("Get after delete = %v, want not-found", err)
	}
}

func TestApplyAtomicBatch(t *testing.T) {
	db := openTestDB(t)

	kvs := map[string][]byte{
		"a:1": []byte("x"),
		"a:2": []byte("y"),
		"b:1": []byte("z"),
	}
	if err := db.Apply(kvs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for k, want := range kvs {
		got, err := db.Get([]byte(k))
		if err != nil || string(got) != string(want) {
			t.Fatalf("Get(%s) = %q, %v", k, got, err)
		}
	}
}

func TestScanPrefix(t *testing.T) {
	db := openTestDB(t)
	_ = db.Apply(map[string][]byte{
		"p:1": []byte("a"),
		"p:2": []byte("b"),
		"q:1": []byte("c"),
	})

	var keys []string
	err := db.ScanPrefix([]byte("p:"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(keys) != 2 || keys[0] != "p:1" || keys[1] != "p:2" {
		t.Fatalf("scanned keys = %v, want [p:1 p:2]", keys)
	}
}

func TestReadyAfterClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !db.Ready() {
		t.Fatalf("freshly opened store not ready")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if db.Ready() {
		t.Fatalf("closed store still ready")
	}
}
