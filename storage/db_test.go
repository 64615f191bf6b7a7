package storage

import (
	"errors"
	"testing"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get([]byte("a"))
	if err != nil || string(value) != "1" {
		t.Fatalf("get: %s %v", value, err)
	}
	if err := db.Delete([]byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestMemDBIteratePrefixOrdered(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	entries := map[string]string{
		"batch/0002": "b",
		"batch/0001": "a",
		"batch/0003": "c",
		"other/0001": "x",
	}
	for k, v := range entries {
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var got []string
	err := db.IteratePrefix([]byte("batch/"), func(key, value []byte) bool {
		got = append(got, string(value))
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected iteration order: %v", got)
	}

	// Early termination stops the walk.
	count := 0
	_ = db.IteratePrefix([]byte("batch/"), func(key, value []byte) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected a single visit, got %d", count)
	}
}
