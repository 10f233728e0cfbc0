package kv

import (
	"errors"
	"path/filepath"
	"testing"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()

	if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Save("a:1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("a:2", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("b:1", []byte("three")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load("a:1")
	if err != nil || string(got) != "one" {
		t.Fatalf("load: %q, %v", got, err)
	}

	// Overwrite.
	if err := s.Save("a:1", []byte("uno")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load("a:1")
	if string(got) != "uno" {
		t.Fatalf("expected overwrite, got %q", got)
	}

	keys, err := s.Keys("a:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "a:1" || keys[1] != "a:2" {
		t.Fatalf("expected sorted prefix keys, got %v", keys)
	}

	if err := s.Delete("a:1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("a:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting a missing key is not an error.
	if err := s.Delete("a:1"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStoreContract(t, s)
}

func TestSQLiteStore_ReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Load("k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected value across reopen, got %q, %v", got, err)
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Save("k", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Load("k")
	got[0] = 'z'
	again, _ := s.Load("k")
	if string(again) != "abc" {
		t.Fatalf("mutating a loaded value must not affect the store, got %q", again)
	}
}
