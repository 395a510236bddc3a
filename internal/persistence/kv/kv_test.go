package kv

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	if _, ok, err := s.Get("missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.Set("jobs", "j1:[]"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("jobs", "j1:[1]"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := s.Get("jobs")
	if err != nil || !ok || v != "j1:[1]" {
		t.Fatalf("get=%q ok=%v err=%v", v, ok, err)
	}
	err = s.Set("big", strings.Repeat("x", s.MaxValueBytes()+1))
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("oversize err=%v want ErrValueTooLarge", err)
	}
	if _, ok, _ := s.Get("big"); ok {
		t.Fatalf("oversize value was stored")
	}
	if err := s.Delete("jobs"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get("jobs"); ok {
		t.Fatalf("deleted key still present")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory(64)
	exerciseStore(t, m)
	if m.Writes() != 2 {
		t.Fatalf("writes=%d want 2", m.Writes())
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv", "world.sqlite")
	s, err := OpenSQLite(path, "overworld", 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteScopesAreIsolatedAndDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.sqlite")
	s, err := OpenSQLite(path, "world", 1024)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	node := s.Scope("node:overworld@1,2,3")
	if err := s.Set("k", "world"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := node.Set("k", "node"); err != nil {
		t.Fatalf("scoped set: %v", err)
	}
	if v, _, _ := s.Get("k"); v != "world" {
		t.Fatalf("world scope=%q", v)
	}
	if err := node.Close(); err != nil {
		t.Fatalf("scoped close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := OpenSQLite(path, "node:overworld@1,2,3", 1024)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if v, ok, _ := again.Get("k"); !ok || v != "node" {
		t.Fatalf("after reopen=%q ok=%v", v, ok)
	}
}
