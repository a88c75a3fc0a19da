package watchlist

import (
	"path/filepath"
	"testing"
)

func TestSetThenHandlesReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	l, err := NewList(filepath.Join(dir, "watchlist.json"))
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	if err := l.Set([]string{"alice", "bob"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := l.Handles()
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("Handles() = %v", got)
	}
	got[0] = "mutated"
	if l.Handles()[0] != "alice" {
		t.Fatal("Handles() must return a defensive copy")
	}
}

func TestReloadsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchlist.json")
	l1, err := NewList(path)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	if err := l1.Set([]string{"carol"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	l2, err := NewList(path)
	if err != nil {
		t.Fatalf("NewList (reload): %v", err)
	}
	got := l2.Handles()
	if len(got) != 1 || got[0] != "carol" {
		t.Fatalf("Handles() after reload = %v", got)
	}
}

func TestEmptyListBeforeAnyWrite(t *testing.T) {
	dir := t.TempDir()
	l, err := NewList(filepath.Join(dir, "watchlist.json"))
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	if got := l.Handles(); len(got) != 0 {
		t.Fatalf("Handles() on fresh list = %v, want empty", got)
	}
}
