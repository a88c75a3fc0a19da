package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestWriteJSONThenReadJSONRoundtrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	want := sample{Name: "alice", N: 3}
	if err := WriteJSON(path, want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Fatalf("ReadJSON = %+v, want %+v", got, want)
	}
}

func TestReadJSONMissingFileReturnsErrNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	var got sample
	err := ReadJSON(path, &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadJSON on missing file = %v, want os.ErrNotExist", err)
	}
}

func TestWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")
	if err := WriteJSON(path, sample{Name: "bob"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "sample.json" {
		t.Fatalf("directory entries = %v, want only sample.json", entries)
	}
}

func TestAppendLineCreatesThenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := AppendLine(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("AppendLine (create): %v", err)
	}
	if err := AppendLine(path, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("AppendLine (append): %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "{\"a\":1}\n{\"a\":2}\n"
	if string(data) != want {
		t.Fatalf("log contents = %q, want %q", data, want)
	}
}
