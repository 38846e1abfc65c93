package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	data := []byte(`{"key": "value"}`)
	if err := WriteAtomic(path, data); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("file content = %q, want %q", got, data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "test.json" {
			t.Errorf("unexpected file remaining: %s", e.Name())
		}
	}
}

func TestReadJSONIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data.json")

	var out map[string]int
	ok, err := ReadJSONIfExists(path, &out)
	if err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	if err := WriteJSON(path, map[string]int{"count": 42}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	ok, err = ReadJSONIfExists(path, &out)
	if err != nil || !ok {
		t.Fatalf("existing file: ok=%v err=%v", ok, err)
	}
	if out["count"] != 42 {
		t.Errorf("count = %d, want 42", out["count"])
	}
}

func TestReadJSONCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if _, err := ReadJSONIfExists(path, &out); err == nil {
		t.Error("expected error for corrupt file")
	}
}

func TestSlot(t *testing.T) {
	var s Slot
	if !s.TryAcquire("a") {
		t.Fatal("first acquire failed")
	}
	if s.TryAcquire("b") {
		t.Error("second acquire should fail")
	}
	if s.Release("b") {
		t.Error("non-holder release should fail")
	}
	if !s.Release("a") {
		t.Error("holder release failed")
	}
	if s.Holder() != "" {
		t.Errorf("Holder = %q, want empty", s.Holder())
	}
	if !s.TryAcquire("b") {
		t.Error("acquire after release failed")
	}
}
