package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForLoader(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoaderScansDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "on_get.js"), []byte(`var a = 1;`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(dir, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	if s := l.Get("on_get.js"); s == nil || s.Source() != "var a = 1;" {
		t.Errorf("on_get.js not loaded: %v", s)
	}
	if l.Get("notes.txt") != nil {
		t.Error("non-js file was loaded as a hook")
	}
}

func TestLoaderPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "on_post.js")
	if err := os.WriteFile(path, []byte(`var v = 1;`), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(dir, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	if err := os.WriteFile(path, []byte(`var v = 2;`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForLoader(t, "edited hook to reload", func() bool {
		s := l.Get("on_post.js")
		return s != nil && s.Source() == "var v = 2;"
	})

	late := filepath.Join(dir, "on_delete.js")
	if err := os.WriteFile(late, []byte(`var v = 3;`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForLoader(t, "new hook to load", func() bool {
		return l.Get("on_delete.js") != nil
	})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForLoader(t, "deleted hook to unload", func() bool {
		return l.Get("on_post.js") == nil
	})
}
