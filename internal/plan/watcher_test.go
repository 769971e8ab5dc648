package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReparsesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devplan.md")

	initial := "## Phase 1: Start\n\n### Task 1.1: First\n@done_when: done\n"
	if err := os.WriteFile(path, []byte(initial), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	results := make(chan *Result, 4)
	w, err := NewWatcher(path, func(r *Result) { results <- r }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	updated := initial + "\n### Task 1.2: Second\n@depends: 1.1\n@done_when: done\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite plan: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-results:
			if len(res.Tasks) == 2 {
				return
			}
			// A partial write can surface first; keep waiting.
		case <-deadline:
			t.Fatal("watcher did not deliver the updated plan")
		}
	}
}

func TestWatcherReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devplan.md")
	if err := os.WriteFile(path, []byte("## Phase 1: Start\n\n### Task 1.1: First\n@done_when: x\n"), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	errs := make(chan error, 4)
	w, err := NewWatcher(path, func(*Result) {}, func(e error) { errs <- e })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("no phases here\n"), 0644); err != nil {
		t.Fatalf("rewrite plan: %v", err)
	}

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the parse failure")
	}
}
