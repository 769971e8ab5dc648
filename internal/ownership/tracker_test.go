package ownership

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/devswarm/devswarm/internal/state"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewTracker(db)
}

func TestReserveAndRelease(t *testing.T) {
	tr := testTracker(t)

	if err := tr.Reserve([]string{"api/handlers.go", "api/routes.go"}, "1.1", "w1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	got := tr.TaskPaths("1.1")
	want := []string{"api/handlers.go", "api/routes.go"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TaskPaths = %v, want %v", got, want)
	}

	if err := tr.Release("1.1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if paths := tr.TaskPaths("1.1"); len(paths) != 0 {
		t.Errorf("paths after release = %v, want none", paths)
	}
	// Releasing again is a no-op.
	if err := tr.Release("1.1"); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestReserveConflict(t *testing.T) {
	tr := testTracker(t)

	if err := tr.Reserve([]string{"core/engine.go"}, "1.1", "w1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	err := tr.Reserve([]string{"core/engine.go", "core/util.go"}, "1.2", "w2")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Reserve = %v, want *ConflictError", err)
	}
	if conflict.Conflicts["core/engine.go"] != "1.1" {
		t.Errorf("conflict holder = %q, want 1.1", conflict.Conflicts["core/engine.go"])
	}

	// Failed reservation must not partially claim the free path.
	if ids := tr.CheckConflicts([]string{"core/util.go"}); len(ids) != 0 {
		t.Errorf("core/util.go held by %v after failed reserve", ids)
	}
}

func TestReserveSameTaskIsIdempotent(t *testing.T) {
	tr := testTracker(t)

	if err := tr.Reserve([]string{"db/schema.sql"}, "2.1", "w1"); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if err := tr.Reserve([]string{"db/schema.sql", "db/migrate.go"}, "2.1", "w1"); err != nil {
		t.Fatalf("re-Reserve by holder: %v", err)
	}
	if got := tr.TaskPaths("2.1"); !reflect.DeepEqual(got, []string{"db/migrate.go", "db/schema.sql"}) {
		t.Errorf("TaskPaths = %v", got)
	}
}

func TestDirectoryOverlap(t *testing.T) {
	tr := testTracker(t)

	if err := tr.Reserve([]string{"services/auth"}, "3.1", "w1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	cases := []struct {
		name  string
		paths []string
		want  []string
	}{
		{"file inside owned dir", []string{"services/auth/login.go"}, []string{"3.1"}},
		{"parent of owned dir", []string{"services"}, []string{"3.1"}},
		{"exact match", []string{"services/auth"}, []string{"3.1"}},
		{"sibling dir", []string{"services/billing/invoice.go"}, nil},
		{"prefix but not path component", []string{"services/authz/policy.go"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tr.CheckConflicts(tc.paths)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("CheckConflicts(%v) = %v, want %v", tc.paths, got, tc.want)
			}
		})
	}
}

func TestCheckConflictsDeduplicates(t *testing.T) {
	tr := testTracker(t)

	if err := tr.Reserve([]string{"pkg/a.go", "pkg/b.go"}, "4.1", "w1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	got := tr.CheckConflicts([]string{"pkg/a.go", "pkg/b.go"})
	if !reflect.DeepEqual(got, []string{"4.1"}) {
		t.Errorf("CheckConflicts = %v, want [4.1]", got)
	}
}

func TestPathNormalization(t *testing.T) {
	tr := testTracker(t)

	if err := tr.Reserve([]string{"./cmd/main.go"}, "5.1", "w1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ids := tr.CheckConflicts([]string{"cmd/main.go"}); !reflect.DeepEqual(ids, []string{"5.1"}) {
		t.Errorf("CheckConflicts = %v, want [5.1]", ids)
	}
}

func TestLoadRestoresReservations(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	first := NewTracker(db)
	if err := first.Reserve([]string{"web/index.html", "web/app.js"}, "6.1", "w1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	second := NewTracker(db)
	if err := second.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ids := second.CheckConflicts([]string{"web/app.js"}); !reflect.DeepEqual(ids, []string{"6.1"}) {
		t.Errorf("CheckConflicts after Load = %v, want [6.1]", ids)
	}
	if got := second.TaskPaths("6.1"); !reflect.DeepEqual(got, []string{"web/app.js", "web/index.html"}) {
		t.Errorf("TaskPaths after Load = %v", got)
	}
}
