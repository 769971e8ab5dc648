// Package ownership tracks which task owns which workspace paths during
// parallel execution. Reservations are acquired before dispatch and
// released on completion, so two workers never write the same file.
package ownership

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/pkg/models"
)

// ConflictError reports that requested paths are already reserved by
// other still-active tasks.
type ConflictError struct {
	// Conflicts maps each contested path to the task ID holding it.
	Conflicts map[string]string
}

func (e *ConflictError) Error() string {
	paths := make([]string, 0, len(e.Conflicts))
	for p := range e.Conflicts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = fmt.Sprintf("%s (task %s)", p, e.Conflicts[p])
	}
	return "file conflict: " + strings.Join(parts, ", ")
}

// Tracker is the in-memory reservation table, persisted through a Store
// so a process restart does not forget which task owns which paths.
type Tracker struct {
	mu sync.RWMutex
	// byPath maps normalized path to its reservation.
	byPath map[string]models.Reservation
	// byTask maps task ID to the normalized paths it holds.
	byTask map[string][]string
	store  state.Store
	now    func() time.Time
}

// NewTracker creates a tracker backed by the given store.
// If store is nil the tracker is purely in-memory.
func NewTracker(store state.Store) *Tracker {
	return &Tracker{
		byPath: make(map[string]models.Reservation),
		byTask: make(map[string][]string),
		store:  store,
		now:    time.Now,
	}
}

// Load restores persisted reservations, rebuilding the in-memory index.
func (t *Tracker) Load() error {
	if t.store == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	reservations, err := t.store.ListReservations()
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}

	t.byPath = make(map[string]models.Reservation, len(reservations))
	t.byTask = make(map[string][]string)
	for _, r := range reservations {
		r.Path = normalizePath(r.Path)
		t.byPath[r.Path] = r
		t.byTask[r.TaskID] = append(t.byTask[r.TaskID], r.Path)
	}
	return nil
}

// Reserve claims the given paths for a task. It fails with a
// *ConflictError naming the holding tasks if any path overlaps an
// existing reservation held by a different task; in that case nothing
// is reserved.
func (t *Tracker) Reserve(paths []string, taskID, workerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conflicts := t.conflictsLocked(paths, taskID)
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}

	for _, p := range paths {
		norm := normalizePath(p)
		if norm == "" {
			continue
		}
		if existing, ok := t.byPath[norm]; ok && existing.TaskID == taskID {
			continue
		}

		r := models.Reservation{
			Path:       norm,
			TaskID:     taskID,
			WorkerID:   workerID,
			ReservedAt: t.now(),
		}
		t.byPath[norm] = r
		t.byTask[taskID] = append(t.byTask[taskID], norm)

		if t.store != nil {
			if err := t.store.SaveReservation(r); err != nil {
				return fmt.Errorf("persist reservation %s: %w", norm, err)
			}
		}
	}
	return nil
}

// CheckConflicts returns the IDs of tasks holding reservations that
// overlap any of the given paths. Read-only; used by the dispatcher
// before committing to a dispatch.
func (t *Tracker) CheckConflicts(paths []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conflicts := t.conflictsLocked(paths, "")
	seen := make(map[string]bool, len(conflicts))
	var ids []string
	for _, taskID := range conflicts {
		if !seen[taskID] {
			seen[taskID] = true
			ids = append(ids, taskID)
		}
	}
	sort.Strings(ids)
	return ids
}

// conflictsLocked maps each contested requested path to the holding
// task. Paths held by requestingTask itself are not conflicts.
// Caller must hold t.mu.
func (t *Tracker) conflictsLocked(paths []string, requestingTask string) map[string]string {
	conflicts := make(map[string]string)
	for _, p := range paths {
		norm := normalizePath(p)
		if norm == "" {
			continue
		}
		for owned, r := range t.byPath {
			if r.TaskID == requestingTask {
				continue
			}
			if pathsOverlap(norm, owned) {
				conflicts[norm] = r.TaskID
			}
		}
	}
	return conflicts
}

// Release drops every reservation held by a task. Idempotent; safe to
// call for a task that never reserved anything.
func (t *Tracker) Release(taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths, ok := t.byTask[taskID]
	if ok {
		for _, p := range paths {
			delete(t.byPath, p)
		}
		delete(t.byTask, taskID)
	}

	if t.store != nil {
		if err := t.store.DeleteReservationsForTask(taskID); err != nil {
			return fmt.Errorf("release reservations for %s: %w", taskID, err)
		}
	}
	return nil
}

// Reservations returns a snapshot of all current reservations ordered by path.
func (t *Tracker) Reservations() []models.Reservation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Reservation, 0, len(t.byPath))
	for _, r := range t.byPath {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// TaskPaths returns the paths currently held by a task.
func (t *Tracker) TaskPaths(taskID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := append([]string(nil), t.byTask[taskID]...)
	sort.Strings(paths)
	return paths
}

// Overlaps reports whether any path in a contests any path in b,
// using the same containment semantics as reservations. Callers use
// it to avoid grouping work that could not reserve together.
func Overlaps(a, b []string) bool {
	for _, pa := range a {
		na := normalizePath(pa)
		for _, pb := range b {
			if pathsOverlap(na, normalizePath(pb)) {
				return true
			}
		}
	}
	return false
}

// normalizePath canonicalizes a workspace-relative path: forward
// slashes, no leading "./" or "/", no trailing slash.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	p = strings.TrimSuffix(p, "/")
	return p
}

// pathsOverlap reports whether two normalized paths contest the same
// file: equal paths, or one being a directory prefix of the other.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
