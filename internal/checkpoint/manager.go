// Package checkpoint records resumable points in the upstream planning
// pipeline. Checkpoint bookkeeping is independent of task and worker
// state: resuming the planning pipeline never rewinds task progress.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/pkg/models"
)

// Stages is the fixed total order of planning pipeline stages.
var Stages = []string{
	"project_design",
	"design_review",
	"basic_devplan",
	"detailed_devplan",
	"handoff",
}

// ErrUnknownStage indicates a stage name outside the fixed order.
var ErrUnknownStage = errors.New("unknown checkpoint stage")

// StageIndex returns a stage's position in the fixed order, or -1.
func StageIndex(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// Manager writes and restores checkpoints. Artifact files are copied
// under a per-stage directory so later edits to the originals do not
// rewrite history.
type Manager struct {
	mu    sync.Mutex
	store state.Store
	dir   string
	now   func() time.Time
}

// NewManager creates a Manager storing artifact copies under dir.
func NewManager(store state.Store, dir string) *Manager {
	return &Manager{store: store, dir: dir, now: time.Now}
}

// Checkpoint snapshots a stage: each artifact file is copied into the
// stage's directory and the checkpoint row records the copies.
// Checkpointing a stage again replaces that stage's snapshot; earlier
// stages are never touched.
func (m *Manager) Checkpoint(stage string, artifacts []string) (*models.Checkpoint, error) {
	if StageIndex(stage) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stageDir := filepath.Join(m.dir, stage)
	if err := os.RemoveAll(stageDir); err != nil {
		return nil, fmt.Errorf("clear stage dir: %w", err)
	}
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}

	refs := make([]string, 0, len(artifacts))
	for _, src := range artifacts {
		dst := filepath.Join(stageDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("snapshot artifact %s: %w", src, err)
		}
		refs = append(refs, dst)
	}

	cp := models.Checkpoint{
		StageName:    stage,
		ArtifactRefs: refs,
		CreatedAt:    m.now(),
	}
	if err := m.store.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns all checkpoints in stage order.
func (m *Manager) List() ([]models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cps, err := m.store.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	sort.Slice(cps, func(i, j int) bool {
		return StageIndex(cps[i].StageName) < StageIndex(cps[j].StageName)
	})
	return cps, nil
}

// ResumeFrom discards every checkpoint strictly after the given stage
// and returns the artifact set as of that stage, so the upstream
// pipeline can regenerate everything downstream. Task and worker state
// are deliberately untouched.
func (m *Manager) ResumeFrom(stage string) ([]string, error) {
	idx := StageIndex(stage)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cps, err := m.store.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	byStage := make(map[string]models.Checkpoint, len(cps))
	for _, cp := range cps {
		byStage[cp.StageName] = cp
	}
	if _, ok := byStage[stage]; !ok {
		return nil, fmt.Errorf("no checkpoint recorded for stage %q", stage)
	}

	var doomed []string
	for _, later := range Stages[idx+1:] {
		if _, ok := byStage[later]; ok {
			doomed = append(doomed, later)
		}
	}
	if len(doomed) > 0 {
		if err := m.store.DeleteCheckpoints(doomed); err != nil {
			return nil, fmt.Errorf("discard later checkpoints: %w", err)
		}
		for _, s := range doomed {
			if err := os.RemoveAll(filepath.Join(m.dir, s)); err != nil {
				return nil, fmt.Errorf("remove stage artifacts: %w", err)
			}
		}
	}

	var artifacts []string
	for _, s := range Stages[:idx+1] {
		if cp, ok := byStage[s]; ok {
			artifacts = append(artifacts, cp.ArtifactRefs...)
		}
	}
	return artifacts, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
