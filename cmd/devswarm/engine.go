package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devswarm/devswarm/internal/config"
	"github.com/devswarm/devswarm/internal/orchestrator"
	"github.com/devswarm/devswarm/internal/ownership"
	"github.com/devswarm/devswarm/internal/plan"
	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/internal/worker"
)

// engine wires the orchestration core together for the CLI commands.
type engine struct {
	cfg     *config.Config
	root    string
	db      *state.DB
	logger  *orchestrator.DebugLogger
	orc     *orchestrator.Orchestrator
	tracker *ownership.Tracker
	coord   *worker.Coordinator
	disp    *orchestrator.Dispatcher
}

func (e *engine) planPath() string {
	return filepath.Join(e.root, e.cfg.Plan.Path)
}

// openEngine assembles the orchestration core for a project: config,
// store, ownership tracker, orchestrator, coordinator and dispatcher,
// with the plan parsed and persisted progress overlaid.
func openEngine(root string) (*engine, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Executor.Command == "" {
		return nil, fmt.Errorf("no executor command configured; set executor.command in .devswarm.yaml")
	}

	db, err := state.OpenProject(absRoot)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}

	e := &engine{
		cfg:    cfg,
		root:   absRoot,
		db:     db,
		logger: orchestrator.NewDebugLoggerForProject(absRoot),
	}

	e.tracker = ownership.NewTracker(db)
	if err := e.tracker.Load(); err != nil {
		e.Close()
		return nil, err
	}

	e.orc = orchestrator.New(orchestrator.Config{
		Store:    db,
		ViewPath: filepath.Join(absRoot, cfg.Plan.ViewPath),
		Logger:   e.logger,
	})

	content, err := os.ReadFile(e.planPath())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("read plan document: %w", err)
	}
	parsed, err := plan.Parse(string(content))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	for _, m := range parsed.Malformed {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed %s\n", m)
	}
	if err := e.orc.Initialize(parsed); err != nil {
		e.Close()
		return nil, err
	}

	executor := worker.NewCommandExecutor(cfg.Executor.Command, cfg.Executor.Args, absRoot)
	e.coord = worker.NewCoordinator(worker.Config{
		Executor:      executor,
		MaxParallel:   int64(cfg.Workers.MaxExecutions),
		HandoffTokens: cfg.Workers.HandoffTokens,
		OnStart:       func(id string, a worker.Assignment) { e.disp.HandleStart(id, a) },
		OnResult: func(id string, a worker.Assignment, r *worker.Result, err error) {
			e.disp.HandleResult(id, a, r, err)
		},
	})
	e.disp = orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		Orchestrator: e.orc,
		Coordinator:  e.coord,
		Tracker:      e.tracker,
		Batching:     cfg.Dispatch.Batching,
		DeferLimit:   cfg.Dispatch.DeferLimit,
	})
	return e, nil
}

// recover resets tasks left in flight by a dead process.
func (e *engine) recover() error {
	return e.orc.Recover()
}

func (e *engine) Close() {
	if e.db != nil {
		e.db.Close()
	}
	if e.logger != nil {
		e.logger.Close()
	}
}
