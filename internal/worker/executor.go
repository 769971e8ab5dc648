// Package worker manages the agent workers that execute dispatched
// tasks: one worker per role, a bounded number of concurrent
// executions, and the handoff policy for workers running low on
// context.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Assignment is the unit of work handed to a worker. A batched
// dispatch carries several task IDs in one assignment.
type Assignment struct {
	ID           string   `json:"id"`
	WorkerID     string   `json:"worker_id"`
	Role         string   `json:"role"`
	TaskIDs      []string `json:"task_ids"`
	Instructions string   `json:"instructions"`
	Files        []string `json:"files,omitempty"`
	// Handoff carries the summary left by a previous worker when the
	// task was requeued mid-flight.
	Handoff string `json:"handoff,omitempty"`
}

// Result statuses reported by an executor.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultHandoff   = "handoff"
)

// Result is what a worker reports back for an assignment.
type Result struct {
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	ContextTokens int      `json:"context_tokens,omitempty"`
	TouchedFiles  []string `json:"touched_files,omitempty"`
}

// Executor runs a single assignment to completion.
type Executor interface {
	Execute(ctx context.Context, assignment Assignment) (*Result, error)
}

// CommandExecutor runs assignments by shelling out to an external
// agent command. The assignment is written to the command's stdin as
// JSON; the command reports its result as JSON on stdout.
type CommandExecutor struct {
	// Command and Args name the agent binary; WorkDir is the project
	// root the agent operates in.
	Command string
	Args    []string
	WorkDir string
}

// NewCommandExecutor creates an executor around the given command line.
func NewCommandExecutor(command string, args []string, workDir string) *CommandExecutor {
	return &CommandExecutor{Command: command, Args: args, WorkDir: workDir}
}

// Execute runs the agent command for one assignment.
func (e *CommandExecutor) Execute(ctx context.Context, assignment Assignment) (*Result, error) {
	payload, err := json.Marshal(assignment)
	if err != nil {
		return nil, fmt.Errorf("encode assignment %s: %w", assignment.ID, err)
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent command failed for %s: %w: %s",
			assignment.ID, err, strings.TrimSpace(stderr.String()))
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decode result for %s: %w", assignment.ID, err)
	}
	switch result.Status {
	case ResultCompleted, ResultFailed, ResultHandoff:
	default:
		return nil, fmt.Errorf("agent reported unknown status %q for %s", result.Status, assignment.ID)
	}
	return &result, nil
}

var _ Executor = (*CommandExecutor)(nil)
