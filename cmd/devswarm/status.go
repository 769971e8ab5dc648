package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devswarm/devswarm/internal/state"
	"github.com/devswarm/devswarm/pkg/models"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task, reservation and checkpoint state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit machine-readable JSON")
}

// statusTask is the stable JSON shape for a task; internal fields like
// timestamps and handoff carry-over are deliberately excluded.
type statusTask struct {
	ID             string   `json:"id"`
	State          string   `json:"state"`
	AssignedWorker string   `json:"assigned_worker,omitempty"`
	ResultSummary  string   `json:"result_summary,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Complexity     string   `json:"complexity"`
}

type statusReservation struct {
	Path     string `json:"path"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

type statusCheckpoint struct {
	StageName    string   `json:"stage_name"`
	ArtifactRefs []string `json:"artifact_refs"`
	CreatedAt    string   `json:"created_at"`
}

type statusReport struct {
	Tasks        []statusTask        `json:"tasks"`
	Reservations []statusReservation `json:"reservations"`
	Checkpoints  []statusCheckpoint  `json:"checkpoints"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	dbPath := state.ProjectDBPath(projectRoot)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if statusJSON {
			fmt.Println(`{"tasks":[],"reservations":[],"checkpoints":[]}`)
			return nil
		}
		fmt.Println("No active session. Run 'devswarm run' to start one.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	tasks, err := db.ListTasks()
	if err != nil {
		return err
	}
	reservations, err := db.ListReservations()
	if err != nil {
		return err
	}
	checkpoints, err := db.ListCheckpoints()
	if err != nil {
		return err
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Phase != tasks[j].Phase {
			return tasks[i].Phase < tasks[j].Phase
		}
		return tasks[i].Number < tasks[j].Number
	})

	if statusJSON {
		return printStatusJSON(tasks, reservations, checkpoints)
	}
	printStatusHuman(tasks, reservations, checkpoints)
	return nil
}

func printStatusJSON(tasks []models.Task, reservations []models.Reservation, checkpoints []models.Checkpoint) error {
	report := statusReport{
		Tasks:        make([]statusTask, 0, len(tasks)),
		Reservations: make([]statusReservation, 0, len(reservations)),
		Checkpoints:  make([]statusCheckpoint, 0, len(checkpoints)),
	}
	for _, t := range tasks {
		report.Tasks = append(report.Tasks, statusTask{
			ID:             t.ID,
			State:          string(t.State),
			AssignedWorker: t.AssignedWorker,
			ResultSummary:  t.ResultSummary,
			DependsOn:      t.DependsOn,
			Complexity:     string(t.Complexity),
		})
	}
	for _, r := range reservations {
		report.Reservations = append(report.Reservations, statusReservation{
			Path:     r.Path,
			TaskID:   r.TaskID,
			WorkerID: r.WorkerID,
		})
	}
	for _, c := range checkpoints {
		report.Checkpoints = append(report.Checkpoints, statusCheckpoint{
			StageName:    c.StageName,
			ArtifactRefs: c.ArtifactRefs,
			CreatedAt:    c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printStatusHuman(tasks []models.Task, reservations []models.Reservation, checkpoints []models.Checkpoint) {
	if len(tasks) == 0 {
		fmt.Println("No tasks recorded.")
	}

	counts := map[models.TaskState]int{}
	currentPhase := -1
	for _, t := range tasks {
		counts[t.State]++
		if t.Phase != currentPhase {
			currentPhase = t.Phase
			fmt.Printf("\nPhase %d:\n", t.Phase)
		}
		line := fmt.Sprintf("  %s: %s [%s]", t.ID, t.Title, t.State)
		switch t.State {
		case models.TaskStateCompleted:
			color.Green(line)
		case models.TaskStateFailed:
			color.Red(line)
		case models.TaskStateBlocked:
			color.Yellow(line)
		case models.TaskStateInProgress, models.TaskStateDispatched:
			color.Cyan("%s (%s)", line, t.AssignedWorker)
		default:
			fmt.Println(line)
		}
	}

	if len(tasks) > 0 {
		fmt.Printf("\n%d tasks: %d completed, %d in flight, %d pending, %d blocked, %d failed\n",
			len(tasks),
			counts[models.TaskStateCompleted],
			counts[models.TaskStateDispatched]+counts[models.TaskStateInProgress],
			counts[models.TaskStatePending],
			counts[models.TaskStateBlocked],
			counts[models.TaskStateFailed])
	}

	if len(reservations) > 0 {
		fmt.Println("\nFile reservations:")
		for _, r := range reservations {
			fmt.Printf("  %s -> %s (%s)\n", r.Path, r.TaskID, r.WorkerID)
		}
	}

	if len(checkpoints) > 0 {
		fmt.Println("\nCheckpoints:")
		for _, c := range checkpoints {
			fmt.Printf("  %s (%d artifacts) at %s\n", c.StageName, len(c.ArtifactRefs), c.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
	}
}
