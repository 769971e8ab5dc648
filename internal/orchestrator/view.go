package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devswarm/devswarm/pkg/models"
)

// The task-queue view is a regenerated artifact, never authoritative.
// Status lines are rewritten in place on every transition; a pending
// task's line is left byte-for-byte unchanged so repeated regeneration
// produces no diff noise.

// taskLineRe matches a rendered task status line: "- 1.2: Title [state]".
var taskLineRe = regexp.MustCompile(`^- (\d+\.\d+): .+ \[(\w+)\]$`)

// phaseLineRe matches a rendered phase heading: "## Phase 1: Title [state]".
var phaseLineRe = regexp.MustCompile(`^## Phase (\d+): (.+) \[(\w+)\]$`)

type viewMeta struct {
	Generator string `yaml:"generator"`
	Tasks     int    `yaml:"tasks"`
	Phases    int    `yaml:"phases"`
}

func renderTaskLine(t *models.Task) string {
	return fmt.Sprintf("- %s: %s [%s]", t.ID, t.Title, t.State)
}

// writeViewLocked updates the task-queue view. fresh forces a full
// regeneration; otherwise existing task lines are rewritten in place.
// View write failures are logged, never raised: the view is advisory.
func (o *Orchestrator) writeViewLocked(fresh bool) {
	if o.viewPath == "" {
		return
	}

	var content string
	existing, err := os.ReadFile(o.viewPath)
	if fresh || err != nil {
		content = o.renderViewLocked()
	} else {
		content, fresh = o.rewriteViewLocked(string(existing))
		if fresh {
			content = o.renderViewLocked()
		}
	}

	if err := os.WriteFile(o.viewPath, []byte(content), 0644); err != nil {
		o.logger.Log("WARNING: task queue view not written: %v", err)
	}
}

// renderViewLocked produces the full view document: yaml front matter,
// then one section per phase with a status line per task.
func (o *Orchestrator) renderViewLocked() string {
	tasks := o.graph.Tasks()
	meta, err := yaml.Marshal(viewMeta{
		Generator: "devswarm",
		Tasks:     len(tasks),
		Phases:    len(o.phases),
	})
	if err != nil {
		meta = nil
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n# Task Queue\n")

	numbers := make([]int, 0, len(o.phases))
	for n := range o.phases {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	for _, n := range numbers {
		p := o.phases[n]
		fmt.Fprintf(&b, "\n## Phase %d: %s [%s]\n\n", p.Number, p.Title, p.State)
		for _, t := range o.phaseTasksLocked(p) {
			b.WriteString(renderTaskLine(t))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// rewriteViewLocked updates status lines in an existing view. It
// returns needsFresh=true when the document no longer matches the
// graph (tasks added or removed) and must be regenerated.
func (o *Orchestrator) rewriteViewLocked(existing string) (content string, needsFresh bool) {
	seen := make(map[string]bool)
	lines := strings.Split(existing, "\n")
	for i, line := range lines {
		if pm := phaseLineRe.FindStringSubmatch(line); pm != nil {
			for _, p := range o.phases {
				if fmt.Sprint(p.Number) == pm[1] {
					lines[i] = fmt.Sprintf("## Phase %d: %s [%s]", p.Number, p.Title, p.State)
					break
				}
			}
			continue
		}
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		t := o.graph.Task(m[1])
		if t == nil {
			return "", true
		}
		seen[t.ID] = true
		if t.State != models.TaskStatePending {
			lines[i] = renderTaskLine(t)
		}
	}

	for _, t := range o.graph.Tasks() {
		if !seen[t.ID] {
			return "", true
		}
	}
	return strings.Join(lines, "\n"), false
}
