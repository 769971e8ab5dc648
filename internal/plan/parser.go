// Package plan parses markdown plan documents into tasks and phases.
// Parsing is pure and idempotent: the same document always yields a
// structurally equal result, and a malformed task block produces a
// diagnostic instead of aborting the whole parse.
package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/devswarm/devswarm/pkg/models"
)

var (
	phaseHeaderRe = regexp.MustCompile(`(?m)^##\s+Phase\s+(\d+)\s*:\s*(.+?)\s*$`)
	taskHeaderRe  = regexp.MustCompile(`(?m)^###\s+Task\s+(\d+)\.(\d+)\s*:\s*(.+?)\s*$`)

	roleTagRe       = regexp.MustCompile(`(?i)@(?:role|agent):\s*(\w+)`)
	dependsTagRe    = regexp.MustCompile(`(?i)@depends:\s*([^\n]+)`)
	complexityTagRe = regexp.MustCompile(`(?i)@complexity:\s*(\w+)`)
	doneWhenTagRe   = regexp.MustCompile(`(?i)@done_when:\s*([^\n]+)`)
	filesTagRe      = regexp.MustCompile(`(?is)@files:\s*(.*?)(?:\n@|\n\n|\z)`)
)

// MalformedTask records a task block that could not be used. The task
// is excluded from the result; parsing continues.
type MalformedTask struct {
	ID     string
	Line   int
	Reason string
}

func (m MalformedTask) String() string {
	return fmt.Sprintf("task %s (line %d): %s", m.ID, m.Line, m.Reason)
}

// Result is the outcome of parsing one plan document.
type Result struct {
	Tasks     []*models.Task
	Phases    []*models.Phase
	Malformed []MalformedTask
}

// Parse parses a plan document. Phases are `## Phase N: Title` headers;
// tasks are `### Task N.M: Title` blocks tagged with @role:, @depends:,
// @complexity:, @files: and @done_when:. Missing role and complexity
// are inferred from the block text.
func Parse(content string) (*Result, error) {
	res := &Result{}

	phaseMatches := phaseHeaderRe.FindAllStringSubmatchIndex(content, -1)
	if len(phaseMatches) == 0 {
		return nil, fmt.Errorf("no phase headers found in plan")
	}

	phases := make(map[int]*models.Phase, len(phaseMatches))
	for _, m := range phaseMatches {
		num, _ := strconv.Atoi(content[m[2]:m[3]])
		if _, dup := phases[num]; dup {
			continue
		}
		phases[num] = &models.Phase{
			Number: num,
			Title:  strings.TrimSpace(content[m[4]:m[5]]),
		}
	}

	taskMatches := taskHeaderRe.FindAllStringSubmatchIndex(content, -1)
	seen := make(map[string]bool, len(taskMatches))
	for i, m := range taskMatches {
		blockEnd := len(content)
		if i+1 < len(taskMatches) {
			blockEnd = taskMatches[i+1][0]
		}
		// A task block also ends at the next phase header.
		for _, pm := range phaseMatches {
			if pm[0] > m[1] && pm[0] < blockEnd {
				blockEnd = pm[0]
				break
			}
		}

		phaseNum, _ := strconv.Atoi(content[m[2]:m[3]])
		taskNum, _ := strconv.Atoi(content[m[4]:m[5]])
		id := fmt.Sprintf("%d.%d", phaseNum, taskNum)
		line := lineAt(content, m[0])

		phase, ok := phases[phaseNum]
		if !ok {
			res.Malformed = append(res.Malformed, MalformedTask{
				ID: id, Line: line,
				Reason: fmt.Sprintf("references unknown phase %d", phaseNum),
			})
			continue
		}
		if seen[id] {
			res.Malformed = append(res.Malformed, MalformedTask{
				ID: id, Line: line, Reason: "duplicate task id",
			})
			continue
		}

		task, reason := parseTaskBlock(phaseNum, taskNum, strings.TrimSpace(content[m[6]:m[7]]), content[m[1]:blockEnd])
		if reason != "" {
			res.Malformed = append(res.Malformed, MalformedTask{ID: id, Line: line, Reason: reason})
			continue
		}

		seen[id] = true
		res.Tasks = append(res.Tasks, task)
		phase.TaskIDs = append(phase.TaskIDs, task.ID)
	}

	for _, p := range phases {
		res.Phases = append(res.Phases, p)
	}
	sort.Slice(res.Phases, func(i, j int) bool { return res.Phases[i].Number < res.Phases[j].Number })
	sort.Slice(res.Tasks, func(i, j int) bool {
		a, b := res.Tasks[i], res.Tasks[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		return a.Number < b.Number
	})
	return res, nil
}

func parseTaskBlock(phase, num int, title, body string) (*models.Task, string) {
	id := fmt.Sprintf("%d.%d", phase, num)
	task := &models.Task{
		ID:     id,
		Phase:  phase,
		Number: num,
		Title:  title,
		State:  models.TaskStatePending,
	}

	if m := roleTagRe.FindStringSubmatch(body); m != nil {
		task.Role = strings.ToLower(m[1])
	} else {
		task.Role = InferRole(title + "\n" + body)
	}

	if m := complexityTagRe.FindStringSubmatch(body); m != nil {
		c := models.Complexity(strings.ToLower(m[1]))
		if !c.Valid() {
			return nil, fmt.Sprintf("invalid complexity %q", m[1])
		}
		task.Complexity = c
	} else {
		task.Complexity = InferComplexity(title + "\n" + body)
	}

	if m := dependsTagRe.FindStringSubmatch(body); m != nil {
		deps := strings.TrimSpace(m[1])
		if !strings.EqualFold(deps, "none") {
			for _, d := range strings.Split(deps, ",") {
				d = strings.TrimSpace(d)
				if d == "" {
					continue
				}
				if d == id {
					return nil, "task depends on itself"
				}
				task.DependsOn = append(task.DependsOn, d)
			}
		}
	}

	if m := doneWhenTagRe.FindStringSubmatch(body); m != nil {
		task.DoneWhen = strings.TrimSpace(m[1])
	} else {
		task.DoneWhen = "Task completed as specified"
	}

	task.TouchedFiles = extractFiles(body)
	task.Description = strings.TrimSpace(stripTags(body))
	return task, ""
}

// extractFiles pulls file paths from an @files: list. Entries may be
// plain lines or markdown bullets; anything without a path separator
// or extension is ignored.
func extractFiles(body string) []string {
	m := filesTagRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || (!strings.Contains(line, "/") && !strings.Contains(line, ".")) {
			continue
		}
		if !seen[line] {
			seen[line] = true
			files = append(files, line)
		}
	}
	return files
}

// stripTags removes @tag lines so the remaining text reads as the
// task description.
func stripTags(body string) string {
	var kept []string
	inFiles := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "@files:") {
			inFiles = true
			continue
		}
		if strings.HasPrefix(lower, "@") {
			inFiles = false
			continue
		}
		if inFiles {
			if strings.HasPrefix(trimmed, "-") || trimmed != "" && !strings.Contains(trimmed, " ") {
				continue
			}
			inFiles = false
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func lineAt(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}
