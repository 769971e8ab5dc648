package plan

import (
	"strings"

	"github.com/devswarm/devswarm/pkg/models"
)

// Keyword tables for role and complexity inference. Matching is
// best-effort; unmatched text falls back to safe defaults (backend,
// medium) so a bad guess never changes scheduling safety.

var roleKeywords = []struct {
	role     string
	keywords []string
}{
	{"frontend", []string{"component", "react", "vue", "css", "ui", "frontend", "html"}},
	{"qa", []string{"test", "pytest", "jest", "coverage", "assertion"}},
	{"devops", []string{"docker", "deploy", "ci/cd", "pipeline", "kubernetes"}},
	{"docs", []string{"documentation", "readme", "docs", "guide", "changelog"}},
	{"backend", []string{"api", "endpoint", "server", "database", "model", "backend", "migration"}},
}

// InferRole guesses a worker role from task text. Defaults to backend.
func InferRole(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range roleKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.role
			}
		}
	}
	return "backend"
}

var (
	trivialKeywords = []string{"typo", "rename", "bump", "one-line", "one line", "trivial"}
	complexKeywords = []string{"refactor", "architecture", "redesign", "migrate", "concurrency", "integrate", "rewrite"}
	simpleKeywords  = []string{"small", "minor", "simple", "straightforward", "add field", "update config"}
)

// InferComplexity guesses task complexity from its text. Keyword hits
// win; otherwise very short descriptions read as simple and everything
// else defaults to medium (never batched).
func InferComplexity(text string) models.Complexity {
	lower := strings.ToLower(text)
	for _, kw := range trivialKeywords {
		if strings.Contains(lower, kw) {
			return models.ComplexityTrivial
		}
	}
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return models.ComplexityComplex
		}
	}
	for _, kw := range simpleKeywords {
		if strings.Contains(lower, kw) {
			return models.ComplexitySimple
		}
	}
	if len(strings.TrimSpace(lower)) < 60 {
		return models.ComplexitySimple
	}
	return models.ComplexityMedium
}
