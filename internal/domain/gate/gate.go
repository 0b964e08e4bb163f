// Package gate evaluates a stage's declarative exit criteria against the artifacts,
// committed files and metadata produced for a card. Evaluation is pure: it performs
// no I/O and never mutates its input.
package gate

import (
	"fmt"
	"strings"

	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
)

// FailurePrefix starts the error summary of a run failed by its gates.
const FailurePrefix = "Gate check failed: "

// Input is everything a gate may look at.
type Input struct {
	// Artifacts of the card, typically across all stages.
	Artifacts []run.Artifact
	// Files maps committed file paths to their content. Content may be empty
	// when only the listing is known.
	Files map[string]string
	// Metadata is the run metadata metric gates read from.
	Metadata map[string]any
}

// Result is the outcome of one gate.
type Result struct {
	GateID   string          `json:"gate_id"`
	Name     string          `json:"name"`
	Type     recipe.GateType `json:"type"`
	Required bool            `json:"required"`
	Passed   bool            `json:"passed"`
	Message  string          `json:"message,omitempty"`
	Detail   string          `json:"detail,omitempty"`
}

// Verdict is the outcome of a stage's gate list as a whole.
type Verdict struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// FailedRequired returns the required gates that did not pass.
func (v *Verdict) FailedRequired() []Result {
	var out []Result
	for _, r := range v.Results {
		if r.Required && !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Advisory returns the non-required gates that did not pass.
func (v *Verdict) Advisory() []Result {
	var out []Result
	for _, r := range v.Results {
		if !r.Required && !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Summary renders the failed required gates as a run error summary, e.g.
// "Gate check failed: PRD not found". It is empty when the verdict passed.
func (v *Verdict) Summary() string {
	failed := v.FailedRequired()
	if len(failed) == 0 {
		return ""
	}
	msgs := make([]string, len(failed))
	for i, r := range failed {
		msgs[i] = r.Message
	}
	return FailurePrefix + strings.Join(msgs, "; ")
}

func failureMessage(g *recipe.GateDefinition) string {
	if g.FailureMessage != "" {
		return g.FailureMessage
	}
	name := g.Name
	if name == "" {
		name = g.ID
	}
	return fmt.Sprintf("%s did not pass", name)
}
