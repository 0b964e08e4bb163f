package gate

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr/vm"

	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// Evaluator runs gate lists. It caches compiled metric expressions and is safe
// for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
}

// NewEvaluator creates an Evaluator with an empty expression cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{progs: make(map[string]*vm.Program)}
}

// Evaluate checks every gate in order. The verdict passes when all required gates
// pass; failed non-required gates are reported but do not block.
func (e *Evaluator) Evaluate(gates []recipe.GateDefinition, in Input) Verdict {
	v := Verdict{Passed: true, Results: make([]Result, 0, len(gates))}
	for i := range gates {
		res := e.EvaluateGate(&gates[i], in)
		if res.Required && !res.Passed {
			v.Passed = false
		}
		v.Results = append(v.Results, res)
	}
	return v
}

// EvaluateGate checks a single gate. A malformed config fails the gate.
func (e *Evaluator) EvaluateGate(g *recipe.GateDefinition, in Input) Result {
	res := Result{GateID: g.ID, Name: g.Name, Type: g.Type, Required: g.Required}

	var (
		ok     bool
		detail string
		err    error
	)
	switch g.Type {
	case recipe.GateFileExists:
		ok, detail, err = checkFileExists(g.Config, in)
	case recipe.GateContentCheck:
		ok, detail, err = checkContent(g.Config, in)
	case recipe.GateArtifactExists:
		ok, detail, err = checkArtifact(g.Config, in)
	case recipe.GateMetricThreshold:
		ok, detail, err = e.checkMetric(g.Config, in)
	default:
		err = fmt.Errorf("unknown gate type %q", g.Type)
	}

	if err != nil {
		res.Detail = "invalid gate config: " + err.Error()
	} else {
		res.Passed = ok
		res.Detail = detail
	}
	if !res.Passed {
		res.Message = failureMessage(g)
	}
	return res
}

// candidateFiles lists every known path with its content. Artifacts contribute their
// label and their URI path; an artifact's content comes from meta["content"].
func candidateFiles(in Input) map[string]string {
	files := make(map[string]string, len(in.Files)+2*len(in.Artifacts))
	for p, c := range in.Files {
		files[p] = c
	}
	for i := range in.Artifacts {
		a := &in.Artifacts[i]
		content, _ := a.Meta["content"].(string)
		for _, p := range []string{a.Label, uriPath(a.URI)} {
			if p == "" {
				continue
			}
			if existing, seen := files[p]; !seen || existing == "" {
				files[p] = content
			}
		}
	}
	return files
}

func uriPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return strings.TrimPrefix(uri, "./")
	}
	if u.Scheme == "file" {
		return strings.TrimPrefix(u.Host+u.Path, "/")
	}
	return strings.TrimPrefix(u.Path, "/")
}

// matchPath reports whether p matches pattern. Patterns without a slash also match
// against the base name, so "prd.md" finds "docs/prd.md".
func matchPath(pattern, p string) (bool, error) {
	ok, err := doublestar.Match(pattern, p)
	if err != nil || ok {
		return ok, err
	}
	if !strings.Contains(pattern, "/") {
		return doublestar.Match(pattern, path.Base(p))
	}
	return false, nil
}

func findFiles(pattern string, in Input) (map[string]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("bad pattern %q", pattern)
	}
	out := make(map[string]string)
	for p, c := range candidateFiles(in) {
		ok, err := matchPath(pattern, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out[p] = c
		}
	}
	return out, nil
}

func checkFileExists(cfg map[string]any, in Input) (bool, string, error) {
	pattern, err := stringOpt(cfg, "path", true)
	if err != nil {
		return false, "", err
	}
	found, err := findFiles(pattern, in)
	if err != nil {
		return false, "", err
	}
	if len(found) == 0 {
		return false, fmt.Sprintf("no file matches %q", pattern), nil
	}
	return true, fmt.Sprintf("%d file(s) match %q", len(found), pattern), nil
}

func checkContent(cfg map[string]any, in Input) (bool, string, error) {
	pattern, err := stringOpt(cfg, "path", true)
	if err != nil {
		return false, "", err
	}
	sections, err := stringList(cfg, "sections")
	if err != nil {
		return false, "", err
	}
	found, err := findFiles(pattern, in)
	if err != nil {
		return false, "", err
	}
	if len(found) == 0 {
		return false, fmt.Sprintf("no file matches %q", pattern), nil
	}

	// Any one matching file carrying every section is enough.
	var bestMissing []string
	for _, content := range found {
		var missing []string
		for _, s := range sections {
			if !strings.Contains(content, s) {
				missing = append(missing, s)
			}
		}
		if len(missing) == 0 {
			return true, fmt.Sprintf("%q contains all %d section(s)", pattern, len(sections)), nil
		}
		if bestMissing == nil || len(missing) < len(bestMissing) {
			bestMissing = missing
		}
	}
	return false, "missing sections: " + strings.Join(bestMissing, ", "), nil
}

func checkArtifact(cfg map[string]any, in Input) (bool, string, error) {
	typ, err := stringOpt(cfg, "artifact_type", true)
	if err != nil {
		return false, "", err
	}
	label, err := stringOpt(cfg, "label", false)
	if err != nil {
		return false, "", err
	}
	st, err := stringOpt(cfg, "stage", false)
	if err != nil {
		return false, "", err
	}
	if st != "" && !stage.Valid(stage.Stage(st)) {
		return false, "", fmt.Errorf("unknown stage %q", st)
	}

	for i := range in.Artifacts {
		a := &in.Artifacts[i]
		if a.Type != run.ArtifactType(typ) {
			continue
		}
		if label != "" && a.Label != label {
			continue
		}
		if st != "" && a.Stage != stage.Stage(st) {
			continue
		}
		return true, fmt.Sprintf("artifact %s (%s) found", a.ID, typ), nil
	}
	return false, fmt.Sprintf("no %s artifact found", typ), nil
}
