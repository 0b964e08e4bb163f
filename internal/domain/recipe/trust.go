package recipe

import (
	"fmt"

	"github.com/Strob0t/stageflow/internal/domain/skill"
)

// SkillLookup resolves a skill by name. found is false for unknown skills.
type SkillLookup func(name string) (s *skill.Skill, found bool)

// LookupFromSlice builds a SkillLookup over a fixed set of skills.
func LookupFromSlice(skills []skill.Skill) SkillLookup {
	byName := make(map[string]*skill.Skill, len(skills))
	for i := range skills {
		byName[skills[i].Name] = &skills[i]
	}
	return func(name string) (*skill.Skill, bool) {
		s, ok := byName[name]
		return s, ok
	}
}

// SkillStatus reports how one referenced skill resolved.
type SkillStatus struct {
	Skill   string      `json:"skill"`
	Found   bool        `json:"found"`
	Trust   skill.Trust `json:"trust,omitempty"`
	Trusted bool        `json:"trusted"`
}

// ValidationResult is the advisory outcome of ValidateRecipe.
type ValidationResult struct {
	Valid        bool          `json:"valid"`
	Errors       []string      `json:"errors"`
	Warnings     []string      `json:"warnings"`
	SkillsStatus []SkillStatus `json:"skills_status"`
}

// ValidateRecipe checks the recipe's skill references and gate list. It never mutates
// the recipe and never blocks persistence: a missing skill is an error, an untrusted
// skill under fully_auto and weak gate lists are warnings.
func ValidateRecipe(r *StageRecipe, lookup SkillLookup) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}, SkillsStatus: []SkillStatus{}}

	for _, name := range r.SkillNames() {
		sk, found := lookup(name)
		st := SkillStatus{Skill: name, Found: found}
		if !found {
			res.Errors = append(res.Errors, fmt.Sprintf("skill %q not found", name))
			res.SkillsStatus = append(res.SkillsStatus, st)
			continue
		}
		st.Trust = sk.Trust
		st.Trusted = sk.IsTrusted()
		if !st.Trusted && r.AutomationLevel == LevelFullyAuto {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"skill %q is %s; fully_auto will run as auto_notify until it is vetted", name, sk.Trust))
		}
		res.SkillsStatus = append(res.SkillsStatus, st)
	}

	if len(r.Gates) == 0 {
		res.Warnings = append(res.Warnings, "no gates configured; stage will advance unconditionally")
	} else if !hasRequiredGate(r.Gates) {
		res.Warnings = append(res.Warnings, "no required gates; gate results are advisory only")
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// CanRunFullyAuto reports whether every referenced skill exists and is trusted.
func CanRunFullyAuto(r *StageRecipe, lookup SkillLookup) bool {
	for _, name := range r.SkillNames() {
		sk, found := lookup(name)
		if !found || !sk.IsTrusted() {
			return false
		}
	}
	return true
}

// EffectiveAutomationLevel returns the level the stage actually runs at. A fully_auto
// recipe referencing any untrusted or unknown skill is downgraded to auto_notify.
// The downgrade is computed on read and never written back.
func EffectiveAutomationLevel(r *StageRecipe, lookup SkillLookup) AutomationLevel {
	if r.AutomationLevel == LevelFullyAuto && !CanRunFullyAuto(r, lookup) {
		return LevelAutoNotify
	}
	return r.AutomationLevel
}

func hasRequiredGate(gates []GateDefinition) bool {
	for i := range gates {
		if gates[i].Required {
			return true
		}
	}
	return false
}
