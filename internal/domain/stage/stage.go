// Package stage defines the ordered pipeline stages a card moves through.
package stage

// Stage identifies one step of the delivery pipeline.
type Stage string

const (
	Inbox     Stage = "inbox"
	Discovery Stage = "discovery"
	PRD       Stage = "prd"
	Design    Stage = "design"
	Prototype Stage = "prototype"
	Validate  Stage = "validate"
	Tickets   Stage = "tickets"
	Build     Stage = "build"
	Alpha     Stage = "alpha"
	Beta      Stage = "beta"
	GA        Stage = "ga"
)

// ordered lists every stage in pipeline order.
var ordered = []Stage{Inbox, Discovery, PRD, Design, Prototype, Validate, Tickets, Build, Alpha, Beta, GA}

// All returns every stage in pipeline order. The returned slice is a copy.
func All() []Stage {
	out := make([]Stage, len(ordered))
	copy(out, ordered)
	return out
}

// Index returns the position of s in the pipeline, or -1 if s is unknown.
func Index(s Stage) int {
	for i, st := range ordered {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func Valid(s Stage) bool {
	return Index(s) >= 0
}

// Next returns the stage after s. ok is false for the last stage or an unknown stage.
func Next(s Stage) (next Stage, ok bool) {
	i := Index(s)
	if i < 0 || i == len(ordered)-1 {
		return "", false
	}
	return ordered[i+1], true
}

// Previous returns the stage before s. ok is false for the first stage or an unknown stage.
func Previous(s Stage) (prev Stage, ok bool) {
	i := Index(s)
	if i <= 0 {
		return "", false
	}
	return ordered[i-1], true
}
