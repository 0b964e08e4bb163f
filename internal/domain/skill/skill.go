// Package skill provides the domain model for executor skills referenced by
// stage recipe steps, including the trust level that gates unattended execution.
package skill

import (
	"fmt"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
)

// Trust is the vetting state of a skill's source.
type Trust string

const (
	TrustVetted    Trust = "vetted"
	TrustCommunity Trust = "community"
	TrustUnvetted  Trust = "unvetted"
)

var validTrust = map[Trust]bool{
	TrustVetted:    true,
	TrustCommunity: true,
	TrustUnvetted:  true,
}

// Skill is an automation step an executor can run.
type Skill struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source,omitempty"`
	Trust       Trust     `json:"trust"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsTrusted reports whether the skill may run without a human in the loop.
func (s *Skill) IsTrusted() bool {
	return s.Trust == TrustVetted
}

// UpsertRequest is the input for registering or re-vetting a skill.
type UpsertRequest struct {
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Trust       Trust  `json:"trust"`
}

// Validate checks that an UpsertRequest carries a known trust level.
func (r *UpsertRequest) Validate() error {
	if !validTrust[r.Trust] {
		return fmt.Errorf("invalid trust %q: %w", r.Trust, domain.ErrValidation)
	}
	return nil
}
