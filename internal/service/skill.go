package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/port/database"
)

// SkillService manages the skill registry and its trust levels.
type SkillService struct {
	db  database.SkillStore
	now func() time.Time
}

// NewSkillService creates a new SkillService.
func NewSkillService(db database.SkillStore) *SkillService {
	return &SkillService{db: db, now: time.Now}
}

// Upsert creates or updates the named skill.
func (s *SkillService) Upsert(ctx context.Context, name string, req *skill.UpsertRequest) (*skill.Skill, error) {
	if name == "" {
		return nil, fmt.Errorf("skill name is required: %w", domain.ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	sk := &skill.Skill{
		Name:        name,
		Description: req.Description,
		Source:      req.Source,
		Trust:       req.Trust,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.UpsertSkill(ctx, sk); err != nil {
		return nil, fmt.Errorf("upsert skill %s: %w", name, err)
	}
	slog.InfoContext(ctx, "skill upserted", "skill", name, "trust", req.Trust)
	return s.db.GetSkill(ctx, name)
}

// Get retrieves a skill by name, or nil when it is unknown.
func (s *SkillService) Get(ctx context.Context, name string) (*skill.Skill, error) {
	sk, err := s.db.GetSkill(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return sk, err
}

// List returns all skills ordered by name.
func (s *SkillService) List(ctx context.Context) ([]skill.Skill, error) {
	return s.db.ListSkills(ctx)
}
