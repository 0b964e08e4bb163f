package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/stageflow/internal/domain/skill"
)

// UpsertSkill registers a skill or updates its description, source and trust.
func (s *Store) UpsertSkill(ctx context.Context, sk *skill.Skill) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO skills (name, description, source, trust, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			source = EXCLUDED.source,
			trust = EXCLUDED.trust,
			updated_at = EXCLUDED.updated_at`,
		sk.Name, sk.Description, sk.Source, string(sk.Trust), sk.CreatedAt, sk.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert skill %s: %w", sk.Name, err)
	}
	return nil
}

// GetSkill retrieves a skill by name.
func (s *Store) GetSkill(ctx context.Context, name string) (*skill.Skill, error) {
	var sk skill.Skill
	err := s.pool.QueryRow(ctx, `
		SELECT name, description, source, trust, created_at, updated_at
		FROM skills WHERE name = $1`, name).Scan(
		&sk.Name, &sk.Description, &sk.Source, &sk.Trust, &sk.CreatedAt, &sk.UpdatedAt,
	)
	if err != nil {
		return nil, notFoundWrap(err, "get skill %s", name)
	}
	return &sk, nil
}

// ListSkills returns all skills ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]skill.Skill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, description, source, trust, created_at, updated_at
		FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var result []skill.Skill
	for rows.Next() {
		var sk skill.Skill
		if err := rows.Scan(&sk.Name, &sk.Description, &sk.Source, &sk.Trust, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		result = append(result, sk)
	}
	return result, rows.Err()
}
