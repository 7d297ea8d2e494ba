package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// SubjectRepository handles persistence for subjects. It runs over either a
// plain connection or an open transaction.
type SubjectRepository struct {
	db sqlx.ExtContext
}

// NewSubjectRepository creates a new repository instance.
func NewSubjectRepository(db sqlx.ExtContext) *SubjectRepository {
	return &SubjectRepository{db: db}
}

// List returns every subject ordered by code.
func (r *SubjectRepository) List(ctx context.Context) ([]models.Subject, error) {
	const query = `SELECT code, name FROM subjects ORDER BY code`
	var subjects []models.Subject
	if err := sqlx.SelectContext(ctx, r.db, &subjects, query); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// InUseCodes returns the codes referenced by at least one membership.
func (r *SubjectRepository) InUseCodes(ctx context.Context) (map[string]struct{}, error) {
	const query = `SELECT DISTINCT subject_code FROM memberships WHERE subject_code IS NOT NULL`
	var codes []string
	if err := sqlx.SelectContext(ctx, r.db, &codes, query); err != nil {
		return nil, fmt.Errorf("list in-use subjects: %w", err)
	}
	out := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		out[code] = struct{}{}
	}
	return out, nil
}

// Create persists a new subject.
func (r *SubjectRepository) Create(ctx context.Context, subject *models.Subject) error {
	const query = `INSERT INTO subjects (code, name) VALUES (:code, :name)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, subject); err != nil {
		return fmt.Errorf("create subject %s: %w", subject.Code, err)
	}
	return nil
}

// Update modifies a subject.
func (r *SubjectRepository) Update(ctx context.Context, subject *models.Subject) error {
	const query = `UPDATE subjects SET name = :name WHERE code = :code`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, subject); err != nil {
		return fmt.Errorf("update subject %s: %w", subject.Code, err)
	}
	return nil
}

// Delete removes a subject record.
func (r *SubjectRepository) Delete(ctx context.Context, code string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM subjects WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete subject %s: %w", code, err)
	}
	return nil
}
