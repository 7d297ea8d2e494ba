package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// GradeRepository handles persistence for grade levels (MEF codes).
type GradeRepository struct {
	db sqlx.ExtContext
}

// NewGradeRepository creates a new repository instance.
func NewGradeRepository(db sqlx.ExtContext) *GradeRepository {
	return &GradeRepository{db: db}
}

// List returns every grade ordered by code.
func (r *GradeRepository) List(ctx context.Context) ([]models.Grade, error) {
	const query = `SELECT code, name, rattach, stat FROM grades ORDER BY code`
	var grades []models.Grade
	if err := sqlx.SelectContext(ctx, r.db, &grades, query); err != nil {
		return nil, fmt.Errorf("list grades: %w", err)
	}
	return grades, nil
}

// Create persists a new grade.
func (r *GradeRepository) Create(ctx context.Context, grade *models.Grade) error {
	const query = `INSERT INTO grades (code, name, rattach, stat) VALUES (:code, :name, :rattach, :stat)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, grade); err != nil {
		return fmt.Errorf("create grade %s: %w", grade.Code, err)
	}
	return nil
}

// Update modifies a grade.
func (r *GradeRepository) Update(ctx context.Context, grade *models.Grade) error {
	const query = `UPDATE grades SET name = :name, rattach = :rattach, stat = :stat WHERE code = :code`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, grade); err != nil {
		return fmt.Errorf("update grade %s: %w", grade.Code, err)
	}
	return nil
}

// Delete removes a grade record.
func (r *GradeRepository) Delete(ctx context.Context, code string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM grades WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete grade %s: %w", code, err)
	}
	return nil
}
