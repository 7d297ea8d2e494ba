package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// RunRepository persists the history of synchronization runs. The summary
// row carries the queryable columns; the full result lives alongside as a
// JSON document.
type RunRepository struct {
	db sqlx.ExtContext
}

// NewRunRepository creates a new repository instance.
func NewRunRepository(db sqlx.ExtContext) *RunRepository {
	return &RunRepository{db: db}
}

// Save records a finished run with its full result document.
func (r *RunRepository) Save(ctx context.Context, res *models.RunResult) error {
	document, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", res.ID, err)
	}
	categories := make([]string, len(res.Categories))
	for i, c := range res.Categories {
		categories[i] = string(c)
	}

	const query = `INSERT INTO sync_runs (id, started_at, finished_at, applied, categories, scope_uais, error_count, total_ms, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.db.ExecContext(ctx, query,
		res.ID, res.StartedAt, res.FinishedAt, res.Applied,
		strings.Join(categories, ","), strings.Join(res.ScopeUAIs, ","),
		len(res.Errors), res.TotalMillis, document); err != nil {
		return fmt.Errorf("save run %s: %w", res.ID, err)
	}
	return nil
}

// List returns the most recent run summaries.
func (r *RunRepository) List(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const query = `SELECT id, started_at, finished_at, applied, categories, scope_uais, error_count, total_ms
		FROM sync_runs ORDER BY started_at DESC LIMIT $1`
	var runs []models.RunSummary
	if err := sqlx.SelectContext(ctx, r.db, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Find returns the full result document of one run.
func (r *RunRepository) Find(ctx context.Context, id string) (*models.RunResult, error) {
	const query = `SELECT document FROM sync_runs WHERE id = $1`
	var document []byte
	if err := sqlx.GetContext(ctx, r.db, &document, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find run %s: %w", id, err)
	}
	var res models.RunResult
	if err := json.Unmarshal(document, &res); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return &res, nil
}
