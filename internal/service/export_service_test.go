package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/laclasse-com/annuaire-sync/internal/models"
	"github.com/laclasse-com/annuaire-sync/pkg/export"
	"github.com/laclasse-com/annuaire-sync/pkg/storage"
)

type runsStub struct{}

func (runsStub) Find(ctx context.Context, id string) (*models.RunResult, error) {
	if id == "" {
		return nil, errors.New("missing run id")
	}
	return &models.RunResult{
		ID:         id,
		StartedAt:  time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 3, 1, 4, 2, 0, 0, time.UTC),
		Applied:    true,
		Categories: []models.Category{models.CategoryStructure, models.CategoryStudent},
		Stats: map[models.Category]*models.StageStats{
			models.CategoryStructure: {Added: 1, Changed: 2, LoadMillis: 12, DiffMillis: 3, ApplyMillis: 8},
			models.CategoryStudent:   {Added: 40, Changed: 5, Removed: 2, LoadMillis: 100, DiffMillis: 30, ApplyMillis: 70},
		},
		Errors:      []string{"person PROF-9: duplicate account suspected"},
		TotalMillis: 120000,
	}, nil
}

func (runsStub) List(ctx context.Context, limit int) ([]models.RunSummary, error) {
	return []models.RunSummary{
		{ID: "run-1", StartedAt: time.Now().Add(-time.Hour), FinishedAt: time.Now(), Applied: true, Categories: "structure,student", ErrorCount: 1, TotalMillis: 90000},
		{ID: "run-2", StartedAt: time.Now().Add(-25 * time.Hour), FinishedAt: time.Now().Add(-24 * time.Hour), Applied: false, Categories: "structure", TotalMillis: 45000},
	}, nil
}

func newExportServiceForTest(t *testing.T) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(runsStub{}, store, signer, cfg, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
	return svc, store
}

func TestExportServiceGenerateCSV(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-1",
		Type:      models.ReportTypeRunSummary,
		Params:    models.ReportJobParams{RunID: "run-1", Format: models.ReportFormatCSV},
		CreatedBy: "admin",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, result.RelativePath)
	require.Contains(t, result.URL, "/export/")

	path := store.Path(result.RelativePath)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceGeneratePDF(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-2",
		Type:      models.ReportTypeHistory,
		Params:    models.ReportJobParams{Limit: 10, Format: models.ReportFormatPDF},
		CreatedBy: "admin",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.ReportFormatPDF, result.Format)

	path := filepath.Clean(store.Path(result.RelativePath))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceGenerateRunErrors(t *testing.T) {
	svc, _ := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-3",
		Type:      models.ReportTypeRunErrors,
		Params:    models.ReportJobParams{RunID: "run-1", Format: models.ReportFormatCSV},
		CreatedBy: "admin",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
}
