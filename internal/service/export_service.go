package service

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/laclasse-com/annuaire-sync/internal/models"
	"github.com/laclasse-com/annuaire-sync/pkg/export"
	"github.com/laclasse-com/annuaire-sync/pkg/storage"
)

type runResultSource interface {
	Find(ctx context.Context, id string) (*models.RunResult, error)
	List(ctx context.Context, limit int) ([]models.RunSummary, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets from persisted runs and stores the
// rendered files.
type ExportService struct {
	runs    runResultSource
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// NewExportService constructs an ExportService.
func NewExportService(runs runResultSource, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		runs:    runs,
		storage: storage,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate builds the dataset according to the job definition and stores the
// rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/export/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	runPart := sanitizeFilename(job.Params.RunID)
	return fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), runPart, timestamp, job.Params.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeRunSummary:
		return s.buildRunSummaryDataset(ctx, job.Params)
	case models.ReportTypeRunErrors:
		return s.buildRunErrorsDataset(ctx, job.Params)
	case models.ReportTypeHistory:
		return s.buildHistoryDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func (s *ExportService) buildRunSummaryDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	run, err := s.runs.Find(ctx, params.RunID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	categories := make([]models.Category, 0, len(run.Stats))
	for c := range run.Stats {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	mode := "dry-run"
	if run.Applied {
		mode = "applied"
	}

	rows := make([]map[string]string, 0, len(categories))
	for _, c := range categories {
		st := run.Stats[c]
		rows = append(rows, map[string]string{
			"Category":   string(c),
			"Added":      fmt.Sprintf("%d", st.Added),
			"Changed":    fmt.Sprintf("%d", st.Changed),
			"Removed":    fmt.Sprintf("%d", st.Removed),
			"Load (ms)":  fmt.Sprintf("%d", st.LoadMillis),
			"Diff (ms)":  fmt.Sprintf("%d", st.DiffMillis),
			"Apply (ms)": fmt.Sprintf("%d", st.ApplyMillis),
			"Mode":       mode,
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Category", "Added", "Changed", "Removed", "Load (ms)", "Diff (ms)", "Apply (ms)", "Mode"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Synchronization Run %s", run.ID)
	return dataset, title, nil
}

func (s *ExportService) buildRunErrorsDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	run, err := s.runs.Find(ctx, params.RunID)
	if err != nil {
		return export.Dataset{}, "", err
	}
	rows := make([]map[string]string, 0, len(run.Errors))
	for i, msg := range run.Errors {
		rows = append(rows, map[string]string{
			"#":       fmt.Sprintf("%d", i+1),
			"Run ID":  run.ID,
			"Message": msg,
		})
	}
	dataset := export.Dataset{
		Headers: []string{"#", "Run ID", "Message"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Run Errors %s", run.ID)
	return dataset, title, nil
}

func (s *ExportService) buildHistoryDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	summaries, err := s.runs.List(ctx, limit)
	if err != nil {
		return export.Dataset{}, "", err
	}
	rows := make([]map[string]string, 0, len(summaries))
	for _, run := range summaries {
		mode := "dry-run"
		if run.Applied {
			mode = "applied"
		}
		scope := run.ScopeUAIs
		if scope == "" {
			scope = "all"
		}
		rows = append(rows, map[string]string{
			"Run ID":        run.ID,
			"Started":       run.StartedAt.UTC().Format(time.RFC3339),
			"Finished":      run.FinishedAt.UTC().Format(time.RFC3339),
			"Mode":          mode,
			"Categories":    run.Categories,
			"Scope":         scope,
			"Errors":        fmt.Sprintf("%d", run.ErrorCount),
			"Duration (ms)": fmt.Sprintf("%d", run.TotalMillis),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Run ID", "Started", "Finished", "Mode", "Categories", "Scope", "Errors", "Duration (ms)"},
		Rows:    rows,
	}
	return dataset, "Synchronization History", nil
}
