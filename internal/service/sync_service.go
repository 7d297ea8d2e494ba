package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/laclasse-com/annuaire-sync/internal/dto"
	"github.com/laclasse-com/annuaire-sync/internal/feed"
	"github.com/laclasse-com/annuaire-sync/internal/models"
	"github.com/laclasse-com/annuaire-sync/internal/repository"
	"github.com/laclasse-com/annuaire-sync/internal/sync"
	appErrors "github.com/laclasse-com/annuaire-sync/pkg/errors"
)

const latestRunCacheKey = "sync:latest"

type leaseStore interface {
	Acquire(ctx context.Context, scope []string, runID string, ttl time.Duration) error
	Release(ctx context.Context, scope []string, runID string) error
}

type runStore interface {
	Save(ctx context.Context, res *models.RunResult) error
	List(ctx context.Context, limit int) ([]models.RunSummary, error)
	Find(ctx context.Context, id string) (*models.RunResult, error)
}

type txOpener interface {
	Begin(ctx context.Context) (*repository.TxStores, error)
}

// SyncServiceConfig governs run leasing and history reads.
type SyncServiceConfig struct {
	LeaseTTL       time.Duration
	HistoryLimit   int
	LatestCacheTTL time.Duration
}

// SyncService orchestrates synchronization runs: it guards concurrency with
// a Redis lease, runs the engine inside one transaction, and persists the
// run outcome.
type SyncService struct {
	factory txOpener
	runs    runStore
	lease   leaseStore
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	cfg     SyncServiceConfig
}

// NewSyncService constructs the sync service.
func NewSyncService(factory txOpener, runs runStore, lease leaseStore, cache *CacheService, metrics *MetricsService, logger *zap.Logger, cfg SyncServiceConfig) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.LatestCacheTTL <= 0 {
		cfg.LatestCacheTTL = 24 * time.Hour
	}
	return &SyncService{
		factory: factory,
		runs:    runs,
		lease:   lease,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// StartRun executes one synchronization run and returns its full result.
// Dry runs roll the transaction back; the result document is persisted
// either way.
func (s *SyncService) StartRun(ctx context.Context, req dto.SyncRunRequest) (*models.RunResult, error) {
	categories, err := parseCategories(req.Categories)
	if err != nil {
		return nil, err
	}
	if req.ArchivePath == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "archivePath is required")
	}
	if _, err := os.Stat(req.ArchivePath); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidArchive.Code, appErrors.ErrInvalidArchive.Status, appErrors.ErrInvalidArchive.Message)
	}

	leaseToken := uuid.NewString()
	if err := s.lease.Acquire(ctx, req.Structures, leaseToken, s.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), req.Structures, leaseToken); err != nil {
			s.logger.Warn("failed to release run lease", zap.Error(err))
		}
	}()

	stores, err := s.factory.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open transaction")
	}

	reader := feed.NewZipReader(req.ArchivePath, s.logger)
	engine := sync.New(reader, stores.Structures, stores.Subjects, stores.Grades, stores.Persons, s.logger)

	result, err := engine.Run(ctx, sync.RunOptions{
		Categories:     categories,
		StructureScope: req.Structures,
		Apply:          req.Apply,
	})
	if err != nil {
		if rbErr := stores.Rollback(); rbErr != nil {
			s.logger.Warn("rollback after failed run", zap.Error(rbErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "synchronization run failed")
	}

	if req.Apply {
		if err := stores.Commit(); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit run")
		}
	} else {
		if err := stores.Rollback(); err != nil {
			s.logger.Warn("dry-run rollback failed", zap.Error(err))
		}
	}

	if err := s.runs.Save(ctx, result); err != nil {
		s.logger.Error("failed to persist run result", zap.String("run_id", result.ID), zap.Error(err))
	}

	s.metrics.ObserveSyncRun(result)
	if s.cache != nil {
		_ = s.cache.Set(ctx, latestRunCacheKey, result, s.cfg.LatestCacheTTL)
	}

	return result, nil
}

// GetRun loads the persisted result document of one run.
func (s *SyncService) GetRun(ctx context.Context, id string) (*models.RunResult, error) {
	result, err := s.runs.Find(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}
	return result, nil
}

// ListRuns returns the most recent run summaries.
func (s *SyncService) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = s.cfg.HistoryLimit
	}
	summaries, err := s.runs.List(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list runs")
	}
	return summaries, nil
}

// LatestRun returns the most recent run, served from cache when possible.
func (s *SyncService) LatestRun(ctx context.Context) (*models.RunResult, error) {
	if s.cache != nil {
		var cached models.RunResult
		if hit, err := s.cache.Get(ctx, latestRunCacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}
	summaries, err := s.runs.List(ctx, 1)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list runs")
	}
	if len(summaries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no runs recorded")
	}
	return s.GetRun(ctx, summaries[0].ID)
}

func parseCategories(raw []string) ([]models.Category, error) {
	if len(raw) == 0 {
		return append([]models.Category(nil), models.AllCategories...), nil
	}
	categories := make([]models.Category, 0, len(raw))
	for _, value := range raw {
		c := models.Category(value)
		if !c.Valid() {
			return nil, appErrors.Clone(appErrors.ErrUnknownCategory, fmt.Sprintf("unknown category %q", value))
		}
		categories = append(categories, c)
	}
	return categories, nil
}
