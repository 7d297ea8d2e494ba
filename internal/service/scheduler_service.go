package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/laclasse-com/annuaire-sync/internal/dto"
	"github.com/laclasse-com/annuaire-sync/internal/models"
)

type runStarter interface {
	StartRun(ctx context.Context, req dto.SyncRunRequest) (*models.RunResult, error)
}

// SchedulerConfig drives the weekly automatic run.
type SchedulerConfig struct {
	Enabled    bool
	Weekday    time.Weekday
	Hour       int
	Categories []string
	ArchiveDir string
	Apply      bool
}

// SchedulerService triggers a full synchronization run once a week against
// the newest archive found in the configured drop directory.
type SchedulerService struct {
	runner runStarter
	logger *zap.Logger
	cfg    SchedulerConfig
	now    func() time.Time
}

// NewSchedulerService constructs the scheduler.
func NewSchedulerService(runner runStarter, logger *zap.Logger, cfg SchedulerConfig) *SchedulerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerService{runner: runner, logger: logger, cfg: cfg, now: time.Now}
}

// Start boots the scheduling loop. It returns immediately; the loop stops
// when the context is cancelled.
func (s *SchedulerService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	go s.loop(ctx)
}

func (s *SchedulerService) loop(ctx context.Context) {
	for {
		wait := time.Until(s.nextFiring(s.now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *SchedulerService) fire(ctx context.Context) {
	archive, err := latestArchive(s.cfg.ArchiveDir)
	if err != nil {
		s.logger.Warn("scheduled run skipped, no archive available",
			zap.String("dir", s.cfg.ArchiveDir), zap.Error(err))
		return
	}
	result, err := s.runner.StartRun(ctx, dto.SyncRunRequest{
		ArchivePath: archive,
		Categories:  s.cfg.Categories,
		Apply:       s.cfg.Apply,
	})
	if err != nil {
		s.logger.Error("scheduled run failed", zap.String("archive", archive), zap.Error(err))
		return
	}
	s.logger.Info("scheduled run finished",
		zap.String("run_id", result.ID),
		zap.String("archive", archive),
		zap.Int("errors", len(result.Errors)))
}

// nextFiring returns the next configured weekday/hour strictly after now.
func (s *SchedulerService) nextFiring(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.Hour, 0, 0, 0, now.Location())
	days := (int(s.cfg.Weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// latestArchive picks the most recently modified zip file in dir.
func latestArchive(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", os.ErrNotExist
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	return candidates[0].path, nil
}
