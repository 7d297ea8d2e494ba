package service

import (
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/laclasse-com/annuaire-sync/pkg/errors"
	"github.com/laclasse-com/annuaire-sync/pkg/storage"
)

// ArchiveConfig controls incoming export archive validation.
type ArchiveConfig struct {
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// ArchiveService stores uploaded export archives for later runs.
type ArchiveService struct {
	storage *storage.LocalStorage
	logger  *zap.Logger
	cfg     ArchiveConfig
}

// NewArchiveService constructs the archive intake service.
func NewArchiveService(store *storage.LocalStorage, logger *zap.Logger, cfg ArchiveConfig) *ArchiveService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 200 * 1024 * 1024
	}
	return &ArchiveService{storage: store, logger: logger, cfg: cfg}
}

// Store validates and persists an uploaded archive, returning its absolute
// path for use in a run request.
func (s *ArchiveService) Store(header *multipart.FileHeader) (string, error) {
	if header == nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "archive file is required")
	}
	if header.Size > s.cfg.MaxFileSizeBytes {
		return "", appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("archive exceeds maximum size of %d bytes", s.cfg.MaxFileSizeBytes))
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".zip") {
		return "", appErrors.Clone(appErrors.ErrValidation, "archive must be a zip file")
	}
	if len(s.cfg.AllowedMIMEs) > 0 {
		contentType := header.Header.Get("Content-Type")
		if contentType != "" && !s.mimeAllowed(contentType) {
			return "", appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("unsupported content type %s", contentType))
		}
	}

	src, err := header.Open()
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload")
	}
	defer src.Close() //nolint:errcheck

	filename := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405"), sanitizeFilename(filepath.Base(header.Filename)))
	if _, err := s.storage.SaveStream(filename, io.LimitReader(src, s.cfg.MaxFileSizeBytes)); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store archive")
	}

	path := s.storage.Path(filename)
	s.logger.Info("archive stored", zap.String("path", path), zap.Int64("size", header.Size))
	return path, nil
}

func (s *ArchiveService) mimeAllowed(contentType string) bool {
	for _, allowed := range s.cfg.AllowedMIMEs {
		if strings.EqualFold(strings.TrimSpace(allowed), contentType) {
			return true
		}
	}
	return false
}
