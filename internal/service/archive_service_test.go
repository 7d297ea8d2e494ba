package service

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/laclasse-com/annuaire-sync/pkg/errors"
	"github.com/laclasse-com/annuaire-sync/pkg/storage"
)

func uploadHeaderForTest(t *testing.T, filename, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		partHeader.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(partHeader)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	form, err := multipart.NewReader(&buf, writer.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })

	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}

func newArchiveServiceForTest(t *testing.T, cfg ArchiveConfig) *ArchiveService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewArchiveService(store, zap.NewNop(), cfg)
}

func TestArchiveServiceStore(t *testing.T) {
	svc := newArchiveServiceForTest(t, ArchiveConfig{})
	header := uploadHeaderForTest(t, "export 2026.zip", "application/zip", []byte("PK\x03\x04"))

	path, err := svc.Store(header)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".zip"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), content)
}

func TestArchiveServiceRejectsOversizedUpload(t *testing.T) {
	svc := newArchiveServiceForTest(t, ArchiveConfig{MaxFileSizeBytes: 4})
	header := uploadHeaderForTest(t, "export.zip", "application/zip", []byte("PK\x03\x04 too large"))

	_, err := svc.Store(header)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestArchiveServiceRejectsNonZip(t *testing.T) {
	svc := newArchiveServiceForTest(t, ArchiveConfig{})
	header := uploadHeaderForTest(t, "export.tar.gz", "application/gzip", []byte("data"))

	_, err := svc.Store(header)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestArchiveServiceRejectsDisallowedMIME(t *testing.T) {
	svc := newArchiveServiceForTest(t, ArchiveConfig{AllowedMIMEs: []string{"application/zip"}})
	header := uploadHeaderForTest(t, "export.zip", "text/plain", []byte("PK"))

	_, err := svc.Store(header)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}