package feed

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"

	"go.uber.org/zap"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// Record is one raw attribute record extracted from an export document.
// Attribute values keep the feed's multi-valued form; tuple decoding is the
// normalizer's job.
type Record struct {
	Operation  string
	ExternalID string
	Categories []string
	Attrs      map[string][]string
}

// First returns the first value of an attribute, or "".
func (r Record) First(name string) string {
	if vals := r.Attrs[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Values returns every value of an attribute.
func (r Record) Values(name string) []string {
	return r.Attrs[name]
}

// Entry filename patterns per category, as emitted by the AAF export.
var patterns = map[models.Category]*regexp.Regexp{
	models.CategoryStructure: regexp.MustCompile(`_EtabEducNat_\d+\.xml$`),
	models.CategorySubject:   regexp.MustCompile(`_MatiereEducNat_\d+\.xml$`),
	models.CategoryGrade:     regexp.MustCompile(`_MefEducNat_\d+\.xml$`),
	models.CategoryStaff:     regexp.MustCompile(`_PersEducNat_\d+\.xml$`),
	models.CategoryStudent:   regexp.MustCompile(`_Eleve_\d+\.xml$`),
	models.CategoryGuardian:  regexp.MustCompile(`_PersRelEleve_\d+\.xml$`),
}

// ZipReader reads AAF export archives: a zip container whose entries are XML
// documents of addRequest/modifyRequest elements.
type ZipReader struct {
	path   string
	logger *zap.Logger
}

// NewZipReader builds a reader over the archive at path.
func NewZipReader(path string, logger *zap.Logger) *ZipReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZipReader{path: path, logger: logger}
}

// Read returns every record of the given category, in archive order.
func (r *ZipReader) Read(ctx context.Context, category models.Category) ([]Record, error) {
	pattern, ok := patterns[category]
	if !ok {
		return nil, fmt.Errorf("no entry pattern for category %q", category)
	}

	zr, err := zip.OpenReader(r.path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", r.path, err)
	}
	defer zr.Close() //nolint:errcheck

	var records []Record
	for _, entry := range zr.File {
		if !pattern.MatchString(entry.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", entry.Name, err)
		}
		parsed, err := parseDocument(file)
		closeErr := file.Close()
		if err != nil {
			return nil, fmt.Errorf("parse archive entry %s: %w", entry.Name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close archive entry %s: %w", entry.Name, closeErr)
		}
		r.logger.Debug("feed entry read",
			zap.String("entry", entry.Name),
			zap.String("category", string(category)),
			zap.Int("records", len(parsed)))
		records = append(records, parsed...)
	}
	return records, nil
}

type xmlAttr struct {
	Name   string   `xml:"name,attr"`
	Values []string `xml:"value"`
}

type xmlRequest struct {
	Identifier struct {
		ID string `xml:"id"`
	} `xml:"identifier"`
	Operational []xmlAttr `xml:"operationalAttributes>attr"`
	Attributes  []xmlAttr `xml:"attributes>attr"`
}

// parseDocument extracts addRequest/modifyRequest elements; every other
// element kind is skipped.
func parseDocument(src io.Reader) ([]Record, error) {
	decoder := xml.NewDecoder(src)
	var records []Record
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		var op string
		switch start.Name.Local {
		case "addRequest":
			op = "add"
		case "modifyRequest":
			op = "modify"
		default:
			continue
		}
		var req xmlRequest
		if err := decoder.DecodeElement(&req, &start); err != nil {
			return nil, err
		}
		record := Record{
			Operation:  op,
			ExternalID: req.Identifier.ID,
			Attrs:      make(map[string][]string, len(req.Attributes)),
		}
		for _, attr := range req.Operational {
			record.Categories = append(record.Categories, attr.Values...)
		}
		for _, attr := range req.Attributes {
			record.Attrs[attr.Name] = append(record.Attrs[attr.Name], attr.Values...)
		}
		records = append(records, record)
	}
}
