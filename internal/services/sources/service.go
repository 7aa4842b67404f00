// -----------------------------------------------------------------------
// Source Service - discovers scanned documents in the source directory
// and cuts page ranges out of them using pdfcpu
// -----------------------------------------------------------------------

package sources

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

const (
	MediaTypePDF  = "application/pdf"
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
)

var supportedMedia = map[string]bool{
	MediaTypePDF:  true,
	MediaTypePNG:  true,
	MediaTypeJPEG: true,
}

// Service lists source documents from a flat directory
type Service struct {
	dir        string
	extensions map[string]bool
	pdfConf    *model.Configuration
	logger     arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.SourceService = (*Service)(nil)

// NewService creates a source service for the configured directory
func NewService(cfg common.SourceConfig, logger arbor.ILogger) (*Service, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", cfg.Dir)
	}

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	if len(exts) == 0 {
		exts[".pdf"] = true
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	return &Service{
		dir:        cfg.Dir,
		extensions: exts,
		pdfConf:    conf,
		logger:     logger,
	}, nil
}

// List returns every source document in name order. Files that are found but cannot be
// transcribed (unreadable PDF, unsupported content) are returned with Problem set so
// they reach the failure ledger instead of vanishing.
func (s *Service) List(ctx context.Context) ([]models.SourceDocument, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	docs := make([]models.SourceDocument, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !s.extensions[ext] {
			continue
		}

		id := strings.TrimSuffix(name, filepath.Ext(name))
		if seen[id] {
			id = strings.ReplaceAll(name, ".", "_")
		}
		seen[id] = true

		docs = append(docs, s.describe(id, filepath.Join(s.dir, name)))
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	s.logger.Debug().Int("documents", len(docs)).Str("dir", s.dir).Msg("Listed source documents")
	return docs, nil
}

func (s *Service) describe(id, path string) models.SourceDocument {
	doc := models.SourceDocument{ID: id, Path: path}

	info, err := os.Stat(path)
	if err != nil {
		doc.Problem = fmt.Sprintf("stat failed: %v", err)
		return doc
	}
	doc.SizeBytes = info.Size()
	if doc.SizeBytes == 0 {
		doc.Problem = "empty file"
		return doc
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		doc.Problem = fmt.Sprintf("content detection failed: %v", err)
		return doc
	}
	doc.MediaType = baseMediaType(mt)
	if !supportedMedia[doc.MediaType] {
		doc.Problem = fmt.Sprintf("unsupported media type %s", mt.String())
		return doc
	}

	if doc.MediaType != MediaTypePDF {
		doc.PageCount = 1
		return doc
	}

	f, err := os.Open(path)
	if err != nil {
		doc.Problem = fmt.Sprintf("open failed: %v", err)
		return doc
	}
	defer f.Close()

	count, err := api.PageCount(f, s.pdfConf)
	if err != nil {
		doc.Problem = fmt.Sprintf("unreadable pdf: %v", err)
		return doc
	}
	if count < 1 {
		doc.Problem = "pdf has no pages"
		return doc
	}
	doc.PageCount = count
	return doc
}

// ReadPages returns the bytes to send for the given page range. A range covering the
// whole document returns the file unchanged; a sub-range of a PDF is trimmed into a new
// PDF holding only those pages.
func (s *Service) ReadPages(ctx context.Context, item *models.WorkItem, pages models.PageRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(item.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", item.ID, err)
	}

	if item.MediaType != MediaTypePDF {
		return data, nil
	}
	if pages.Start < 1 || pages.End > item.PageCount || pages.Len() == 0 {
		return nil, fmt.Errorf("page range %s outside document %s (%d pages)", pages, item.ID, item.PageCount)
	}
	if pages.Start == 1 && pages.End == item.PageCount {
		return data, nil
	}

	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &out, []string{pages.String()}, s.pdfConf); err != nil {
		return nil, fmt.Errorf("failed to extract pages %s of %s: %w", pages, item.ID, err)
	}

	s.logger.Debug().
		Str("item_id", item.ID).
		Str("pages", pages.String()).
		Int("bytes", out.Len()).
		Msg("Extracted page range")

	return out.Bytes(), nil
}

func baseMediaType(mt *mimetype.MIME) string {
	for m := mt; m != nil; m = m.Parent() {
		if supportedMedia[m.String()] {
			return m.String()
		}
	}
	return mt.String()
}
