package sources

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/models"
)

func writePDF(t *testing.T, path string, pages int) {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 14)
	for i := 1; i <= pages; i++ {
		doc.AddPage()
		doc.Cell(40, 10, fmt.Sprintf("Parish register, folio %d", i))
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestService(t *testing.T, dir string) *Service {
	t.Helper()
	svc, err := NewService(common.SourceConfig{Dir: dir, Extensions: []string{".pdf", "png"}}, arbor.NewLogger())
	require.NoError(t, err)
	return svc
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "register-1841.pdf"), 3)
	writePNG(t, filepath.Join(dir, "photo.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.pdf"), []byte("just some text, not a pdf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.pdf"), []byte("x"), 0o644))

	docs, err := newTestService(t, dir).List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 3)

	byID := make(map[string]models.SourceDocument, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	reg := byID["register-1841"]
	assert.Equal(t, MediaTypePDF, reg.MediaType)
	assert.Equal(t, 3, reg.PageCount)
	assert.Empty(t, reg.Problem)

	photo := byID["photo"]
	assert.Equal(t, MediaTypePNG, photo.MediaType)
	assert.Equal(t, 1, photo.PageCount)

	notes := byID["notes"]
	assert.NotEmpty(t, notes.Problem)
	assert.Zero(t, notes.PageCount)
}

func TestList_DuplicateStems(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "letter.pdf"), 1)
	writePNG(t, filepath.Join(dir, "letter.png"))

	docs, err := newTestService(t, dir).List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.NotEqual(t, docs[0].ID, docs[1].ID)
}

func TestReadPages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minutes.pdf")
	writePDF(t, path, 5)

	svc := newTestService(t, dir)
	docs, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	item := models.NewWorkItem(docs[0])

	whole, err := svc.ReadPages(context.Background(), item, models.FullRange(5))
	require.NoError(t, err)
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, whole)

	part, err := svc.ReadPages(context.Background(), item, models.PageRange{Start: 2, End: 3})
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(part[:4]))

	count, err := api.PageCount(bytes.NewReader(part), model.NewDefaultConfiguration())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = svc.ReadPages(context.Background(), item, models.PageRange{Start: 4, End: 9})
	assert.Error(t, err)
}

func TestNewService_MissingDir(t *testing.T) {
	_, err := NewService(common.SourceConfig{Dir: filepath.Join(t.TempDir(), "absent")}, arbor.NewLogger())
	assert.Error(t, err)
}
