package interfaces

import (
	"context"

	"github.com/ternarybob/vellum/internal/models"
)

// SourceService - discovers source documents and reads page ranges from them
type SourceService interface {
	List(ctx context.Context) ([]models.SourceDocument, error)
	ReadPages(ctx context.Context, item *models.WorkItem, pages models.PageRange) ([]byte, error)
}
