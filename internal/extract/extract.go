// Package extract turns a segment's raw assets into model-ready source text.
// One extractor per media type: chapter HTML for novels, OCR JSON for manhwa,
// subtitles for anime.
package extract

import (
	"context"
	"fmt"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// BlobStore is the slice of the blob client extractors read through.
type BlobStore interface {
	DownloadText(ctx context.Context, key string) (string, error)
}

// Stats describes what one extraction saw. The populated field depends on the
// media type and lands in the job output document.
type Stats struct {
	PageCount      int
	ParagraphCount int
	SubtitleBlocks int
}

// Extractor turns one segment's raw assets into plain source text.
type Extractor interface {
	// MediaType names the media type this extractor serves.
	MediaType() string
	// SourceAssetTypes lists the asset types the extractor reads, in
	// preference order. The processor fetches the first type with matches.
	SourceAssetTypes() []string
	// Extract downloads and parses the given assets into source text.
	Extract(ctx context.Context, assets []models.Asset, blobs BlobStore) (string, Stats, error)
}

// ForMediaType returns the extractor for a media type.
func ForMediaType(mediaType string) (Extractor, error) {
	switch mediaType {
	case "novel":
		return &NovelExtractor{}, nil
	case "manhwa":
		return &ManhwaExtractor{}, nil
	case "anime":
		return &SubtitleExtractor{}, nil
	default:
		return nil, fmt.Errorf("no extractor for media type %q", mediaType)
	}
}

// EligibleAssetTypes returns the raw asset types whose presence makes a
// segment enqueueable for its media type. Manhwa gates on page scans; the OCR
// pass that feeds extraction runs upstream of this pipeline.
func EligibleAssetTypes(mediaType string) []string {
	switch mediaType {
	case "novel":
		return []string{"raw_html", "cleaned_text"}
	case "manhwa":
		return []string{"raw_image"}
	case "anime":
		return []string{"raw_subtitle"}
	default:
		return nil
	}
}
