package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// ManhwaExtractor extracts dialogue and narration from per-page OCR JSON
// blobs, ordered by page number with page markers between them.
type ManhwaExtractor struct{}

func (e *ManhwaExtractor) MediaType() string { return "manhwa" }

func (e *ManhwaExtractor) SourceAssetTypes() []string { return []string{"ocr_json"} }

func (e *ManhwaExtractor) Extract(ctx context.Context, assets []models.Asset, blobs BlobStore) (string, Stats, error) {
	if len(assets) == 0 {
		return "", Stats{}, errors.New("no ocr_json asset linked")
	}
	pages := make([]OCRPage, 0, len(assets))
	for _, asset := range assets {
		content, err := blobs.DownloadText(ctx, asset.R2Key)
		if err != nil {
			return "", Stats{}, fmt.Errorf("download OCR page %s: %w", asset.R2Key, err)
		}
		pages = append(pages, OCRPage{Key: asset.R2Key, Content: content})
	}
	return ExtractManhwaText(pages), Stats{PageCount: len(pages)}, nil
}

// OCRPage pairs one OCR JSON blob with the key it was stored under; the key
// carries the page ordinal.
type OCRPage struct {
	Key     string
	Content string
}

var (
	pageNumRe     = regexp.MustCompile(`(?i)page[-_]?(\d+)`)
	trailingNumRe = regexp.MustCompile(`(\d+)\.json$`)
)

// PageNumber parses the page ordinal out of an OCR blob key: a page-NN
// marker, then a trailing number before .json, then 0.
func PageNumber(key string) int {
	if m := pageNumRe.FindStringSubmatch(key); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := trailingNumRe.FindStringSubmatch(key); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// ExtractManhwaText parses the pages' OCR JSON, orders them by page number,
// and renders each under a [PAGE NNNN] header. Pages that fail to parse or
// carry no text are skipped.
func ExtractManhwaText(pages []OCRPage) string {
	type parsedPage struct {
		num   int
		lines []string
	}
	parsed := make([]parsedPage, 0, len(pages))

	for _, page := range pages {
		var data any
		if err := json.Unmarshal([]byte(page.Content), &data); err != nil {
			log.Warn().Err(err).Str("r2_key", page.Key).Msg("Failed to parse OCR JSON, skipping page")
			continue
		}
		lines := ocrLines(data)
		if len(lines) == 0 {
			continue
		}
		parsed = append(parsed, parsedPage{num: PageNumber(page.Key), lines: lines})
	}

	sort.SliceStable(parsed, func(i, j int) bool { return parsed[i].num < parsed[j].num })

	parts := make([]string, 0, len(parsed))
	for _, page := range parsed {
		parts = append(parts, fmt.Sprintf("[PAGE %04d]\n%s", page.num, strings.Join(page.lines, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

// ocrLines pulls text lines out of the common OCR output shapes:
// {"lines": [...]}, {"blocks": [{"lines": ...} | {"text": ...}]},
// {"text": "..."} or {"text": [...]}, {"words": [...]}, and a bare array.
func ocrLines(data any) []string {
	var lines []string

	switch v := data.(type) {
	case []any:
		lines = textItems(v)
	case map[string]any:
		switch {
		case v["lines"] != nil:
			lines = textItems(asAnySlice(v["lines"]))
		case v["blocks"] != nil:
			for _, b := range asAnySlice(v["blocks"]) {
				block, ok := b.(map[string]any)
				if !ok {
					continue
				}
				if block["lines"] != nil {
					lines = append(lines, textItems(asAnySlice(block["lines"]))...)
				} else if s, ok := block["text"].(string); ok {
					lines = append(lines, s)
				}
			}
		case v["text"] != nil:
			switch t := v["text"].(type) {
			case string:
				lines = strings.Split(t, "\n")
			case []any:
				lines = textItems(t)
			}
		case v["words"] != nil:
			words := textItems(asAnySlice(v["words"]))
			if len(words) > 0 {
				lines = []string{strings.Join(words, " ")}
			}
		}
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// textItems extracts strings from a list of {"text": ...} objects or bare
// strings.
func textItems(items []any) []string {
	var out []string
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			if s, ok := v["text"].(string); ok {
				out = append(out, s)
			}
		case string:
			out = append(out, v)
		}
	}
	return out
}

func asAnySlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}
