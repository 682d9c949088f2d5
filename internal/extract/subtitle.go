package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// SubtitleExtractor extracts dialogue from SRT and VTT subtitle files for
// anime episodes.
type SubtitleExtractor struct{}

func (e *SubtitleExtractor) MediaType() string { return "anime" }

func (e *SubtitleExtractor) SourceAssetTypes() []string { return []string{"raw_subtitle"} }

func (e *SubtitleExtractor) Extract(ctx context.Context, assets []models.Asset, blobs BlobStore) (string, Stats, error) {
	if len(assets) == 0 {
		return "", Stats{}, errors.New("no raw_subtitle asset linked")
	}
	asset := assets[0]
	content, err := blobs.DownloadText(ctx, asset.R2Key)
	if err != nil {
		return "", Stats{}, fmt.Errorf("download subtitle %s: %w", asset.R2Key, err)
	}
	text, blocks := ExtractSubtitleText(content, asset.R2Key)
	return text, Stats{SubtitleBlocks: blocks}, nil
}

var (
	subtitleTagRe     = regexp.MustCompile(`<[^>]+>`)
	subtitleControlRe = regexp.MustCompile(`\{[^}]+\}`)
	subtitleNoiseRe   = regexp.MustCompile(`(?i)(\[music\]|\[♪[^\]]*\]|♪[^♪]*♪|\[[^\]]*playing\]|\([^)]*music[^)]*\)|\[silence\])`)
)

// ExtractSubtitleText parses SRT or VTT content into dialogue text, one line
// per cue, and reports how many timed cues carried text. Index and timing
// lines are dropped, markup and sound-cue noise stripped, and consecutive
// repeats of the same line collapsed.
func ExtractSubtitleText(content, filename string) (string, int) {
	var blocks []string
	if isVTT(content, filename) {
		blocks = parseVTT(content)
	} else {
		blocks = parseSRT(content)
	}
	return strings.Join(cleanDialogue(blocks), "\n"), len(blocks)
}

func isVTT(content, filename string) bool {
	if strings.HasSuffix(strings.ToLower(filename), ".vtt") {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(content), "WEBVTT")
}

func parseSRT(content string) []string {
	var blocks []string
	var current []string
	inText := false
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, " "))
			current = nil
		}
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
			inText = false
		case isAllDigits(line):
			// cue index
			inText = false
		case strings.Contains(line, "-->"):
			inText = true
		case inText:
			if cleaned := stripSubtitleMarkup(line); cleaned != "" {
				current = append(current, cleaned)
			}
		}
	}
	flush()
	return blocks
}

func parseVTT(content string) []string {
	var blocks []string
	var current []string
	inCue := false
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, " "))
			current = nil
		}
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
			inCue = false
		case strings.HasPrefix(line, "WEBVTT") || strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE"):
			inCue = false
		case strings.Contains(line, "-->"):
			inCue = true
		case inCue:
			if cleaned := stripSubtitleMarkup(line); cleaned != "" {
				current = append(current, cleaned)
			}
		}
	}
	flush()
	return blocks
}

func stripSubtitleMarkup(line string) string {
	line = subtitleTagRe.ReplaceAllString(line, "")
	line = subtitleControlRe.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

// cleanDialogue drops sound-cue noise, fragments shorter than two runes, and
// consecutive repeats of the same line. Subtitles often carry a line across
// several cues for display continuity; a line repeated later in the episode
// is real dialogue and stays.
func cleanDialogue(blocks []string) []string {
	cleaned := make([]string, 0, len(blocks))
	prev := ""
	for _, block := range blocks {
		block = strings.TrimSpace(subtitleNoiseRe.ReplaceAllString(block, ""))
		if utf8.RuneCountInString(block) < 2 {
			continue
		}
		key := strings.ToLower(block)
		if key == prev {
			continue
		}
		prev = key
		cleaned = append(cleaned, block)
	}
	return cleaned
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
