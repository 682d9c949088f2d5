package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Work represents a series in the catalogue (novel, manhwa, or anime)
type Work struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Edition represents one published form of a work
type Edition struct {
	ID        uuid.UUID `json:"id"`
	WorkID    uuid.UUID `json:"work_id"`
	MediaType string    `json:"media_type"` // novel, manhwa, anime
	CreatedAt time.Time `json:"created_at"`
}

// Segment represents an ordered unit of an edition (chapter, episode, batch of pages)
type Segment struct {
	ID          uuid.UUID `json:"id"`
	EditionID   uuid.UUID `json:"edition_id"`
	SegmentType string    `json:"segment_type"` // chapter, episode
	Number      float64   `json:"number"`
	Title       *string   `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SegmentContext is a segment joined with its edition and work, everything
// the processor needs to locate assets and address prompts.
type SegmentContext struct {
	Segment   Segment   `json:"segment"`
	WorkID    uuid.UUID `json:"work_id"`
	MediaType string    `json:"media_type"` // novel, manhwa, anime
	WorkTitle string    `json:"work_title"`
}

// Asset represents an object stored in R2
type Asset struct {
	ID           uuid.UUID `json:"id"`
	Provider     string    `json:"provider"` // cloudflare_r2
	Bucket       string    `json:"bucket"`
	R2Key        string    `json:"r2_key"`
	AssetType    string    `json:"asset_type"` // raw_html, cleaned_text, raw_subtitle, ocr_json, raw_image
	ContentType  string    `json:"content_type"`
	Bytes        int64     `json:"bytes"`
	SHA256       string    `json:"sha256"`
	UploadSource string    `json:"upload_source"` // pipeline, crawler, manual
	CreatedAt    time.Time `json:"created_at"`
}

// SegmentAsset links a segment to one of its assets
type SegmentAsset struct {
	SegmentID uuid.UUID `json:"segment_id"`
	AssetID   uuid.UUID `json:"asset_id"`
	Role      string    `json:"role"` // source, cleaned_text
	CreatedAt time.Time `json:"created_at"`
}

// SegmentSummary is the narrative summary row for one segment. The structured
// columns are JSONB and carried here in pre-marshaled form.
type SegmentSummary struct {
	ID           uuid.UUID       `json:"id"`
	SegmentID    uuid.UUID       `json:"segment_id"`
	Summary      string          `json:"summary"`
	SummaryShort string          `json:"summary_short"`
	Events       json.RawMessage `json:"events"`
	Beats        json.RawMessage `json:"beats"`
	KeyDialogue  json.RawMessage `json:"key_dialogue"`
	Tone         json.RawMessage `json:"tone"`
	ModelVersion string          `json:"model_version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EntityFields enumerates the entity array columns in storage order.
var EntityFields = []string{
	"characters", "locations", "items", "time_refs", "organizations",
	"factions", "titles_ranks", "skills", "creatures", "concepts",
	"relationships", "emotions", "keywords",
}

// SegmentEntities is the entity extraction row for one segment. Every field
// holds a normalized JSON array; nulls and scalars are coerced upstream.
type SegmentEntities struct {
	ID           uuid.UUID                  `json:"id"`
	SegmentID    uuid.UUID                  `json:"segment_id"`
	Fields       map[string]json.RawMessage `json:"fields"`
	ModelVersion string                     `json:"model_version"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// CharacterFact is one dossier fact. Model output carries facts either as
// bare strings or as loosely keyed objects; both decode into this form.
type CharacterFact struct {
	Fact    string `json:"fact"`
	Chapter string `json:"chapter,omitempty"`
	Segment int    `json:"segment,omitempty"`
	Source  string `json:"source,omitempty"`
}

// UnmarshalJSON accepts a bare string, or an object whose text may sit under
// "fact", "text", or "description", and whose chapter may be a number.
func (f *CharacterFact) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = CharacterFact{Fact: s}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("character fact must be a string or an object: %w", err)
	}

	out := CharacterFact{}
	for _, key := range []string{"fact", "text", "description"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, &out.Fact); err == nil && out.Fact != "" {
			break
		}
	}
	if v, ok := raw["chapter"]; ok {
		out.Chapter = scalarText(v)
	}
	if v, ok := raw["segment"]; ok {
		var n float64
		if err := json.Unmarshal(v, &n); err == nil {
			out.Segment = int(n)
		}
	}
	if v, ok := raw["source"]; ok {
		_ = json.Unmarshal(v, &out.Source)
	}
	*f = out
	return nil
}

// Reference returns the chapter-or-segment marker used when deduplicating
// facts, or "" when the fact carries neither.
func (f CharacterFact) Reference() string {
	if f.Chapter != "" {
		return f.Chapter
	}
	if f.Segment != 0 {
		return strconv.Itoa(f.Segment)
	}
	return ""
}

// scalarText renders a JSON scalar as plain text, trimming a trailing .0
// from whole numbers so "5" and 5 compare equal.
func scalarText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return strings.Trim(string(v), `"`)
}

// Character represents one distinct person in a work's dossier
type Character struct {
	ID             uuid.UUID       `json:"id"`
	WorkID         uuid.UUID       `json:"work_id"`
	Name           string          `json:"name"`
	Aliases        []string        `json:"aliases"`
	Description    string          `json:"description"`
	CharacterFacts []CharacterFact `json:"character_facts"`
	ModelVersion   string          `json:"model_version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CharacterUpdate is one dossier delta reported by the model for a novel
// segment: a canonical name plus the aliases, facts, and description seen in
// that segment's text.
type CharacterUpdate struct {
	Name           string          `json:"name"`
	Aliases        []string        `json:"aliases"`
	CharacterFacts []CharacterFact `json:"character_facts"`
	Description    string          `json:"description,omitempty"`
}

// NLPTask is the task tag carried in the input document of summarize jobs.
const NLPTask = "nlp_pack_v1"

// JobInput is the input document stored on a pipeline job
type JobInput struct {
	Task  string `json:"task"`
	Force bool   `json:"force"`
}

// PipelineJob represents one queued unit of enrichment work
type PipelineJob struct {
	ID         uuid.UUID       `json:"id"`
	JobType    string          `json:"job_type"` // summarize
	SegmentID  uuid.UUID       `json:"segment_id"`
	EditionID  uuid.UUID       `json:"edition_id"`
	WorkID     uuid.UUID       `json:"work_id"`
	Input      JobInput        `json:"input"`
	Status     string          `json:"status"` // queued, running, success, failed
	Attempt    int             `json:"attempt"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SegmentScanRow is one row of the enqueue scan: a segment with its edition
// back-references, output presence flags, and the asset types linked to it.
type SegmentScanRow struct {
	SegmentID   uuid.UUID `json:"segment_id"`
	EditionID   uuid.UUID `json:"edition_id"`
	WorkID      uuid.UUID `json:"work_id"`
	MediaType   string    `json:"media_type"`
	HasSummary  bool      `json:"has_summary"`
	HasEntities bool      `json:"has_entities"`
	AssetTypes  []string  `json:"asset_types"`
}
