// Package nlppack defines the structured document one model call produces
// for a segment (summary, entities, character updates) and the boundary that
// turns raw model text into it: response recovery, coercion of loosely typed
// JSON, schema validation, and the repair prompt for one corrective
// round-trip. Nothing untyped leaves this package.
package nlppack

import (
	"encoding/json"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// Document is the normalized NLP pack for one segment.
type Document struct {
	// CleanedText is the watermark/boilerplate-free source text. Optional;
	// when present the processor materializes it as a derived asset.
	CleanedText      string                   `json:"cleaned_text,omitempty"`
	Summary          Summary                  `json:"segment_summary"`
	Entities         Entities                 `json:"segment_entities"`
	CharacterUpdates []models.CharacterUpdate `json:"character_updates"`
}

// Summary is the narrative analysis of one segment.
type Summary struct {
	Summary      string         `json:"summary"`
	SummaryShort string         `json:"summary_short"`
	Events       []string       `json:"events"`
	Beats        []Beat         `json:"beats"`
	KeyDialogue  []DialogueLine `json:"key_dialogue"`
	Tone         Tone           `json:"tone"`
}

// Beat is one story structure beat (setup, conflict, twist, climax,
// resolution).
type Beat struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// DialogueLine is one important quote with its speaker and optional target.
type DialogueLine struct {
	Speaker    string `json:"speaker"`
	Text       string `json:"text"`
	To         string `json:"to,omitempty"`
	Importance string `json:"importance,omitempty"`
}

// Tone is the tonal analysis of a segment.
type Tone struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
	Intensity float64  `json:"intensity"`
}

// Entities holds the thirteen entity arrays keyed by field name. Every value
// is a normalized JSON array: nulls became [], scalars became single-element
// arrays. Values pass through to the segment_entities JSONB columns.
type Entities map[string]json.RawMessage

// Field returns the normalized array for one entity field, or "[]" for an
// unknown name.
func (e Entities) Field(name string) json.RawMessage {
	if v, ok := e[name]; ok {
		return v
	}
	return json.RawMessage("[]")
}
