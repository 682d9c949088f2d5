package processor

import (
	"github.com/google/uuid"
)

// Output is the document stored on pipeline_jobs.output when a job succeeds.
// It records what was written, what was skipped and why, and the stats of the
// run.
type Output struct {
	ModelVersion string `json:"model_version"`
	CleanedR2Key string `json:"cleaned_r2_key"`
	Stats        Stats  `json:"stats"`

	// Skip path: both outputs existed and force was off.
	Skipped  bool      `json:"skipped,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Existing *Existing `json:"existing,omitempty"`

	// Processed path.
	Upserted           bool              `json:"upserted,omitempty"`
	CleanedAssetID     *uuid.UUID        `json:"cleaned_asset_id,omitempty"`
	CleanedBytes       int64             `json:"cleaned_bytes,omitempty"`
	CleanedTextSkipped bool              `json:"cleaned_text_skipped,omitempty"`
	SummaryUpserted    bool              `json:"summary_upserted,omitempty"`
	SummarySkipped     bool              `json:"summary_skipped,omitempty"`
	EntitiesUpserted   bool              `json:"entities_upserted,omitempty"`
	EntitiesSkipped    bool              `json:"entities_skipped,omitempty"`
	Characters         *CharacterOutcome `json:"characters,omitempty"`
}

// Existing reports which outputs were already present when the job ran.
type Existing struct {
	CleanedText      bool `json:"cleaned_text"`
	SegmentSummaries bool `json:"segment_summaries"`
	SegmentEntities  bool `json:"segment_entities"`
}

// CharacterOutcome is the dossier merge result, or the would-process count on
// a dry run.
type CharacterOutcome struct {
	Inserted     int `json:"inserted,omitempty"`
	Updated      int `json:"updated,omitempty"`
	Skipped      int `json:"skipped,omitempty"`
	WouldProcess int `json:"would_process,omitempty"`
}

// Stats describes one processing run.
type Stats struct {
	MediaType       string `json:"media_type"`
	SegmentType     string `json:"segment_type"`
	SegmentNumber   int    `json:"segment_number"`
	InputChars      int    `json:"input_chars,omitempty"`
	InputTokensEst  int    `json:"input_tokens_est,omitempty"`
	OutputChars     int    `json:"output_chars,omitempty"`
	ModelLatencyMS  int64  `json:"model_latency_ms,omitempty"`
	RetriesCount    int    `json:"retries_count,omitempty"`
	RepairAttempted bool   `json:"repair_attempted,omitempty"`
	RepairSucceeded bool   `json:"repair_succeeded,omitempty"`
	PageCount       int    `json:"page_count,omitempty"`
	ParagraphCount  int    `json:"paragraph_count,omitempty"`
	SubtitleBlocks  int    `json:"subtitle_blocks,omitempty"`
}
