package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// OutputRepository handles the per-segment output rows: segment_summaries and
// segment_entities. Both tables are unique on segment_id, so writes are
// upserts and reprocessing replaces in place.
type OutputRepository struct {
	db *DB
}

// NewOutputRepository creates a new OutputRepository
func NewOutputRepository(db *DB) *OutputRepository {
	return &OutputRepository{db: db}
}

// HasSummary reports whether a summary row exists for the segment
func (r *OutputRepository) HasSummary(ctx context.Context, segmentID uuid.UUID) (bool, error) {
	return r.exists(ctx, "segment_summaries", segmentID)
}

// HasEntities reports whether an entities row exists for the segment
func (r *OutputRepository) HasEntities(ctx context.Context, segmentID uuid.UUID) (bool, error) {
	return r.exists(ctx, "segment_entities", segmentID)
}

func (r *OutputRepository) exists(ctx context.Context, table string, segmentID uuid.UUID) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE segment_id = $1)", table)

	var found bool
	err := withRetry(ctx, "exists_"+table, func() error {
		return r.db.QueryRowContext(ctx, query, segmentID).Scan(&found)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// UpsertSummary writes the summary row for a segment
func (r *OutputRepository) UpsertSummary(ctx context.Context, s *models.SegmentSummary) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	query := `
		INSERT INTO segment_summaries (id, segment_id, summary, summary_short, events, beats, key_dialogue, tone, model_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (segment_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			summary_short = EXCLUDED.summary_short,
			events = EXCLUDED.events,
			beats = EXCLUDED.beats,
			key_dialogue = EXCLUDED.key_dialogue,
			tone = EXCLUDED.tone,
			model_version = EXCLUDED.model_version,
			updated_at = NOW()
	`

	return withRetry(ctx, "upsert_summary", func() error {
		_, err := r.db.ExecContext(ctx, query,
			s.ID, s.SegmentID, s.Summary, s.SummaryShort,
			[]byte(s.Events), []byte(s.Beats), []byte(s.KeyDialogue), []byte(s.Tone),
			s.ModelVersion,
		)
		return err
	})
}

// UpsertEntities writes the entities row for a segment. The thirteen array
// columns are written from the normalized field map; a missing field writes
// an empty array.
func (r *OutputRepository) UpsertEntities(ctx context.Context, e *models.SegmentEntities) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	cols := make([]string, 0, len(models.EntityFields)+3)
	placeholders := make([]string, 0, cap(cols))
	updates := make([]string, 0, len(models.EntityFields)+2)
	args := make([]any, 0, cap(cols))

	cols = append(cols, "id", "segment_id")
	placeholders = append(placeholders, "$1", "$2")
	args = append(args, e.ID, e.SegmentID)

	for _, field := range models.EntityFields {
		value := e.Fields[field]
		if len(value) == 0 {
			value = []byte("[]")
		}
		cols = append(cols, field)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", field, field))
		args = append(args, []byte(value))
	}

	cols = append(cols, "model_version")
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
	updates = append(updates, "model_version = EXCLUDED.model_version", "updated_at = NOW()")
	args = append(args, e.ModelVersion)

	query := fmt.Sprintf(`
		INSERT INTO segment_entities (%s, created_at, updated_at)
		VALUES (%s, NOW(), NOW())
		ON CONFLICT (segment_id) DO UPDATE SET %s
	`, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	return withRetry(ctx, "upsert_entities", func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
}
