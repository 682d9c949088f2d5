package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// SegmentRepository handles segment catalogue reads
type SegmentRepository struct {
	db *DB
}

// NewSegmentRepository creates a new SegmentRepository
func NewSegmentRepository(db *DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// GetContext loads a segment joined with its edition and work title
func (r *SegmentRepository) GetContext(ctx context.Context, segmentID uuid.UUID) (*models.SegmentContext, error) {
	query := `
		SELECT s.id, s.edition_id, s.segment_type, s.number, s.title, s.created_at,
			e.work_id, e.media_type, w.title
		FROM segments s
		JOIN editions e ON e.id = s.edition_id
		JOIN works w ON w.id = e.work_id
		WHERE s.id = $1
	`

	sc := &models.SegmentContext{}
	err := withRetry(ctx, "get_segment", func() error {
		return r.db.QueryRowContext(ctx, query, segmentID).Scan(
			&sc.Segment.ID, &sc.Segment.EditionID, &sc.Segment.SegmentType,
			&sc.Segment.Number, &sc.Segment.Title, &sc.Segment.CreatedAt,
			&sc.WorkID, &sc.MediaType, &sc.WorkTitle,
		)
	})

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment %s not found", segmentID)
	}
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// ScanFilter narrows the enqueue scan
type ScanFilter struct {
	WorkID    *uuid.UUID
	EditionID *uuid.UUID
	MediaType *string
}

// ScanPage returns one page of segments with output presence flags and the
// asset types linked to each, ordered by creation time for stable paging.
func (r *SegmentRepository) ScanPage(ctx context.Context, filter ScanFilter, offset, limit int) ([]*models.SegmentScanRow, error) {
	query := `
		SELECT s.id, s.edition_id, e.work_id, e.media_type,
			EXISTS(SELECT 1 FROM segment_summaries ss WHERE ss.segment_id = s.id) AS has_summary,
			EXISTS(SELECT 1 FROM segment_entities se WHERE se.segment_id = s.id) AS has_entities,
			COALESCE(array_agg(a.asset_type) FILTER (WHERE a.asset_type IS NOT NULL), '{}') AS asset_types
		FROM segments s
		JOIN editions e ON e.id = s.edition_id
		LEFT JOIN segment_assets sa ON sa.segment_id = s.id
		LEFT JOIN assets a ON a.id = sa.asset_id
		WHERE ($1::uuid IS NULL OR e.work_id = $1)
		  AND ($2::uuid IS NULL OR s.edition_id = $2)
		  AND ($3::text IS NULL OR e.media_type = $3)
		GROUP BY s.id, s.edition_id, e.work_id, e.media_type
		ORDER BY s.created_at ASC, s.id ASC
		LIMIT $4 OFFSET $5
	`

	var out []*models.SegmentScanRow
	err := withRetry(ctx, "scan_segments", func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, filter.WorkID, filter.EditionID, filter.MediaType, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			row := &models.SegmentScanRow{}
			err := rows.Scan(
				&row.SegmentID, &row.EditionID, &row.WorkID, &row.MediaType,
				&row.HasSummary, &row.HasEntities, pq.Array(&row.AssetTypes),
			)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
