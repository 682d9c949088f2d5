// Package enqueue scans the segment catalogue for segments that have a raw
// source asset but no enrichment outputs, and queues nlp_pack jobs for them.
package enqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chapterbridge/nlp-worker/internal/database"
	"github.com/chapterbridge/nlp-worker/internal/extract"
	"github.com/chapterbridge/nlp-worker/internal/models"
)

const (
	// pageSize is the catalogue scan page.
	pageSize = 1000
	// pendingChunkSize bounds the segment id list per pending-jobs query.
	pendingChunkSize = 200
)

// SegmentSource pages through the segment catalogue.
type SegmentSource interface {
	ScanPage(ctx context.Context, filter database.ScanFilter, offset, limit int) ([]*models.SegmentScanRow, error)
}

// JobQueue is the job table surface of the scan.
type JobQueue interface {
	PendingSegments(ctx context.Context, segmentIDs []uuid.UUID) (map[uuid.UUID]struct{}, error)
	EnqueueBatch(ctx context.Context, jobs []*models.PipelineJob) error
}

// Options filters and shapes one scan run.
type Options struct {
	WorkID    *uuid.UUID
	EditionID *uuid.UUID
	MediaType *string
	// Limit caps how many candidates are taken; zero means no cap.
	Limit int
	// Force re-enqueues segments that are already complete or pending.
	Force bool
	// DryRun replaces insertions with logging; counts are unaffected.
	DryRun bool
}

// Stats is the scan result banner.
type Stats struct {
	Enqueued        int `json:"enqueued"`
	SkippedPending  int `json:"skipped_pending"`
	SkippedComplete int `json:"skipped_complete"`
}

// Scanner queues enrichment jobs for segments that need them.
type Scanner struct {
	segments SegmentSource
	jobs     JobQueue
}

// New creates a scanner.
func New(segments SegmentSource, jobs JobQueue) *Scanner {
	return &Scanner{segments: segments, jobs: jobs}
}

// Run executes one scan. Candidates are segments with an eligible raw asset
// whose outputs are incomplete (or any such segment under force); each
// candidate without a queued or running job (again, unless force) gets a new
// queued job carrying the force flag.
func (s *Scanner) Run(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats

	filter := database.ScanFilter{
		WorkID:    opts.WorkID,
		EditionID: opts.EditionID,
		MediaType: opts.MediaType,
	}

	var candidates []*models.SegmentScanRow
	scanned := 0
	offset := 0
collect:
	for {
		page, err := s.segments.ScanPage(ctx, filter, offset, pageSize)
		if err != nil {
			return stats, fmt.Errorf("failed to scan segments: %w", err)
		}
		scanned += len(page)

		for _, row := range page {
			if !hasSourceAsset(row) {
				continue
			}
			if row.HasSummary && row.HasEntities && !opts.Force {
				stats.SkippedComplete++
				continue
			}
			candidates = append(candidates, row)
			if opts.Limit > 0 && len(candidates) >= opts.Limit {
				break collect
			}
		}

		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}

	log.Info().
		Int("scanned", scanned).
		Int("candidates", len(candidates)).
		Bool("force", opts.Force).
		Bool("dry_run", opts.DryRun).
		Msg("Segment scan complete")

	for start := 0; start < len(candidates); start += pendingChunkSize {
		end := start + pendingChunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		if err := s.enqueueChunk(ctx, opts, candidates[start:end], &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// enqueueChunk inserts jobs for one chunk of candidates, skipping segments
// that already have a queued or running job unless force is set.
func (s *Scanner) enqueueChunk(ctx context.Context, opts Options, rows []*models.SegmentScanRow, stats *Stats) error {
	pending := map[uuid.UUID]struct{}{}
	if !opts.Force {
		ids := make([]uuid.UUID, len(rows))
		for i, row := range rows {
			ids[i] = row.SegmentID
		}
		var err error
		if pending, err = s.jobs.PendingSegments(ctx, ids); err != nil {
			return fmt.Errorf("failed to query pending jobs: %w", err)
		}
	}

	jobs := make([]*models.PipelineJob, 0, len(rows))
	for _, row := range rows {
		if _, ok := pending[row.SegmentID]; ok {
			stats.SkippedPending++
			continue
		}
		jobs = append(jobs, &models.PipelineJob{
			ID:        uuid.New(),
			JobType:   "summarize",
			SegmentID: row.SegmentID,
			EditionID: row.EditionID,
			WorkID:    row.WorkID,
			Input:     models.JobInput{Task: models.NLPTask, Force: opts.Force},
		})
	}
	if len(jobs) == 0 {
		return nil
	}

	if opts.DryRun {
		for _, job := range jobs {
			log.Info().
				Str("segment_id", job.SegmentID.String()).
				Str("work_id", job.WorkID.String()).
				Msg("[dry run] Would enqueue job")
		}
		stats.Enqueued += len(jobs)
		return nil
	}

	if err := s.jobs.EnqueueBatch(ctx, jobs); err != nil {
		return fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	stats.Enqueued += len(jobs)
	return nil
}

// hasSourceAsset reports whether the row links a raw asset its media type's
// extractor can read.
func hasSourceAsset(row *models.SegmentScanRow) bool {
	eligible := extract.EligibleAssetTypes(row.MediaType)
	for _, have := range row.AssetTypes {
		for _, want := range eligible {
			if have == want {
				return true
			}
		}
	}
	return false
}
