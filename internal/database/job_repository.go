package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// JobRepository handles pipeline job operations
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const claimQuery = `
	SELECT id, job_type, segment_id, edition_id, work_id, input, status, attempt, created_at
	FROM pipeline_jobs
	WHERE status = 'queued'
	  AND job_type = 'summarize'
	  AND input->>'task' = $1
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
`

// ClaimNext claims the oldest queued nlp_pack job and marks it running, all
// inside one transaction so concurrent workers never share a claim. A queued
// job whose attempt count already reached maxRetries is retired to failed and
// the scan moves on. Returns nil when the queue is drained.
func (r *JobRepository) ClaimNext(ctx context.Context, maxRetries int) (*models.PipelineJob, error) {
	for {
		job, err := r.claimOne(ctx, maxRetries)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		if job.Status == "running" {
			return job, nil
		}
		// Candidate was retired for exceeding the retry cap; scan again.
	}
}

func (r *JobRepository) claimOne(ctx context.Context, maxRetries int) (*models.PipelineJob, error) {
	var job *models.PipelineJob

	err := withRetry(ctx, "claim_job", func() error {
		job = nil

		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		j := &models.PipelineJob{}
		var inputJSON []byte
		err = tx.QueryRowContext(ctx, claimQuery, models.NLPTask).Scan(
			&j.ID, &j.JobType, &j.SegmentID, &j.EditionID, &j.WorkID,
			&inputJSON, &j.Status, &j.Attempt, &j.CreatedAt,
		)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if len(inputJSON) > 0 {
			if err := json.Unmarshal(inputJSON, &j.Input); err != nil {
				return fmt.Errorf("failed to unmarshal job input: %w", err)
			}
		}

		if j.Attempt >= maxRetries {
			msg := fmt.Sprintf("Exceeded max retries (%d)", maxRetries)
			_, err := tx.ExecContext(ctx, `
				UPDATE pipeline_jobs
				SET status = 'failed', error = $2, finished_at = NOW()
				WHERE id = $1
			`, j.ID, msg)
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			j.Status = "failed"
			j.Error = &msg
			job = j
			log.Warn().
				Str("job_id", j.ID.String()).
				Int("attempt", j.Attempt).
				Msg("Job exceeded max retries, marked failed")
			return nil
		}

		var startedAt time.Time
		err = tx.QueryRowContext(ctx, `
			UPDATE pipeline_jobs
			SET status = 'running', attempt = attempt + 1, started_at = NOW()
			WHERE id = $1
			RETURNING attempt, started_at
		`, j.ID).Scan(&j.Attempt, &startedAt)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		j.Status = "running"
		j.StartedAt = &startedAt
		job = j
		return nil
	})

	return job, err
}

// MarkSuccess finalizes a job with its output document
func (r *JobRepository) MarkSuccess(ctx context.Context, jobID uuid.UUID, output json.RawMessage) error {
	return withRetry(ctx, "mark_job_success", func() error {
		result, err := r.db.ExecContext(ctx, `
			UPDATE pipeline_jobs
			SET status = 'success', finished_at = NOW(), output = $2
			WHERE id = $1
		`, jobID, output)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("job not found")
		}
		return nil
	})
}

// MarkFailed finalizes a job with an error string
func (r *JobRepository) MarkFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	return withRetry(ctx, "mark_job_failed", func() error {
		result, err := r.db.ExecContext(ctx, `
			UPDATE pipeline_jobs
			SET status = 'failed', finished_at = NOW(), error = $2
			WHERE id = $1
		`, jobID, errMsg)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("job not found")
		}
		return nil
	})
}

// RecoverStale fails running jobs whose lease is older than timeoutMinutes.
// Covers workers killed on interruptible nodes, crashes, and hung network
// calls. Returns the number of jobs failed.
func (r *JobRepository) RecoverStale(ctx context.Context, timeoutMinutes, maxRetries int) (int, error) {
	type staleJob struct {
		id      uuid.UUID
		attempt int
	}
	var stale []staleJob

	err := withRetry(ctx, "scan_stale_jobs", func() error {
		stale = stale[:0]
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, attempt
			FROM pipeline_jobs
			WHERE status = 'running'
			  AND job_type = 'summarize'
			  AND started_at < NOW() - ($1 * INTERVAL '1 minute')
		`, timeoutMinutes)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s staleJob
			if err := rows.Scan(&s.id, &s.attempt); err != nil {
				return err
			}
			stale = append(stale, s)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, s := range stale {
		var msg string
		if s.attempt >= maxRetries {
			msg = fmt.Sprintf("Job timeout after %d minutes (interrupted/crashed). Max retries exceeded.", timeoutMinutes)
		} else {
			msg = fmt.Sprintf("Job timeout after %d minutes (interrupted/crashed). Will retry.", timeoutMinutes)
		}

		err := withRetry(ctx, "fail_stale_job", func() error {
			_, err := r.db.ExecContext(ctx, `
				UPDATE pipeline_jobs
				SET status = 'failed', finished_at = NOW(), error = $2
				WHERE id = $1 AND status = 'running'
			`, s.id, msg)
			return err
		})
		if err != nil {
			return reset, err
		}

		log.Warn().
			Str("job_id", s.id.String()).
			Int("attempt", s.attempt).
			Int("max_retries", maxRetries).
			Msg("Failed stale running job")
		reset++
	}

	if reset > 0 {
		log.Info().
			Int("count", reset).
			Int("timeout_minutes", timeoutMinutes).
			Msg("Recovered stale running jobs")
	}
	return reset, nil
}

// PendingSegments returns the subset of segmentIDs that already have a
// queued or running nlp_pack job.
func (r *JobRepository) PendingSegments(ctx context.Context, segmentIDs []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	pending := make(map[uuid.UUID]struct{})
	if len(segmentIDs) == 0 {
		return pending, nil
	}

	ids := make([]string, len(segmentIDs))
	for i, id := range segmentIDs {
		ids[i] = id.String()
	}

	err := withRetry(ctx, "pending_segments", func() error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT DISTINCT segment_id
			FROM pipeline_jobs
			WHERE segment_id = ANY($1::uuid[])
			  AND job_type = 'summarize'
			  AND input->>'task' = $2
			  AND status IN ('queued', 'running')
		`, pq.Array(ids), models.NLPTask)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			pending[id] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// EnqueueBatch inserts queued jobs in a single transaction
func (r *JobRepository) EnqueueBatch(ctx context.Context, jobs []*models.PipelineJob) error {
	if len(jobs) == 0 {
		return nil
	}

	return withRetry(ctx, "enqueue_batch", func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, job := range jobs {
			input, err := json.Marshal(job.Input)
			if err != nil {
				return fmt.Errorf("failed to marshal job input: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO pipeline_jobs (id, job_type, segment_id, edition_id, work_id, input, status, attempt, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, NOW())
			`, job.ID, job.JobType, job.SegmentID, job.EditionID, job.WorkID, input)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
