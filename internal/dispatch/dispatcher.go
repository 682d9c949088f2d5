// Package dispatch runs the worker pool: recover stale leases, claim queued
// jobs one at a time, execute them, and finalize each with its output or a
// classified error. Claims go through SELECT FOR UPDATE SKIP LOCKED, so any
// number of dispatcher processes can share one queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chapterbridge/nlp-worker/internal/events"
	"github.com/chapterbridge/nlp-worker/internal/models"
	"github.com/chapterbridge/nlp-worker/internal/processor"
)

// ErrRestart reports that the process hit its job quota and should exit so
// the supervisor restarts it with a fresh model connection and heap.
var ErrRestart = errors.New("job quota reached, restart requested")

// JobStore is the queue surface the dispatcher drives.
type JobStore interface {
	ClaimNext(ctx context.Context, maxRetries int) (*models.PipelineJob, error)
	MarkSuccess(ctx context.Context, jobID uuid.UUID, output json.RawMessage) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error
	RecoverStale(ctx context.Context, timeoutMinutes, maxRetries int) (int, error)
}

// JobRunner executes one claimed job.
type JobRunner interface {
	Run(ctx context.Context, job *models.PipelineJob) (json.RawMessage, error)
}

// EventPublisher fans finished jobs out to interested consumers.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event events.JobEvent) error
}

// Config tunes the dispatcher.
type Config struct {
	NumWorkers        int
	PollInterval      time.Duration
	MaxRetriesPerJob  int
	JobTimeoutMinutes int
	// MaxJobsPerRestart caps claims per process; zero means unlimited.
	MaxJobsPerRestart int
}

// Dispatcher owns the claim loop and the worker pool.
type Dispatcher struct {
	store  JobStore
	runner JobRunner
	// events is optional; a nil publisher disables fan-out.
	events EventPublisher
	cfg    Config

	// claimMu serializes the quota check with the claim itself, so a
	// process never starts more than MaxJobsPerRestart jobs.
	claimMu   sync.Mutex
	started   atomic.Int64
	processed atomic.Int64
	inFlight  atomic.Int64
}

// New creates a dispatcher. publisher may be nil.
func New(store JobStore, runner JobRunner, publisher EventPublisher, cfg Config) *Dispatcher {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Dispatcher{
		store:  store,
		runner: runner,
		events: publisher,
		cfg:    cfg,
	}
}

// Snapshot reports dispatcher counters for the status endpoint.
type Snapshot struct {
	Started   int64 `json:"started"`
	Processed int64 `json:"processed"`
	InFlight  int64 `json:"in_flight"`
}

// Snapshot returns current counters.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		Started:   d.started.Load(),
		Processed: d.processed.Load(),
		InFlight:  d.inFlight.Load(),
	}
}

// Run recovers stale leases, then polls and executes jobs until ctx is
// canceled or the job quota is hit. In-flight jobs finish before workers
// return; a quota exit returns ErrRestart.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.store.RecoverStale(ctx, d.cfg.JobTimeoutMinutes, d.cfg.MaxRetriesPerJob); err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	log.Info().
		Int("workers", d.cfg.NumWorkers).
		Dur("poll_interval", d.cfg.PollInterval).
		Int("max_jobs_per_restart", d.cfg.MaxJobsPerRestart).
		Msg("Dispatcher started")

	var g errgroup.Group
	for i := 0; i < d.cfg.NumWorkers; i++ {
		workerID := i
		g.Go(func() error {
			return d.workerLoop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := d.claim(ctx)
		if err != nil {
			if errors.Is(err, ErrRestart) {
				log.Info().Int("worker", workerID).Msg("Job quota reached, worker stopping")
				return ErrRestart
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Int("worker", workerID).Msg("Failed to claim job")
			if !d.sleep(ctx) {
				return nil
			}
			continue
		}
		if job == nil {
			if !d.sleep(ctx) {
				return nil
			}
			continue
		}

		d.execute(ctx, workerID, job)
	}
}

// claim takes the next queued job under the restart quota.
func (d *Dispatcher) claim(ctx context.Context) (*models.PipelineJob, error) {
	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	if d.cfg.MaxJobsPerRestart > 0 && d.started.Load() >= int64(d.cfg.MaxJobsPerRestart) {
		return nil, ErrRestart
	}
	job, err := d.store.ClaimNext(ctx, d.cfg.MaxRetriesPerJob)
	if err != nil || job == nil {
		return nil, err
	}
	d.started.Add(1)
	return job, nil
}

// execute runs one job to completion and finalizes it. The job context is
// detached from shutdown cancellation: the claim is already burned, so
// abandoning the job midway wastes an attempt.
func (d *Dispatcher) execute(ctx context.Context, workerID int, job *models.PipelineJob) {
	jobCtx := context.WithoutCancel(ctx)

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	defer d.processed.Add(1)

	log.Info().
		Str("job_id", job.ID.String()).
		Str("segment_id", job.SegmentID.String()).
		Int("attempt", job.Attempt).
		Int("worker", workerID).
		Msg("Job started")

	start := time.Now()
	output, err := d.runJob(jobCtx, job)
	elapsed := time.Since(start)

	if err != nil {
		class := processor.ClassOf(err)
		log.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Str("segment_id", job.SegmentID.String()).
			Str("class", class).
			Dur("elapsed", elapsed).
			Msg("Job failed")

		msg := formatJobError(class, err)
		if ferr := d.store.MarkFailed(jobCtx, job.ID, msg); ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("Failed to finalize failed job")
		}
		d.publish(jobCtx, job, "failed", &msg)
		return
	}

	if err := d.store.MarkSuccess(jobCtx, job.ID, output); err != nil {
		// Leave the row running; stale recovery will retry the job.
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("Failed to finalize successful job")
		return
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("segment_id", job.SegmentID.String()).
		Dur("elapsed", elapsed).
		Msg("Job succeeded")
	d.publish(jobCtx, job, "success", nil)
}

// runJob isolates panics so one poisoned job cannot take the worker down.
func (d *Dispatcher) runJob(ctx context.Context, job *models.PipelineJob) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = processor.Errorf(processor.ErrClassInternal, "panic: %v", r)
		}
	}()
	return d.runner.Run(ctx, job)
}

func (d *Dispatcher) publish(ctx context.Context, job *models.PipelineJob, status string, errMsg *string) {
	if d.events == nil {
		return
	}
	event := events.JobEvent{
		JobID:      job.ID,
		SegmentID:  job.SegmentID,
		WorkID:     job.WorkID,
		Status:     status,
		Attempt:    job.Attempt,
		Error:      errMsg,
		FinishedAt: time.Now().UTC(),
	}
	if err := d.events.PublishJobEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to publish job event")
	}
}

func (d *Dispatcher) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d.cfg.PollInterval):
		return true
	}
}

// formatJobError renders the stored error string: class, message, and a
// stack captured at the job boundary.
func formatJobError(class string, err error) string {
	return fmt.Sprintf("%s: %s\n%s", class, err.Error(), debug.Stack())
}
