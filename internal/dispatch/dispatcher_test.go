package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chapterbridge/nlp-worker/internal/events"
	"github.com/chapterbridge/nlp-worker/internal/models"
	"github.com/chapterbridge/nlp-worker/internal/processor"
)

// memoryStore is a queue with claim-once semantics, shared across dispatcher
// instances the way the jobs table is shared across processes.
type memoryStore struct {
	mu             sync.Mutex
	queue          []*models.PipelineJob
	succeeded      map[uuid.UUID]json.RawMessage
	failed         map[uuid.UUID]string
	recoverCalls   int
	recoverErr     error
	claimsBefore   int
	markSuccessErr error
}

func newMemoryStore(jobs ...*models.PipelineJob) *memoryStore {
	return &memoryStore{
		queue:     jobs,
		succeeded: make(map[uuid.UUID]json.RawMessage),
		failed:    make(map[uuid.UUID]string),
	}
}

func (s *memoryStore) ClaimNext(_ context.Context, _ int) (*models.PipelineJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recoverCalls == 0 {
		s.claimsBefore++
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	job.Attempt++
	job.Status = "running"
	claimed := *job
	return &claimed, nil
}

func (s *memoryStore) MarkSuccess(_ context.Context, jobID uuid.UUID, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSuccessErr != nil {
		return s.markSuccessErr
	}
	s.succeeded[jobID] = output
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, jobID uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = errMsg
	return nil
}

func (s *memoryStore) RecoverStale(_ context.Context, _, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverCalls++
	return 0, s.recoverErr
}

func (s *memoryStore) successCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.succeeded)
}

func (s *memoryStore) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type fakeRunner struct {
	mu      sync.Mutex
	runs    []uuid.UUID
	fail    map[uuid.UUID]error
	panicOn map[uuid.UUID]string
}

func (r *fakeRunner) Run(_ context.Context, job *models.PipelineJob) (json.RawMessage, error) {
	r.mu.Lock()
	r.runs = append(r.runs, job.ID)
	failErr := r.fail[job.ID]
	panicMsg, shouldPanic := r.panicOn[job.ID]
	r.mu.Unlock()

	if shouldPanic {
		panic(panicMsg)
	}
	if failErr != nil {
		return nil, failErr
	}
	return json.RawMessage(`{"upserted":true}`), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
	err    error
}

func (p *fakePublisher) PublishJobEvent(_ context.Context, event events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func makeJobs(n int) []*models.PipelineJob {
	jobs := make([]*models.PipelineJob, n)
	for i := range jobs {
		jobs[i] = &models.PipelineJob{
			ID:        uuid.New(),
			JobType:   "summarize",
			SegmentID: uuid.New(),
			EditionID: uuid.New(),
			WorkID:    uuid.New(),
			Status:    "queued",
			Input:     models.JobInput{Task: models.NLPTask},
		}
	}
	return jobs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		NumWorkers:        4,
		PollInterval:      5 * time.Millisecond,
		MaxRetriesPerJob:  3,
		JobTimeoutMinutes: 30,
	}
}

// Two dispatchers with four workers each share one queue of ten jobs. Every
// job must finish exactly once: ten successes, total attempts ten.
func TestDispatcherSharedQueueClaimsEachJobOnce(t *testing.T) {
	jobs := makeJobs(10)
	store := newMemoryStore(jobs...)
	runner := &fakeRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		d := New(store, runner, nil, testConfig())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Run(ctx); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}

	waitFor(t, 2*time.Second, func() bool { return store.successCount() == 10 })
	cancel()
	wg.Wait()

	if got := store.successCount(); got != 10 {
		t.Fatalf("succeeded = %d, want 10", got)
	}
	if got := len(store.failed); got != 0 {
		t.Fatalf("failed = %d, want 0", got)
	}
	total := 0
	for _, job := range jobs {
		total += job.Attempt
	}
	if total != 10 {
		t.Errorf("total attempts = %d, want 10 (each job claimed once)", total)
	}
	if store.claimsBefore != 0 {
		t.Errorf("claims before stale recovery = %d, want 0", store.claimsBefore)
	}
}

func TestDispatcherStopsAtJobQuota(t *testing.T) {
	store := newMemoryStore(makeJobs(5)...)
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.NumWorkers = 2
	cfg.MaxJobsPerRestart = 3

	d := New(store, runner, nil, cfg)
	err := d.Run(context.Background())
	if !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	if got := store.successCount(); got != 3 {
		t.Errorf("succeeded = %d, want 3", got)
	}
	if got := store.queueLen(); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
	snap := d.Snapshot()
	if snap.Started != 3 || snap.Processed != 3 || snap.InFlight != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDispatcherStaleRecoveryFailureAborts(t *testing.T) {
	store := newMemoryStore(makeJobs(1)...)
	store.recoverErr = errors.New("connection refused")

	d := New(store, &fakeRunner{}, nil, testConfig())
	err := d.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to recover stale jobs") {
		t.Fatalf("Run() error = %v", err)
	}
	if store.claimsBefore != 0 {
		t.Errorf("claims before recovery = %d, want 0", store.claimsBefore)
	}
	if got := store.queueLen(); got != 1 {
		t.Errorf("queue length = %d, want 1 (nothing claimed)", got)
	}
}

func TestDispatcherFinalizesFailureWithClassAndStack(t *testing.T) {
	jobs := makeJobs(1)
	store := newMemoryStore(jobs...)
	runner := &fakeRunner{
		fail: map[uuid.UUID]error{
			jobs[0].ID: processor.Errorf(processor.ErrClassInput, "no raw_html or cleaned_text asset linked to segment %s", jobs[0].SegmentID),
		},
	}
	publisher := &fakePublisher{}
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.MaxJobsPerRestart = 1

	d := New(store, runner, publisher, cfg)
	if err := d.Run(context.Background()); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	msg, ok := store.failed[jobs[0].ID]
	if !ok {
		t.Fatal("job not marked failed")
	}
	if !strings.HasPrefix(msg, "InputError: no raw_html or cleaned_text asset linked") {
		t.Errorf("error message = %q", msg)
	}
	if !strings.Contains(msg, "goroutine") {
		t.Errorf("error message missing stack: %q", msg)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("events = %d, want 1", len(publisher.events))
	}
	event := publisher.events[0]
	if event.Status != "failed" || event.JobID != jobs[0].ID || event.Attempt != 1 {
		t.Errorf("event = %+v", event)
	}
	if event.Error == nil || !strings.HasPrefix(*event.Error, "InputError:") {
		t.Errorf("event error = %v", event.Error)
	}
}

func TestDispatcherContainsPanics(t *testing.T) {
	jobs := makeJobs(2)
	store := newMemoryStore(jobs...)
	runner := &fakeRunner{
		panicOn: map[uuid.UUID]string{jobs[0].ID: "nil map write"},
	}
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.MaxJobsPerRestart = 2

	d := New(store, runner, nil, cfg)
	if err := d.Run(context.Background()); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	msg, ok := store.failed[jobs[0].ID]
	if !ok {
		t.Fatal("panicked job not marked failed")
	}
	if !strings.HasPrefix(msg, "InternalError: panic: nil map write") {
		t.Errorf("error message = %q", msg)
	}
	if _, ok := store.succeeded[jobs[1].ID]; !ok {
		t.Error("worker did not survive the panic to run the next job")
	}
}

func TestDispatcherPublishesSuccessEvents(t *testing.T) {
	jobs := makeJobs(1)
	store := newMemoryStore(jobs...)
	publisher := &fakePublisher{err: errors.New("broker unreachable")}
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.MaxJobsPerRestart = 1

	d := New(store, &fakeRunner{}, publisher, cfg)
	if err := d.Run(context.Background()); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	// A publish failure must not affect finalization.
	if _, ok := store.succeeded[jobs[0].ID]; !ok {
		t.Fatal("job not marked success")
	}
	if len(publisher.events) != 1 || publisher.events[0].Status != "success" {
		t.Errorf("events = %+v", publisher.events)
	}
	if publisher.events[0].Error != nil {
		t.Errorf("success event carries error = %v", *publisher.events[0].Error)
	}
}

func TestDispatcherLeavesJobRunningWhenFinalizeFails(t *testing.T) {
	jobs := makeJobs(1)
	store := newMemoryStore(jobs...)
	store.markSuccessErr = errors.New("connection reset")
	publisher := &fakePublisher{}
	cfg := testConfig()
	cfg.NumWorkers = 1
	cfg.MaxJobsPerRestart = 1

	d := New(store, &fakeRunner{}, publisher, cfg)
	if err := d.Run(context.Background()); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	if len(store.succeeded) != 0 {
		t.Error("success recorded despite finalize failure")
	}
	if _, ok := store.failed[jobs[0].ID]; ok {
		t.Error("job marked failed after successful run")
	}
	if len(publisher.events) != 0 {
		t.Errorf("events = %+v, want none until finalized", publisher.events)
	}
}
