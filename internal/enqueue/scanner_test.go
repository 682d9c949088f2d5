package enqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/chapterbridge/nlp-worker/internal/database"
	"github.com/chapterbridge/nlp-worker/internal/models"
)

type fakeSegments struct {
	rows    []*models.SegmentScanRow
	filters []database.ScanFilter
	err     error
}

func (f *fakeSegments) ScanPage(_ context.Context, filter database.ScanFilter, offset, limit int) ([]*models.SegmentScanRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.filters = append(f.filters, filter)
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

type fakeJobs struct {
	pending      map[uuid.UUID]struct{}
	pendingCalls [][]uuid.UUID
	batches      [][]*models.PipelineJob
	enqueueErr   error
}

func (f *fakeJobs) PendingSegments(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	f.pendingCalls = append(f.pendingCalls, ids)
	out := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		if _, ok := f.pending[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeJobs) EnqueueBatch(_ context.Context, jobs []*models.PipelineJob) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.batches = append(f.batches, jobs)
	return nil
}

func (f *fakeJobs) enqueued() []*models.PipelineJob {
	var out []*models.PipelineJob
	for _, batch := range f.batches {
		out = append(out, batch...)
	}
	return out
}

func scanRow(mediaType string, assetTypes []string, hasSummary, hasEntities bool) *models.SegmentScanRow {
	return &models.SegmentScanRow{
		SegmentID:   uuid.New(),
		EditionID:   uuid.New(),
		WorkID:      uuid.New(),
		MediaType:   mediaType,
		HasSummary:  hasSummary,
		HasEntities: hasEntities,
		AssetTypes:  assetTypes,
	}
}

func TestScannerRun(t *testing.T) {
	fresh := scanRow("novel", []string{"raw_html"}, false, false)
	complete := scanRow("novel", []string{"raw_html"}, true, true)
	pending := scanRow("novel", []string{"cleaned_text"}, true, false)
	noAsset := scanRow("novel", []string{"raw_image"}, false, false)
	anime := scanRow("anime", []string{"raw_subtitle"}, false, false)

	segments := &fakeSegments{rows: []*models.SegmentScanRow{fresh, complete, pending, noAsset, anime}}
	jobs := &fakeJobs{pending: map[uuid.UUID]struct{}{pending.SegmentID: {}}}

	stats, err := New(segments, jobs).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if stats.Enqueued != 2 || stats.SkippedPending != 1 || stats.SkippedComplete != 1 {
		t.Errorf("stats = %+v, want enqueued=2 skipped_pending=1 skipped_complete=1", stats)
	}

	enqueued := jobs.enqueued()
	if len(enqueued) != 2 {
		t.Fatalf("enqueued = %d jobs, want 2", len(enqueued))
	}
	for _, job := range enqueued {
		if job.JobType != "summarize" {
			t.Errorf("job type = %q", job.JobType)
		}
		if job.Input.Task != models.NLPTask {
			t.Errorf("job task = %q", job.Input.Task)
		}
		if job.Input.Force {
			t.Error("force flag set on plain scan")
		}
		if job.ID == uuid.Nil {
			t.Error("job id not assigned")
		}
	}
	if enqueued[0].SegmentID != fresh.SegmentID || enqueued[1].SegmentID != anime.SegmentID {
		t.Errorf("enqueued segments = %s, %s", enqueued[0].SegmentID, enqueued[1].SegmentID)
	}
	if enqueued[0].EditionID != fresh.EditionID || enqueued[0].WorkID != fresh.WorkID {
		t.Error("job missing edition/work back-references")
	}
}

func TestScannerForceBypassesSkips(t *testing.T) {
	complete := scanRow("novel", []string{"raw_html"}, true, true)
	pending := scanRow("novel", []string{"raw_html"}, false, false)

	segments := &fakeSegments{rows: []*models.SegmentScanRow{complete, pending}}
	jobs := &fakeJobs{pending: map[uuid.UUID]struct{}{pending.SegmentID: {}}}

	stats, err := New(segments, jobs).Run(context.Background(), Options{Force: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if stats.Enqueued != 2 || stats.SkippedPending != 0 || stats.SkippedComplete != 0 {
		t.Errorf("stats = %+v, want everything enqueued under force", stats)
	}
	if len(jobs.pendingCalls) != 0 {
		t.Errorf("pending queries = %d, want 0 under force", len(jobs.pendingCalls))
	}
	for _, job := range jobs.enqueued() {
		if !job.Input.Force {
			t.Error("enqueued job does not carry force flag")
		}
	}
}

func TestScannerLimitStopsCollection(t *testing.T) {
	var rows []*models.SegmentScanRow
	for i := 0; i < 10; i++ {
		rows = append(rows, scanRow("novel", []string{"raw_html"}, false, false))
	}
	segments := &fakeSegments{rows: rows}
	jobs := &fakeJobs{}

	stats, err := New(segments, jobs).Run(context.Background(), Options{Limit: 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Enqueued != 3 {
		t.Errorf("enqueued = %d, want 3", stats.Enqueued)
	}
}

func TestScannerSkipsSegmentsWithoutSourceAssets(t *testing.T) {
	rows := []*models.SegmentScanRow{
		scanRow("novel", nil, false, false),
		scanRow("manhwa", []string{"ocr_json"}, false, false),
		scanRow("manhwa", []string{"raw_image", "ocr_json"}, false, false),
		scanRow("anime", []string{"raw_html"}, false, false),
	}
	segments := &fakeSegments{rows: rows}
	jobs := &fakeJobs{}

	stats, err := New(segments, jobs).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Asset-less segments are not enqueueable and do not show in the banner.
	if stats.Enqueued != 1 || stats.SkippedComplete != 0 || stats.SkippedPending != 0 {
		t.Errorf("stats = %+v, want only the manhwa page scan enqueued", stats)
	}
	if got := jobs.enqueued()[0].SegmentID; got != rows[2].SegmentID {
		t.Errorf("enqueued segment = %s, want %s", got, rows[2].SegmentID)
	}
}

func TestScannerDryRunWritesNothing(t *testing.T) {
	segments := &fakeSegments{rows: []*models.SegmentScanRow{
		scanRow("novel", []string{"raw_html"}, false, false),
		scanRow("novel", []string{"raw_html"}, true, true),
	}}
	jobs := &fakeJobs{}

	stats, err := New(segments, jobs).Run(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(jobs.batches) != 0 {
		t.Errorf("batches = %d, want 0 on dry run", len(jobs.batches))
	}
	if stats.Enqueued != 1 || stats.SkippedComplete != 1 {
		t.Errorf("stats = %+v, dry run counts must match a real run", stats)
	}
}

func TestScannerPagesAndChunks(t *testing.T) {
	var rows []*models.SegmentScanRow
	for i := 0; i < pageSize+5; i++ {
		rows = append(rows, scanRow("novel", []string{"raw_html"}, false, false))
	}
	segments := &fakeSegments{rows: rows}
	jobs := &fakeJobs{}

	stats, err := New(segments, jobs).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if stats.Enqueued != pageSize+5 {
		t.Fatalf("enqueued = %d, want %d", stats.Enqueued, pageSize+5)
	}

	wantChunks := (pageSize + 5 + pendingChunkSize - 1) / pendingChunkSize
	if len(jobs.pendingCalls) != wantChunks {
		t.Fatalf("pending queries = %d, want %d", len(jobs.pendingCalls), wantChunks)
	}
	for i, ids := range jobs.pendingCalls {
		if len(ids) > pendingChunkSize {
			t.Errorf("chunk %d carries %d ids, cap is %d", i, len(ids), pendingChunkSize)
		}
	}
	if last := jobs.pendingCalls[wantChunks-1]; len(last) != 5 {
		t.Errorf("final chunk = %d ids, want 5", len(last))
	}
}

func TestScannerPropagatesErrors(t *testing.T) {
	t.Run("scan failure", func(t *testing.T) {
		segments := &fakeSegments{err: errors.New("connection refused")}
		_, err := New(segments, &fakeJobs{}).Run(context.Background(), Options{})
		if err == nil {
			t.Fatal("expected scan error")
		}
		if got := err.Error(); got != fmt.Sprintf("failed to scan segments: %s", "connection refused") {
			t.Errorf("error = %q", got)
		}
	})

	t.Run("enqueue failure", func(t *testing.T) {
		segments := &fakeSegments{rows: []*models.SegmentScanRow{
			scanRow("novel", []string{"raw_html"}, false, false),
		}}
		jobs := &fakeJobs{enqueueErr: errors.New("deadlock detected")}
		stats, err := New(segments, jobs).Run(context.Background(), Options{})
		if err == nil {
			t.Fatal("expected enqueue error")
		}
		if stats.Enqueued != 0 {
			t.Errorf("enqueued = %d, want 0 after failed batch", stats.Enqueued)
		}
	})
}
