package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/chapterbridge/nlp-worker/internal/characters"
	"github.com/chapterbridge/nlp-worker/internal/llm"
	"github.com/chapterbridge/nlp-worker/internal/models"
	"github.com/chapterbridge/nlp-worker/internal/storage"
)

var (
	testSegmentID = uuid.MustParse("4f9c2b1a-8d3e-4c5f-9a7b-1e2d3c4b5a69")
	testEditionID = uuid.MustParse("7a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9")
	testWorkID    = uuid.MustParse("0c1d2e3f-4a5b-6c7d-8e9f-0a1b2c3d4e5f")
)

const chapterHTML = `<html><body><article class="chapter-content">
<p>Arthur crossed the threshold of the ancient dungeon, torch raised high against the dark.</p>
<p>Sylvie followed close behind him, her small wings folded tight with worry and dread.</p>
</article></body></html>`

const validModelResponse = `{
  "cleaned_text": "Arthur crossed the threshold of the ancient dungeon.",
  "segment_summary": {
    "summary": "Arthur enters the dungeon with Sylvie at his side.",
    "summary_short": "Arthur enters the dungeon.",
    "events": ["Arthur enters the dungeon"],
    "beats": [{"type": "action", "description": "The descent begins"}],
    "key_dialogue": [{"speaker": "Arthur", "text": "Stay close."}],
    "tone": {"primary": "tense", "secondary": ["ominous"], "intensity": 0.7}
  },
  "segment_entities": {
    "characters": ["Arthur", "Sylvie"],
    "locations": ["the dungeon"],
    "items": ["torch"],
    "time_refs": [],
    "organizations": [],
    "factions": [],
    "titles_ranks": [],
    "skills": [],
    "creatures": [],
    "concepts": [],
    "relationships": [["Arthur", "Sylvie", "companions"]],
    "emotions": ["dread"],
    "keywords": ["dungeon"]
  },
  "character_updates": [
    {"name": "Arthur", "aliases": ["Art"], "character_facts": ["Entered the dungeon"], "description": "A cautious swordsman."}
  ]
}`

// responseWithoutLocations omits the locations key so normalization must fill
// the default before the entities row is written.
const responseWithoutLocations = `{
  "segment_summary": {
    "summary": "Arthur enters the dungeon with Sylvie at his side.",
    "summary_short": "Arthur enters the dungeon.",
    "events": ["Arthur enters the dungeon"],
    "beats": [],
    "key_dialogue": [],
    "tone": {"primary": "tense", "secondary": [], "intensity": 0.5}
  },
  "segment_entities": {
    "characters": ["Arthur", "Sylvie"],
    "items": [],
    "time_refs": [],
    "organizations": [],
    "factions": [],
    "titles_ranks": [],
    "skills": [],
    "creatures": [],
    "concepts": [],
    "relationships": [],
    "emotions": [],
    "keywords": []
  },
  "character_updates": []
}`

type fakeSegments struct {
	sc  *models.SegmentContext
	err error
}

func (f *fakeSegments) GetContext(_ context.Context, _ uuid.UUID) (*models.SegmentContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sc, nil
}

type fakeAssets struct {
	byKey    map[string]*models.Asset
	byType   map[string][]models.Asset
	upserted []models.Asset
	links    []string
}

func (f *fakeAssets) GetByKey(_ context.Context, key string) (*models.Asset, error) {
	return f.byKey[key], nil
}

func (f *fakeAssets) BySegmentAndType(_ context.Context, _ uuid.UUID, assetType string) ([]models.Asset, error) {
	return f.byType[assetType], nil
}

func (f *fakeAssets) Upsert(_ context.Context, asset *models.Asset) (*models.Asset, error) {
	stored := *asset
	stored.ID = uuid.New()
	f.upserted = append(f.upserted, stored)
	return &stored, nil
}

func (f *fakeAssets) LinkSegment(_ context.Context, _, _ uuid.UUID, role string) error {
	f.links = append(f.links, role)
	return nil
}

type fakeOutputs struct {
	hasSummary  bool
	hasEntities bool
	summaries   []*models.SegmentSummary
	entities    []*models.SegmentEntities
}

func (f *fakeOutputs) HasSummary(_ context.Context, _ uuid.UUID) (bool, error) {
	return f.hasSummary, nil
}

func (f *fakeOutputs) UpsertSummary(_ context.Context, s *models.SegmentSummary) error {
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeOutputs) HasEntities(_ context.Context, _ uuid.UUID) (bool, error) {
	return f.hasEntities, nil
}

func (f *fakeOutputs) UpsertEntities(_ context.Context, e *models.SegmentEntities) error {
	f.entities = append(f.entities, e)
	return nil
}

type fakeBlobs struct {
	texts   map[string]string
	uploads map[string]string
}

func (f *fakeBlobs) DownloadText(_ context.Context, key string) (string, error) {
	text, ok := f.texts[key]
	if !ok {
		return "", fmt.Errorf("download %s: %w", key, storage.ErrNotFound)
	}
	return text, nil
}

func (f *fakeBlobs) UploadText(_ context.Context, key, text string) (*storage.UploadResult, error) {
	if f.uploads == nil {
		f.uploads = make(map[string]string)
	}
	f.uploads[key] = text
	return &storage.UploadResult{
		Key:         key,
		Bytes:       int64(len(text)),
		SHA256:      "da39a3ee",
		ContentType: "text/plain; charset=utf-8",
	}, nil
}

type fakeModel struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeModel) ModelName() string { return "qwen3-32b" }

func (f *fakeModel) Chat(_ context.Context, _, _ string) (string, llm.CallStats, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", llm.CallStats{}, f.errs[i]
	}
	if i >= len(f.responses) {
		return "", llm.CallStats{}, fmt.Errorf("unexpected model call %d", i)
	}
	return f.responses[i], llm.CallStats{LatencyMS: 5}, nil
}

type fakeMerger struct {
	stats   characters.Stats
	err     error
	calls   int
	updates []models.CharacterUpdate
}

func (f *fakeMerger) ProcessUpdates(_ context.Context, _ uuid.UUID, _ string, updates []models.CharacterUpdate, _ int, _ string) (characters.Stats, error) {
	f.calls++
	f.updates = updates
	return f.stats, f.err
}

type fixture struct {
	segments *fakeSegments
	assets   *fakeAssets
	outputs  *fakeOutputs
	blobs    *fakeBlobs
	model    *fakeModel
	merger   *fakeMerger
}

func segmentContext(mediaType string) *models.SegmentContext {
	segmentType := "chapter"
	if mediaType == "anime" {
		segmentType = "episode"
	}
	return &models.SegmentContext{
		Segment: models.Segment{
			ID:          testSegmentID,
			EditionID:   testEditionID,
			SegmentType: segmentType,
			Number:      12,
		},
		WorkID:    testWorkID,
		MediaType: mediaType,
		WorkTitle: "The Beginning After the End",
	}
}

func novelFixture() *fixture {
	const rawKey = "raw/novel/w/e/chapter-0012/page.html"
	return &fixture{
		segments: &fakeSegments{sc: segmentContext("novel")},
		assets: &fakeAssets{
			byKey: map[string]*models.Asset{},
			byType: map[string][]models.Asset{
				"raw_html": {{ID: uuid.New(), R2Key: rawKey, AssetType: "raw_html"}},
			},
		},
		outputs: &fakeOutputs{},
		blobs:   &fakeBlobs{texts: map[string]string{rawKey: chapterHTML}},
		model:   &fakeModel{responses: []string{validModelResponse}},
		merger:  &fakeMerger{stats: characters.Stats{Inserted: 1}},
	}
}

func (f *fixture) processor(opts Options) *Processor {
	if opts.ModelVersion == "" {
		opts.ModelVersion = "qwen3-32b-v1"
	}
	if opts.Bucket == "" {
		opts.Bucket = "chapterbridge-media"
	}
	return New(f.segments, f.assets, f.outputs, f.blobs, f.model, f.merger, opts)
}

func testJob(force bool) *models.PipelineJob {
	return &models.PipelineJob{
		ID:        uuid.New(),
		JobType:   "summarize",
		SegmentID: testSegmentID,
		EditionID: testEditionID,
		WorkID:    testWorkID,
		Input:     models.JobInput{Task: models.NLPTask, Force: force},
	}
}

func TestProcessNovelHappyPath(t *testing.T) {
	f := novelFixture()
	out, err := f.processor(Options{}).Process(context.Background(), testJob(false))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if out.Skipped {
		t.Fatal("expected processed output, got skipped")
	}
	if !out.Upserted {
		t.Error("expected upserted flag")
	}
	wantKey := "derived/novel/" + testWorkID.String() + "/" + testEditionID.String() + "/chapter-0012/cleaned.txt"
	if out.CleanedR2Key != wantKey {
		t.Errorf("cleaned key = %q, want %q", out.CleanedR2Key, wantKey)
	}

	if got := f.blobs.uploads[wantKey]; got != "Arthur crossed the threshold of the ancient dungeon." {
		t.Errorf("uploaded cleaned text = %q", got)
	}
	if len(f.assets.upserted) != 1 || f.assets.upserted[0].AssetType != "cleaned_text" {
		t.Fatalf("asset upserts = %+v, want one cleaned_text", f.assets.upserted)
	}
	if f.assets.upserted[0].UploadSource != "pipeline" {
		t.Errorf("upload source = %q", f.assets.upserted[0].UploadSource)
	}
	if len(f.assets.links) != 1 || f.assets.links[0] != "cleaned_text" {
		t.Errorf("segment links = %v", f.assets.links)
	}
	if out.CleanedAssetID == nil || out.CleanedBytes == 0 {
		t.Error("expected cleaned asset id and byte count in output")
	}

	if len(f.outputs.summaries) != 1 {
		t.Fatalf("summary upserts = %d, want 1", len(f.outputs.summaries))
	}
	summary := f.outputs.summaries[0]
	if summary.SegmentID != testSegmentID {
		t.Errorf("summary segment id = %s", summary.SegmentID)
	}
	if summary.Summary != "Arthur enters the dungeon with Sylvie at his side." {
		t.Errorf("summary text = %q", summary.Summary)
	}
	if summary.ModelVersion != "qwen3-32b-v1" {
		t.Errorf("summary model version = %q", summary.ModelVersion)
	}

	if len(f.outputs.entities) != 1 {
		t.Fatalf("entities upserts = %d, want 1", len(f.outputs.entities))
	}
	if got := string(f.outputs.entities[0].Fields["characters"]); got != `["Arthur","Sylvie"]` {
		t.Errorf("characters field = %s", got)
	}

	if f.merger.calls != 1 {
		t.Fatalf("merger calls = %d, want 1", f.merger.calls)
	}
	if len(f.merger.updates) != 1 || f.merger.updates[0].Name != "Arthur" {
		t.Errorf("merger updates = %+v", f.merger.updates)
	}
	if out.Characters == nil || out.Characters.Inserted != 1 {
		t.Errorf("character outcome = %+v", out.Characters)
	}

	if out.Stats.MediaType != "novel" || out.Stats.SegmentNumber != 12 {
		t.Errorf("stats = %+v", out.Stats)
	}
	if out.Stats.InputChars == 0 || out.Stats.InputTokensEst == 0 {
		t.Errorf("input stats not recorded: %+v", out.Stats)
	}
	if out.Stats.ParagraphCount != 2 {
		t.Errorf("paragraph count = %d, want 2", out.Stats.ParagraphCount)
	}
}

func TestProcessSkipsWhenOutputsExist(t *testing.T) {
	f := novelFixture()
	f.outputs.hasSummary = true
	f.outputs.hasEntities = true

	out, err := f.processor(Options{}).Process(context.Background(), testJob(false))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if !out.Skipped || out.Reason != "already_exists" {
		t.Errorf("skip = %v reason = %q", out.Skipped, out.Reason)
	}
	if out.Existing == nil || !out.Existing.SegmentSummaries || !out.Existing.SegmentEntities {
		t.Errorf("existing = %+v", out.Existing)
	}
	if f.model.calls != 0 {
		t.Errorf("model calls = %d, want 0 on skip", f.model.calls)
	}
	if len(f.outputs.summaries) != 0 || len(f.outputs.entities) != 0 {
		t.Error("skip must not write outputs")
	}
}

func TestProcessForceRewritesExisting(t *testing.T) {
	f := novelFixture()
	f.outputs.hasSummary = true
	f.outputs.hasEntities = true
	f.assets.byKey[storage.BuildCleanedTextKey("novel", testWorkID.String(), testEditionID.String(), "chapter", 12)] = &models.Asset{ID: uuid.New()}

	out, err := f.processor(Options{}).Process(context.Background(), testJob(true))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if out.Skipped {
		t.Fatal("force run must not skip")
	}
	if f.model.calls != 1 {
		t.Errorf("model calls = %d, want 1", f.model.calls)
	}
	if !out.SummaryUpserted || !out.EntitiesUpserted {
		t.Errorf("force run must rewrite outputs: %+v", out)
	}
	if out.CleanedTextSkipped {
		t.Error("force run must rewrite cleaned text")
	}
	if len(f.blobs.uploads) != 1 {
		t.Errorf("uploads = %d, want 1", len(f.blobs.uploads))
	}
}

func TestProcessPartialOutputsSkipExistingOnly(t *testing.T) {
	f := novelFixture()
	f.outputs.hasSummary = true

	out, err := f.processor(Options{}).Process(context.Background(), testJob(false))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if out.Skipped {
		t.Fatal("partial outputs must still process")
	}
	if !out.SummarySkipped {
		t.Error("existing summary must be left alone without force")
	}
	if len(f.outputs.summaries) != 0 {
		t.Errorf("summary upserts = %d, want 0", len(f.outputs.summaries))
	}
	if !out.EntitiesUpserted || len(f.outputs.entities) != 1 {
		t.Error("missing entities must be written")
	}
}

func TestProcessFillsDefaultEntityFields(t *testing.T) {
	f := novelFixture()
	f.model.responses = []string{responseWithoutLocations}

	if _, err := f.processor(Options{}).Process(context.Background(), testJob(false)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(f.outputs.entities) != 1 {
		t.Fatalf("entities upserts = %d, want 1", len(f.outputs.entities))
	}
	fields := f.outputs.entities[0].Fields
	if got := string(fields["locations"]); got != "[]" {
		t.Errorf("locations = %s, want []", got)
	}
	for _, name := range models.EntityFields {
		if _, ok := fields[name]; !ok {
			t.Errorf("field %q missing from entities row", name)
		}
	}
}

func TestProcessRepairsInvalidOutput(t *testing.T) {
	f := novelFixture()
	f.model.responses = []string{"The chapter depicts Arthur descending into darkness.", validModelResponse}

	out, err := f.processor(Options{}).Process(context.Background(), testJob(false))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if f.model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", f.model.calls)
	}
	if !out.Stats.RepairAttempted || !out.Stats.RepairSucceeded {
		t.Errorf("repair stats = %+v", out.Stats)
	}
	if len(f.outputs.summaries) != 1 {
		t.Error("repaired document must still be materialized")
	}
}

func TestProcessFailsAfterRepairFails(t *testing.T) {
	f := novelFixture()
	f.model.responses = []string{"not json", "still not json"}

	_, err := f.processor(Options{}).Process(context.Background(), testJob(false))
	if err == nil {
		t.Fatal("expected error after failed repair")
	}
	if ClassOf(err) != ErrClassOutput {
		t.Errorf("error class = %q, want %q", ClassOf(err), ErrClassOutput)
	}
	if !strings.Contains(err.Error(), "model output invalid after repair") {
		t.Errorf("error = %v", err)
	}
	if len(f.outputs.summaries) != 0 || len(f.blobs.uploads) != 0 {
		t.Error("failed job must not write outputs")
	}
}

func TestProcessDryRunWritesNothing(t *testing.T) {
	f := novelFixture()
	out, err := f.processor(Options{DryRun: true}).Process(context.Background(), testJob(true))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(f.blobs.uploads) != 0 || len(f.assets.upserted) != 0 || len(f.assets.links) != 0 {
		t.Error("dry run must not touch blob storage or assets")
	}
	if len(f.outputs.summaries) != 0 || len(f.outputs.entities) != 0 {
		t.Error("dry run must not upsert outputs")
	}
	if f.merger.calls != 0 {
		t.Error("dry run must not merge characters")
	}
	if f.model.calls != 1 {
		t.Errorf("model calls = %d, dry run still invokes the model", f.model.calls)
	}
	if !out.SummaryUpserted || !out.EntitiesUpserted {
		t.Errorf("dry run output should report would-be upserts: %+v", out)
	}
	if out.Characters == nil || out.Characters.WouldProcess != 1 {
		t.Errorf("character outcome = %+v", out.Characters)
	}
	if out.CleanedBytes == 0 {
		t.Error("dry run should report would-be cleaned bytes")
	}
}

func TestProcessErrorClasses(t *testing.T) {
	t.Run("missing segment", func(t *testing.T) {
		f := novelFixture()
		f.segments.err = errors.New("segment not found")
		_, err := f.processor(Options{}).Process(context.Background(), testJob(false))
		if ClassOf(err) != ErrClassInput {
			t.Errorf("class = %q, want %q (err: %v)", ClassOf(err), ErrClassInput, err)
		}
	})

	t.Run("no source assets", func(t *testing.T) {
		f := novelFixture()
		f.assets.byType = map[string][]models.Asset{}
		_, err := f.processor(Options{}).Process(context.Background(), testJob(false))
		if ClassOf(err) != ErrClassInput {
			t.Errorf("class = %q, want %q (err: %v)", ClassOf(err), ErrClassInput, err)
		}
		if !strings.Contains(err.Error(), "no raw_html or cleaned_text asset linked") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("blob object missing", func(t *testing.T) {
		f := novelFixture()
		f.blobs.texts = map[string]string{}
		_, err := f.processor(Options{}).Process(context.Background(), testJob(false))
		if ClassOf(err) != ErrClassInput {
			t.Errorf("class = %q, want %q (err: %v)", ClassOf(err), ErrClassInput, err)
		}
	})

	t.Run("model failure", func(t *testing.T) {
		f := novelFixture()
		f.model.errs = []error{errors.New("connection refused")}
		_, err := f.processor(Options{}).Process(context.Background(), testJob(false))
		if ClassOf(err) != ErrClassModel {
			t.Errorf("class = %q, want %q (err: %v)", ClassOf(err), ErrClassModel, err)
		}
	})

	t.Run("merge failure", func(t *testing.T) {
		f := novelFixture()
		f.merger.err = errors.New("insert character: connection reset")
		_, err := f.processor(Options{}).Process(context.Background(), testJob(false))
		if ClassOf(err) != ErrClassStore {
			t.Errorf("class = %q, want %q (err: %v)", ClassOf(err), ErrClassStore, err)
		}
	})
}

func TestProcessNonNovelIgnoresCharacterUpdates(t *testing.T) {
	const subsKey = "raw/anime/w/e/episode-0012/subs.srt"
	f := novelFixture()
	f.segments.sc = segmentContext("anime")
	f.assets.byType = map[string][]models.Asset{
		"raw_subtitle": {{ID: uuid.New(), R2Key: subsKey, AssetType: "raw_subtitle"}},
	}
	f.blobs.texts = map[string]string{subsKey: "1\n00:00:01,000 --> 00:00:03,000\nStay close to me, Sylvie.\n\n2\n00:00:04,000 --> 00:00:06,000\nThe dungeon gate is opening.\n"}

	out, err := f.processor(Options{}).Process(context.Background(), testJob(false))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if f.merger.calls != 0 {
		t.Errorf("merger calls = %d, want 0 for anime", f.merger.calls)
	}
	if out.Characters != nil {
		t.Errorf("character outcome = %+v, want nil", out.Characters)
	}
	if out.Stats.SubtitleBlocks != 2 {
		t.Errorf("subtitle blocks = %d, want 2", out.Stats.SubtitleBlocks)
	}
	if out.CleanedR2Key != "derived/anime/"+testWorkID.String()+"/"+testEditionID.String()+"/episode-0012/cleaned.txt" {
		t.Errorf("cleaned key = %q", out.CleanedR2Key)
	}
}

func TestRunMarshalsOutput(t *testing.T) {
	f := novelFixture()
	raw, err := f.processor(Options{}).Run(context.Background(), testJob(false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(string(raw), `"model_version":"qwen3-32b-v1"`) {
		t.Errorf("output json = %s", raw)
	}
	if !strings.Contains(string(raw), `"upserted":true`) {
		t.Errorf("output json = %s", raw)
	}
}
