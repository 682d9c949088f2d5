// Package processor runs one claimed job end to end: load the segment
// context, extract source text from raw assets, drive the model, validate and
// repair the output document, and materialize the three outputs with
// per-output idempotency.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chapterbridge/nlp-worker/internal/characters"
	"github.com/chapterbridge/nlp-worker/internal/extract"
	"github.com/chapterbridge/nlp-worker/internal/llm"
	"github.com/chapterbridge/nlp-worker/internal/models"
	"github.com/chapterbridge/nlp-worker/internal/nlppack"
	"github.com/chapterbridge/nlp-worker/internal/storage"
)

// SegmentStore is the slice of the catalogue the processor reads segment
// context through.
type SegmentStore interface {
	GetContext(ctx context.Context, segmentID uuid.UUID) (*models.SegmentContext, error)
}

// AssetStore handles asset rows and segment links.
type AssetStore interface {
	BySegmentAndType(ctx context.Context, segmentID uuid.UUID, assetType string) ([]models.Asset, error)
	GetByKey(ctx context.Context, r2Key string) (*models.Asset, error)
	Upsert(ctx context.Context, asset *models.Asset) (*models.Asset, error)
	LinkSegment(ctx context.Context, segmentID, assetID uuid.UUID, role string) error
}

// OutputStore handles the per-segment summary and entities rows.
type OutputStore interface {
	HasSummary(ctx context.Context, segmentID uuid.UUID) (bool, error)
	UpsertSummary(ctx context.Context, s *models.SegmentSummary) error
	HasEntities(ctx context.Context, segmentID uuid.UUID) (bool, error)
	UpsertEntities(ctx context.Context, e *models.SegmentEntities) error
}

// BlobStore is the slice of the blob client the processor needs. It is a
// superset of extract.BlobStore so the same value serves the extractors.
type BlobStore interface {
	DownloadText(ctx context.Context, key string) (string, error)
	UploadText(ctx context.Context, key, text string) (*storage.UploadResult, error)
}

// ModelClient drives the inference endpoint.
type ModelClient interface {
	ModelName() string
	Chat(ctx context.Context, systemPrompt, userPrompt string) (string, llm.CallStats, error)
}

// CharacterMerger applies a segment's character updates to the work dossier.
type CharacterMerger interface {
	ProcessUpdates(ctx context.Context, workID uuid.UUID, mediaType string, updates []models.CharacterUpdate, segmentNumber int, modelVersion string) (characters.Stats, error)
}

// Options carries processor policy that is not a client or store.
type Options struct {
	ModelVersion string
	Bucket       string
	// DryRun suppresses every write; reads and the model call still run.
	DryRun bool
}

// Processor turns one claimed job into stored outputs.
type Processor struct {
	segments SegmentStore
	assets   AssetStore
	outputs  OutputStore
	blobs    BlobStore
	model    ModelClient
	merger   CharacterMerger
	opts     Options
}

// New creates a processor over the given stores and clients.
func New(segments SegmentStore, assets AssetStore, outputs OutputStore, blobs BlobStore, model ModelClient, merger CharacterMerger, opts Options) *Processor {
	return &Processor{
		segments: segments,
		assets:   assets,
		outputs:  outputs,
		blobs:    blobs,
		model:    model,
		merger:   merger,
		opts:     opts,
	}
}

// Run executes one claimed job and returns the marshaled output document for
// finalization. It satisfies the dispatcher's runner contract.
func (p *Processor) Run(ctx context.Context, job *models.PipelineJob) (json.RawMessage, error) {
	out, err := p.Process(ctx, job)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, Errorf(ErrClassInternal, "failed to marshal job output: %v", err)
	}
	return data, nil
}

// Process runs the enrichment pipeline for one job. Every failure is tagged
// with a class for the job error string; success returns the output document.
func (p *Processor) Process(ctx context.Context, job *models.PipelineJob) (*Output, error) {
	force := job.Input.Force

	sc, err := p.segments.GetContext(ctx, job.SegmentID)
	if err != nil {
		return nil, NewJobError(ErrClassInput, err)
	}

	cleanedKey := storage.BuildCleanedTextKey(
		sc.MediaType, sc.WorkID.String(), sc.Segment.EditionID.String(),
		sc.Segment.SegmentType, sc.Segment.Number,
	)

	out := &Output{
		ModelVersion: p.opts.ModelVersion,
		CleanedR2Key: cleanedKey,
		Stats: Stats{
			MediaType:     sc.MediaType,
			SegmentType:   sc.Segment.SegmentType,
			SegmentNumber: int(sc.Segment.Number),
		},
	}

	existing, err := p.checkExisting(ctx, job.SegmentID, cleanedKey)
	if err != nil {
		return nil, NewJobError(ErrClassStore, err)
	}

	if existing.SegmentSummaries && existing.SegmentEntities && !force {
		log.Info().
			Str("segment_id", job.SegmentID.String()).
			Msg("Outputs already exist, skipping")
		out.Skipped = true
		out.Reason = "already_exists"
		out.Existing = &existing
		return out, nil
	}

	text, err := p.extractSource(ctx, job.SegmentID, sc.MediaType, &out.Stats)
	if err != nil {
		return nil, err
	}
	out.Stats.InputChars = len(text)
	out.Stats.InputTokensEst = llm.EstimateTokens(p.model.ModelName(), text)

	doc, err := p.invokeModel(ctx, sc, text, &out.Stats)
	if err != nil {
		return nil, err
	}
	out.Upserted = true

	if err := p.materialize(ctx, job.SegmentID, sc, doc, existing, force, cleanedKey, out); err != nil {
		return nil, err
	}

	log.Info().
		Str("segment_id", job.SegmentID.String()).
		Str("media_type", sc.MediaType).
		Int("input_chars", out.Stats.InputChars).
		Int64("model_latency_ms", out.Stats.ModelLatencyMS).
		Msg("Segment processed")

	return out, nil
}

// checkExisting probes all three outputs so skip decisions and per-output
// idempotency share one view.
func (p *Processor) checkExisting(ctx context.Context, segmentID uuid.UUID, cleanedKey string) (Existing, error) {
	var existing Existing

	asset, err := p.assets.GetByKey(ctx, cleanedKey)
	if err != nil {
		return existing, err
	}
	existing.CleanedText = asset != nil

	if existing.SegmentSummaries, err = p.outputs.HasSummary(ctx, segmentID); err != nil {
		return existing, err
	}
	if existing.SegmentEntities, err = p.outputs.HasEntities(ctx, segmentID); err != nil {
		return existing, err
	}
	return existing, nil
}

// extractSource fetches the segment's raw assets and turns them into source
// text with the media type's extractor.
func (p *Processor) extractSource(ctx context.Context, segmentID uuid.UUID, mediaType string, stats *Stats) (string, error) {
	ext, err := extract.ForMediaType(mediaType)
	if err != nil {
		return "", NewJobError(ErrClassInput, err)
	}

	var assets []models.Asset
	for _, assetType := range ext.SourceAssetTypes() {
		found, err := p.assets.BySegmentAndType(ctx, segmentID, assetType)
		if err != nil {
			return "", NewJobError(ErrClassStore, err)
		}
		if len(found) > 0 {
			assets = found
			break
		}
	}
	if len(assets) == 0 {
		return "", Errorf(ErrClassInput, "no %s asset linked to segment %s",
			strings.Join(ext.SourceAssetTypes(), " or "), segmentID)
	}

	text, estats, err := ext.Extract(ctx, assets, p.blobs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", NewJobError(ErrClassInput, err)
		}
		return "", NewJobError(ErrClassBlob, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", Errorf(ErrClassInput, "no source text extracted for segment %s", segmentID)
	}

	stats.PageCount = estats.PageCount
	stats.ParagraphCount = estats.ParagraphCount
	stats.SubtitleBlocks = estats.SubtitleBlocks
	return text, nil
}

// invokeModel drives the chat endpoint and validates the reply, spending at
// most one repair round-trip on an invalid document.
func (p *Processor) invokeModel(ctx context.Context, sc *models.SegmentContext, text string, stats *Stats) (*nlppack.Document, error) {
	systemPrompt := llm.BuildSystemPrompt(sc.MediaType, sc.WorkTitle)
	userPrompt := llm.BuildUserPrompt(text, sc.MediaType)

	content, callStats, err := p.model.Chat(ctx, systemPrompt, userPrompt)
	stats.ModelLatencyMS += callStats.LatencyMS
	stats.RetriesCount += callStats.Retries
	if err != nil {
		return nil, NewJobError(ErrClassModel, err)
	}
	stats.OutputChars = len(content)

	doc, verr := nlppack.FromResponse(content)
	if verr == nil {
		return doc, nil
	}

	log.Warn().
		Err(verr).
		Str("segment_id", sc.Segment.ID.String()).
		Msg("Model output invalid, attempting repair")
	stats.RepairAttempted = true

	repaired, repairStats, err := p.model.Chat(ctx, systemPrompt, nlppack.BuildRepairPrompt(content, verr))
	stats.ModelLatencyMS += repairStats.LatencyMS
	stats.RetriesCount += repairStats.Retries
	if err != nil {
		return nil, NewJobError(ErrClassModel, err)
	}
	stats.OutputChars = len(repaired)

	doc, rerr := nlppack.FromResponse(repaired)
	if rerr != nil {
		return nil, Errorf(ErrClassOutput, "model output invalid after repair: %v (first failure: %v)", rerr, verr)
	}
	stats.RepairSucceeded = true
	return doc, nil
}

// materialize writes the cleaned text asset, the summary row, the entities
// row, and the character updates, honoring per-output idempotency: an output
// that already exists is only rewritten under force.
func (p *Processor) materialize(ctx context.Context, segmentID uuid.UUID, sc *models.SegmentContext, doc *nlppack.Document, existing Existing, force bool, cleanedKey string, out *Output) error {
	if doc.CleanedText != "" {
		if err := p.writeCleanedText(ctx, segmentID, doc.CleanedText, existing, force, cleanedKey, out); err != nil {
			return err
		}
	}

	if existing.SegmentSummaries && !force {
		out.SummarySkipped = true
	} else if p.opts.DryRun {
		log.Info().Str("segment_id", segmentID.String()).Msg("[dry run] Would upsert segment summary")
		out.SummaryUpserted = true
	} else {
		summary, err := buildSummaryRow(segmentID, doc, p.opts.ModelVersion)
		if err != nil {
			return err
		}
		if err := p.outputs.UpsertSummary(ctx, summary); err != nil {
			return NewJobError(ErrClassStore, err)
		}
		out.SummaryUpserted = true
	}

	if existing.SegmentEntities && !force {
		out.EntitiesSkipped = true
	} else if p.opts.DryRun {
		log.Info().Str("segment_id", segmentID.String()).Msg("[dry run] Would upsert segment entities")
		out.EntitiesUpserted = true
	} else {
		entities := &models.SegmentEntities{
			SegmentID:    segmentID,
			Fields:       doc.Entities,
			ModelVersion: p.opts.ModelVersion,
		}
		if err := p.outputs.UpsertEntities(ctx, entities); err != nil {
			return NewJobError(ErrClassStore, err)
		}
		out.EntitiesUpserted = true
	}

	// Dossier extraction is a novel feature; other media types ignore any
	// updates the model volunteered.
	if sc.MediaType == "novel" && len(doc.CharacterUpdates) > 0 {
		if p.opts.DryRun {
			log.Info().
				Int("count", len(doc.CharacterUpdates)).
				Msg("[dry run] Would process character updates")
			out.Characters = &CharacterOutcome{WouldProcess: len(doc.CharacterUpdates)}
		} else {
			mergeStats, err := p.merger.ProcessUpdates(ctx, sc.WorkID, sc.MediaType, doc.CharacterUpdates, int(sc.Segment.Number), p.opts.ModelVersion)
			if err != nil {
				return NewJobError(ErrClassStore, err)
			}
			out.Characters = &CharacterOutcome{
				Inserted: mergeStats.Inserted,
				Updated:  mergeStats.Updated,
				Skipped:  mergeStats.Skipped,
			}
		}
	}

	return nil
}

// writeCleanedText uploads the cleaned text blob and registers it as a
// cleaned_text asset linked to the segment.
func (p *Processor) writeCleanedText(ctx context.Context, segmentID uuid.UUID, text string, existing Existing, force bool, cleanedKey string, out *Output) error {
	if existing.CleanedText && !force {
		out.CleanedTextSkipped = true
		return nil
	}
	if p.opts.DryRun {
		log.Info().
			Str("r2_key", cleanedKey).
			Int("bytes", len(text)).
			Msg("[dry run] Would upload cleaned text")
		out.CleanedBytes = int64(len(text))
		return nil
	}

	res, err := p.blobs.UploadText(ctx, cleanedKey, text)
	if err != nil {
		return NewJobError(ErrClassBlob, err)
	}

	asset, err := p.assets.Upsert(ctx, &models.Asset{
		Provider:     "cloudflare_r2",
		Bucket:       p.opts.Bucket,
		R2Key:        res.Key,
		AssetType:    "cleaned_text",
		ContentType:  res.ContentType,
		Bytes:        res.Bytes,
		SHA256:       res.SHA256,
		UploadSource: "pipeline",
	})
	if err != nil {
		return NewJobError(ErrClassStore, err)
	}
	if err := p.assets.LinkSegment(ctx, segmentID, asset.ID, "cleaned_text"); err != nil {
		return NewJobError(ErrClassStore, err)
	}

	out.CleanedAssetID = &asset.ID
	out.CleanedBytes = res.Bytes
	return nil
}

func buildSummaryRow(segmentID uuid.UUID, doc *nlppack.Document, modelVersion string) (*models.SegmentSummary, error) {
	events, err := json.Marshal(doc.Summary.Events)
	if err != nil {
		return nil, Errorf(ErrClassInternal, "failed to encode events: %v", err)
	}
	beats, err := json.Marshal(doc.Summary.Beats)
	if err != nil {
		return nil, Errorf(ErrClassInternal, "failed to encode beats: %v", err)
	}
	dialogue, err := json.Marshal(doc.Summary.KeyDialogue)
	if err != nil {
		return nil, Errorf(ErrClassInternal, "failed to encode key dialogue: %v", err)
	}
	tone, err := json.Marshal(doc.Summary.Tone)
	if err != nil {
		return nil, Errorf(ErrClassInternal, "failed to encode tone: %v", err)
	}

	return &models.SegmentSummary{
		SegmentID:    segmentID,
		Summary:      doc.Summary.Summary,
		SummaryShort: doc.Summary.SummaryShort,
		Events:       events,
		Beats:        beats,
		KeyDialogue:  dialogue,
		Tone:         tone,
		ModelVersion: modelVersion,
	}, nil
}
