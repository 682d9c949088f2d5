package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chapterbridge/nlp-worker/internal/characters"
	"github.com/chapterbridge/nlp-worker/internal/config"
	"github.com/chapterbridge/nlp-worker/internal/database"
	"github.com/chapterbridge/nlp-worker/internal/dispatch"
	"github.com/chapterbridge/nlp-worker/internal/events"
	"github.com/chapterbridge/nlp-worker/internal/health"
	"github.com/chapterbridge/nlp-worker/internal/llm"
	"github.com/chapterbridge/nlp-worker/internal/models"
	"github.com/chapterbridge/nlp-worker/internal/processor"
	"github.com/chapterbridge/nlp-worker/internal/storage"
	"github.com/chapterbridge/nlp-worker/migrations"
)

// shutdownGrace bounds how long a terminating worker waits for in-flight
// jobs before abandoning them to stale-lease recovery.
const shutdownGrace = 30 * time.Second

var (
	flagSegmentID string
	flagNoWrite   bool
	flagDryRun    bool
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "NLP enrichment worker for ChapterBridge segments",
	Long: `The worker drains the pipeline_jobs queue: for each claimed segment it
extracts source text from raw assets, drives the model to produce the
summary/entities/character-updates document, and materializes the outputs.

With --segment-id it processes one segment directly, bypassing the queue;
this mode requires --no-write and performs no catalogue or blob writes.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Missing .env is fine; real deployments set env directly.
		_ = godotenv.Load()
		cfg := config.Load()
		setupLogging(cfg)

		dryRun := flagNoWrite || flagDryRun
		if flagSegmentID != "" && !dryRun {
			return errors.New("--segment-id requires --no-write")
		}
		if dryRun && flagSegmentID == "" {
			return errors.New("--no-write requires --segment-id")
		}

		if missing := cfg.MissingWorkerEnv(); len(missing) > 0 {
			log.Error().Strs("missing", missing).Msg("Missing required environment variables")
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}

		if flagSegmentID != "" {
			return runDirect(cmd.Context(), cfg, flagSegmentID)
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagSegmentID, "segment-id", "", "process one segment directly, bypassing the queue (requires --no-write)")
	rootCmd.Flags().BoolVar(&flagNoWrite, "no-write", false, "suppress all catalogue and blob writes")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "alias for --no-write")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// services bundles everything the processor needs, torn down in one place.
type services struct {
	db   *database.DB
	jobs *database.JobRepository
	proc *processor.Processor
}

func buildServices(cfg *config.Config, dryRun bool) (*services, error) {
	dsn, err := database.ResolveDSN(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey)
	if err != nil {
		return nil, err
	}
	db, err := database.Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	blobs, err := storage.NewClient(
		cfg.R2Endpoint, cfg.R2AccessKeyID, cfg.R2SecretKey,
		cfg.R2Bucket, cfg.R2CustomDomain, cfg.R2MaxRetries, cfg.R2RetryDelay,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize blob client: %w", err)
	}

	model, err := llm.NewClient(
		cfg.VLLMBaseURL, cfg.VLLMAPIKey, cfg.VLLMModel,
		cfg.ModelTimeout, cfg.ModelMaxRetries, cfg.ModelMaxTokens,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}

	merger := characters.NewMerger(database.NewCharacterRepository(db))
	proc := processor.New(
		database.NewSegmentRepository(db),
		database.NewAssetRepository(db),
		database.NewOutputRepository(db),
		blobs,
		model,
		merger,
		processor.Options{
			ModelVersion: cfg.ModelVersion,
			Bucket:       cfg.R2Bucket,
			DryRun:       dryRun,
		},
	)

	return &services{
		db:   db,
		jobs: database.NewJobRepository(db),
		proc: proc,
	}, nil
}

func (s *services) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Int("workers", cfg.NumWorkers).
		Dur("poll_interval", cfg.PollInterval).
		Str("model", cfg.VLLMModel).
		Str("model_version", cfg.ModelVersion).
		Msg("Starting ChapterBridge NLP worker")

	svc, err := buildServices(cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.RunMigrations {
		if err := migrations.Run(svc.db.DB); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	// A nil *events.Publisher stored in the interface would dodge the
	// dispatcher's nil check, so only assign when Kafka is configured.
	var publisher dispatch.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	dispatcher := dispatch.New(svc.jobs, svc.proc, publisher, dispatch.Config{
		NumWorkers:        cfg.NumWorkers,
		PollInterval:      cfg.PollInterval,
		MaxRetriesPerJob:  cfg.MaxRetriesPerJob,
		JobTimeoutMinutes: cfg.JobTimeoutMinutes,
		MaxJobsPerRestart: cfg.MaxJobsPerRestart,
	})

	if cfg.HealthAddr != "" {
		startedAt := time.Now().UTC()
		healthSrv := health.New(cfg.HealthAddr, func() health.Status {
			snap := dispatcher.Snapshot()
			return health.Status{
				JobsStarted:   snap.Started,
				JobsProcessed: snap.Processed,
				InFlight:      snap.InFlight,
				Workers:       cfg.NumWorkers,
				MaxJobs:       cfg.MaxJobsPerRestart,
				ModelVersion:  cfg.ModelVersion,
				StartedAt:     startedAt,
			}
		})
		healthSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Health server shutdown error")
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	select {
	case err := <-done:
		if errors.Is(err, dispatch.ErrRestart) {
			log.Info().Msg("Job quota reached, exiting for restart")
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, waiting for in-flight jobs")
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, dispatch.ErrRestart) {
				return err
			}
			log.Info().Msg("Worker exited cleanly")
			return nil
		case <-time.After(shutdownGrace):
			log.Warn().Msg("Shutdown grace period elapsed, abandoning in-flight jobs")
			return nil
		}
	}
}

// runDirect processes one segment without touching the queue. The processor
// is built in dry-run mode; force is set so existing outputs don't short the
// run.
func runDirect(ctx context.Context, cfg *config.Config, rawSegmentID string) error {
	id, err := uuid.Parse(rawSegmentID)
	if err != nil {
		return fmt.Errorf("invalid --segment-id %q: %w", rawSegmentID, err)
	}

	svc, err := buildServices(cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.Info().Str("segment_id", id.String()).Msg("Processing single segment, no writes")

	job := &models.PipelineJob{
		ID:        uuid.New(),
		JobType:   "summarize",
		SegmentID: id,
		Input:     models.JobInput{Task: models.NLPTask, Force: true},
	}
	out, err := svc.proc.Process(ctx, job)
	if err != nil {
		return fmt.Errorf("segment processing failed: %w", err)
	}

	printDryRunReport(out)
	return nil
}

func printDryRunReport(out *processor.Output) {
	fmt.Printf("media type:    %s\n", out.Stats.MediaType)
	fmt.Printf("segment:       %s %d\n", out.Stats.SegmentType, out.Stats.SegmentNumber)
	fmt.Printf("derived key:   %s\n", out.CleanedR2Key)
	fmt.Printf("input:         %d chars (~%d tokens)\n", out.Stats.InputChars, out.Stats.InputTokensEst)
	fmt.Printf("model:         %d chars in %d ms, %d transport retries\n",
		out.Stats.OutputChars, out.Stats.ModelLatencyMS, out.Stats.RetriesCount)
	if out.Stats.RepairAttempted {
		fmt.Printf("repair:        attempted, succeeded=%v\n", out.Stats.RepairSucceeded)
	}
	fmt.Printf("would write:   summary=%v entities=%v cleaned_bytes=%d\n",
		out.SummaryUpserted, out.EntitiesUpserted, out.CleanedBytes)
	if out.Characters != nil {
		fmt.Printf("characters:    %d updates\n", out.Characters.WouldProcess)
	}
}
