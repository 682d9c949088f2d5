package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chapterbridge/nlp-worker/internal/config"
	"github.com/chapterbridge/nlp-worker/internal/database"
	"github.com/chapterbridge/nlp-worker/internal/enqueue"
)

var (
	flagForce     bool
	flagLimit     int
	flagWorkID    string
	flagEditionID string
	flagMediaType string
	flagDryRun    bool
)

var rootCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue NLP enrichment jobs for segments lacking outputs",
	Long: `Scans the segment catalogue for segments that have a raw source asset but
no summary or entities yet, and inserts a queued pipeline job for each one
that is not already queued or running.

With --force, complete and pending segments are re-enqueued and the queued
jobs carry force=true, making the workers rewrite existing outputs.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		cfg := config.Load()
		setupLogging(cfg)

		opts, err := buildOptions()
		if err != nil {
			return err
		}

		if missing := cfg.MissingEnqueueEnv(); len(missing) > 0 {
			log.Error().Strs("missing", missing).Msg("Missing required environment variables")
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}

		dsn, err := database.ResolveDSN(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey)
		if err != nil {
			return err
		}
		db, err := database.Connect(dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		scanner := enqueue.New(database.NewSegmentRepository(db), database.NewJobRepository(db))
		stats, err := scanner.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}

		fmt.Printf("enqueued=%d skipped_pending=%d skipped_complete=%d\n",
			stats.Enqueued, stats.SkippedPending, stats.SkippedComplete)
		return nil
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "re-enqueue complete and pending segments; queued jobs rewrite existing outputs")
	rootCmd.Flags().IntVarP(&flagLimit, "limit", "l", 0, "cap the number of candidate segments (0 = no cap)")
	rootCmd.Flags().StringVarP(&flagWorkID, "work-id", "w", "", "only scan segments of this work")
	rootCmd.Flags().StringVarP(&flagEditionID, "edition-id", "e", "", "only scan segments of this edition")
	rootCmd.Flags().StringVarP(&flagMediaType, "media-type", "m", "", "only scan novel, manhwa, or anime segments")
	rootCmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "log would-be insertions instead of writing")
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

func buildOptions() (enqueue.Options, error) {
	opts := enqueue.Options{
		Limit:  flagLimit,
		Force:  flagForce,
		DryRun: flagDryRun,
	}

	if flagWorkID != "" {
		id, err := uuid.Parse(flagWorkID)
		if err != nil {
			return opts, fmt.Errorf("invalid --work-id %q: %w", flagWorkID, err)
		}
		opts.WorkID = &id
	}
	if flagEditionID != "" {
		id, err := uuid.Parse(flagEditionID)
		if err != nil {
			return opts, fmt.Errorf("invalid --edition-id %q: %w", flagEditionID, err)
		}
		opts.EditionID = &id
	}
	if flagMediaType != "" {
		switch flagMediaType {
		case "novel", "manhwa", "anime":
			opts.MediaType = &flagMediaType
		default:
			return opts, fmt.Errorf("invalid --media-type %q: must be novel, manhwa, or anime", flagMediaType)
		}
	}
	return opts, nil
}
