package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcellar/dcellar-checksum/internal/cache"
	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/config"
	"github.com/dcellar/dcellar-checksum/internal/database"
	"github.com/dcellar/dcellar-checksum/internal/service"
)

var (
	configPath   string
	segmentSize  sizeValue
	dataBlocks   int
	parityBlocks int
	workers      int
	useCache     bool
	debug        bool
)

var rootCmd = &cobra.Command{
	Use:   "dcellar-checksum",
	Short: "Compute the integrity checksums of objects uploaded to DCellar",
	Long: `dcellar-checksum computes the expected checksums a create-object transaction carries:
the integrity hash of the object's segments followed by one integrity hash per
erasure coded shard. The layout (segment size, data and parity blocks) must match
the one the storage providers verify against.`,
	SilenceUsage: true,
}

// Execute runs the command line until it finishes or is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.Var(&segmentSize, "segment-size", "Segment size (i.e. 16MiB)")
	flags.IntVar(&dataBlocks, "data-blocks", 0, "Number of data shards per segment")
	flags.IntVar(&parityBlocks, "parity-blocks", 0, "Number of parity shards per segment")
	flags.IntVar(&workers, "workers", 0, "Number of workers per pool")
	flags.BoolVar(&useCache, "cache", false, "Reuse results stored in the local checksum database")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("segment-size") {
		cfg.Redundancy.SegmentSize = int64(segmentSize)
	}
	if flags.Changed("data-blocks") {
		cfg.Redundancy.DataBlocks = dataBlocks
	}
	if flags.Changed("parity-blocks") {
		cfg.Redundancy.ParityBlocks = parityBlocks
	}
	if flags.Changed("workers") {
		cfg.WorkerPoolSize = workers
	}
	return cfg, cfg.Validate()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// pipeline is the in-process checksum stack used by the local commands.
type pipeline struct {
	service     *checksum.Service
	checksummer *service.Checksummer
	close       func()
}

func newPipeline(cmd *cobra.Command) (*pipeline, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)

	svc, err := checksum.NewService(checksum.Options{
		Redundancy:     cfg.Redundancy,
		WorkerPoolSize: cfg.WorkerPoolSize,
		TaskTimeout:    cfg.TaskTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	p := &pipeline{service: svc, close: svc.Close}

	if !useCache {
		p.checksummer = service.NewChecksummer(cfg.Redundancy, nil, logger)
		return p, nil
	}

	db, err := database.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("opening checksum database (is the daemon running?): %w", err)
	}
	resultCache, err := cache.New(db, cfg.Cache.TTL, logger)
	if err != nil {
		db.Close()
		svc.Close()
		return nil, err
	}
	p.checksummer = service.NewChecksummer(cfg.Redundancy, resultCache, logger)
	p.close = func() {
		svc.Close()
		db.Close()
	}
	return p, nil
}
