package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/dcellar/dcellar-checksum/internal/api"
	"github.com/dcellar/dcellar-checksum/internal/cache"
	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/config"
	"github.com/dcellar/dcellar-checksum/internal/database"
	"github.com/dcellar/dcellar-checksum/internal/service"
)

func main() {
	configPtr := flag.String("config", "", "path of a YAML configuration file")
	portPtr := flag.Int("port", 0, "port to listen on (overrides the configuration)")
	debugPtr := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debugPtr {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPtr, *portPtr, logger); err != nil {
		logger.Error("daemon stopped", "component", "Main", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, port int, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	resultCache, err := cache.New(db, cfg.Cache.TTL, logger)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	checksums, err := checksum.NewService(checksum.Options{
		Redundancy:     cfg.Redundancy,
		WorkerPoolSize: cfg.WorkerPoolSize,
		TaskTimeout:    cfg.TaskTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("starting checksum service: %w", err)
	}
	defer checksums.Close()

	go service.CleanOldRecords(ctx, resultCache, cfg.Cache.CleanInterval, logger)

	checksummer := service.NewChecksummer(checksums.Redundancy(), resultCache, logger)
	controller := api.NewController(checksums, checksummer, cfg.Server.SessionTTL, cfg.Server.MaxUploadSize, logger)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	listener = netutil.LimitListener(listener, cfg.Server.MaxConnections)

	server := &http.Server{
		Handler:           controller.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("checksum daemon listening",
		"component", "Main",
		"addr", listener.Addr().String(),
		"segment_size", cfg.Redundancy.SegmentSize,
		"data_blocks", cfg.Redundancy.DataBlocks,
		"parity_blocks", cfg.Redundancy.ParityBlocks,
		"database", cfg.DatabasePath)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
