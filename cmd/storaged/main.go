package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manifest/storage/internal/engine"
	"github.com/manifest/storage/internal/httpapi"
	"github.com/manifest/storage/internal/logx"
	"github.com/manifest/storage/internal/wal"
)

// parseSize parses a size string like "512k", "64m", "1g" into bytes.
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0
	}
	multiplier := int64(1)
	if strings.HasSuffix(s, "k") {
		multiplier = 1024
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "m") {
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "g") {
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * multiplier
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		dir             = flag.String("dir", envOr("STORAGE_DIR", "./data"), "data directory")
		addr            = flag.String("addr", envOr("STORAGE_ADDR", ":8010"), "listen address")
		logLevel        = flag.String("log-level", envOr("STORAGE_LOG_LEVEL", "info"), "log level")
		segmentMax      = flag.String("segment-max", "64m", "log segment rotation size (e.g. 16m, 1g)")
		intentTimeout   = flag.Duration("intent-timeout", time.Second, "write intent acquisition timeout")
		compactInterval = flag.Duration("compact-interval", time.Minute, "background compaction interval")
		noSync          = flag.Bool("no-sync", false, "skip fsync on append (faster, not crash-safe)")
	)
	flag.Parse()

	logger := logx.NewLogger(*logLevel)

	syncMode := wal.SyncAlways
	if *noSync {
		syncMode = wal.SyncNone
		logger.Warn().Msg("running without fsync, a crash may lose recent commits")
	}

	eng, err := engine.Open(engine.Config{
		Dir:             *dir,
		IntentTimeout:   *intentTimeout,
		CompactInterval: *compactInterval,
		SegmentMaxBytes: parseSize(*segmentMax),
		Sync:            syncMode,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open engine")
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error().Err(err).Msg("close engine")
		}
	}()
	logger.Info().Str("dir", *dir).Msg("opened store")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.NewRouter(logger, eng),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", *addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
