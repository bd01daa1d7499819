package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"startrails/internal/cli"
	"startrails/internal/config"
	"startrails/internal/imaging"
	"startrails/internal/logging"
	"startrails/internal/pipeline"
	"startrails/internal/storage"
	"startrails/internal/trails"
	"startrails/internal/video"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	var pre trails.Preprocessor
	if cfg.Image.Backend == imaging.BackendImageMagick {
		release := imaging.Initialize()
		defer release()
		pre = imaging.NewMagickPreprocessor(imaging.PreprocessOptions{
			Denoise:          cfg.Preprocess.Denoise,
			ContrastStrength: cfg.Preprocess.ContrastStrength,
			ContrastMidpoint: cfg.Preprocess.ContrastMidpoint,
		})
	}

	codec, err := imaging.NewCodec(cfg.Image.Backend, cfg.Image.Quality)
	if err != nil {
		return err
	}
	sinks := &video.FFmpegOpener{Binary: cfg.Video.FFmpegPath, Quality: cfg.Video.Quality, Log: log}
	compositor := trails.NewCompositor(codec, sinks, log)

	var store *storage.Store
	if dbPath, err := cfg.DatabasePath(); err != nil {
		log.Warn("run history disabled", "error", err)
	} else if store, err = storage.New(dbPath); err != nil {
		log.Warn("run history disabled", "path", dbPath, "error", err)
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := pipeline.NewRouter(log, store, compositor, pipeline.RouterConfig{
		FPS:          cfg.Video.FPS,
		TempDir:      cfg.Processing.TempDir,
		SnapshotExt:  cfg.Image.SnapshotExt,
		Preprocessor: pre,
	})
	pipe := pipeline.New(ctx, log, store, router)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
