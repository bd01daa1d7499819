package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"startrails/internal/storage"
	"startrails/internal/trails"
)

// Engine is the compositing surface the router drives. *trails.Compositor satisfies it.
type Engine interface {
	CompositeImage(ctx context.Context, req trails.ImageRequest) (trails.ImageResult, error)
	CompositeVideo(ctx context.Context, req trails.VideoRequest) (trails.VideoResult, error)
}

// RouterConfig holds defaults applied when a job leaves an option unset.
type RouterConfig struct {
	FPS         int
	TempDir     string
	SnapshotExt string
	// Preprocessor is used for jobs with the "preprocess" option; nil makes such jobs fail.
	Preprocessor trails.Preprocessor
}

// router implements Processor and routes jobs to the compositor.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	engine Engine
	cfg    RouterConfig
}

// NewRouter returns a Processor backed by engine.
func NewRouter(logger *slog.Logger, store *storage.Store, engine Engine, cfg RouterConfig) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &router{log: logger, store: store, engine: engine, cfg: cfg}
}

func (r *router) Process(ctx context.Context, job Job, progress trails.ProgressFunc) Result {
	switch job.Type {
	case JobImage:
		return r.handleImage(ctx, job, progress)
	case JobVideo:
		return r.handleVideo(ctx, job, progress)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleImage(ctx context.Context, job Job, progress trails.ProgressFunc) Result {
	pre, err := r.preprocessor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	tempDir := r.cfg.TempDir
	if v, ok := job.Options["tempDir"].(string); ok {
		tempDir = v
	}
	snapshotExt := optString(job.Options, "snapshotExt", r.cfg.SnapshotExt)

	res, err := r.engine.CompositeImage(ctx, trails.ImageRequest{
		Pattern:     job.Pattern,
		Images:      optStrings(job.Options, "images"),
		Output:      job.Output,
		Exclude:     optStrings(job.Options, "exclude"),
		TempDir:     tempDir,
		SnapshotExt: snapshotExt,
		Preprocess:  pre,
		OnProgress:  progress,
	})
	r.recordSkipped(job.ID, res.Skipped)

	meta := map[string]any{
		"output":      res.Output,
		"images":      res.Total,
		"used":        res.Used,
		"skipped":     len(res.Skipped),
		"snapshots":   res.Snapshots,
		"width":       res.Geometry.Width,
		"height":      res.Geometry.Height,
		"duration_ms": res.Duration.Milliseconds(),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleVideo(ctx context.Context, job Job, progress trails.ProgressFunc) Result {
	pre, err := r.preprocessor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.engine.CompositeVideo(ctx, trails.VideoRequest{
		Pattern:     job.Pattern,
		Images:      optStrings(job.Options, "images"),
		Output:      job.Output,
		FPS:         optInt(job.Options, "fps", r.cfg.FPS),
		TotalFrames: optInt(job.Options, "frames", 0),
		Preprocess:  pre,
		OnProgress:  progress,
	})
	r.recordSkipped(job.ID, res.Skipped)

	meta := map[string]any{
		"output":         res.Output,
		"codec":          res.Codec.FourCC,
		"images":         res.Images,
		"used":           res.Used,
		"skipped":        len(res.Skipped),
		"frames":         res.Frames,
		"blank_frames":   res.BlankFrames,
		"fps":            res.FPS,
		"width":          res.Geometry.Width,
		"height":         res.Geometry.Height,
		"length_seconds": res.Length.Seconds(),
		"duration_ms":    res.Duration.Milliseconds(),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) preprocessor(job Job) (trails.Preprocessor, error) {
	if !optBool(job.Options, "preprocess") {
		return nil, nil
	}
	if r.cfg.Preprocessor == nil {
		return nil, errors.New("preprocessing requested but no preprocessor is configured")
	}
	return r.cfg.Preprocessor, nil
}

func (r *router) recordSkipped(runID string, skipped []*trails.DecodeError) {
	if r.store == nil {
		return
	}
	for _, s := range skipped {
		if err := r.store.RecordSkippedImage(runID, storage.SkippedImage{Index: s.Index, Path: s.Path, Reason: errString(s.Err)}); err != nil {
			r.log.Warn("failed to record skipped image", "run", runID, "path", s.Path, "error", err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Options arrive either from Go callers or decoded JSON, so numbers may be float64.

func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

func optBool(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}

func optInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
