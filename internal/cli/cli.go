package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"startrails/internal/config"
	"startrails/internal/fsutil"
	"startrails/internal/pipeline"
	"startrails/internal/server"
	"startrails/internal/storage"
	"startrails/internal/trails"
	"startrails/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
	Busy() bool
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, defaults server.Defaults, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, defaults server.Defaults, log *slog.Logger) error {
	return server.NewServer(addr, store, pipe, defaults, log).Start(ctx)
}

type frameWatcher interface {
	Run(ctx context.Context, trigger func(changed []string)) error
}

type watcherFactory func(pattern string, debounce time.Duration, ignore []string, log *slog.Logger) (frameWatcher, error)

func defaultWatcher(pattern string, debounce time.Duration, ignore []string, log *slog.Logger) (frameWatcher, error) {
	return watch.New(pattern, debounce, ignore, log)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline  pipelineClient
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	serveFn   serverFunc
	watcherFn watcherFactory
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline:  pl,
		cfg:       cfg,
		log:       logger,
		store:     store,
		serveFn:   defaultServe,
		watcherFn: defaultWatcher,
	}
}

func (r *Root) serverDefaults() server.Defaults {
	return server.Defaults{
		ImageOutput: r.cfg.Paths.ImageOutput,
		VideoOutput: r.cfg.Paths.VideoOutput,
		FPS:         r.cfg.Video.FPS,
	}
}

// resolveInputs accepts either a directory of frames or a glob pattern and returns the
// ordered input list.
func resolveInputs(input string) (string, []string, error) {
	if fsutil.IsDir(input) {
		images, err := fsutil.ListImages(input)
		if err != nil {
			return "", nil, err
		}
		if len(images) == 0 {
			return "", nil, fmt.Errorf("%w: %s", trails.ErrNoInputImages, input)
		}
		return filepath.Join(input, "*"), images, nil
	}
	images, err := trails.Resolve(input)
	if err != nil {
		return "", nil, err
	}
	return input, images, nil
}

// enqueueAndWait submits job and prints progress to w until the run finishes.
func (r *Root) enqueueAndWait(ctx context.Context, w io.Writer, job pipeline.Job) error {
	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return err
	}

	progressShown := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if ev.JobID != job.ID {
				continue
			}
			switch ev.Type {
			case pipeline.EventProgress:
				printProgress(w, ev)
				progressShown = true
			case pipeline.EventCompleted:
				if progressShown {
					fmt.Fprintln(w)
				}
				printSummary(w, ev)
				return nil
			case pipeline.EventFailed:
				if progressShown {
					fmt.Fprintln(w)
				}
				return errors.New(ev.Error)
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("run queued", "mode", job.Type, "id", job.ID, "pattern", job.Pattern)
	return nil
}

func printProgress(w io.Writer, ev pipeline.Event) {
	if ev.Mode == pipeline.JobVideo {
		fmt.Fprintf(w, "\rWrote %d/%d frames", ev.Current, ev.Total)
		return
	}
	fmt.Fprintf(w, "\rProcessed %d/%d images", ev.Current, ev.Total)
}

func printSummary(w io.Writer, ev pipeline.Event) {
	output, _ := ev.Meta["output"].(string)
	elapsed := time.Duration(metaInt(ev.Meta, "duration_ms")) * time.Millisecond
	size := ""
	if info, err := os.Stat(output); err == nil {
		size = ", " + humanize.Bytes(uint64(info.Size()))
	}

	if ev.Mode == pipeline.JobVideo {
		seconds, _ := ev.Meta["length_seconds"].(float64)
		fmt.Fprintf(w, "Star trail video saved to %s (%s frames at %d fps, %.2f seconds%s)\n",
			output, humanize.Comma(int64(metaInt(ev.Meta, "frames"))), metaInt(ev.Meta, "fps"), seconds, size)
		if skipped := metaInt(ev.Meta, "skipped"); skipped > 0 {
			fmt.Fprintf(w, "Skipped %d unreadable images\n", skipped)
		}
		fmt.Fprintf(w, "Finished in %s\n", elapsed.Round(time.Millisecond))
		return
	}

	fmt.Fprintf(w, "Star trail image saved to %s (%d of %d images used%s)\n",
		output, metaInt(ev.Meta, "used"), metaInt(ev.Meta, "images"), size)
	if skipped := metaInt(ev.Meta, "skipped"); skipped > 0 {
		fmt.Fprintf(w, "Skipped %d unreadable images\n", skipped)
	}
	fmt.Fprintf(w, "Finished in %s\n", elapsed.Round(time.Millisecond))
}

// metaInt reads an integer from run metadata, which holds ints in process and float64
// after a JSON round trip.
func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// runWatch composites once, then again whenever the watcher reports settled new
// frames. Triggers arriving mid-run are coalesced into one follow-up run.
func (r *Root) runWatch(ctx context.Context, w io.Writer, input, output string, preprocess bool) error {
	watcher, err := r.watcherFn(input, r.cfg.Watch.Debounce.Std(), []string{output}, r.log)
	if err != nil {
		return fmt.Errorf("watch %s: %w", input, err)
	}

	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	triggers := make(chan []string, 1)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- watcher.Run(ctx, func(changed []string) {
			select {
			case triggers <- changed:
			default:
			}
		})
	}()

	pending := true
	current := ""
	for {
		if pending && current == "" {
			job := pipeline.Job{
				ID:      pipeline.NewJobID(pipeline.JobImage),
				Type:    pipeline.JobImage,
				Pattern: input,
				Output:  output,
				// the output usually lives in the watched directory and must not be
				// folded back into the next refresh
				Options: map[string]any{"preprocess": preprocess, "source": "watch", "tempDir": "", "exclude": []string{output}},
			}
			switch err := r.enqueue(ctx, job); {
			case err == nil:
				current = job.ID
				pending = false
			case errors.Is(err, pipeline.ErrBusy):
				r.log.Info("compositor busy, deferring refresh")
			default:
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-watchErr:
			return err
		case changed := <-triggers:
			r.log.Info("new frames detected", "files", len(changed))
			pending = true
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("pipeline stopped")
			}
			if !ev.Done() {
				continue
			}
			if ev.JobID != current {
				// another run finished; retry a deferred refresh
				continue
			}
			current = ""
			if ev.Type == pipeline.EventFailed {
				// an empty directory is normal before the first frame arrives
				r.log.Warn("refresh failed", "id", ev.JobID, "error", ev.Error)
				continue
			}
			fmt.Fprintf(w, "[%s] refreshed %s (%d images)\n", time.Now().Format("15:04:05"), output, metaInt(ev.Meta, "used"))
		}
	}
}
