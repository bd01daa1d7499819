package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"startrails/internal/config"
	"startrails/internal/fsutil"
	"startrails/internal/pipeline"
	"startrails/internal/storage"
	"startrails/internal/trails"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).Command()
}

// Command builds the command tree for r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "startrails",
		Short: "Startrails composites night-sky frames into star-trail images and videos",
		Long: `Startrails stacks a sequence of night-sky exposures by keeping the brightest value
of every pixel, producing a single star-trail image or a video that shows the
trails growing frame by frame.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newImageCmd(r))
	rootCmd.AddCommand(newVideoCmd(r))
	rootCmd.AddCommand(newPlanCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newImageCmd(root *Root) *cobra.Command {
	var (
		output      string
		preprocess  bool
		tempDir     string
		snapshotExt string
	)

	cmd := &cobra.Command{
		Use:   "image <pattern|directory>",
		Short: "Composite frames into a single star-trail image",
		Long: `Fold every matching frame into one image that keeps the brightest value seen at
each pixel. Unreadable frames are skipped. With --temp-dir an intermediate
snapshot is written after every frame.

Examples:
  startrails image '/astro/night1/*.jpg'
  startrails image /astro/night1 -o trails.png --preprocess
  startrails image '/astro/night1/IMG_*.tif' -t /tmp/progress`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, images, err := resolveInputs(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = root.cfg.Paths.ImageOutput
			}
			if !cmd.Flags().Changed("preprocess") {
				preprocess = root.cfg.Preprocess.Enabled
			}
			if !cmd.Flags().Changed("temp-dir") {
				tempDir = root.cfg.Processing.TempDir
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Found %d images. Starting processing...\n", len(images))

			job := pipeline.Job{
				ID:      pipeline.NewJobID(pipeline.JobImage),
				Type:    pipeline.JobImage,
				Pattern: pattern,
				Output:  output,
				Options: map[string]any{
					"images":      images,
					"preprocess":  preprocess,
					"tempDir":     tempDir,
					"snapshotExt": snapshotExt,
					"source":      "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (default from config, star_trail.jpg)")
	cmd.Flags().BoolVarP(&preprocess, "preprocess", "p", false, "denoise and boost local contrast before folding")
	cmd.Flags().StringVarP(&tempDir, "temp-dir", "t", "", "write a snapshot after every frame into this directory")
	cmd.Flags().StringVar(&snapshotExt, "snapshot-ext", "", "snapshot file extension (default from config)")

	return cmd
}

func newVideoCmd(root *Root) *cobra.Command {
	var (
		output     string
		fps        int
		frames     int
		preprocess bool
	)

	cmd := &cobra.Command{
		Use:   "video <pattern|directory>",
		Short: "Render a video of star trails accumulating over time",
		Long: `Render a video whose frames show the trail accumulated up to a point in the
sequence. With --frames the input is spread evenly over that many output frames;
images are dropped or frames repeat as needed. The container follows the output
extension: .mp4, .avi, .mov or .mkv.

Examples:
  startrails video '/astro/night1/*.jpg'
  startrails video /astro/night1 -o trails.avi --fps 24 --frames 240`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.VideoOutput
			}
			// reject the container before any frame is decoded
			if _, err := trails.CodecFor(output); err != nil {
				return err
			}
			if fps == 0 {
				fps = root.cfg.Video.FPS
			}
			if !cmd.Flags().Changed("preprocess") {
				preprocess = root.cfg.Preprocess.Enabled
			}
			if fps < 0 || frames < 0 {
				return fmt.Errorf("%w: fps and frames must not be negative", trails.ErrInvalidRequest)
			}

			pattern, images, err := resolveInputs(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Found %d images. Starting processing...\n", len(images))

			opts := map[string]any{
				"images":     images,
				"fps":        fps,
				"preprocess": preprocess,
				"source":     "cli",
			}
			if frames > 0 {
				opts["frames"] = frames
			}
			job := pipeline.Job{
				ID:      pipeline.NewJobID(pipeline.JobVideo),
				Type:    pipeline.JobVideo,
				Pattern: pattern,
				Output:  output,
				Options: opts,
			}
			return root.enqueueAndWait(cmd.Context(), cmd.OutOrStdout(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output video path (default from config, star_trail.mp4)")
	cmd.Flags().IntVar(&fps, "fps", 0, "frames per second (default from config, 30)")
	cmd.Flags().IntVar(&frames, "frames", 0, "total output frames, 0 for one frame per image")
	cmd.Flags().BoolVarP(&preprocess, "preprocess", "p", false, "denoise and boost local contrast before folding")

	return cmd
}

func newPlanCmd(root *Root) *cobra.Command {
	var fps int

	cmd := &cobra.Command{
		Use:   "plan <images|pattern> <frames>",
		Short: "Print which image each video frame shows",
		Long: `Print the frame schedule used by the video command: for every output frame the
index of the last image folded in, and how many images it adds. The first argument
is either an image count or a pattern whose matches are counted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			images, err := strconv.Atoi(args[0])
			if err != nil {
				_, paths, rerr := resolveInputs(args[0])
				if rerr != nil {
					return rerr
				}
				images = len(paths)
			}
			frames, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("%w: frames must be an integer: %v", trails.ErrInvalidRequest, err)
			}
			sched, err := trails.NewSchedule(images, frames)
			if err != nil {
				return err
			}
			if fps <= 0 {
				fps = root.cfg.Video.FPS
			}

			w := cmd.OutOrStdout()
			fmt.Fprint(w, sched.String())
			fmt.Fprintf(w, "%s images over %s frames, %.2f seconds at %d fps\n",
				humanize.Comma(int64(images)), humanize.Comma(int64(frames)), float64(frames)/float64(fps), fps)
			return nil
		},
	}

	cmd.Flags().IntVar(&fps, "fps", 0, "frames per second used for the length estimate (default from config)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for submitting and monitoring runs",
		Long: `Start an HTTP server that accepts compositing runs and streams their progress.

Endpoints:
  GET  /healthz      liveness and busy state
  GET  /runs         recent runs
  GET  /runs/{id}    one run with its result and skipped images
  POST /runs         start a run: {"mode":"video","pattern":"/astro/*.jpg","frames":300}
  GET  /stream       server-sent events
  GET  /ws           websocket events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			root.log.Info("starting server",
				"addr", addr,
				"endpoints", []string{"/healthz", "/runs", "/runs/{id}", "/stream", "/ws"},
			)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.serverDefaults(), root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), default from config")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output     string
		preprocess bool
	)

	cmd := &cobra.Command{
		Use:   "watch <pattern|directory>",
		Short: "Keep a star-trail image current while frames are captured",
		Long: `Composite the matching frames, then recomposite whenever new frames land in the
watched directory. Bursts of new files are debounced (watch.debounce in config).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if fsutil.IsDir(input) {
				input = filepath.Join(input, "*")
			}
			if output == "" {
				output = root.cfg.Paths.ImageOutput
			}
			if !cmd.Flags().Changed("preprocess") {
				preprocess = root.cfg.Preprocess.Enabled
			}
			return root.runWatch(cmd.Context(), cmd.OutOrStdout(), input, output, preprocess)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (default from config)")
	cmd.Flags().BoolVarP(&preprocess, "preprocess", "p", false, "denoise and boost local contrast before folding")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent compositing runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run history unavailable: no database configured")
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, "No runs recorded yet")
				return nil
			}
			for _, rec := range recs {
				fmt.Fprintf(w, "%-44s %-5s %-9s %-14s %s\n", rec.ID, rec.Mode, rec.Status, humanize.Time(rec.CreatedAt), rec.OutputPath)
				if rec.Error != "" {
					fmt.Fprintf(w, "    error: %s\n", rec.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}
