package trails

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultSnapshotExt = ".jpg"

// Sink receives the encoded frames of one video.
type Sink interface {
	WriteFrame(img *Image) error
	Close() error
}

// SinkOpener creates a video sink for a path, codec, frame rate and frame geometry.
type SinkOpener interface {
	Open(path string, codec VideoCodec, fps int, geom Geometry) (Sink, error)
}

// Compositor runs star-trail compositions. A Compositor holds no per-run state and may
// be shared, but each call owns its canvas exclusively.
type Compositor struct {
	codec Codec
	sinks SinkOpener
	log   *slog.Logger
}

// NewCompositor wires a codec and a video sink opener. sinks may be nil when only image
// mode is used.
func NewCompositor(codec Codec, sinks SinkOpener, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{codec: codec, sinks: sinks, log: logger}
}

// ImageRequest describes a single-image composition.
type ImageRequest struct {
	Pattern     string   // glob pattern resolved when Images is empty
	Images      []string // already ordered input list, used as given
	Output      string
	Exclude     []string // paths never folded; Output is always excluded
	TempDir     string   // when set, a snapshot is written after every folded image
	SnapshotExt string // snapshot extension, ".jpg" when empty
	Preprocess  Preprocessor
	OnProgress  ProgressFunc
}

// ImageResult summarizes a finished image composition.
type ImageResult struct {
	Output    string
	Total     int
	Used      int
	Skipped   []*DecodeError
	Snapshots int
	Geometry  Geometry
	Duration  time.Duration
}

// CompositeImage folds every input image into one maximum-brightness composite and
// writes it to req.Output.
func (c *Compositor) CompositeImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	start := time.Now()
	paths, err := resolveRequest(req.Pattern, req.Images)
	if err != nil {
		return ImageResult{}, err
	}
	if req.Output == "" {
		return ImageResult{}, fmt.Errorf("%w: output path is required", ErrInvalidRequest)
	}
	// a previous composite living next to its inputs must not be folded back in
	paths = excludePaths(paths, append([]string{req.Output}, req.Exclude...))
	if len(paths) == 0 {
		return ImageResult{}, fmt.Errorf("%w: only excluded files matched", ErrNoInputImages)
	}

	snapshotExt := req.SnapshotExt
	if snapshotExt == "" {
		snapshotExt = defaultSnapshotExt
	}
	if !strings.HasPrefix(snapshotExt, ".") {
		snapshotExt = "." + snapshotExt
	}
	if req.TempDir != "" {
		if err := os.MkdirAll(req.TempDir, 0o755); err != nil {
			return ImageResult{}, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	total := len(paths)
	c.log.Info("found images, starting composite", "images", total, "output", req.Output, "temp_dir", req.TempDir)

	src := &source{paths: paths, decoder: c.codec, preprocess: req.Preprocess}
	res := ImageResult{Output: req.Output, Total: total}
	var canvas Canvas
	var snapshot *Image

	for i := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		img, err := src.load(i)
		if err != nil {
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				return res, err
			}
			c.log.Warn("skipping unreadable image", "index", i, "path", paths[i], "error", decErr.Err)
			res.Skipped = append(res.Skipped, decErr)
			req.OnProgress.report(i+1, total)
			continue
		}

		if err := canvas.Fold(img); err != nil {
			return res, withPath(err, paths[i])
		}
		res.Used++
		req.OnProgress.report(i+1, total)

		if req.TempDir != "" {
			snap := filepath.Join(req.TempDir, fmt.Sprintf("%d%s", i, snapshotExt))
			if snapshot == nil {
				g := canvas.Geometry()
				snapshot = &Image{Width: g.Width, Height: g.Height, Channels: g.Channels}
			}
			snapshot.Pix = canvas.QuantizeInto(snapshot.Pix)
			if err := c.codec.Encode(snap, snapshot); err != nil {
				return res, fmt.Errorf("write snapshot %s: %w", snap, err)
			}
			res.Snapshots++
		}
	}

	if !canvas.Initialized() {
		c.log.Error("no valid input images", "images", total)
		return res, ErrNoValidImages
	}

	if dir := filepath.Dir(req.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := c.codec.Encode(req.Output, canvas.Quantize()); err != nil {
		return res, fmt.Errorf("write composite %s: %w", req.Output, err)
	}

	res.Geometry = canvas.Geometry()
	res.Duration = time.Since(start)
	c.log.Info("star trail composite complete", "output", req.Output, "used", res.Used, "skipped", len(res.Skipped), "duration", res.Duration)
	return res, nil
}

// VideoRequest describes a progressive star-trail video.
type VideoRequest struct {
	Pattern     string
	Images      []string
	Output      string
	FPS         int
	TotalFrames int // 0 means one frame per input image
	Preprocess  Preprocessor
	OnProgress  ProgressFunc
}

// VideoResult summarizes a finished video composition.
type VideoResult struct {
	Output      string
	Codec       VideoCodec
	Images      int
	Used        int
	Skipped     []*DecodeError
	Frames      int
	BlankFrames int
	FPS         int
	Geometry    Geometry
	Length      time.Duration // playback length, Frames/FPS
	Duration    time.Duration // wall-clock processing time
}

// CompositeVideo writes TotalFrames frames, each showing the trail accumulated up to the
// image the frame schedule assigns to it.
func (c *Compositor) CompositeVideo(ctx context.Context, req VideoRequest) (VideoResult, error) {
	start := time.Now()
	paths, err := resolveRequest(req.Pattern, req.Images)
	if err != nil {
		return VideoResult{}, err
	}
	if req.FPS <= 0 {
		return VideoResult{}, fmt.Errorf("%w: fps must be positive, got %d", ErrInvalidRequest, req.FPS)
	}
	if req.TotalFrames < 0 {
		return VideoResult{}, fmt.Errorf("%w: total frames must not be negative, got %d", ErrInvalidRequest, req.TotalFrames)
	}
	totalFrames := req.TotalFrames
	if totalFrames == 0 {
		totalFrames = len(paths)
	}

	codec, err := CodecFor(req.Output)
	if err != nil {
		return VideoResult{}, err
	}
	if c.sinks == nil {
		return VideoResult{}, &SinkOpenError{Path: req.Output, Err: errors.New("no video sink configured")}
	}

	c.log.Info("found images, starting video", "images", len(paths), "frames", totalFrames, "fps", req.FPS, "codec", codec.Encoder)

	first, err := c.codec.Decode(paths[0])
	if err != nil {
		return VideoResult{}, &DecodeError{Index: 0, Path: paths[0], Err: err}
	}
	if err := first.Validate(); err != nil {
		return VideoResult{}, &DecodeError{Index: 0, Path: paths[0], Err: err}
	}
	geom := first.Geometry()

	sink, err := c.sinks.Open(req.Output, codec, req.FPS, geom)
	if err != nil {
		var openErr *SinkOpenError
		if errors.As(err, &openErr) {
			return VideoResult{}, err
		}
		return VideoResult{}, &SinkOpenError{Path: req.Output, Err: err}
	}

	sched, err := NewSchedule(len(paths), totalFrames)
	if err != nil {
		sink.Close()
		return VideoResult{}, err
	}

	res := VideoResult{Output: req.Output, Codec: codec, Images: len(paths), FPS: req.FPS, Geometry: geom}
	if err := c.encodeFrames(ctx, req, paths, first, sched, sink, &res); err != nil {
		if closeErr := sink.Close(); closeErr != nil {
			c.log.Warn("failed to close video sink after error", "output", req.Output, "error", closeErr)
		}
		return res, err
	}
	if err := sink.Close(); err != nil {
		return res, fmt.Errorf("finalize video %s: %w", req.Output, err)
	}

	res.Length = time.Duration(float64(res.Frames) / float64(req.FPS) * float64(time.Second))
	res.Duration = time.Since(start)
	c.log.Info("star trail video complete",
		"output", req.Output,
		"frames", res.Frames,
		"seconds", res.Length.Seconds(),
		"skipped", len(res.Skipped),
		"blank_frames", res.BlankFrames,
	)
	return res, nil
}

func (c *Compositor) encodeFrames(ctx context.Context, req VideoRequest, paths []string, first *Image, sched Schedule, sink Sink, res *VideoResult) error {
	src := &source{paths: paths, decoder: c.codec, preprocess: req.Preprocess}
	geom := first.Geometry()
	frame := &Image{Width: geom.Width, Height: geom.Height, Channels: geom.Channels}
	var canvas Canvas
	cursor := 0

	for f, target := range sched {
		if err := ctx.Err(); err != nil {
			return err
		}

		for cursor <= target {
			var img *Image
			var err error
			if cursor == 0 && first != nil {
				img, err = src.prepare(0, first)
				first = nil
			} else {
				img, err = src.load(cursor)
			}
			if err != nil {
				var decErr *DecodeError
				if !errors.As(err, &decErr) {
					return err
				}
				c.log.Warn("skipping unreadable image", "index", cursor, "path", paths[cursor], "error", decErr.Err)
				res.Skipped = append(res.Skipped, decErr)
				cursor++
				continue
			}
			if img.Geometry() != geom {
				return &DimensionMismatchError{Path: paths[cursor], Want: geom, Got: img.Geometry()}
			}
			if err := canvas.Fold(img); err != nil {
				return withPath(err, paths[cursor])
			}
			res.Used++
			cursor++
		}

		if canvas.Initialized() {
			frame.Pix = canvas.QuantizeInto(frame.Pix)
		} else {
			// nothing folded yet: emit black at the sink geometry
			if len(frame.Pix) != geom.Samples() {
				frame.Pix = make([]uint8, geom.Samples())
			}
			clear(frame.Pix)
			res.BlankFrames++
		}
		if err := sink.WriteFrame(frame); err != nil {
			return fmt.Errorf("write frame %d: %w", f, err)
		}
		res.Frames++
		req.OnProgress.report(res.Frames, len(sched))
	}
	return nil
}

func resolveRequest(pattern string, images []string) ([]string, error) {
	if len(images) > 0 {
		return images, nil
	}
	if pattern == "" {
		return nil, ErrNoInputImages
	}
	return Resolve(pattern)
}

func withPath(err error, path string) error {
	var dimErr *DimensionMismatchError
	if errors.As(err, &dimErr) && dimErr.Path == "" {
		dimErr.Path = path
	}
	return err
}
