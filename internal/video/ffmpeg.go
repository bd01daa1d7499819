package video

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"startrails/internal/trails"
)

// FFmpegOpener opens video sinks backed by an ffmpeg process reading raw RGB frames
// from stdin.
type FFmpegOpener struct {
	Binary  string // ffmpeg executable, looked up on PATH when empty
	Quality int    // -q:v value, 0 leaves the encoder default
	Log     *slog.Logger
}

// Open implements trails.SinkOpener.
func (o *FFmpegOpener) Open(path string, codec trails.VideoCodec, fps int, geom trails.Geometry) (trails.Sink, error) {
	logger := o.Log
	if logger == nil {
		logger = slog.Default()
	}
	if geom.Channels != 3 {
		return nil, &trails.SinkOpenError{Path: path, Err: fmt.Errorf("ffmpeg sink needs RGB frames, got %d channels", geom.Channels)}
	}

	bin := o.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, &trails.SinkOpenError{Path: path, Err: fmt.Errorf("ffmpeg not available: %w", err)}
	}

	// ffmpeg only rejects an unknown encoder once it starts reading frames, so ask up
	// front instead of failing after the whole run was decoded
	if err := checkEncoder(resolved, codec.Encoder); err != nil {
		return nil, &trails.SinkOpenError{Path: path, Err: err}
	}

	created, err := ensureWritable(path)
	if err != nil {
		return nil, &trails.SinkOpenError{Path: path, Err: err}
	}
	cleanup := func() {
		if created {
			os.Remove(path)
		}
	}

	args := BuildArgs(path, codec, fps, geom, o.Quality)
	logger.Info("executing ffmpeg command",
		"codec", codec.Encoder,
		"fourcc", codec.FourCC,
		"args", args,
		"output_file", path,
	)

	cmd := exec.Command(resolved, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, &trails.SinkOpenError{Path: path, Err: err}
	}
	s := &ffmpegSink{
		cmd:       cmd,
		stdin:     stdin,
		frameSize: geom.Samples(),
		path:      path,
		log:       logger,
	}
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &trails.SinkOpenError{Path: path, Err: fmt.Errorf("start ffmpeg: %w", err)}
	}
	return s, nil
}

// checkEncoder reports an error unless `ffmpeg -encoders` lists name.
func checkEncoder(bin, name string) error {
	cmd := exec.Command(bin, "-hide_banner", "-encoders")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("list ffmpeg encoders: %w: %s", err, msg)
		}
		return fmt.Errorf("list ffmpeg encoders: %w", err)
	}
	if !listsEncoder(out, name) {
		return fmt.Errorf("encoder %q not available in %s", name, bin)
	}
	return nil
}

// listsEncoder scans the table printed by `ffmpeg -encoders`: a legend, a dashed
// separator, then one "<flags> <name> <description>" row per encoder.
func listsEncoder(listing []byte, name string) bool {
	rows := false
	for _, line := range strings.Split(string(listing), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "---") {
			rows = true
			continue
		}
		if rows && len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

// BuildArgs returns the ffmpeg argument list for one sink.
func BuildArgs(path string, codec trails.VideoCodec, fps int, geom trails.Geometry, quality int) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", geom.Width, geom.Height),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-an",
		"-c:v", codec.Encoder,
	}
	if codec.FourCC != "" {
		args = append(args, "-vtag", codec.FourCC)
	}
	switch codec.Encoder {
	case "mjpeg":
		args = append(args, "-pix_fmt", "yuvj420p")
	default:
		args = append(args, "-pix_fmt", "yuv420p")
	}
	if quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(quality))
	}
	// yuv420p needs even dimensions
	if geom.Width%2 != 0 || geom.Height%2 != 0 {
		args = append(args, "-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2")
	}
	return append(args, path)
}

// syncBuffer collects ffmpeg stderr, which is written from the exec copy goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type ffmpegSink struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    syncBuffer
	frameSize int
	frames    int
	path      string
	log       *slog.Logger
	closed    bool
}

func (s *ffmpegSink) WriteFrame(img *trails.Image) error {
	if s.closed {
		return fmt.Errorf("sink %s already closed", s.path)
	}
	if len(img.Pix) != s.frameSize {
		return fmt.Errorf("frame has %d samples, sink expects %d", len(img.Pix), s.frameSize)
	}
	if _, err := s.stdin.Write(img.Pix); err != nil {
		return fmt.Errorf("ffmpeg write: %w%s", err, s.stderrSuffix())
	}
	s.frames++
	return nil
}

func (s *ffmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		s.log.Error("ffmpeg failed", "output_file", s.path, "error", err, "ffmpeg_output", s.stderr.String())
		if info, statErr := os.Stat(s.path); statErr == nil && info.Size() == 0 {
			os.Remove(s.path)
		}
		return fmt.Errorf("ffmpeg failed: %w%s", err, s.stderrSuffix())
	}
	if closeErr != nil {
		return closeErr
	}
	s.log.Debug("ffmpeg finished", "output_file", s.path, "frames", s.frames)
	return nil
}

func (s *ffmpegSink) stderrSuffix() string {
	msg := strings.TrimSpace(s.stderr.String())
	if msg == "" {
		return ""
	}
	return ": " + msg
}

// ensureWritable creates the parent directory and checks the output can be created.
// created reports whether the file did not exist before.
func ensureWritable(path string) (created bool, err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		created = true
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return false, err
	}
	return created, f.Close()
}
