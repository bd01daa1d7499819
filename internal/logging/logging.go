package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"startrails/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging. Text format uses the bracketed traditional layout,
// json keeps slog's JSON handler. With file output enabled a daily log file is written
// next to a startrails-current.log symlink.
func Setup(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stderr}
	var closer io.Closer = nopCloser{}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("startrails-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file

		// best effort, the dated file is still written without it
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "startrails-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(out, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("startrails logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string // preformatted, qualified by the group active when added
	group  string
}

// NewTraditionalHandler writes timestamped lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append(make([]string, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of a compositing run
func LogRunStart(logger *slog.Logger, mode, runID, pattern, output string, options map[string]any) {
	logger.Info("run started",
		"mode", mode,
		"id", runID,
		"pattern", pattern,
		"output", output,
		"options", options,
	)
}

// LogRunComplete logs successful run completion
func LogRunComplete(logger *slog.Logger, mode, runID string, duration time.Duration, result map[string]any) {
	logger.Info("run completed successfully",
		"mode", mode,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", result,
	)
}

// LogRunError logs run failures
func LogRunError(logger *slog.Logger, mode, runID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("run failed",
		"mode", mode,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogProcessingStep logs individual steps within a run
func LogProcessingStep(logger *slog.Logger, runID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"run_id", runID,
		"step", step,
		"status", status,
		"details", details,
	)
}
