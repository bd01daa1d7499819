package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/startrails/config.json"
	defaultQueueSize  = 4
)

// Config holds user-editable settings for the compositor and its surfaces.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Image      Image      `json:"image" yaml:"image"`
	Video      Video      `json:"video" yaml:"video"`
	Preprocess Preprocess `json:"preprocess" yaml:"preprocess"`
	Server     Server     `json:"server" yaml:"server"`
	Watch      Watch      `json:"watch" yaml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	TempDir   string `json:"temp_dir" yaml:"temp_dir"` // snapshot directory, empty disables snapshots
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures default output locations.
type Paths struct {
	ImageOutput  string `json:"image_output" yaml:"image_output"`
	VideoOutput  string `json:"video_output" yaml:"video_output"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Image configures still-image decoding and encoding.
type Image struct {
	Backend     string `json:"backend" yaml:"backend"` // imagemagick, std
	SnapshotExt string `json:"snapshot_ext" yaml:"snapshot_ext"`
	Quality     int    `json:"quality" yaml:"quality"`
}

// Video configures the ffmpeg sink.
type Video struct {
	FPS        int    `json:"fps" yaml:"fps"`
	FFmpegPath string `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	Quality    int    `json:"quality" yaml:"quality"` // -q:v, 0 keeps the encoder default
}

// Preprocess tunes the optional per-image enhancement.
type Preprocess struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	Denoise          bool    `json:"denoise" yaml:"denoise"`
	ContrastStrength float64 `json:"contrast_strength" yaml:"contrast_strength"`
	ContrastMidpoint float64 `json:"contrast_midpoint" yaml:"contrast_midpoint"`
}

type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

type Watch struct {
	Debounce Duration `json:"debounce" yaml:"debounce"`
}

// Duration accepts "750ms" style strings in both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("STARTRAILS_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads path over the defaults. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			QueueSize: defaultQueueSize,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			ImageOutput:  "star_trail.jpg",
			VideoOutput:  "star_trail.mp4",
			DatabasePath: filepath.Join(os.TempDir(), "startrails.db"),
		},
		Image: Image{
			Backend:     "imagemagick",
			SnapshotExt: ".jpg",
			Quality:     95,
		},
		Video: Video{
			FPS:        30,
			FFmpegPath: "ffmpeg",
		},
		Preprocess: Preprocess{
			Enabled:          false,
			Denoise:          true,
			ContrastStrength: 3,
			ContrastMidpoint: 0.5,
		},
		Server: Server{Addr: ":8080"},
		Watch:  Watch{Debounce: Duration(2 * time.Second)},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("processing.queue_size must be at least 1, got %d", c.Processing.QueueSize))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	switch c.Image.Backend {
	case "imagemagick", "std":
	default:
		errs = append(errs, fmt.Errorf("image.backend %q is not imagemagick or std", c.Image.Backend))
	}
	if !strings.HasPrefix(c.Image.SnapshotExt, ".") {
		errs = append(errs, fmt.Errorf("image.snapshot_ext %q must start with a dot", c.Image.SnapshotExt))
	}
	if c.Image.Quality < 0 || c.Image.Quality > 100 {
		errs = append(errs, fmt.Errorf("image.quality must be within 0..100, got %d", c.Image.Quality))
	}
	if c.Video.FPS < 1 {
		errs = append(errs, fmt.Errorf("video.fps must be positive, got %d", c.Video.FPS))
	}
	if c.Video.Quality < 0 || c.Video.Quality > 31 {
		errs = append(errs, fmt.Errorf("video.quality must be within 0..31, got %d", c.Video.Quality))
	}
	if c.Preprocess.ContrastStrength < 0 {
		errs = append(errs, fmt.Errorf("preprocess.contrast_strength must not be negative"))
	}
	if m := c.Preprocess.ContrastMidpoint; m <= 0 || m >= 1 {
		errs = append(errs, fmt.Errorf("preprocess.contrast_midpoint must be within (0, 1), got %g", m))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must not be negative"))
	}
	return errors.Join(errs...)
}

// DatabasePath returns the store location with a leading ~ expanded.
func (c *Config) DatabasePath() (string, error) {
	return expandUser(c.Paths.DatabasePath)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
