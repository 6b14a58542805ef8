// Package config - YAML configuration for the SSD head, the multibox stage and
// detection output.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-multibox/anchors"
	"github.com/nvr-ai/go-multibox/multibox"
	"github.com/nvr-ai/go-multibox/postprocess"
	"github.com/nvr-ai/go-multibox/ssd"
)

// ErrInvalid is returned when sections disagree or a root field is invalid. Errors from
// a section keep their own sentinel (anchors.ErrConfig, multibox.ErrConfig,
// matching.ErrUnsupportedMatchType).
var ErrInvalid = errors.New("invalid configuration")

// maxFileSize caps configuration files at 1MB.
const maxFileSize = 1 << 20

// Config is the root of a configuration file.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"log_level" yaml:"log_level"`
	// Head describes the default boxes and class layout.
	Head ssd.Config `json:"head" yaml:"head"`
	// MultiBox holds the matching and mining settings.
	MultiBox multibox.Config `json:"multibox" yaml:"multibox"`
	// NMS is applied to inference detections.
	NMS postprocess.NMSConfig `json:"nms" yaml:"nms"`
	// ConfidenceThreshold filters detections before NMS.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// Tilings lists the grid of every detection layer, coarsest last.
	Tilings [][]int `json:"tilings" yaml:"tilings"`
}

// Default returns a single-layer 300x300 SSD configuration with 21 classes.
//
// Returns:
//   - Config: A configuration that passes Validate.
//
// @example
// cfg := config.Default()
// cfg.Head.NumClasses = 2
// cfg.MultiBox.NumClasses = 2
func Default() Config {
	mb := multibox.DefaultConfig()
	mb.NumClasses = 21
	return Config{
		LogLevel: "info",
		Head: ssd.Config{
			Range:         []int{300, 300},
			NumClasses:    21,
			ShareLocation: true,
			DefaultBoxes: []anchors.ShapeSpec{
				{Size: 30, SideRatios: [][]float32{{1, 1}, {1, 2}, {2, 1}}},
			},
			Variances: []float32{0.1, 0.1, 0.2, 0.2},
		},
		MultiBox:            mb,
		NMS:                 postprocess.NMSConfig{IoUThreshold: 0.45, ClassAware: true, TopK: 200},
		ConfidenceThreshold: 0.01,
		Tilings:             [][]int{{38, 38}},
	}
}

// Load reads and validates a YAML configuration file.
//
// Arguments:
//   - path: A .yaml or .yml file of at most 1MB.
//
// Returns:
//   - Config: The parsed configuration, with defaults for omitted fields.
//   - error: On I/O, parse or validation failure.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return Config{}, errors.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to stat config file")
	}
	if info.Size() > maxFileSize {
		return Config{}, errors.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "failed to parse config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config YAML")
	}
	return data, nil
}

// Validate checks every section and their agreement.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := anchors.NewGenerator(c.Head.Range, c.Head.DefaultBoxes, c.Head.Variances); err != nil {
		return errors.Wrap(err, "head")
	}
	if c.Head.NumClasses <= 0 {
		return errors.Wrapf(ErrInvalid, "head: num_classes must be positive, got %d", c.Head.NumClasses)
	}
	if err := c.MultiBox.Validate(); err != nil {
		return errors.Wrap(err, "multibox")
	}

	dims := len(c.Head.Range)
	switch {
	case c.MultiBox.Dims != dims:
		return errors.Wrapf(ErrInvalid, "multibox dims %d != head range dims %d", c.MultiBox.Dims, dims)
	case c.MultiBox.NumClasses != c.Head.NumClasses:
		return errors.Wrapf(ErrInvalid, "multibox num_classes %d != head num_classes %d", c.MultiBox.NumClasses, c.Head.NumClasses)
	case c.MultiBox.ShareLocation != c.Head.ShareLocation:
		return errors.Wrap(ErrInvalid, "multibox and head disagree on share_location")
	case c.NMS.IoUThreshold < 0 || c.NMS.IoUThreshold > 1:
		return errors.Wrapf(ErrInvalid, "nms iou_threshold %v outside [0, 1]", c.NMS.IoUThreshold)
	case c.NMS.TopK < 0:
		return errors.Wrapf(ErrInvalid, "nms top_k must not be negative, got %d", c.NMS.TopK)
	case len(c.Tilings) == 0:
		return errors.Wrap(ErrInvalid, "at least one tiling is required")
	}
	for i, tiling := range c.Tilings {
		if len(tiling) != dims {
			return errors.Wrapf(ErrInvalid, "tiling %d has %d dimensions, want %d", i, len(tiling), dims)
		}
		for _, n := range tiling {
			if n <= 0 {
				return errors.Wrapf(ErrInvalid, "tiling %d %v must be positive", i, tiling)
			}
		}
	}
	return nil
}

// Level parses LogLevel; empty means info.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(c.LogLevel) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(ErrInvalid, "log_level %q", c.LogLevel)
	}
	return level, nil
}

// NewLogger returns a text logger writing to w at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
