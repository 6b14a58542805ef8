// Command anchors prints the default boxes an SSD configuration generates.
//
//	anchors -config ssd.yaml -format json
//	anchors -tiling 2x2
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/anchors"
	"github.com/nvr-ai/go-multibox/config"
	"github.com/nvr-ai/go-multibox/geometry"
)

// Anchor is one printed default box.
type Anchor struct {
	Layer int       `json:"layer"`
	Cell  int       `json:"cell"`
	Kind  int       `json:"kind"`
	Min   []float32 `json:"min"`
	Max   []float32 `json:"max"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		configPath string
		tiling     string
		layer      int
		format     string
		logLevel   string
	)
	fs := flag.NewFlagSet("anchors", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "Path to a YAML configuration (defaults when empty)")
	fs.StringVar(&tiling, "tiling", "", "Grid override such as 19x19; replaces every configured tiling")
	fs.IntVar(&layer, "layer", -1, "Only print this layer (-1 prints all)")
	fs.StringVar(&format, "format", "text", "Output format: text or json")
	fs.StringVar(&logLevel, "log-level", "", "Override the configured log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fmt.Fprintf(stderr, "anchors: %v\n", err)
			return 1
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if tiling != "" {
		grid, err := parseTiling(tiling)
		if err != nil {
			fmt.Fprintf(stderr, "anchors: %v\n", err)
			return 2
		}
		cfg.Tilings = [][]int{grid}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "anchors: %v\n", err)
		return 1
	}
	logger := cfg.NewLogger(stderr)

	gen, err := anchors.NewGenerator(cfg.Head.Range, cfg.Head.DefaultBoxes, cfg.Head.Variances)
	if err != nil {
		logger.Error("building generator", slog.String("error", err.Error()))
		return 1
	}
	if layer >= len(cfg.Tilings) {
		logger.Error("layer out of range", slog.Int("layer", layer), slog.Int("layers", len(cfg.Tilings)))
		return 2
	}

	var out []Anchor
	for l, grid := range cfg.Tilings {
		if layer >= 0 && l != layer {
			continue
		}
		boxes, err := gen.Boxes(grid)
		if err != nil {
			logger.Error("generating boxes", slog.Int("layer", l), slog.String("error", err.Error()))
			return 1
		}
		logger.Debug("layer generated",
			slog.Int("layer", l),
			slog.Any("tiling", grid),
			slog.Int("kinds", gen.Kinds()),
			slog.Int("boxes", len(boxes)),
		)
		out = append(out, toAnchors(l, gen.Kinds(), boxes)...)
	}

	if err := write(stdout, format, gen.Variances, out); err != nil {
		logger.Error("writing output", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func toAnchors(layer, kinds int, boxes []geometry.Box) []Anchor {
	out := make([]Anchor, len(boxes))
	for i, b := range boxes {
		out[i] = Anchor{Layer: layer, Cell: i / kinds, Kind: i % kinds, Min: b.Min, Max: b.Max}
	}
	return out
}

func write(w io.Writer, format string, variances []float32, out []Anchor) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Variances []float32 `json:"variances"`
			Anchors   []Anchor  `json:"anchors"`
		}{variances, out})
	case "text":
		if _, err := fmt.Fprintf(w, "variances %v\n", variances); err != nil {
			return err
		}
		for _, a := range out {
			box := geometry.Box{Min: a.Min, Max: a.Max}
			if _, err := fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", a.Layer, a.Cell, a.Kind, box); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("unknown format %q", format)
	}
}

// parseTiling parses "19x19" style grids.
func parseTiling(s string) ([]int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	grid := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, errors.Errorf("invalid tiling %q", s)
		}
		grid[i] = n
	}
	return grid, nil
}
