package multibox

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/matching"
)

// ErrConfig is returned for an invalid matching or mining configuration.
var ErrConfig = errors.New("invalid multibox configuration")

// Config holds the detection, matching and mining settings of the multibox stage.
type Config struct {
	// Dims is the number of box dimensions D.
	Dims int `json:"dims" yaml:"dims"`
	// NumClasses counts every class, background included.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ShareLocation makes every class reuse one location prediction per anchor.
	ShareLocation bool `json:"share_location" yaml:"share_location"`
	// BackgroundLabel is the reserved "no object" class id.
	BackgroundLabel int `json:"background_label" yaml:"background_label"`

	// MatchType selects bipartite or per-prediction matching.
	MatchType matching.MatchType `json:"match_type" yaml:"match_type"`
	// OverlapThreshold is the minimum Jaccard overlap of a match.
	OverlapThreshold float32 `json:"overlap_threshold" yaml:"overlap_threshold"`

	// NegPosRatio is the number of hard negatives kept per positive.
	NegPosRatio float32 `json:"neg_pos_ratio" yaml:"neg_pos_ratio"`
	// MinNegative is the floor on hard negatives per image.
	MinNegative int `json:"min_negative" yaml:"min_negative"`

	// Workers bounds how many images are matched concurrently.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the usual SSD settings: 2-D boxes, shared locations, bipartite
// matching at 0.5 and three negatives per positive.
//
// Returns:
//   - Config: Defaults with NumClasses set to 2 (background plus one object class).
//
// @example
// cfg := multibox.DefaultConfig()
// cfg.NumClasses = 21
// layer, err := multibox.New(cfg)
func DefaultConfig() Config {
	return Config{
		Dims:             2,
		NumClasses:       2,
		ShareLocation:    true,
		BackgroundLabel:  0,
		MatchType:        matching.Bipartite,
		OverlapThreshold: 0.5,
		NegPosRatio:      3,
		MinNegative:      0,
		Workers:          4,
	}
}

// Validate checks the configuration eagerly.
func (c Config) Validate() error {
	switch {
	case c.Dims <= 0:
		return errors.Wrapf(ErrConfig, "dims must be positive, got %d", c.Dims)
	case c.NumClasses <= 0:
		return errors.Wrapf(ErrConfig, "num_classes must be positive, got %d", c.NumClasses)
	case c.BackgroundLabel < 0 || c.BackgroundLabel >= c.NumClasses:
		return errors.Wrapf(ErrConfig, "background_label %d outside [0, %d)", c.BackgroundLabel, c.NumClasses)
	case c.MatchType != matching.Bipartite && c.MatchType != matching.PerPrediction:
		return errors.Wrapf(matching.ErrUnsupportedMatchType, "match_type %d", int(c.MatchType))
	case c.OverlapThreshold < 0 || c.OverlapThreshold > 1:
		return errors.Wrapf(ErrConfig, "overlap_threshold %v outside [0, 1]", c.OverlapThreshold)
	case c.NegPosRatio < 0:
		return errors.Wrapf(ErrConfig, "neg_pos_ratio must not be negative, got %v", c.NegPosRatio)
	case c.MinNegative < 0:
		return errors.Wrapf(ErrConfig, "min_negative must not be negative, got %d", c.MinNegative)
	case c.Workers < 0:
		return errors.Wrapf(ErrConfig, "workers must not be negative, got %d", c.Workers)
	}
	return nil
}
