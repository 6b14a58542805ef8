// Package mining - Hard negative selection for loss balancing.
package mining

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/boxes"
	"github.com/nvr-ai/go-multibox/matching"
)

// Negative is a confident false alarm: a position whose arg-max class is not background.
type Negative struct {
	// Class is the arg-max class at the position.
	Class int `json:"class"`
	// Index is the anchor position.
	Index int `json:"index"`
	// Confidence is the arg-max confidence.
	Confidence float32 `json:"confidence"`
}

// Ref returns the prediction the negative points at.
func (n Negative) Ref() boxes.PredictionRef {
	return boxes.PredictionRef{Class: n.Class, Index: n.Index}
}

// ExtractNegatives ranks every position whose most confident class is not background.
//
// The arg-max is taken over all classes; ties go to the lowest class id. Candidates are
// sorted by descending confidence and ties keep position order.
//
// Arguments:
//   - preds: The predictions of one image, indexed [class][position].
//   - background: The background label id.
//
// Returns:
//   - []Negative: The ranked candidates.
//   - error: If the classes disagree on the number of positions.
func ExtractNegatives(preds [][]boxes.Prediction, background int) ([]Negative, error) {
	if len(preds) == 0 {
		return nil, errors.New("no classes to mine")
	}
	if background < 0 || background >= len(preds) {
		return nil, errors.Errorf("background label %d outside %d classes", background, len(preds))
	}
	positions := len(preds[background])
	for c := range preds {
		if len(preds[c]) != positions {
			return nil, errors.Errorf("class %d has %d positions, background has %d", c, len(preds[c]), positions)
		}
	}

	var out []Negative
	for i := 0; i < positions; i++ {
		maxClass := 0
		maxConf := preds[0][i].Confidence
		for c := 1; c < len(preds); c++ {
			if conf := preds[c][i].Confidence; conf > maxConf {
				maxConf = conf
				maxClass = c
			}
		}
		if maxClass != background {
			out = append(out, Negative{Class: maxClass, Index: i, Confidence: maxConf})
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Confidence > out[b].Confidence
	})
	return out, nil
}

// NumNegatives returns how many negatives to train on:
//
//	max(floor, min(round(positives * ratio), available))
func NumNegatives(positives int, ratio float32, floor, available int) int {
	n := int(math32.Round(float32(positives) * ratio))
	return max(floor, min(n, available))
}

// Miner selects hard negatives for one image at a time.
type Miner struct {
	// Background is the background label id.
	Background int
	// NegPosRatio is the number of negatives to keep per positive.
	NegPosRatio float32
	// MinNegative is the minimum number of negatives to keep.
	MinNegative int
}

// Mine returns the ranked hard negatives of one image.
//
// Positions present in the match table are removed first; the count then follows
// NumNegatives and is never larger than what remains. A nil table means no positives.
//
// Arguments:
//   - preds: The predictions of one image, indexed [class][position].
//   - matches: The image's match table.
//
// Returns:
//   - []Negative: The selected negatives, most confident first.
//   - error: If the predictions are malformed.
//
// @example
// miner := mining.Miner{Background: 0, NegPosRatio: 3}
// negatives, err := miner.Mine(img.Predictions, matches)
func (m Miner) Mine(preds [][]boxes.Prediction, matches *matching.MatchTable) ([]Negative, error) {
	candidates, err := ExtractNegatives(preds, m.Background)
	if err != nil {
		return nil, err
	}

	positions := matches.Positions()
	kept := candidates[:0]
	for _, n := range candidates {
		if _, matched := positions[n.Index]; !matched {
			kept = append(kept, n)
		}
	}

	count := NumNegatives(matches.NumPositives(), m.NegPosRatio, m.MinNegative, len(kept))
	return kept[:min(count, len(kept))], nil
}
