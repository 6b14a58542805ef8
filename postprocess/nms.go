// Package postprocess - Detections and Non-Maximum Suppression over decoded predictions.
package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-multibox/boxes"
	"github.com/nvr-ai/go-multibox/geometry"
)

// Detection is a confident, non-background prediction.
type Detection struct {
	// Ref locates the prediction in its image.
	Ref boxes.PredictionRef `json:"ref"`
	// Box is the predicted box.
	Box geometry.Box `json:"box"`
	// Confidence is the class confidence.
	Confidence float32 `json:"confidence"`
}

// Class returns the detected class id.
func (d Detection) Class() int {
	return d.Ref.Class
}

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap above which a detection is suppressed.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within the same class.
	TopK         int     `json:"top_k" yaml:"top_k"`                 // Keep at most TopK detections; 0 keeps all.
}

// Detections lists the predictions of every non-background class whose confidence
// reaches threshold, most confident first. Ties keep class, then position order.
//
// Arguments:
//   - img: The decoded image.
//   - background: The background label id.
//   - threshold: The minimum confidence.
//
// Returns:
//   - []Detection: The sorted detections.
func Detections(img *boxes.Image, background int, threshold float32) []Detection {
	var out []Detection
	for c, preds := range img.Predictions {
		if c == background {
			continue
		}
		for i, p := range preds {
			if p.Confidence < threshold {
				continue
			}
			out = append(out, Detection{
				Ref:        boxes.PredictionRef{Class: c, Index: i},
				Box:        p.Box,
				Confidence: p.Confidence,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// ApplyNMS performs greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - config: NMS configuration.
//
// Returns:
//   - Filtered slice of detections. If no detections are provided, returns nil.
//
// @example
// kept := postprocess.ApplyNMS(postprocess.Detections(img, 0, 0.5), postprocess.NMSConfig{IoUThreshold: 0.45, ClassAware: true})
func ApplyNMS(detections []Detection, config NMSConfig) []Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Detection, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		if config.TopK > 0 && len(filtered) == config.TopK {
			break
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && detections[j].Class() != anchor.Class() {
				continue
			}

			// Suppress if IoU exceeds threshold
			if geometry.Overlap(anchor.Box, detections[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
