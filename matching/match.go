package matching

import (
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/boxes"
)

var (
	// ErrMatchUnderflow is returned when bipartite matching cannot reach the overlap
	// threshold for a ground-truth box.
	ErrMatchUnderflow = errors.New("bipartite match below overlap threshold")
	// ErrUnsupportedMatchType is returned for an unknown matching policy.
	ErrUnsupportedMatchType = errors.New("unsupported match type")
)

// MatchType selects the matching policy.
type MatchType int

const (
	// Bipartite pairs every ground-truth box with exactly one distinct candidate.
	Bipartite MatchType = iota
	// PerPrediction lets every candidate pick its best ground-truth box independently.
	PerPrediction
)

func (m MatchType) String() string {
	switch m {
	case Bipartite:
		return "bipartite"
	case PerPrediction:
		return "per_prediction"
	default:
		return "unknown"
	}
}

// ParseMatchType parses "bipartite" or "per_prediction" (case insensitive; "-" is
// accepted for "_").
func ParseMatchType(s string) (MatchType, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "bipartite":
		return Bipartite, nil
	case "per_prediction":
		return PerPrediction, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedMatchType, "%q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m MatchType) MarshalText() ([]byte, error) {
	if m != Bipartite && m != PerPrediction {
		return nil, errors.Wrapf(ErrUnsupportedMatchType, "%d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MatchType) UnmarshalText(text []byte) error {
	v, err := ParseMatchType(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Pair is one entry of a match table.
type Pair struct {
	Prediction  boxes.PredictionRef `json:"prediction"`
	GroundTruth int                 `json:"ground_truth"`
	Overlap     float32             `json:"overlap"`
}

// MatchTable maps candidate predictions to at most one ground-truth box each.
type MatchTable struct {
	matches map[boxes.PredictionRef]Pair
}

// NewMatchTable creates an empty table.
func NewMatchTable() *MatchTable {
	return &MatchTable{matches: make(map[boxes.PredictionRef]Pair)}
}

func (m *MatchTable) add(p Pair) {
	m.matches[p.Prediction] = p
}

// Get returns the ground-truth id matched to a prediction. The read methods treat a nil
// table as empty.
func (m *MatchTable) Get(ref boxes.PredictionRef) (int, bool) {
	if m == nil {
		return 0, false
	}
	p, ok := m.matches[ref]
	return p.GroundTruth, ok
}

// Len returns the number of matched predictions.
func (m *MatchTable) Len() int {
	if m == nil {
		return 0
	}
	return len(m.matches)
}

// Pairs returns every match ordered by prediction reference.
func (m *MatchTable) Pairs() []Pair {
	if m == nil {
		return nil
	}
	refs := sortRefs(slices.Collect(maps.Keys(m.matches)))
	out := make([]Pair, len(refs))
	for i, ref := range refs {
		out[i] = m.matches[ref]
	}
	return out
}

// Positions returns the set of matched anchor positions, whatever the class.
func (m *MatchTable) Positions() map[int]struct{} {
	if m == nil {
		return map[int]struct{}{}
	}
	out := make(map[int]struct{}, len(m.matches))
	for ref := range m.matches {
		out[ref.Index] = struct{}{}
	}
	return out
}

// NumPositives returns the number of distinct matched anchor positions.
func (m *MatchTable) NumPositives() int {
	return len(m.Positions())
}

// Match assigns ground-truth boxes to candidates under the given policy.
//
// Every class of the table is matched independently. Ties are broken towards the lowest
// ground-truth id, then the lowest candidate reference, so the same table always yields
// the same result.
//
// Arguments:
//   - table: The overlaps of one image.
//   - policy: Bipartite or PerPrediction.
//   - threshold: The minimum overlap for a match.
//
// Returns:
//   - *MatchTable: The assignment.
//   - error: ErrMatchUnderflow when a bipartite match falls below threshold, or
//     ErrUnsupportedMatchType.
//
// @example
// matches, err := matching.Match(table, matching.Bipartite, 0.5)
func Match(table *OverlapTable, policy MatchType, threshold float32) (*MatchTable, error) {
	matches := NewMatchTable()

	switch policy {
	case Bipartite:
		for _, class := range table.Classes() {
			if err := matchBipartite(table, class, threshold, matches); err != nil {
				return nil, err
			}
		}
	case PerPrediction:
		for _, class := range table.Classes() {
			matchPerPrediction(table, class, threshold, matches)
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedMatchType, "%d", int(policy))
	}

	return matches, nil
}

func matchBipartite(table *OverlapTable, class int, threshold float32, matches *MatchTable) error {
	ct := table.classes[class]
	remaining := table.GroundTruth(class)
	cands := table.Candidates(class)

	for len(remaining) > 0 {
		bestGT := -1
		var bestCand boxes.PredictionRef
		best := float32(-1)

		for gi, gt := range remaining {
			row := ct.byGT[gt]
			for _, cand := range cands {
				if _, taken := matches.matches[cand]; taken {
					continue
				}
				v, ok := row[cand]
				if !ok {
					continue
				}
				if v > best {
					best = v
					bestGT = gi
					bestCand = cand
				}
			}
		}

		if bestGT < 0 {
			return errors.Wrapf(ErrMatchUnderflow, "class %d: no candidate left for ground truth %v", class, remaining)
		}
		if best < threshold {
			return errors.Wrapf(ErrMatchUnderflow, "class %d: ground truth %d best overlap %v < %v",
				class, remaining[bestGT], best, threshold)
		}

		matches.add(Pair{Prediction: bestCand, GroundTruth: remaining[bestGT], Overlap: best})
		remaining = slices.Delete(remaining, bestGT, bestGT+1)
	}

	return nil
}

func matchPerPrediction(table *OverlapTable, class int, threshold float32, matches *MatchTable) {
	ct := table.classes[class]
	for _, cand := range table.Candidates(class) {
		col := ct.byCand[cand]
		bestGT := -1
		best := float32(-1)
		for _, gt := range slices.Sorted(maps.Keys(col)) {
			if v := col[gt]; v > best {
				best = v
				bestGT = gt
			}
		}
		if bestGT >= 0 && best >= threshold {
			matches.add(Pair{Prediction: cand, GroundTruth: bestGT, Overlap: best})
		}
	}
}
