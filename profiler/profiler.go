// Package profiler - Stage timing for the multibox pipeline.
package profiler

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultMaxSamples is the number of durations kept per operation when none is given.
const DefaultMaxSamples = 600

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// OperationStats is a snapshot of one TimeTracker.
type OperationStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
}

// LogValue implements slog.LogValuer.
func (s OperationStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("count", s.Count),
		slog.Duration("total", s.Total),
		slog.Duration("min", s.Min),
		slog.Duration("max", s.Max),
		slog.Duration("mean", s.Mean),
	)
}

// Profiler collects named operation timings. It is safe for concurrent use.
type Profiler struct {
	mu             sync.Mutex
	maxSamples     int
	operationTimes map[string]*TimeTracker
}

// New creates a profiler that keeps at most maxSamples durations per operation.
//
// Arguments:
//   - maxSamples: Window size; DefaultMaxSamples when not positive.
//
// Returns:
//   - *Profiler: An empty profiler.
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Profiler{
		maxSamples:     maxSamples,
		operationTimes: make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
//
// @example
// done := p.StartOperation("match")
// defer done()
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one duration to the named operation.
func (p *Profiler) Record(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{
			name:    name,
			minTime: duration,
			maxTime: duration,
		}
		p.operationTimes[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > p.maxSamples {
		// Drop the oldest sample.
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}

	tracker.totalTime += duration
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// Stats returns the snapshot of one operation.
func (p *Profiler) Stats(name string) (OperationStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.operationTimes[name]
	if !ok {
		return OperationStats{}, false
	}
	return tracker.snapshot(), true
}

// Snapshot returns every operation sorted by name.
func (p *Profiler) Snapshot() []OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OperationStats, 0, len(p.operationTimes))
	for _, name := range slices.Sorted(maps.Keys(p.operationTimes)) {
		out = append(out, p.operationTimes[name].snapshot())
	}
	return out
}

// Log writes one record per operation at debug level.
func (p *Profiler) Log(logger *slog.Logger, msg string) {
	for _, s := range p.Snapshot() {
		logger.Debug(msg, slog.String("operation", s.Name), slog.Any("timing", s))
	}
}

// Mean is taken over the retained window; Count and Min/Max cover every sample.
func (t *TimeTracker) snapshot() OperationStats {
	s := OperationStats{
		Name:  t.name,
		Count: t.count,
		Total: t.totalTime,
		Min:   t.minTime,
		Max:   t.maxTime,
	}
	if n := len(t.durations); n > 0 {
		s.Mean = t.totalTime / time.Duration(n)
	}
	return s
}
