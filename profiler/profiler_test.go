package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	p := New(0)
	p.Record("match", 2*time.Millisecond)
	p.Record("match", 4*time.Millisecond)
	p.Record("mine", time.Millisecond)

	stats, ok := p.Stats("match")
	require.True(t, ok)
	assert.Equal(t, OperationStats{
		Name:  "match",
		Count: 2,
		Total: 6 * time.Millisecond,
		Min:   2 * time.Millisecond,
		Max:   4 * time.Millisecond,
		Mean:  3 * time.Millisecond,
	}, stats)

	_, ok = p.Stats("missing")
	assert.False(t, ok)

	names := []string{}
	for _, s := range p.Snapshot() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"match", "mine"}, names)
}

func TestRecordWindow(t *testing.T) {
	p := New(2)
	p.Record("op", time.Second)
	p.Record("op", 2*time.Second)
	p.Record("op", 4*time.Second)

	stats, ok := p.Stats("op")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, 6*time.Second, stats.Total, "oldest sample is dropped")
	assert.Equal(t, 3*time.Second, stats.Mean)
	assert.Equal(t, time.Second, stats.Min)
}

func TestStartOperationConcurrent(t *testing.T) {
	p := New(10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := p.StartOperation("overlap")
			done()
		}()
	}
	wg.Wait()

	stats, ok := p.Stats("overlap")
	require.True(t, ok)
	assert.Equal(t, int64(8), stats.Count)
}
