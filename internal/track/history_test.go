package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func TestRecordAndRecentRoundTrip(t *testing.T) {
	s := NewStore()

	for i := int64(0); i < 5; i++ {
		s.Record("cam-1", 42, "car", float64(i), float64(i*10), ts(1000+i*100))
	}

	recent := s.Recent("cam-1", 42, 3)
	require.Len(t, recent, 3)
	assert.Equal(t, ts(1200), recent[0].Time)
	assert.Equal(t, ts(1300), recent[1].Time)
	assert.Equal(t, ts(1400), recent[2].Time)

	all := s.Recent("cam-1", 42, 100)
	assert.Len(t, all, 5)
}

func TestRecentUnknownObjectIsEmpty(t *testing.T) {
	s := NewStore()
	assert.Empty(t, s.Recent("cam-1", 7, 2))

	s.Record("cam-1", 1, "car", 0, 0, ts(1000))
	assert.Empty(t, s.Recent("cam-2", 1, 2))
}

func TestRetentionCapDropsOldest(t *testing.T) {
	s := NewStore(WithMaxSamples(3))

	for i := int64(0); i < 10; i++ {
		s.Record("cam-1", 1, "car", float64(i), 0, ts(i))
	}

	recent := s.Recent("cam-1", 1, 10)
	require.Len(t, recent, 3)
	assert.Equal(t, 7.0, recent[0].X)
	assert.Equal(t, 9.0, recent[2].X)
}

func TestOutOfOrderSampleIgnored(t *testing.T) {
	s := NewStore()

	s.Record("cam-1", 1, "car", 1, 1, ts(2000))
	s.Record("cam-1", 1, "car", 2, 2, ts(1500))

	recent := s.Recent("cam-1", 1, 10)
	require.Len(t, recent, 1)
	assert.Equal(t, 1.0, recent[0].X)
}

func TestDuplicateTimestampIgnored(t *testing.T) {
	s := NewStore()

	s.Record("cam-1", 1, "car", 1, 1, ts(2000))
	s.Record("cam-1", 1, "car", 1, 1, ts(2000))

	assert.Len(t, s.Recent("cam-1", 1, 10), 1)
}

func TestPruneRemovesAbsentTracks(t *testing.T) {
	s := NewStore()
	s.Record("cam-1", 1, "car", 0, 0, ts(1000))
	s.Record("cam-1", 2, "bus", 0, 0, ts(1000))

	s.Prune("cam-1", map[int]struct{}{2: {}})

	assert.Empty(t, s.Recent("cam-1", 1, 1))
	assert.Len(t, s.Recent("cam-1", 2, 1), 1)
}

func TestPruneWithMissTolerance(t *testing.T) {
	s := NewStore(WithMissTolerance(2))
	s.Record("cam-1", 1, "car", 0, 0, ts(1000))

	none := map[int]struct{}{}
	s.Prune("cam-1", none)
	assert.Len(t, s.Recent("cam-1", 1, 1), 1, "survives first miss")
	s.Prune("cam-1", none)
	assert.Len(t, s.Recent("cam-1", 1, 1), 1, "survives second miss")
	s.Prune("cam-1", none)
	assert.Empty(t, s.Recent("cam-1", 1, 1), "evicted past tolerance")
}

func TestMissCounterResetsOnSighting(t *testing.T) {
	s := NewStore(WithMissTolerance(1))
	s.Record("cam-1", 1, "car", 0, 0, ts(1000))

	s.Prune("cam-1", map[int]struct{}{})
	s.Record("cam-1", 1, "car", 1, 1, ts(1100))
	s.Prune("cam-1", map[int]struct{}{})

	assert.Len(t, s.Recent("cam-1", 1, 10), 2)
}

func TestSnapshotCopiesTrails(t *testing.T) {
	s := NewStore()
	s.Record("cam-1", 1, "car", 5, 6, ts(1000))

	snap := s.Snapshot("cam-1")
	require.Len(t, snap, 1)
	snap[1][0].X = 99

	recent := s.Recent("cam-1", 1, 1)
	assert.Equal(t, 5.0, recent[0].X)
}

func TestClass(t *testing.T) {
	s := NewStore()
	s.Record("cam-1", 1, "truck", 0, 0, ts(1000))

	class, ok := s.Class("cam-1", 1)
	require.True(t, ok)
	assert.Equal(t, "truck", class)

	_, ok = s.Class("cam-1", 2)
	assert.False(t, ok)
}
