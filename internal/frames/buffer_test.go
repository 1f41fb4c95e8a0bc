package frames

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushTrimsOutsideWindow(t *testing.T) {
	now := time.UnixMilli(0)
	b := NewBuffer(WithWindow(10*time.Second), WithClock(func() time.Time { return now }))

	b.Push("cam-1", Frame{ID: "old", CreatedAt: now})
	now = now.Add(30 * time.Second)
	b.Push("cam-1", Frame{ID: "new", CreatedAt: now})

	_, ok := b.ByID("cam-1", "old")
	assert.False(t, ok)
	_, ok = b.ByID("cam-1", "new")
	assert.True(t, ok)
}

func TestNearestWithinTolerance(t *testing.T) {
	now := time.UnixMilli(0)
	b := NewBuffer(WithClock(func() time.Time { return now }))

	b.Push("cam-1", Frame{ID: "a", CreatedAt: now})
	b.Push("cam-1", Frame{ID: "b", CreatedAt: now.Add(200 * time.Millisecond)})
	b.Push("cam-1", Frame{ID: "c", CreatedAt: now.Add(900 * time.Millisecond)})

	f, ok := b.Nearest("cam-1", now.Add(250*time.Millisecond), 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "b", f.ID)

	_, ok = b.Nearest("cam-1", now.Add(3*time.Second), 100*time.Millisecond)
	assert.False(t, ok, "nothing close enough")

	_, ok = b.Nearest("cam-2", now, time.Second)
	assert.False(t, ok, "unknown camera")
}

func TestRangeReturnsContextFrames(t *testing.T) {
	now := time.UnixMilli(0)
	b := NewBuffer(WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		b.Push("cam-1", Frame{ID: string(rune('a' + i)), CreatedAt: now.Add(time.Duration(i) * time.Second)})
	}

	got := b.Range("cam-1", now.Add(time.Second), now.Add(3*time.Second))
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "d", got[2].ID)
}

func TestDropCamera(t *testing.T) {
	now := time.UnixMilli(0)
	b := NewBuffer(WithClock(func() time.Time { return now }))
	b.Push("cam-1", Frame{ID: "a", CreatedAt: now})

	b.DropCamera("cam-1")

	_, ok := b.ByID("cam-1", "a")
	assert.False(t, ok)
}
