package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"traffic-violation-service/internal/domain/traffic"
)

type fakeHistory struct {
	status traffic.SignalStatus
	err    error
	calls  int
}

func (f *fakeHistory) SignalStatusAt(_ context.Context, _ string, _ time.Time) (traffic.SignalStatus, error) {
	f.calls++
	return f.status, f.err
}

func TestFastPathHitsCache(t *testing.T) {
	now := time.UnixMilli(100_000)
	history := &fakeHistory{status: traffic.SignalGreen}
	c := NewCache(history, WithClock(func() time.Time { return now }))

	c.Set("cam-1", traffic.SignalRed, now)

	got := c.StatusAt(context.Background(), "cam-1", now.Add(-time.Second))
	assert.Equal(t, traffic.SignalRed, got)
	assert.Zero(t, history.calls, "fast path must not touch the historical log")
}

func TestOldTimestampConsultsHistory(t *testing.T) {
	now := time.UnixMilli(100_000)
	history := &fakeHistory{status: traffic.SignalGreen}
	c := NewCache(history, WithClock(func() time.Time { return now }))

	c.Set("cam-1", traffic.SignalRed, now)

	got := c.StatusAt(context.Background(), "cam-1", now.Add(-time.Minute))
	assert.Equal(t, traffic.SignalGreen, got)
	assert.Equal(t, 1, history.calls)
}

func TestExpiredEntryFallsBack(t *testing.T) {
	now := time.UnixMilli(100_000)
	clock := func() time.Time { return now }
	history := &fakeHistory{status: traffic.SignalYellow}
	c := NewCache(history, WithClock(clock), WithTTL(time.Minute))

	c.Set("cam-1", traffic.SignalRed, now)
	now = now.Add(2 * time.Minute)

	got := c.StatusAt(context.Background(), "cam-1", now)
	assert.Equal(t, traffic.SignalYellow, got)
}

func TestUnknownWhenNothingResolves(t *testing.T) {
	now := time.UnixMilli(100_000)
	history := &fakeHistory{err: errors.New("db down")}
	c := NewCache(history, WithClock(func() time.Time { return now }))

	got := c.StatusAt(context.Background(), "cam-9", now)
	assert.Equal(t, traffic.SignalUnknown, got)
}

func TestNilHistoryResolvesUnknown(t *testing.T) {
	now := time.UnixMilli(100_000)
	c := NewCache(nil, WithClock(func() time.Time { return now }))

	got := c.StatusAt(context.Background(), "cam-1", now.Add(-time.Hour))
	assert.Equal(t, traffic.SignalUnknown, got)
}
