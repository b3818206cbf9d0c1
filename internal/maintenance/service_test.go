package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "changenotify/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 3 * * *", kind: SpecCron, source: "cron", cron: "0 3 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute, cron: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
			if tt.cron != "" {
				assert.Equal(t, tt.cron, got.CronSpec())
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "interval:", "01:75", "00:00"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestSetValidatesEverything(t *testing.T) {
	s := New("UTC", logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	err := s.Set([]Job{
		{Name: "ok", Schedule: "1m", Run: noop},
		{Name: "bad", Schedule: "61 * * * *", Run: noop},
		{Name: "ok", Schedule: "1m", Run: noop},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Contains(t, err.Error(), "duplicate")
	assert.Empty(t, s.Snapshot(), "nothing applied on error")

	require.NoError(t, s.Set([]Job{{Name: "ok", Schedule: "1m", Run: noop}}))
	require.Len(t, s.Snapshot(), 1)
}

func TestRunNow(t *testing.T) {
	s := New("", logx.Nop(), nil)
	var n atomic.Int32
	require.NoError(t, s.Set([]Job{
		{Name: "count", Schedule: "1h", Run: func(context.Context) error { n.Add(1); return nil }},
		{Name: "fail", Schedule: "1h", Run: func(context.Context) error { return errors.New("boom") }},
		{Name: "panic", Schedule: "1h", Run: func(context.Context) error { panic("oops") }},
	}))
	ctx := context.Background()

	require.NoError(t, s.RunNow(ctx, "count"))
	assert.EqualValues(t, 1, n.Load())
	assert.EqualError(t, s.RunNow(ctx, "fail"), "boom")
	assert.ErrorContains(t, s.RunNow(ctx, "panic"), "oops")
	assert.ErrorIs(t, s.RunNow(ctx, "nope"), ErrUnknownJob)

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "count", snap[0].Name)
	assert.EqualValues(t, 1, snap[0].Runs)
	assert.Equal(t, "boom", snap[1].LastErr)
}

func TestRunSkipsOverlap(t *testing.T) {
	s := New("", logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Set([]Job{{Name: "slow", Schedule: "1h", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started
	require.NoError(t, s.RunNow(context.Background(), "slow"))
	close(release)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap[0].Runs)
	assert.EqualValues(t, 1, snap[0].Skipped)
}

func TestScheduledRun(t *testing.T) {
	s := New("UTC", logx.Nop(), nil)
	var n atomic.Int32
	require.NoError(t, s.Set([]Job{{Name: "tick", Schedule: "every:1s", Run: func(context.Context) error { n.Add(1); return nil }}}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	snap := s.Snapshot()
	assert.False(t, snap[0].Next.IsZero())
}
