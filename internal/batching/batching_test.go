package batching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/domain"
	logx "changenotify/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type flushLog struct {
	mu      sync.Mutex
	batches []Batch
}

func (f *flushLog) fn(_ context.Context, b Batch) ([]domain.Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	out := make([]domain.Result, len(b.Members))
	for i, r := range b.Members {
		out[i] = domain.Result{Channel: r.Channel, Success: true, Status: domain.StatusDelivered, MessageID: r.Subject}
	}
	return out, nil
}

func candidate(user string, sev domain.Severity, subject string, batch bool) Candidate {
	return Candidate{
		Record: domain.Record{UserID: user, Channel: domain.ChannelEmail, Severity: sev, Subject: subject},
		Preference: domain.Preference{
			UserID:             user,
			Channel:            domain.ChannelEmail,
			BatchEnabled:       batch,
			BatchSize:          5,
			BatchWindowMinutes: 30,
		},
	}
}

func newManager(cfg Config) (*Manager, *clock, *flushLog) {
	clk := &clock{t: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}
	fl := &flushLog{}
	return New(cfg, logx.Nop(), WithClock(clk.now), WithFlushFunc(fl.fn)), clk, fl
}

func TestThrottleHourlyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Limits = Limits{PerHour: 3, PerDay: 100}
	m, clk, _ := newManager(cfg)
	ctx := context.Background()

	var throttled int
	for i := 0; i < 4; i++ {
		d, err := m.Process(ctx, candidate("u1", domain.SeverityLow, "s", false))
		require.NoError(t, err)
		if d.Status == StatusThrottled {
			throttled++
			assert.Equal(t, ReasonHourlyLimit, d.Reason)
		}
		clk.advance(time.Second)
	}
	assert.Equal(t, 1, throttled)

	// Other users have their own budget.
	d, err := m.Process(ctx, candidate("u2", domain.SeverityLow, "s", false))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, d.Status)

	// The window slides.
	clk.advance(time.Hour)
	d, err = m.Process(ctx, candidate("u1", domain.SeverityLow, "s", false))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, d.Status)
}

func TestThrottleDailyCooldownAndBurst(t *testing.T) {
	ctx := context.Background()

	t.Run("daily", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Throttle.Limits = Limits{PerHour: 100, PerDay: 2}
		m, clk, _ := newManager(cfg)
		for i := 0; i < 2; i++ {
			d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
			require.Equal(t, StatusAccepted, d.Status)
			clk.advance(2 * time.Hour)
		}
		d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
		assert.Equal(t, ReasonDailyLimit, d.Reason)
	})

	t.Run("cooldown", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Throttle.Limits = Limits{PerHour: 100, PerDay: 100, Cooldown: time.Minute}
		m, clk, _ := newManager(cfg)
		d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
		require.Equal(t, StatusAccepted, d.Status)
		clk.advance(30 * time.Second)
		d, _ = m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
		assert.Equal(t, ReasonCooldown, d.Reason)
		clk.advance(31 * time.Second)
		d, _ = m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
		assert.Equal(t, StatusAccepted, d.Status)
	})

	t.Run("burst", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Throttle.Limits = Limits{PerHour: 100, PerDay: 100, BurstLimit: 2, BurstWindow: time.Minute}
		m, clk, _ := newManager(cfg)
		for i := 0; i < 2; i++ {
			d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
			require.Equal(t, StatusAccepted, d.Status)
		}
		d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
		assert.Equal(t, ReasonBurstLimit, d.Reason)
		clk.advance(30 * time.Second)
		d, _ = m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
		assert.Equal(t, StatusAccepted, d.Status)
	})
}

func TestThrottleExemptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Limits = Limits{PerHour: 1, PerDay: 1}
	cfg.Throttle.ExemptCritical = true
	m, _, _ := newManager(cfg)
	ctx := context.Background()

	d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
	require.Equal(t, StatusAccepted, d.Status)
	d, _ = m.Process(ctx, candidate("u", domain.SeverityHigh, "s", false))
	assert.Equal(t, StatusThrottled, d.Status)
	d, _ = m.Process(ctx, candidate("u", domain.SeverityCritical, "s", false))
	assert.Equal(t, StatusAccepted, d.Status)

	cfg.Throttle.ExemptHighPriority = true
	m.Apply(cfg)
	d, _ = m.Process(ctx, candidate("u", domain.SeverityHigh, "s", false))
	assert.Equal(t, StatusAccepted, d.Status)
}

func TestPerChannelLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Limits = Limits{PerHour: 100, PerDay: 100}
	cfg.Throttle.PerChannel = map[domain.Channel]Limits{domain.ChannelEmail: {PerHour: 1, PerDay: 100}}
	m, _, _ := newManager(cfg)
	ctx := context.Background()

	d, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
	require.Equal(t, StatusAccepted, d.Status)
	d, _ = m.Process(ctx, candidate("u", domain.SeverityLow, "s", false))
	assert.Equal(t, StatusThrottled, d.Status)
}

func TestBatchFlushesAtSizeInOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Enabled = false
	m, _, fl := newManager(cfg)
	ctx := context.Background()

	var batchID string
	for i := 0; i < 5; i++ {
		d, err := m.Process(ctx, candidate("u", domain.SeverityMedium, fmt.Sprintf("m%d", i), true))
		require.NoError(t, err)
		assert.Equal(t, StatusBatched, d.Status)
		if i == 0 {
			batchID = d.BatchID
		}
		assert.Equal(t, batchID, d.BatchID)
		assert.Equal(t, i == 4, d.Flushed)
		if i < 4 {
			assert.Nil(t, d.Result)
		} else {
			require.NotNil(t, d.Result)
			assert.Equal(t, "m4", d.Result.MessageID)
		}
	}

	require.Len(t, fl.batches, 1)
	b := fl.batches[0]
	assert.Equal(t, batchID, b.ID)
	assert.Equal(t, TriggerSize, b.Trigger)
	require.Len(t, b.Members, 5)
	for i, r := range b.Members {
		assert.Equal(t, fmt.Sprintf("m%d", i), r.Subject)
		assert.Equal(t, batchID, r.BatchID)
	}
	assert.Empty(t, m.Snapshot())

	// The next candidate opens a new batch.
	d, err := m.Process(ctx, candidate("u", domain.SeverityMedium, "m5", true))
	require.NoError(t, err)
	assert.NotEqual(t, batchID, d.BatchID)
}

func TestBatchWindowFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Enabled = false
	m, clk, fl := newManager(cfg)
	ctx := context.Background()

	_, err := m.Process(ctx, candidate("u", domain.SeverityMedium, "a", true))
	require.NoError(t, err)
	clk.advance(10 * time.Minute)
	_, err = m.Process(ctx, candidate("v", domain.SeverityMedium, "b", true))
	require.NoError(t, err)
	require.Len(t, m.Snapshot(), 2)

	clk.advance(20 * time.Minute)
	n, err := m.FlushDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, fl.batches, 1)
	assert.Equal(t, "u", fl.batches[0].Key.UserID)
	assert.Equal(t, TriggerWindow, fl.batches[0].Trigger)

	n, err = m.FlushAll(ctx, TriggerShutdown)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, m.Snapshot())
}

func TestCriticalOverridesBatching(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Enabled = false
	m, _, fl := newManager(cfg)
	ctx := context.Background()

	d, err := m.Process(ctx, candidate("u", domain.SeverityCritical, "c", true))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, d.Status)
	assert.Equal(t, ReasonPriorityOverride, d.Reason)
	assert.Empty(t, fl.batches)

	cfg.Batch.PriorityOverride = false
	m.Apply(cfg)
	d, err = m.Process(ctx, candidate("u", domain.SeverityCritical, "c", true))
	require.NoError(t, err)
	assert.Equal(t, StatusBatched, d.Status)
}

func TestBatchBySeveritySplitsBuffers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttle.Enabled = false
	cfg.Batch.BySeverity = true
	m, _, _ := newManager(cfg)
	ctx := context.Background()

	a, _ := m.Process(ctx, candidate("u", domain.SeverityLow, "a", true))
	b, _ := m.Process(ctx, candidate("u", domain.SeverityHigh, "b", true))
	assert.NotEqual(t, a.BatchID, b.BatchID)
	assert.Len(t, m.Snapshot(), 2)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Throttle.PerHour = 0
	cfg.Batch.DefaultSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit_per_hour")
	assert.Contains(t, err.Error(), "batch_size")
}
