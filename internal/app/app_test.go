package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/channel"
	"changenotify/internal/domain"
	"changenotify/internal/eventbus"
	"changenotify/internal/history"
	logx "changenotify/pkg/logx"
)

const testConfig = `
timezone: UTC
delivery:
  max_retries: 2
  initial_delay: 10ms
  max_delay: 50ms
directory:
  users:
    - id: ana
      email: ana@example.com
      addresses:
        webhook: https://hooks.example.com/ana
  roles:
    product_manager: [ana]
dispatch:
  role_templates:
    product_manager: product_manager
  default_targets:
    - role: product_manager
maintenance:
  expire: "off"
  audit_prune: "off"
`

// Monday 10:00 UTC.
var testNow = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

type fakeWebhook struct {
	mu    sync.Mutex
	fails int
	sent  []channel.Message
}

func (f *fakeWebhook) sender() channel.Sender {
	return channel.SenderFunc{Ch: domain.ChannelWebhook, Fn: func(_ context.Context, msg channel.Message) (channel.Receipt, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fails > 0 {
			f.fails--
			return channel.Receipt{}, assert.AnError
		}
		f.sent = append(f.sent, msg)
		return channel.Receipt{MessageID: "wh-1"}, nil
	}}
}

func (f *fakeWebhook) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestApp(t *testing.T, wh *fakeWebhook) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	a, err := New(path,
		WithLogger(logx.Nop()),
		WithSender(wh.sender()),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	require.NoError(t, a.Preferences().Upsert(context.Background(), domain.Preference{
		UserID:         "ana",
		Channel:        domain.ChannelWebhook,
		SeverityFilter: domain.SeverityAll,
		Frequency:      domain.FrequencyImmediate,
		Enabled:        true,
	}))
	return a, path
}

func testEvent() domain.Event {
	return domain.Event{
		ID:         "evt-1",
		Severity:   domain.SeverityHigh,
		DetectedAt: testNow,
		Data:       map[string]any{"form_name": "I-9", "agency_name": "USCIS"},
	}
}

func TestDispatchDeliversAndAudits(t *testing.T) {
	wh := &fakeWebhook{}
	a, _ := newTestApp(t, wh)
	ctx := context.Background()
	a.StartAudit(ctx)
	defer func() { require.NoError(t, a.Stop(ctx, StopCommand)) }()

	sum, err := a.Dispatcher().Dispatch(ctx, testEvent(), a.Targets(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalSent)
	assert.Equal(t, 1, wh.count())

	res := sum.Results["ana"][domain.ChannelWebhook]
	require.NotEmpty(t, res.RecordID)
	assert.Equal(t, domain.StatusDelivered, res.Status)
	assert.Equal(t, "https://hooks.example.com/ana", res.Recipient)

	require.Eventually(t, func() bool {
		evs, err := a.Store().ListEvents(ctx, res.RecordID)
		if err != nil || len(evs) < 2 {
			return false
		}
		return evs[0].Type == eventbus.TypeQueued && evs[len(evs)-1].Type == eventbus.TypeSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryThenHistoryAnalytics(t *testing.T) {
	wh := &fakeWebhook{fails: 1}
	a, _ := newTestApp(t, wh)
	ctx := context.Background()
	a.StartAudit(ctx)
	defer func() { require.NoError(t, a.Stop(ctx, StopCommand)) }()

	sum, err := a.Dispatcher().Dispatch(ctx, testEvent(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalRetrying)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, a.Tracker().Wait(wctx))
	assert.Equal(t, 1, wh.count())

	page, err := a.History().List(ctx, history.Filter{}, history.Page{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, domain.StatusDelivered, page.Records[0].Status)
	assert.Equal(t, 1, page.Records[0].RetryCount)
}

func TestStartReloadStop(t *testing.T) {
	wh := &fakeWebhook{}
	a, path := newTestApp(t, wh)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	updated := testConfig + "batching:\n  batch:\n    batch_size: 3\n"
	updated = strings.Replace(updated, "max_retries: 2", "max_retries: 4", 1)

	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
		return a.Tracker().RetryConfig().MaxRetries == 4
	}, 5*time.Second, 500*time.Millisecond)

	require.NoError(t, a.Stop(ctx, StopSignal))
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still open after Stop")
	}
}

func TestJobsHonorOff(t *testing.T) {
	a, _ := newTestApp(t, &fakeWebhook{})
	defer a.Close()
	var names []string
	for _, j := range a.Maintenance().Snapshot() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{JobBatchFlush}, names)
}
