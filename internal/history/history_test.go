package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/channel"
	"changenotify/internal/delivery"
	"changenotify/internal/domain"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

var base = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, storage.Store, *delivery.Tracker) {
	t.Helper()
	st := storage.NewMemory()
	ok := delivery.SenderFunc(func(context.Context, domain.Channel, channel.Message) (channel.Receipt, error) {
		return channel.Receipt{MessageID: "ok"}, nil
	})
	tr := delivery.New(st, ok, logx.Nop())
	t.Cleanup(func() {
		_ = tr.Stop(context.Background())
		_ = st.Close()
	})
	return New(st, tr, logx.Nop()), st, tr
}

func seed(t *testing.T, st storage.Store, id string, status domain.Status, mod func(r *domain.Record)) {
	t.Helper()
	r := domain.Record{
		ID:            id,
		SourceEventID: "evt",
		UserID:        "u1",
		Channel:       domain.ChannelEmail,
		Recipient:     "ana@example.com",
		Subject:       "I-9 changed",
		Body:          "Section 2 rewritten",
		Severity:      domain.SeverityHigh,
		Status:        status,
		MaxRetries:    3,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if mod != nil {
		mod(&r)
	}
	require.NoError(t, st.CreateRecord(context.Background(), r))
}

func TestListPaginates(t *testing.T) {
	m, st, _ := setup(t)
	for i := 0; i < 7; i++ {
		i := i
		seed(t, st, fmt.Sprintf("r%d", i), domain.StatusDelivered, func(r *domain.Record) {
			r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				r.Channel = domain.ChannelSlack
				r.Recipient = "#ops"
			}
		})
	}
	ctx := context.Background()

	page, err := m.List(ctx, Filter{}, Page{Page: 2, Size: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Records, 3)
	assert.Equal(t, "r3", page.Records[0].ID, "newest first")

	page, err = m.List(ctx, Filter{Channel: domain.ChannelSlack}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, DefaultPageSize, page.Size)

	page, err = m.List(ctx, Filter{Recipient: "ANA@"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = m.List(ctx, Filter{From: base.Add(5 * time.Minute)}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestSearch(t *testing.T) {
	m, st, _ := setup(t)
	seed(t, st, "a", domain.StatusFailed, func(r *domain.Record) { r.ErrorMessage = "SMTP 421 try later" })
	seed(t, st, "b", domain.StatusDelivered, func(r *domain.Record) { r.Subject = "W-4 changed" })

	got, err := m.Search(context.Background(), "smtp", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = m.Search(context.Background(), "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResend(t *testing.T) {
	m, st, _ := setup(t)
	seed(t, st, "failed", domain.StatusFailed, func(r *domain.Record) { r.RetryCount = 3; r.ErrorMessage = "timeout" })
	seed(t, st, "done", domain.StatusDelivered, nil)
	ctx := context.Background()

	res, err := m.Resend(ctx, "failed")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEqual(t, "failed", res.RecordID)
	assert.Zero(t, res.RetryCount)

	orig, err := st.GetRecord(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReplaced, orig.Status)
	assert.Equal(t, res.RecordID, orig.ReplacedBy)

	fresh, err := st.GetRecord(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, orig.Subject, fresh.Subject)
	assert.Equal(t, orig.Recipient, fresh.Recipient)

	_, err = m.Resend(ctx, "done")
	assert.ErrorIs(t, err, ErrNotResendable)
	_, err = m.Resend(ctx, "failed")
	assert.ErrorIs(t, err, ErrNotResendable, "a replaced record cannot be resent twice")
	_, err = m.Resend(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancel(t *testing.T) {
	m, st, _ := setup(t)
	seed(t, st, "p", domain.StatusPending, nil)
	seed(t, st, "s", domain.StatusSending, nil)
	ctx := context.Background()

	require.NoError(t, m.Cancel(ctx, "p"))
	got, err := st.GetRecord(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	assert.ErrorIs(t, m.Cancel(ctx, "p"), ErrNotCancellable)
	assert.ErrorIs(t, m.Cancel(ctx, "s"), ErrNotCancellable)
}

func TestBulkIsolatesFailures(t *testing.T) {
	m, st, _ := setup(t)
	seed(t, st, "p1", domain.StatusPending, nil)
	seed(t, st, "r1", domain.StatusRetrying, nil)
	seed(t, st, "d1", domain.StatusDelivered, nil)
	ctx := context.Background()

	res, err := m.Bulk(ctx, BulkCancel, []string{"p1", "d1", "nope", "r1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "r1"}, res.Succeeded)
	assert.Len(t, res.Failed, 2)
	assert.Contains(t, res.Failed, "d1")
	assert.Contains(t, res.Failed, "nope")

	res, err = m.Bulk(ctx, BulkArchive, []string{"d1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, res.Succeeded)
	page, err := m.List(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total, "archived records are hidden by default")

	_, err = m.Bulk(ctx, BulkOp("delete"), []string{"d1"})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestAnalytics(t *testing.T) {
	m, st, _ := setup(t)
	secs := func(v float64) *float64 { return &v }
	seed(t, st, "1", domain.StatusDelivered, func(r *domain.Record) { r.DeliveryTime = secs(2) })
	seed(t, st, "2", domain.StatusDelivered, func(r *domain.Record) { r.DeliveryTime = secs(4) })
	seed(t, st, "3", domain.StatusFailed, func(r *domain.Record) { r.Channel = domain.ChannelSlack; r.Recipient = "#ops" })
	seed(t, st, "4", domain.StatusBounced, func(r *domain.Record) { r.CreatedAt = base.Add(-48 * time.Hour) })

	a, err := m.Analytics(context.Background(), base.Add(-time.Hour), base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Total)
	assert.Equal(t, 2, a.ByStatus[domain.StatusDelivered])
	assert.Equal(t, 1, a.ByStatus[domain.StatusFailed])
	assert.Equal(t, 1, a.ByChannel[domain.ChannelSlack])
	assert.InDelta(t, 3.0, a.AverageDeliveryTime, 0.0001)
	require.Len(t, a.TopRecipients, 1)
	assert.Equal(t, RecipientCount{Recipient: "ana@example.com", Count: 2}, a.TopRecipients[0])
}
