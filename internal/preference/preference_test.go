package preference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/domain"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

// Wednesday 2024-05-15 10:30 UTC.
var wednesdayMorning = time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)

func newService(t *testing.T, now time.Time, prefs ...domain.Preference) *Service {
	t.Helper()
	st := storage.NewMemory()
	for _, p := range prefs {
		require.NoError(t, st.UpsertPreference(context.Background(), p))
	}
	return New(st, logx.Nop(), WithClock(func() time.Time { return now }), WithLocation(time.UTC))
}

func pref(ch domain.Channel, sev domain.Severity, freq domain.Frequency) domain.Preference {
	return domain.Preference{UserID: "u1", Channel: ch, SeverityFilter: sev, Frequency: freq, Enabled: true}
}

func TestShouldNotifySeverityGating(t *testing.T) {
	t.Parallel()
	svc := newService(t, wednesdayMorning, pref(domain.ChannelEmail, domain.SeverityHigh, domain.FrequencyImmediate))
	ctx := context.Background()

	cases := map[domain.Severity]bool{
		domain.SeverityCritical: true,
		domain.SeverityHigh:     true,
		domain.SeverityMedium:   false,
		domain.SeverityLow:      false,
	}
	for sev, want := range cases {
		got, err := svc.ShouldNotify(ctx, "u1", domain.ChannelEmail, sev, wednesdayMorning)
		require.NoError(t, err)
		assert.Equal(t, want, got, "severity %s", sev)
	}
}

func TestShouldNotifyMissingOrDisabled(t *testing.T) {
	t.Parallel()
	disabled := pref(domain.ChannelSlack, domain.SeverityAll, domain.FrequencyImmediate)
	disabled.Enabled = false
	svc := newService(t, wednesdayMorning, pref(domain.ChannelEmail, domain.SeverityAll, domain.FrequencyImmediate), disabled)
	ctx := context.Background()

	ok, err := svc.ShouldNotify(ctx, "u1", domain.ChannelSlack, domain.SeverityCritical, wednesdayMorning)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ShouldNotify(ctx, "u1", domain.ChannelTeams, domain.SeverityCritical, wednesdayMorning)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ShouldNotify(ctx, "nobody", domain.ChannelEmail, domain.SeverityCritical, wednesdayMorning)
	require.NoError(t, err)
	assert.False(t, ok)

	prefs, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, prefs, 2, "disabled preferences are still listed")
}

func TestDecideBusinessHours(t *testing.T) {
	t.Parallel()
	svc := newService(t, wednesdayMorning)
	p := pref(domain.ChannelEmail, domain.SeverityAll, domain.FrequencyImmediate)
	p.BusinessHoursOnly = true

	ok, _ := svc.Decide(p, domain.SeverityLow, wednesdayMorning, wednesdayMorning)
	assert.True(t, ok)

	evening := time.Date(2024, 5, 15, 17, 0, 0, 0, time.UTC)
	ok, reason := svc.Decide(p, domain.SeverityLow, evening, evening)
	assert.False(t, ok)
	assert.Equal(t, ReasonBusinessHours, reason)

	saturday := time.Date(2024, 5, 18, 11, 0, 0, 0, time.UTC)
	ok, _ = svc.Decide(p, domain.SeverityLow, saturday, saturday)
	assert.False(t, ok)

	// 10:30 UTC is 05:30 in UTC-5.
	p.Timezone = ""
	east := New(storage.NewMemory(), logx.Nop(), WithLocation(time.FixedZone("EST", -5*3600)))
	ok, _ = east.Decide(p, domain.SeverityLow, wednesdayMorning, wednesdayMorning)
	assert.False(t, ok)

	bh := pref(domain.ChannelEmail, domain.SeverityAll, domain.FrequencyBusinessHours)
	ok, _ = svc.Decide(bh, domain.SeverityLow, saturday, saturday)
	assert.False(t, ok)
	ok, _ = svc.Decide(bh, domain.SeverityLow, wednesdayMorning, wednesdayMorning)
	assert.True(t, ok)
}

func TestDecideFrequencyWindows(t *testing.T) {
	t.Parallel()
	svc := newService(t, wednesdayMorning)
	cases := []struct {
		freq domain.Frequency
		age  time.Duration
		want bool
	}{
		{domain.FrequencyImmediate, 0, true},
		{domain.FrequencyHourly, 30 * time.Minute, false},
		{domain.FrequencyHourly, 61 * time.Minute, true},
		{domain.FrequencyDaily, 23 * time.Hour, false},
		{domain.FrequencyDaily, 25 * time.Hour, true},
		{domain.FrequencyWeekly, 6 * 24 * time.Hour, false},
		{domain.FrequencyWeekly, 8 * 24 * time.Hour, true},
		{domain.FrequencyCustom, 0, true},
	}
	for _, tc := range cases {
		p := pref(domain.ChannelEmail, domain.SeverityAll, tc.freq)
		ok, _ := svc.Decide(p, domain.SeverityLow, wednesdayMorning.Add(-tc.age), wednesdayMorning)
		assert.Equal(t, tc.want, ok, "%s age %s", tc.freq, tc.age)
	}
}

func TestUpsertAndDisable(t *testing.T) {
	t.Parallel()
	svc := newService(t, wednesdayMorning)
	ctx := context.Background()

	err := svc.Upsert(ctx, domain.Preference{UserID: "u1", Channel: "fax", Enabled: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPreference))

	err = svc.Upsert(ctx, domain.Preference{UserID: "u1", Channel: domain.ChannelEmail, Enabled: true, BatchEnabled: true})
	require.Error(t, err)

	require.NoError(t, svc.Upsert(ctx, domain.Preference{UserID: "u1", Channel: domain.ChannelEmail, Enabled: true}))
	ok, err := svc.ShouldNotify(ctx, "u1", domain.ChannelEmail, domain.SeverityLow, wednesdayMorning)
	require.NoError(t, err)
	assert.True(t, ok, "defaults are severity all, immediate")

	require.NoError(t, svc.Disable(ctx, "u1", domain.ChannelEmail))
	ok, err = svc.ShouldNotify(ctx, "u1", domain.ChannelEmail, domain.SeverityCritical, wednesdayMorning)
	require.NoError(t, err)
	assert.False(t, ok)

	err = svc.Disable(ctx, "u1", domain.ChannelTeams)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
