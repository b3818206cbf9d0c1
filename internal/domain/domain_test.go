package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityFloor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		floor Severity
		ev    Severity
		want  bool
	}{
		{SeverityHigh, SeverityCritical, true},
		{SeverityHigh, SeverityHigh, true},
		{SeverityHigh, SeverityMedium, false},
		{SeverityHigh, SeverityLow, false},
		{SeverityAll, SeverityLow, true},
		{SeverityLow, SeverityLow, true},
		{SeverityCritical, SeverityHigh, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.floor.Admits(tc.ev), "%s admits %s", tc.floor, tc.ev)
	}
}

func TestStatusMachineIsForwardOnly(t *testing.T) {
	t.Parallel()
	assert.True(t, CanTransition(StatusPending, StatusSending))
	assert.True(t, CanTransition(StatusSending, StatusRetrying))
	assert.True(t, CanTransition(StatusRetrying, StatusSending))
	assert.True(t, CanTransition(StatusFailed, StatusReplaced))

	assert.False(t, CanTransition(StatusDelivered, StatusRetrying))
	assert.False(t, CanTransition(StatusCancelled, StatusSending))
	assert.False(t, CanTransition(StatusBounced, StatusRetrying))
	assert.False(t, CanTransition(StatusDelivered, StatusReplaced))

	for _, s := range Statuses {
		if s.IsTerminal() {
			assert.False(t, s.IsActive(), s)
			assert.False(t, CanTransition(s, StatusSending), s)
		}
	}
}

func TestParseEnums(t *testing.T) {
	t.Parallel()
	ch, err := ParseChannel(" Slack ")
	require.NoError(t, err)
	assert.Equal(t, ChannelSlack, ch)
	_, err = ParseChannel("fax")
	assert.Error(t, err)

	f, err := ParseFrequency("")
	require.NoError(t, err)
	assert.Equal(t, FrequencyImmediate, f)

	st, err := ParseRetryStrategy("")
	require.NoError(t, err)
	assert.Equal(t, RetryExponentialBackoff, st)
}

func TestRetryConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultRetryConfig().Validate())

	bad := DefaultRetryConfig()
	bad.MaxDelay = bad.InitialDelay / 2
	bad.BackoffMultiplier = 1
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_delay")
	assert.Contains(t, err.Error(), "backoff_multiplier")
}

func TestUserAddressFallback(t *testing.T) {
	t.Parallel()
	u := User{ID: "u1", Email: "a@example.com", Addresses: map[Channel]string{ChannelSlack: "@alice"}}
	assert.Equal(t, "a@example.com", u.AddressFor(ChannelEmail))
	assert.Equal(t, "@alice", u.AddressFor(ChannelSlack))
	assert.Equal(t, "", u.AddressFor(ChannelTeams))
}
