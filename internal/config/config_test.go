package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/domain"
	"changenotify/internal/render"
)

const sampleYAML = `
timezone: UTC
logging:
  level: debug
delivery:
  max_retries: 5
  initial_delay: 2s
  max_delay: 1m
  strategy: linear_backoff
batching:
  throttle:
    rate_limit_per_hour: 20
    cooldown: 30s
    per_channel:
      slack:
        rate_limit_per_hour: 3
  batch:
    batch_size: 4
channels:
  slack:
    webhook_url: https://hooks.example.com/T000/B000
    timeout: 5s
directory:
  users:
    - id: u1
      email: u1@example.com
      addresses:
        slack: "@u1"
  roles:
    product_manager: [u1]
dispatch:
  role_templates:
    product_manager: product_manager
  default_targets:
    - role: product_manager
maintenance:
  audit_prune: "off"
`

func TestParseBytes_YAMLAndResolve(t *testing.T) {
	cfg, err := ParseBytes(FormatYAML, []byte(sampleYAML))
	require.NoError(t, err)

	rt, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, time.UTC, rt.Location)
	assert.Equal(t, "debug", rt.Logging.Level)

	assert.Equal(t, 5, rt.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, rt.Retry.InitialDelay)
	assert.Equal(t, time.Minute, rt.Retry.MaxDelay)
	assert.Equal(t, domain.RetryLinearBackoff, rt.Retry.Strategy)
	assert.Equal(t, 24*time.Hour, rt.ExpireAfter)

	assert.True(t, rt.Batching.Throttle.Enabled)
	assert.Equal(t, 20, rt.Batching.Throttle.PerHour)
	assert.Equal(t, 50, rt.Batching.Throttle.PerDay)
	assert.Equal(t, 30*time.Second, rt.Batching.Throttle.Cooldown)
	slack := rt.Batching.Throttle.PerChannel[domain.ChannelSlack]
	assert.Equal(t, 3, slack.PerHour)
	assert.Equal(t, 50, slack.PerDay, "per-channel limits inherit the global ones")
	assert.Equal(t, 4, rt.Batching.Batch.DefaultSize)
	assert.Equal(t, 60*time.Minute, rt.Batching.Batch.DefaultWindow)

	require.NotNil(t, rt.Channels.Slack)
	assert.Nil(t, rt.Channels.Email)
	assert.Equal(t, 5*time.Second, rt.Channels.Limits[domain.ChannelSlack].Timeout)

	require.Len(t, rt.Directory.Users, 1)
	assert.Equal(t, "@u1", rt.Directory.Users[0].AddressFor(domain.ChannelSlack))
	assert.Equal(t, render.KindProductManager, rt.Dispatch.RoleTemplates["product_manager"])
	assert.Equal(t, render.KindExecutiveSummary, rt.Dispatch.DefaultTemplate)
	assert.Equal(t, defaultConcurrency, rt.Dispatch.Concurrency)
	require.Len(t, rt.Spool.DefaultTargets, 1)

	assert.Equal(t, defaultExpireSchedule, rt.Maintenance.Expire)
	assert.Empty(t, rt.Maintenance.AuditPrune, "off disables the job")
}

func TestResolve_Defaults(t *testing.T) {
	rt, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultRetryConfig(), rt.Retry)
	assert.Equal(t, 10, rt.Batching.Throttle.PerHour)
	assert.Equal(t, "@daily", rt.Maintenance.AuditPrune)
	assert.Equal(t, defaultAuditRetention, rt.Maintenance.AuditRetention)
	assert.False(t, rt.SpoolOn)
}

func TestResolve_ExplicitZeroRetries(t *testing.T) {
	zero := 0
	rt, err := Resolve(&Config{Delivery: DeliveryConfig{MaxRetries: &zero}})
	require.NoError(t, err)
	assert.Equal(t, 0, rt.Retry.MaxRetries)
}

func TestResolve_Errors(t *testing.T) {
	neg := -1
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"strategy enum", Config{Delivery: DeliveryConfig{Strategy: "random"}}, "delivery.strategy"},
		{"negative retries", Config{Delivery: DeliveryConfig{MaxRetries: &neg}}, "delivery.max_retries"},
		{"max below initial", Config{Delivery: DeliveryConfig{InitialDelay: "10s", MaxDelay: "5s"}}, "max_delay must be >= initial_delay"},
		{"multiplier", Config{Delivery: DeliveryConfig{BackoffMultiplier: 1}}, "backoff_multiplier must be > 1"},
		{"bad duration", Config{Delivery: DeliveryConfig{InitialDelay: "soon"}}, "delivery.initial_delay"},
		{"timezone", Config{Timezone: "Mars/Olympus"}, "timezone"},
		{"sqlite path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown channel", Config{Batching: BatchingConfig{Throttle: ThrottleConfig{PerChannel: map[string]ThrottleLimits{"fax": {}}}}}, "unknown channel"},
		{"template", Config{Dispatch: DispatchConfig{DefaultTemplate: "poem"}}, "dispatch.default_template"},
		{"role member", Config{Directory: DirectoryConfig{Roles: map[string][]string{"ba": {"ghost"}}}}, "unknown user"},
		{"user email", Config{Directory: DirectoryConfig{Users: []UserConfig{{ID: "u", Email: "nope"}}}}, "email"},
		{"schedule", Config{Maintenance: MaintenanceConfig{Expire: "99:99:99"}}, "maintenance.expire"},
		{"spool dir", Config{Spool: SpoolConfig{Enabled: true}}, "spool.dir"},
		{"slack url", Config{Channels: ChannelsConfig{Slack: &SlackConfig{WebhookURL: "not a url"}}}, "channels.slack.webhook_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(&tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseBytes_Strict(t *testing.T) {
	_, err := ParseBytes(FormatJSON, []byte(`{"timezone":"UTC","bogus":1}`))
	require.Error(t, err)

	_, err = ParseBytes(FormatJSON, []byte(`{"timezone":"UTC"}{"timezone":"UTC"}`))
	require.Error(t, err)

	_, err = ParseBytes(FormatYAML, []byte("delivery:\n  retries: 3\n"))
	require.Error(t, err)

	cfg, err := ParseBytes(FormatYAML, []byte(""))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatOf("/etc/x/config.YML"))
	assert.Equal(t, FormatYAML, FormatOf("config.yaml"))
	assert.Equal(t, FormatJSON, FormatOf("config.json"))
	assert.Equal(t, FormatJSON, FormatOf("config"))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManager_LoadReloadPublish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "timezone: UTC\n")

	m := NewManager(path)
	cfg, rt, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, time.UTC, rt.Location)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "identical content is not republished")

	writeFile(t, path, "timezone: UTC\ndispatch:\n  concurrency: 2\n")
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	select {
	case got := <-ch:
		assert.Equal(t, 2, got.Dispatch.Concurrency)
	default:
		t.Fatal("expected a published config")
	}
	_, cur := m.Get()
	assert.Equal(t, 2, cur.Dispatch.Concurrency)

	// Invalid content keeps the committed version.
	writeFile(t, path, "delivery:\n  strategy: random\n")
	changed, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, changed)
	_, cur = m.Get()
	assert.Equal(t, 2, cur.Dispatch.Concurrency)
}

func TestManager_ValidatorRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"timezone":"UTC"}`)
	m := NewManager(path)
	_, _, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return assert.AnError
	})
	writeFile(t, path, `{"timezone":"UTC","dispatch":{"concurrency":3}}`)
	changed, err := m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, changed)
}

func TestManager_PublishKeepsLatest(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{Timezone: "A"}, &Config{Timezone: "B"}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	m.publish(a)
}

func TestManager_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "timezone: UTC\n")
	m := NewManager(path)
	_, _, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher may not be registered on the first write, so rewrite every
	// second. Writes are spaced wider than the debounce so the reload fires.
	tick := 0
	require.Eventually(t, func() bool {
		if tick%10 == 0 {
			writeFile(t, path, "timezone: UTC\ndispatch:\n  concurrency: 7\n")
		}
		tick++
		select {
		case got := <-ch:
			return got.Dispatch.Concurrency == 7
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}

func TestChangedSections(t *testing.T) {
	old := &Config{Timezone: "UTC"}
	cur := &Config{Timezone: "UTC", Channels: ChannelsConfig{Slack: &SlackConfig{WebhookURL: "https://x"}}, Ops: OpsConfig{Enabled: true}}
	got := ChangedSections(old, cur)
	assert.Equal(t, []string{"channels", "ops"}, got)
	assert.Empty(t, RequiresRestart(got))
	assert.Equal(t, []string{"storage"}, RequiresRestart([]string{"storage", "ops"}))
	assert.Equal(t, []string{"slack"}, cur.Channels.Names())
	assert.NotEmpty(t, SummarizeChange(old, cur))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("x", "30d")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d)

	d, err = ParseDuration("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDuration("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	for _, bad := range []string{"-1s", "xd", "-2d", "soon"} {
		_, err := ParseDuration("audit.retention", bad)
		assert.ErrorContains(t, err, "audit.retention", bad)
	}

	d, err = durationOr("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestExampleConfigLoads(t *testing.T) {
	m := NewManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, rt, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", rt.Location.String())
	assert.Equal(t, 720*time.Hour, rt.Maintenance.AuditRetention)
	assert.Equal(t, []string{"email", "slack", "teams", "webhook", "telegram"}, cfg.Channels.Names())
	assert.True(t, rt.SpoolOn)
	assert.Len(t, rt.Spool.DefaultTargets, 2)
}
