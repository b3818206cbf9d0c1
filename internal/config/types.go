package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1h") or whole days
// ("30d"). Omitted or zero fields take the defaults listed on each section;
// Resolve turns the file into typed runtime settings.
type Config struct {
	// Timezone is the service IANA timezone for business hours and cron
	// schedules. Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`

	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Batching    BatchingConfig    `json:"batching"`
	Channels    ChannelsConfig    `json:"channels"`
	Directory   DirectoryConfig   `json:"directory"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Spool       SpoolConfig       `json:"spool"`
	Ops         OpsConfig         `json:"ops"`
}

type LoggingConfig struct {
	Level   string            `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool              `json:"console"`
	Format  string            `json:"format,omitempty" validate:"omitempty,oneof=console json"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig defaults: driver "memory".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=memory sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DeliveryConfig is the default retry policy.
//
// Defaults: max_retries 3, initial_delay "5s", max_delay "300s",
// strategy "exponential_backoff", backoff_multiplier 2, expire_after "24h".
type DeliveryConfig struct {
	// MaxRetries is a pointer so an explicit 0 (no retries) differs from omitted.
	MaxRetries        *int    `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
	InitialDelay      string  `json:"initial_delay,omitempty"`
	MaxDelay          string  `json:"max_delay,omitempty"`
	Strategy          string  `json:"strategy,omitempty" validate:"omitempty,oneof=immediate exponential_backoff linear_backoff fixed_interval"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" validate:"gte=0"`
	// ExpireAfter is the age after which pending and retrying records expire.
	ExpireAfter string `json:"expire_after,omitempty"`
}

type BatchingConfig struct {
	Throttle ThrottleConfig `json:"throttle"`
	Batch    BatchConfig    `json:"batch"`
}

// ThrottleLimits defaults: 10/hour, 50/day, burst 5 per "5m", no cooldown.
type ThrottleLimits struct {
	RateLimitPerHour int    `json:"rate_limit_per_hour,omitempty" validate:"gte=0"`
	RateLimitPerDay  int    `json:"rate_limit_per_day,omitempty" validate:"gte=0"`
	BurstLimit       int    `json:"burst_limit,omitempty" validate:"gte=0"`
	BurstWindow      string `json:"burst_window,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

type ThrottleConfig struct {
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
	ThrottleLimits
	ExemptCriticalSeverity *bool `json:"exempt_critical_severity,omitempty"`
	ExemptHighPriority     bool  `json:"exempt_high_priority,omitempty"`
	// PerChannel overrides the limits of individual channels. Omitted fields
	// inherit the global limits.
	PerChannel map[string]ThrottleLimits `json:"per_channel,omitempty" validate:"dive"`
}

// BatchConfig defaults: priority_override true, batch_size 10, batch_window "60m".
type BatchConfig struct {
	PriorityOverride *bool  `json:"priority_override,omitempty"`
	BatchBySeverity  bool   `json:"batch_by_severity,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty" validate:"gte=0"`
	BatchWindow      string `json:"batch_window,omitempty"`
}

// LimitsConfig bounds one channel's outbound traffic. Timeout defaults to "30s".
type LimitsConfig struct {
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
}

// ChannelsConfig lists the transports. An omitted section disables the
// channel; a section with missing credentials is logged and skipped.
type ChannelsConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Teams    *TeamsConfig    `json:"teams,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type EmailConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	From               string `json:"from" validate:"omitempty,email"`
	FromName           string `json:"from_name,omitempty"`
	TLSMode            string `json:"tls_mode,omitempty" validate:"omitempty,oneof=implicit starttls none"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	LimitsConfig
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
	Username   string `json:"username,omitempty"`
	IconEmoji  string `json:"icon_emoji,omitempty"`
	LimitsConfig
}

type TeamsConfig struct {
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
	LimitsConfig
}

type WebhookConfig struct {
	DefaultURL string            `json:"default_url,omitempty" validate:"omitempty,url"`
	Headers    map[string]string `json:"headers,omitempty"`
	LimitsConfig
}

type TelegramConfig struct {
	Token     string `json:"token"`
	APIURL    string `json:"api_url,omitempty" validate:"omitempty,url"`
	ParseMode string `json:"parse_mode,omitempty" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
	LimitsConfig
}

type DirectoryConfig struct {
	Users []UserConfig `json:"users" validate:"dive"`
	// Roles maps a role name to user ids.
	Roles map[string][]string `json:"roles"`
}

type UserConfig struct {
	ID        string            `json:"id" validate:"required"`
	Username  string            `json:"username,omitempty"`
	Email     string            `json:"email,omitempty" validate:"omitempty,email"`
	Addresses map[string]string `json:"addresses,omitempty"`
}

// DispatchConfig defaults: concurrency 8, default_template "executive_summary".
type DispatchConfig struct {
	Concurrency     int               `json:"concurrency,omitempty" validate:"gte=0"`
	RoleTemplates   map[string]string `json:"role_templates,omitempty"`
	DefaultTemplate string            `json:"default_template,omitempty"`
	// DefaultTargets apply to events that name no targets.
	DefaultTargets []TargetConfig `json:"default_targets,omitempty" validate:"dive"`
}

type TargetConfig struct {
	Role     string `json:"role" validate:"required"`
	Template string `json:"template,omitempty"`
}

// MaintenanceConfig schedules accept cron ("*/5 * * * *", "@daily"),
// durations ("10m") or HH:MM intervals. An empty schedule uses the default;
// "off" disables the job.
//
// Defaults: expire "10m", batch_flush "1m", audit_prune "@daily",
// audit_retention "720h", job_timeout "5m".
type MaintenanceConfig struct {
	Expire         string `json:"expire,omitempty"`
	BatchFlush     string `json:"batch_flush,omitempty"`
	AuditPrune     string `json:"audit_prune,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
	JobTimeout     string `json:"job_timeout,omitempty"`
}

type SpoolConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir" validate:"required_if=Enabled true"`
	Settle  string `json:"settle,omitempty"`
}

type OpsConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty" validate:"omitempty,hostname_port"`
	Pprof                bool   `json:"pprof,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}
