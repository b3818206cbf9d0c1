package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"changenotify/internal/batching"
	"changenotify/internal/channel"
	"changenotify/internal/directory"
	"changenotify/internal/dispatch"
	"changenotify/internal/domain"
	"changenotify/internal/maintenance"
	"changenotify/internal/ops"
	"changenotify/internal/render"
	"changenotify/internal/spool"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

// ScheduleOff disables a maintenance job.
const ScheduleOff = "off"

const (
	defaultExpireAfter    = 24 * time.Hour
	defaultExpireSchedule = "10m"
	defaultFlushSchedule  = "1m"
	defaultPruneSchedule  = "@daily"
	defaultAuditRetention = 30 * 24 * time.Hour
	defaultJobTimeout     = 5 * time.Minute
	defaultConcurrency    = 8
	defaultSpoolSettle    = 500 * time.Millisecond
)

// Runtime is the resolved form of Config: defaults applied, durations and
// enums parsed, and every section converted to its package's settings.
type Runtime struct {
	Location *time.Location

	Logging     logx.Config
	Storage     storage.Config
	Retry       domain.RetryConfig
	ExpireAfter time.Duration
	Batching    batching.Config
	Channels    channel.Config
	Directory   directory.Config
	Dispatch    dispatch.Config
	Maintenance Maintenance
	Spool       spool.Config
	SpoolOn     bool
	Ops         ops.Config
}

// Maintenance holds resolved job schedules. An empty schedule means the job
// is disabled.
type Maintenance struct {
	Expire         string
	BatchFlush     string
	AuditPrune     string
	AuditRetention time.Duration
	JobTimeout     time.Duration
}

// Resolve validates cfg and converts it. All problems are reported together.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}

	var errs []error
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationOr(path, raw, def)
		fail(err)
		return d
	}

	rt := &Runtime{Location: time.Local}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			fail(fmt.Errorf("timezone: %w", err))
		} else {
			rt.Location = loc
		}
	}

	rt.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	rt.Storage = storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0),
	}
	if d := strings.ToLower(rt.Storage.Driver); (d == "sqlite" || d == "sqlite3") && strings.TrimSpace(rt.Storage.Path) == "" {
		fail(errors.New("storage.path: required for sqlite"))
	}

	rt.Retry, rt.ExpireAfter = resolveRetry(cfg.Delivery, dur, fail)
	rt.Batching = resolveBatching(cfg.Batching, dur, fail)
	rt.Channels = resolveChannels(cfg.Channels, dur)

	dir, err := resolveDirectory(cfg.Directory)
	fail(err)
	rt.Directory = dir

	disp, err := resolveDispatch(cfg.Dispatch)
	fail(err)
	rt.Dispatch = disp

	rt.Maintenance = Maintenance{
		Expire:         schedule("maintenance.expire", cfg.Maintenance.Expire, defaultExpireSchedule, fail),
		BatchFlush:     schedule("maintenance.batch_flush", cfg.Maintenance.BatchFlush, defaultFlushSchedule, fail),
		AuditPrune:     schedule("maintenance.audit_prune", cfg.Maintenance.AuditPrune, defaultPruneSchedule, fail),
		AuditRetention: dur("maintenance.audit_retention", cfg.Maintenance.AuditRetention, defaultAuditRetention),
		JobTimeout:     dur("maintenance.job_timeout", cfg.Maintenance.JobTimeout, defaultJobTimeout),
	}

	targets, err := resolveTargets(cfg.Dispatch.DefaultTargets)
	fail(err)
	rt.SpoolOn = cfg.Spool.Enabled
	rt.Spool = spool.Config{
		Dir:            cfg.Spool.Dir,
		Settle:         dur("spool.settle", cfg.Spool.Settle, defaultSpoolSettle),
		DefaultTargets: targets,
	}

	rt.Ops = ops.Config{
		Enabled:              cfg.Ops.Enabled,
		Address:              cfg.Ops.Address,
		Pprof:                cfg.Ops.Pprof,
		BlockProfileRate:     cfg.Ops.BlockProfileRate,
		MutexProfileFraction: cfg.Ops.MutexProfileFraction,
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}

type durFunc func(path, raw string, def time.Duration) time.Duration

func resolveRetry(c DeliveryConfig, dur durFunc, fail func(error)) (domain.RetryConfig, time.Duration) {
	def := domain.DefaultRetryConfig()
	rc := domain.RetryConfig{
		MaxRetries:        def.MaxRetries,
		InitialDelay:      dur("delivery.initial_delay", c.InitialDelay, def.InitialDelay),
		MaxDelay:          dur("delivery.max_delay", c.MaxDelay, def.MaxDelay),
		Strategy:          def.Strategy,
		BackoffMultiplier: def.BackoffMultiplier,
	}
	if c.MaxRetries != nil {
		rc.MaxRetries = *c.MaxRetries
	}
	if c.Strategy != "" {
		s, err := domain.ParseRetryStrategy(c.Strategy)
		if err != nil {
			fail(fmt.Errorf("delivery.strategy: %w", err))
		} else {
			rc.Strategy = s
		}
	}
	if c.BackoffMultiplier != 0 {
		rc.BackoffMultiplier = c.BackoffMultiplier
	}
	if err := rc.Validate(); err != nil {
		fail(fmt.Errorf("delivery: %w", err))
	}
	return rc, dur("delivery.expire_after", c.ExpireAfter, defaultExpireAfter)
}

func resolveLimits(path string, in ThrottleLimits, base batching.Limits, dur durFunc) batching.Limits {
	out := base
	if in.RateLimitPerHour > 0 {
		out.PerHour = in.RateLimitPerHour
	}
	if in.RateLimitPerDay > 0 {
		out.PerDay = in.RateLimitPerDay
	}
	if in.BurstLimit > 0 {
		out.BurstLimit = in.BurstLimit
	}
	out.BurstWindow = dur(path+".burst_window", in.BurstWindow, base.BurstWindow)
	out.Cooldown = dur(path+".cooldown", in.Cooldown, base.Cooldown)
	return out
}

func resolveBatching(c BatchingConfig, dur durFunc, fail func(error)) batching.Config {
	out := batching.DefaultConfig()
	t := c.Throttle
	if t.Enabled != nil {
		out.Throttle.Enabled = *t.Enabled
	}
	out.Throttle.Limits = resolveLimits("batching.throttle", t.ThrottleLimits, out.Throttle.Limits, dur)
	if t.ExemptCriticalSeverity != nil {
		out.Throttle.ExemptCritical = *t.ExemptCriticalSeverity
	}
	out.Throttle.ExemptHighPriority = t.ExemptHighPriority
	if len(t.PerChannel) > 0 {
		out.Throttle.PerChannel = make(map[domain.Channel]batching.Limits, len(t.PerChannel))
		for name, l := range t.PerChannel {
			ch, err := domain.ParseChannel(name)
			if err != nil {
				fail(fmt.Errorf("batching.throttle.per_channel: %w", err))
				continue
			}
			out.Throttle.PerChannel[ch] = resolveLimits("batching.throttle.per_channel."+name, l, out.Throttle.Limits, dur)
		}
	}

	b := c.Batch
	if b.PriorityOverride != nil {
		out.Batch.PriorityOverride = *b.PriorityOverride
	}
	out.Batch.BySeverity = b.BatchBySeverity
	if b.BatchSize > 0 {
		out.Batch.DefaultSize = b.BatchSize
	}
	out.Batch.DefaultWindow = dur("batching.batch.batch_window", b.BatchWindow, out.Batch.DefaultWindow)

	if err := out.Validate(); err != nil {
		fail(fmt.Errorf("batching: %w", err))
	}
	return out
}

func limits(c LimitsConfig, path string, dur durFunc) channel.Limits {
	return channel.Limits{
		Timeout:    dur(path+".timeout", c.Timeout, 0),
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
	}
}

// resolveChannels only converts. Missing credentials are reported by
// channel.Build, which leaves that channel out instead of failing the load.
func resolveChannels(c ChannelsConfig, dur durFunc) channel.Config {
	out := channel.Config{Limits: map[domain.Channel]channel.Limits{}}
	if e := c.Email; e != nil {
		out.Email = &channel.EmailConfig{
			Host:               e.Host,
			Port:               e.Port,
			Username:           e.Username,
			Password:           e.Password,
			From:               e.From,
			FromName:           e.FromName,
			TLSMode:            e.TLSMode,
			InsecureSkipVerify: e.InsecureSkipVerify,
		}
		out.Limits[domain.ChannelEmail] = limits(e.LimitsConfig, "channels.email", dur)
	}
	if s := c.Slack; s != nil {
		out.Slack = &channel.SlackConfig{WebhookURL: s.WebhookURL, Username: s.Username, IconEmoji: s.IconEmoji}
		out.Limits[domain.ChannelSlack] = limits(s.LimitsConfig, "channels.slack", dur)
	}
	if t := c.Teams; t != nil {
		out.Teams = &channel.TeamsConfig{WebhookURL: t.WebhookURL}
		out.Limits[domain.ChannelTeams] = limits(t.LimitsConfig, "channels.teams", dur)
	}
	if w := c.Webhook; w != nil {
		out.Webhook = &channel.WebhookConfig{DefaultURL: w.DefaultURL, Headers: w.Headers}
		out.Limits[domain.ChannelWebhook] = limits(w.LimitsConfig, "channels.webhook", dur)
	}
	if t := c.Telegram; t != nil {
		out.Telegram = &channel.TelegramConfig{Token: t.Token, APIURL: t.APIURL, ParseMode: t.ParseMode}
		out.Limits[domain.ChannelTelegram] = limits(t.LimitsConfig, "channels.telegram", dur)
	}
	return out
}

func resolveDirectory(c DirectoryConfig) (directory.Config, error) {
	var errs []error
	out := directory.Config{Roles: c.Roles}
	for i, u := range c.Users {
		du := domain.User{ID: u.ID, Username: u.Username, Email: u.Email}
		if len(u.Addresses) > 0 {
			du.Addresses = make(map[domain.Channel]string, len(u.Addresses))
			for name, addr := range u.Addresses {
				ch, err := domain.ParseChannel(name)
				if err != nil {
					errs = append(errs, fmt.Errorf("directory.users[%d].addresses: %w", i, err))
					continue
				}
				du.Addresses[ch] = addr
			}
		}
		out.Users = append(out.Users, du)
	}
	// Run the directory's own checks (duplicate ids, unknown role members).
	if _, err := directory.NewStatic(out); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

func resolveDispatch(c DispatchConfig) (dispatch.Config, error) {
	var errs []error
	out := dispatch.Config{
		Concurrency:     c.Concurrency,
		DefaultTemplate: render.KindExecutiveSummary,
	}
	if out.Concurrency <= 0 {
		out.Concurrency = defaultConcurrency
	}
	if c.DefaultTemplate != "" {
		k, err := render.ParseKind(c.DefaultTemplate)
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch.default_template: %w", err))
		} else {
			out.DefaultTemplate = k
		}
	}
	if len(c.RoleTemplates) > 0 {
		out.RoleTemplates = make(map[string]render.Kind, len(c.RoleTemplates))
		roles := make([]string, 0, len(c.RoleTemplates))
		for r := range c.RoleTemplates {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		for _, role := range roles {
			k, err := render.ParseKind(c.RoleTemplates[role])
			if err != nil {
				errs = append(errs, fmt.Errorf("dispatch.role_templates.%s: %w", role, err))
				continue
			}
			out.RoleTemplates[role] = k
		}
	}
	return out, errors.Join(errs...)
}

func resolveTargets(in []TargetConfig) ([]dispatch.RoleTarget, error) {
	var errs []error
	out := make([]dispatch.RoleTarget, 0, len(in))
	for i, t := range in {
		rt := dispatch.RoleTarget{Role: t.Role}
		if t.Template != "" {
			k, err := render.ParseKind(t.Template)
			if err != nil {
				errs = append(errs, fmt.Errorf("dispatch.default_targets[%d].template: %w", i, err))
				continue
			}
			rt.Template = k
		}
		out = append(out, rt)
	}
	return out, errors.Join(errs...)
}

func schedule(path, raw, def string, fail func(error)) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = def
	}
	if strings.EqualFold(s, ScheduleOff) {
		return ""
	}
	if _, err := maintenance.ParseSchedule(s); err != nil {
		fail(fmt.Errorf("%s: %w", path, err))
	}
	return s
}
