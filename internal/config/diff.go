package config

import (
	"reflect"

	logx "changenotify/pkg/logx"
)

// ChangedSections lists the top-level sections that differ between two
// configs, in file order. A nil old config means everything changed.
func ChangedSections(old, cur *Config) []string {
	if cur == nil {
		return nil
	}
	if old == nil {
		old = &Config{}
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("timezone", old.Timezone, cur.Timezone)
	add("logging", old.Logging, cur.Logging)
	add("storage", old.Storage, cur.Storage)
	add("delivery", old.Delivery, cur.Delivery)
	add("batching", old.Batching, cur.Batching)
	add("channels", old.Channels, cur.Channels)
	add("directory", old.Directory, cur.Directory)
	add("dispatch", old.Dispatch, cur.Dispatch)
	add("maintenance", old.Maintenance, cur.Maintenance)
	add("spool", old.Spool, cur.Spool)
	add("ops", old.Ops, cur.Ops)
	return out
}

// SummarizeChange returns log fields describing a reload without leaking
// credentials: only section names and counts.
func SummarizeChange(old, cur *Config) []logx.Field {
	sections := ChangedSections(old, cur)
	fields := []logx.Field{logx.Any("changed", sections)}
	if cur != nil {
		fields = append(fields,
			logx.Int("users", len(cur.Directory.Users)),
			logx.Int("roles", len(cur.Directory.Roles)),
			logx.Strings("channels", cur.Channels.Names()),
		)
	}
	return fields
}

// Names returns the configured channel sections.
func (c ChannelsConfig) Names() []string {
	var out []string
	if c.Email != nil {
		out = append(out, "email")
	}
	if c.Slack != nil {
		out = append(out, "slack")
	}
	if c.Teams != nil {
		out = append(out, "teams")
	}
	if c.Webhook != nil {
		out = append(out, "webhook")
	}
	if c.Telegram != nil {
		out = append(out, "telegram")
	}
	return out
}

// RequiresRestart reports sections that cannot be applied to a running
// service.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "spool", "timezone":
			out = append(out, s)
		}
	}
	return out
}
