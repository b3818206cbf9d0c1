// Package domain holds the value types shared by every stage of the
// notification pipeline: channels, severities, preferences, delivery records
// and the record status state machine.
package domain

import (
	"fmt"
	"strings"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSlack    Channel = "slack"
	ChannelTeams    Channel = "teams"
	ChannelWebhook  Channel = "webhook"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelTelegram Channel = "telegram"
)

// Channels lists every known channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelSlack, ChannelTeams, ChannelWebhook, ChannelSMS, ChannelPush, ChannelTelegram}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range Channels {
		if c == k {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Severity is the importance of a detected change.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	// SeverityAll is only meaningful as a preference filter.
	SeverityAll Severity = "all"
)

// Rank orders severities low < medium < high < critical.
// Unknown values (and "all") rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Admits reports whether an event of severity ev passes this filter floor.
func (s Severity) Admits(ev Severity) bool {
	if s == SeverityAll || s == "" {
		return true
	}
	return ev.Rank() >= s.Rank()
}

func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityAll:
		return v, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Frequency controls digest-style suppression of a preference.
type Frequency string

const (
	FrequencyImmediate     Frequency = "immediate"
	FrequencyHourly        Frequency = "hourly"
	FrequencyDaily         Frequency = "daily"
	FrequencyWeekly        Frequency = "weekly"
	FrequencyBusinessHours Frequency = "business_hours"
	FrequencyCustom        Frequency = "custom"
)

func ParseFrequency(s string) (Frequency, error) {
	v := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case FrequencyImmediate, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyBusinessHours, FrequencyCustom:
		return v, nil
	case "":
		return FrequencyImmediate, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}
