package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"changenotify/internal/domain"
)

// SlackConfig configures the Slack incoming-webhook sender.
//
// A recipient that is itself a webhook URL is posted to directly. Any other
// recipient ("#compliance", "@alice") is passed as the channel override on
// WebhookURL.
type SlackConfig struct {
	WebhookURL string
	Username   string
	IconEmoji  string
}

type slackSender struct {
	cfg  SlackConfig
	http httpJSON
}

func NewSlack(cfg SlackConfig, client *http.Client) (Sender, error) {
	if !isHTTPURL(cfg.WebhookURL) {
		return nil, fmt.Errorf("%w: slack webhook_url is missing or invalid", ErrUnavailable)
	}
	return &slackSender{cfg: cfg, http: newHTTPJSON(client, nil)}, nil
}

func (s *slackSender) Channel() domain.Channel { return domain.ChannelSlack }

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color    string `json:"color,omitempty"`
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	Fallback string `json:"fallback,omitempty"`
}

func (s *slackSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	to := strings.TrimSpace(msg.Recipient)
	endpoint := s.cfg.WebhookURL
	p := slackPayload{
		Username:  s.cfg.Username,
		IconEmoji: s.cfg.IconEmoji,
		Text:      "*" + msg.Subject + "*",
		Attachments: []slackAttachment{{
			Color:    severityColor(msg.Severity),
			Title:    msg.Subject,
			Text:     msg.Body,
			Fallback: msg.Subject,
		}},
	}
	if isHTTPURL(to) {
		endpoint = to
	} else if to != "" {
		p.Channel = to
	}
	body, err := s.http.post(ctx, endpoint, p)
	if err != nil {
		return Receipt{Response: body}, err
	}
	return Receipt{Response: body}, nil
}

// severityColor maps a severity to a hex accent used by Slack and Teams cards.
func severityColor(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return "#D32F2F"
	case domain.SeverityHigh:
		return "#F57C00"
	case domain.SeverityMedium:
		return "#FBC02D"
	default:
		return "#1976D2"
	}
}
