package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"changenotify/internal/domain"
)

// TeamsConfig configures the Microsoft Teams incoming-webhook sender.
// A recipient that is a URL overrides WebhookURL.
type TeamsConfig struct {
	WebhookURL string
}

type teamsSender struct {
	cfg  TeamsConfig
	http httpJSON
}

func NewTeams(cfg TeamsConfig, client *http.Client) (Sender, error) {
	if !isHTTPURL(cfg.WebhookURL) {
		return nil, fmt.Errorf("%w: teams webhook_url is missing or invalid", ErrUnavailable)
	}
	return &teamsSender{cfg: cfg, http: newHTTPJSON(client, nil)}, nil
}

func (t *teamsSender) Channel() domain.Channel { return domain.ChannelTeams }

type teamsCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	ThemeColor string `json:"themeColor,omitempty"`
	Summary    string `json:"summary"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

func (t *teamsSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	endpoint := t.cfg.WebhookURL
	if to := strings.TrimSpace(msg.Recipient); isHTTPURL(to) {
		endpoint = to
	}
	card := teamsCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: strings.TrimPrefix(severityColor(msg.Severity), "#"),
		Summary:    msg.Subject,
		Title:      msg.Subject,
		Text:       msg.Body,
	}
	body, err := t.http.post(ctx, endpoint, card)
	return Receipt{Response: body}, err
}
