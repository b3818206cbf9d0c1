package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"changenotify/internal/domain"
)

// WebhookConfig configures the generic JSON webhook sender.
//
// The recipient is the target URL. DefaultURL is used when the recipient is
// not a URL; with neither, the send fails permanently.
type WebhookConfig struct {
	DefaultURL string
	Headers    map[string]string
}

type webhookSender struct {
	cfg  WebhookConfig
	http httpJSON
}

func NewWebhook(cfg WebhookConfig, client *http.Client) (Sender, error) {
	if cfg.DefaultURL != "" && !isHTTPURL(cfg.DefaultURL) {
		return nil, fmt.Errorf("%w: webhook default_url is invalid", ErrUnavailable)
	}
	return &webhookSender{cfg: cfg, http: newHTTPJSON(client, cfg.Headers)}, nil
}

func (w *webhookSender) Channel() domain.Channel { return domain.ChannelWebhook }

type webhookPayload struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Severity  domain.Severity   `json:"severity,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (w *webhookSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	endpoint := strings.TrimSpace(msg.Recipient)
	if !isHTTPURL(endpoint) {
		endpoint = w.cfg.DefaultURL
	}
	if endpoint == "" {
		return Receipt{}, Permanent(ErrNoRecipient)
	}
	body, err := w.http.post(ctx, endpoint, webhookPayload{
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Severity:  msg.Severity,
		Metadata:  msg.Metadata,
	})
	if err != nil {
		return Receipt{Response: body}, err
	}

	// Receivers may echo an id; keep it when they do.
	var ack struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &ack)
	return Receipt{MessageID: ack.ID, Response: body}, nil
}
