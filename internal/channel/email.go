package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"changenotify/internal/domain"
)

// EmailConfig configures the SMTP sender.
//
// TLSMode:
//   - "implicit": TLS from the first byte (port 465)
//   - "starttls": plain connect then STARTTLS (port 587, default)
//   - "none": plaintext, for local relays and tests
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLSMode  string
	// InsecureSkipVerify disables certificate checks. Only for test relays.
	InsecureSkipVerify bool
}

type emailSender struct {
	cfg EmailConfig
	now func() time.Time
}

// NewEmail validates cfg and returns an SMTP sender.
func NewEmail(cfg EmailConfig) (Sender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: email host is empty", ErrUnavailable)
	}
	if strings.TrimSpace(cfg.From) == "" {
		if cfg.Username == "" {
			return nil, fmt.Errorf("%w: email from address is empty", ErrUnavailable)
		}
		cfg.From = cfg.Username
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	switch strings.ToLower(cfg.TLSMode) {
	case "":
		cfg.TLSMode = "starttls"
	case "implicit", "starttls", "none":
		cfg.TLSMode = strings.ToLower(cfg.TLSMode)
	default:
		return nil, fmt.Errorf("%w: unknown email tls mode %q", ErrUnavailable, cfg.TLSMode)
	}
	return &emailSender{cfg: cfg, now: time.Now}, nil
}

func (e *emailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (e *emailSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	to := strings.TrimSpace(msg.Recipient)
	if to == "" {
		return Receipt{}, Permanent(ErrNoRecipient)
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return Receipt{}, Permanent(fmt.Errorf("invalid email address %q: %w", to, err))
	}

	raw, msgID, err := composeEmail(e.cfg.From, e.cfg.FromName, to, msg, e.now())
	if err != nil {
		return Receipt{}, Permanent(err)
	}

	c, err := e.dial(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer c.Close()

	if e.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return Receipt{}, classifySMTP("auth", err)
			}
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return Receipt{}, classifySMTP("mail from", err)
	}
	if err := c.Rcpt(to); err != nil {
		return Receipt{}, classifySMTP("rcpt to", err)
	}
	w, err := c.Data()
	if err != nil {
		return Receipt{}, classifySMTP("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		return Receipt{}, err
	}
	if err := w.Close(); err != nil {
		return Receipt{}, classifySMTP("data", err)
	}
	_ = c.Quit()
	return Receipt{MessageID: msgID}, nil
}

func (e *emailSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	tlsCfg := &tls.Config{ServerName: e.cfg.Host, InsecureSkipVerify: e.cfg.InsecureSkipVerify}

	var conn net.Conn
	var err error
	if e.cfg.TLSMode == "implicit" {
		d := &tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	if e.cfg.TLSMode == "starttls" {
		// Never fall back to plaintext; use tls_mode none for relays without TLS.
		if ok, _ := c.Extension("STARTTLS"); !ok {
			_ = c.Close()
			return nil, Permanent(fmt.Errorf("%w: smtp server %s does not offer STARTTLS", ErrUnavailable, addr))
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	return c, nil
}

// composeEmail renders a single-part text/plain message and returns it with
// its Message-Id.
func composeEmail(from, fromName, to string, msg Message, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.Severity != "" {
		h.Set("X-Change-Severity", string(msg.Severity))
	}
	if id := msg.Metadata["event_id"]; id != "" {
		h.Set("X-Change-Event", id)
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", err
	}
	msgID, _ := h.MessageID()

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), msgID, nil
}

// classifySMTP marks 5xx replies as permanent. 4xx and I/O errors stay transient.
func classifySMTP(stage string, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 {
		return Permanent(fmt.Errorf("smtp %s: %w", stage, err))
	}
	return fmt.Errorf("smtp %s: %w", stage, err)
}
