package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"changenotify/internal/domain"
	logx "changenotify/pkg/logx"
)

func TestPermanentWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("mailbox does not exist")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestHTTPStatusClassification(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Store(b)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`ok`))
	}))
	t.Cleanup(srv.Close)

	s, err := NewSlack(SlackConfig{WebhookURL: srv.URL, Username: "changes"}, srv.Client())
	require.NoError(t, err)
	msg := Message{Recipient: "#compliance", Subject: "W-9 updated", Body: "Line 3 changed", Severity: domain.SeverityHigh}

	cases := []struct {
		code      int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusNotFound, true, true},
		{http.StatusForbidden, true, true},
	}
	for _, tc := range cases {
		status.Store(int32(tc.code))
		_, err := s.Send(context.Background(), msg)
		if !tc.wantErr {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err, "status %d", tc.code)
		assert.Equal(t, tc.permanent, IsPermanent(err), "status %d", tc.code)
	}

	var p slackPayload
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &p))
	assert.Equal(t, "#compliance", p.Channel)
	require.Len(t, p.Attachments, 1)
	assert.Equal(t, "Line 3 changed", p.Attachments[0].Text)
}

func TestTeamsAndWebhookPayloads(t *testing.T) {
	t.Parallel()
	var last atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		last.Store(b)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte(`{"id":"hook-1"}`))
	}))
	t.Cleanup(srv.Close)

	wh, err := NewWebhook(WebhookConfig{Headers: map[string]string{"X-Token": "secret"}}, srv.Client())
	require.NoError(t, err)
	rc, err := wh.Send(context.Background(), Message{Recipient: srv.URL, Subject: "s", Body: "b", Metadata: map[string]string{"event_id": "e1"}})
	require.NoError(t, err)
	assert.Equal(t, "hook-1", rc.MessageID)

	var wp webhookPayload
	require.NoError(t, json.Unmarshal(last.Load().([]byte), &wp))
	assert.Equal(t, "e1", wp.Metadata["event_id"])

	_, err = wh.Send(context.Background(), Message{Recipient: "not a url"})
	assert.True(t, IsPermanent(err))

	_, err = NewTeams(TeamsConfig{}, nil)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestComposeEmailRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	raw, id, err := composeEmail("noreply@example.com", "Compliance", "alice@example.com", Message{
		Subject:  "Form 1099 revised",
		Body:     "Box 7 moved to 1099-NEC.",
		Severity: domain.SeverityCritical,
		Metadata: map[string]string{"event_id": "evt-9"},
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer mr.Close()

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Form 1099 revised", subject)
	assert.Equal(t, "critical", mr.Header.Get("X-Change-Severity"))
	assert.Equal(t, "evt-9", mr.Header.Get("X-Change-Event"))

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Box 7 moved to 1099-NEC.", strings.TrimSpace(string(body)))
}

func TestEmailValidation(t *testing.T) {
	t.Parallel()
	_, err := NewEmail(EmailConfig{})
	assert.True(t, errors.Is(err, ErrUnavailable))

	s, err := NewEmail(EmailConfig{Host: "127.0.0.1", Port: 1, From: "noreply@example.com", TLSMode: "none"})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), Message{Recipient: "not-an-address"})
	assert.True(t, IsPermanent(err))

	assert.True(t, IsPermanent(classifySMTP("rcpt to", &textproto.Error{Code: 550, Msg: "no such user"})))
	assert.False(t, IsPermanent(classifySMTP("rcpt to", &textproto.Error{Code: 451, Msg: "try later"})))
}

func TestEmailRefusesPlaintextDowngrade(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// A relay that speaks ESMTP but does not advertise STARTTLS.
	var sawMail atomic.Bool
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 relay.test ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch verb := strings.ToUpper(strings.Fields(line + " x")[0]); verb {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250-relay.test")
				_ = tp.PrintfLine("250 8BITMIME")
			case "MAIL":
				sawMail.Store(true)
				_ = tp.PrintfLine("250 ok")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("250 ok")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s, err := NewEmail(EmailConfig{Host: "127.0.0.1", Port: addr.Port, From: "noreply@example.com", TLSMode: "starttls"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Send(ctx, Message{Recipient: "ana@example.com", Subject: "W-4 changed", Body: "Step 2 reworded."})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.False(t, sawMail.Load())
}

func TestTelegramClassification(t *testing.T) {
	t.Parallel()
	assert.True(t, IsPermanent(classifyTelegram(&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"})))
	assert.True(t, IsPermanent(classifyTelegram(&tele.Error{Code: 400, Description: "Bad Request: chat not found"})))
	assert.False(t, IsPermanent(classifyTelegram(errors.New("connection reset"))))

	_, err := NewTelegram(TelegramConfig{})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRegistryTimeoutAndPanic(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	r.Register(SenderFunc{Ch: domain.ChannelSlack, Fn: func(ctx context.Context, _ Message) (Receipt, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Receipt{}, nil
	}}, Limits{Timeout: 20 * time.Millisecond})
	r.Register(SenderFunc{Ch: domain.ChannelTeams, Fn: func(context.Context, Message) (Receipt, error) {
		panic("boom")
	}}, Limits{})

	_, err := r.Send(context.Background(), domain.ChannelSlack, Message{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsPermanent(err))

	_, err = r.Send(context.Background(), domain.ChannelTeams, Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	_, err = r.Send(context.Background(), domain.ChannelEmail, Message{})
	assert.True(t, IsPermanent(err))
	assert.Equal(t, []domain.Channel{domain.ChannelSlack, domain.ChannelTeams}, r.Channels())
}

func TestBuildSkipsBrokenChannels(t *testing.T) {
	t.Parallel()
	r, errs := Build(Config{
		Slack:   &SlackConfig{WebhookURL: "https://hooks.example.com/T/B/X"},
		Teams:   &TeamsConfig{WebhookURL: ""},
		Webhook: &WebhookConfig{},
	}, logx.Nop())
	assert.True(t, r.Has(domain.ChannelSlack))
	assert.True(t, r.Has(domain.ChannelWebhook))
	assert.False(t, r.Has(domain.ChannelTeams))
	assert.False(t, r.Has(domain.ChannelEmail))
	require.Contains(t, errs, domain.ChannelTeams)
	assert.Len(t, errs, 1)
}

func TestRegistrySwap(t *testing.T) {
	t.Parallel()
	r, _ := Build(Config{Slack: &SlackConfig{WebhookURL: "https://hooks.example.com/T/B/X"}}, logx.Nop())
	next, _ := Build(Config{Webhook: &WebhookConfig{}}, logx.Nop())
	r.Swap(next)
	assert.False(t, r.Has(domain.ChannelSlack))
	assert.True(t, r.Has(domain.ChannelWebhook))
	assert.Equal(t, []domain.Channel{domain.ChannelWebhook}, r.Channels())
}
