package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"changenotify/internal/domain"
	logx "changenotify/pkg/logx"
)

const defaultSendTimeout = 30 * time.Second

// Limits bounds one channel's outbound traffic.
type Limits struct {
	// Timeout caps a single Send. 0 means defaultSendTimeout.
	Timeout time.Duration
	// RatePerSec <= 0 disables the outbound limiter.
	RatePerSec float64
	Burst      int
}

// Config selects and configures the active senders. A nil section means the
// channel is not configured.
type Config struct {
	Email    *EmailConfig
	Slack    *SlackConfig
	Teams    *TeamsConfig
	Webhook  *WebhookConfig
	Telegram *TelegramConfig

	Limits map[domain.Channel]Limits
}

type entry struct {
	sender  Sender
	timeout time.Duration
	limiter *rate.Limiter
}

// Registry is the active sender set. Channels whose configuration is missing
// or invalid are simply absent.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]*entry
	log     logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{senders: map[domain.Channel]*entry{}, log: log.With(logx.String("comp", "channel"))}
}

// Build constructs every configured sender. The returned map holds the
// per-channel initialization errors; those channels are left out of the
// registry so callers can fail fast or continue degraded.
func Build(cfg Config, log logx.Logger) (*Registry, map[domain.Channel]error) {
	r := NewRegistry(log)
	errs := map[domain.Channel]error{}
	client := &http.Client{}

	try := func(ch domain.Channel, present bool, mk func() (Sender, error)) {
		if !present {
			return
		}
		s, err := mk()
		if err != nil {
			errs[ch] = err
			r.log.Warn("channel disabled", logx.String("channel", string(ch)), logx.Err(err))
			return
		}
		r.Register(s, cfg.Limits[ch])
	}

	try(domain.ChannelEmail, cfg.Email != nil, func() (Sender, error) { return NewEmail(*cfg.Email) })
	try(domain.ChannelSlack, cfg.Slack != nil, func() (Sender, error) { return NewSlack(*cfg.Slack, client) })
	try(domain.ChannelTeams, cfg.Teams != nil, func() (Sender, error) { return NewTeams(*cfg.Teams, client) })
	try(domain.ChannelWebhook, cfg.Webhook != nil, func() (Sender, error) { return NewWebhook(*cfg.Webhook, client) })
	try(domain.ChannelTelegram, cfg.Telegram != nil, func() (Sender, error) { return NewTelegram(*cfg.Telegram) })

	return r, errs
}

// Register adds or replaces the sender for s.Channel().
func (r *Registry) Register(s Sender, lim Limits) {
	e := &entry{sender: s, timeout: lim.Timeout}
	if e.timeout <= 0 {
		e.timeout = defaultSendTimeout
	}
	if lim.RatePerSec > 0 {
		burst := lim.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(lim.RatePerSec), burst)
	}
	r.mu.Lock()
	r.senders[s.Channel()] = e
	r.mu.Unlock()
	r.log.Info("channel enabled", logx.String("channel", string(s.Channel())), logx.Duration("timeout", e.timeout))
}

// Swap replaces the active sender set with other's. Sends already in
// flight finish on the old senders.
func (r *Registry) Swap(other *Registry) {
	other.mu.RLock()
	next := make(map[domain.Channel]*entry, len(other.senders))
	for ch, e := range other.senders {
		next[ch] = e
	}
	other.mu.RUnlock()
	r.mu.Lock()
	r.senders = next
	r.mu.Unlock()
}

// Has reports whether ch has an active sender.
func (r *Registry) Has(ch domain.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[ch]
	return ok
}

// Channels lists the active channels in a stable order.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	out := make([]domain.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send delivers msg on ch, bounded by the channel timeout and rate limit.
// A timeout or a sender panic is returned as an ordinary (transient) error.
func (r *Registry) Send(ctx context.Context, ch domain.Channel, msg Message) (Receipt, error) {
	r.mu.RLock()
	e, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return Receipt{}, Permanent(fmt.Errorf("%w: %s", ErrUnavailable, ch))
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(sctx); err != nil {
			return Receipt{}, fmt.Errorf("%s rate limit wait: %w", ch, err)
		}
	}

	type outcome struct {
		rc  Receipt
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("sender panic",
					logx.String("channel", string(ch)),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("%s sender panic: %v", ch, rec)}
			}
		}()
		rc, err := e.sender.Send(sctx, msg)
		done <- outcome{rc: rc, err: err}
	}()

	select {
	case o := <-done:
		return o.rc, o.err
	case <-sctx.Done():
		err := sctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return Receipt{}, fmt.Errorf("%s send timed out after %s: %w", ch, e.timeout, err)
		}
		return Receipt{}, err
	}
}
