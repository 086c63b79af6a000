package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const breakerName = "slack"

var ErrRateLimited = errors.New("slack_rate_limited")

// BreakerObserver receives circuit state changes.
type BreakerObserver interface {
	SetBreakerOpen(sink string, open bool)
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Rate caps messages per second; Slack allows about one per webhook.
	Rate  rate.Limit
	Burst int
	// Trip opens the breaker after this many consecutive failures.
	Trip        uint32
	OpenTimeout time.Duration
}

// WebhookProvider posts to a Slack incoming webhook behind a circuit breaker.
type WebhookProvider struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     *zap.Logger
}

func NewWebhookProvider(cfg WebhookConfig, log *zap.Logger, observer BreakerObserver) *WebhookProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Trip == 0 {
		cfg.Trip = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	log = log.Named("providers.slack")

	if observer != nil {
		observer.SetBreakerOpen(breakerName, false)
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("slack circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if observer != nil {
				observer.SetBreakerOpen(name, to == gobreaker.StateOpen)
			}
		},
	})

	return &WebhookProvider{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		cb:      cb,
		log:     log,
	}
}

func (p *WebhookProvider) Post(ctx context.Context, msg Message) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.post(ctx, msg)
	})
	return err
}

// State reports the breaker state, for health output.
func (p *WebhookProvider) State() gobreaker.State {
	return p.cb.State()
}

func (p *WebhookProvider) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
