// Package verifier turns signed Stripe deliveries into trusted events.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	obsmetrics "github.com/smallbiznis/stripesync/internal/observability/metrics"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DefaultTolerance = 300 * time.Second

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Verifier struct {
	secret    string
	tolerance time.Duration
	clock     clock.Clock
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
}

func New(p Params) *Verifier {
	tolerance := p.Config.Stripe.SignatureTolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{
		secret:    strings.TrimSpace(p.Config.Stripe.WebhookSecret),
		tolerance: tolerance,
		clock:     p.Clock,
		log:       p.Log.Named("webhook.verifier"),
		metrics:   p.Metrics,
	}
	if v.secret == "" {
		v.log.Warn("STRIPE_WEBHOOK_SECRET not set, every delivery will be rejected")
	}
	return v
}

// Verify checks the Stripe-Signature header over the exact body bytes and
// only then decodes the event.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*domain.TrustedEvent, error) {
	if v.secret == "" {
		return nil, &domain.ConfigurationError{Setting: "STRIPE_WEBHOOK_SECRET"}
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, v.reject(domain.ReasonMissingSignature, nil)
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, v.reject(classify(err), err)
	}

	trusted, err := v.build(event, rawBody)
	if err != nil {
		return nil, v.reject(domain.ReasonInvalidPayload, err)
	}
	return trusted, nil
}

// Parse rebuilds a trusted event from bytes verified at ingestion.
func (v *Verifier) Parse(rawBody []byte) (*domain.TrustedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, &domain.VerificationError{Code: domain.ReasonInvalidPayload, Err: err}
	}
	trusted, err := v.build(event, rawBody)
	if err != nil {
		return nil, &domain.VerificationError{Code: domain.ReasonInvalidPayload, Err: err}
	}
	return trusted, nil
}

func (v *Verifier) build(event stripe.Event, rawBody []byte) (*domain.TrustedEvent, error) {
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEventID
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, errors.New("event has no data.object")
	}

	payload, err := domain.DecodePayload(event.Type, event.Data.Raw)
	if err != nil {
		return nil, err
	}

	return &domain.TrustedEvent{
		ID:         event.ID,
		Type:       event.Type,
		Created:    time.Unix(event.Created, 0).UTC(),
		ReceivedAt: v.clock.Now().UTC(),
		Livemode:   event.Livemode,
		APIVersion: event.APIVersion,
		Raw:        append([]byte(nil), rawBody...),
		Data:       payload,
	}, nil
}

func (v *Verifier) reject(reason string, cause error) error {
	v.metrics.RecordSignatureFailure(context.Background(), reason)
	fields := []zap.Field{zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	v.log.Warn("webhook rejected", fields...)
	return &domain.VerificationError{Code: reason, Err: cause}
}

func classify(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return domain.ReasonMissingSignature
	case errors.Is(err, webhook.ErrInvalidHeader):
		return domain.ReasonMalformedHeader
	case errors.Is(err, webhook.ErrTooOld):
		return domain.ReasonTimestampTolerance
	case errors.Is(err, webhook.ErrNoValidSignature):
		return domain.ReasonInvalidSignature
	default:
		// Signature checks passed; the body itself would not decode.
		return domain.ReasonInvalidPayload
	}
}
