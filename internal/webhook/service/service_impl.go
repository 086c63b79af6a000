package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	obscontext "github.com/smallbiznis/stripesync/internal/observability/context"
	"github.com/smallbiznis/stripesync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/stripesync/internal/observability/metrics"
	"github.com/smallbiznis/stripesync/internal/observability/tracing"
	"github.com/smallbiznis/stripesync/internal/webhook/dispatcher"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/smallbiznis/stripesync/internal/webhook/verifier"
	pkgdb "github.com/smallbiznis/stripesync/pkg/db"
	"github.com/smallbiznis/stripesync/pkg/db/pagination"
	"github.com/stripe/stripe-go/v79"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxStoredErrorLen = 1024

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Repo       domain.Repository
	Verifier   *verifier.Verifier
	Dispatcher *dispatcher.Dispatcher
	Notifier   notificationdomain.Notifier
	Metrics    *obsmetrics.Metrics         `optional:"true"`
	Pipeline   *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	policy     *config.PolicyHolder
	repo       domain.Repository
	verifier   *verifier.Verifier
	dispatcher *dispatcher.Dispatcher
	notifier   notificationdomain.Notifier
	metrics    *obsmetrics.Metrics
	pipeline   *obsmetrics.PipelineMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		clock:      p.Clock,
		policy:     p.Policy,
		repo:       p.Repo,
		verifier:   p.Verifier,
		dispatcher: p.Dispatcher,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		pipeline:   p.Pipeline,
	}
}

func (s *Service) Handle(ctx context.Context, rawBody []byte, signature string) (*domain.Outcome, error) {
	ctx, end := tracing.StartSpan(ctx, "webhook.handle")

	event, err := s.verifier.Verify(rawBody, signature)
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, "unverified", "rejected")
		end(err)
		return nil, err
	}

	outcome, err := s.process(ctx, event)
	end(err)
	return outcome, err
}

func (s *Service) Replay(ctx context.Context, eventID string) (*domain.Outcome, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	ctx, end := tracing.StartSpan(ctx, "webhook.replay", attribute.String("webhook.event_id", eventID))

	outcome, err := s.replay(ctx, eventID)
	end(err)
	return outcome, err
}

func (s *Service) replay(ctx context.Context, eventID string) (*domain.Outcome, error) {
	record, err := s.repo.Lookup(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	if record.Processed {
		return nil, domain.ErrAlreadyProcessed
	}

	event, err := s.verifier.Parse(record.RawPayload)
	if err == nil && event.ID != record.EventID {
		err = fmt.Errorf("%w: stored payload carries %q", domain.ErrInvalidEventID, event.ID)
	}
	if err != nil {
		stored := &domain.TrustedEvent{ID: record.EventID, Type: stripe.EventType(record.EventType), Raw: record.RawPayload}
		return nil, s.fail(ctx, logger.WithContext(ctx, s.log), stored, err)
	}

	reset, err := s.repo.ResetError(ctx, s.db, eventID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, domain.ErrAlreadyProcessed
	}

	s.log.Info("replaying webhook event",
		zap.String("event_id", eventID),
		zap.String("event_type", record.EventType),
		zap.Int("previous_attempts", record.Attempts),
	)
	return s.process(ctx, event)
}

func (s *Service) Get(ctx context.Context, eventID string) (*domain.ProcessingRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	record, err := s.repo.Lookup(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) (*domain.ListResult, error) {
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, domain.ErrInvalidFilter
	}

	records, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}

	page, info := pagination.BuildCursorPageInfo(records, filter.Page.Limit(), func(r *domain.ProcessingRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        r.EventID,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	result := &domain.ListResult{Records: make([]domain.ProcessingRecord, 0, len(page)), PageInfo: info}
	for _, record := range page {
		result.Records = append(result.Records, *record)
	}
	return result, nil
}

func (s *Service) Stats(ctx context.Context, from, to time.Time) (*domain.Stats, error) {
	if to.IsZero() {
		to = s.clock.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		return nil, domain.ErrInvalidFilter
	}
	return s.repo.Stats(ctx, s.db, from.UTC(), to.UTC())
}

// process runs attempts until one succeeds, the policy is spent, or the
// caller goes away between attempts.
func (s *Service) process(ctx context.Context, event *domain.TrustedEvent) (*domain.Outcome, error) {
	ctx = obscontext.WithEventID(ctx, event.ID)
	log := logger.WithContext(ctx, s.log).With(zap.String("event_type", string(event.Type)))
	eventType := string(event.Type)

	policy := s.policy.Get()
	started := s.clock.Now()
	deadline := started.Add(policy.TotalTimeout)

	var last error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt - 1)
			if s.clock.Now().Add(delay).After(deadline) {
				log.Warn("retry budget exhausted before next attempt",
					zap.Int("attempts", attempts),
					zap.Duration("next_delay", delay),
					zap.Duration("budget", policy.TotalTimeout),
				)
				break
			}
			s.pipeline.IncRetry(eventType)
			if err := s.clock.Sleep(ctx, delay); err != nil {
				log.Warn("retry abandoned", zap.Int("attempts", attempts), zap.Error(err))
				s.finish(ctx, eventType, "abandoned", started)
				return nil, fmt.Errorf("%w: %w", err, last)
			}
		}

		attempts = attempt
		outcome, err := s.attempt(context.WithoutCancel(ctx), log, event, attempt)
		if err == nil {
			switch {
			case outcome.Duplicate:
				log.Info("duplicate delivery skipped")
				s.finish(ctx, eventType, "duplicate", started)
			default:
				log.Info("webhook event processed", zap.Int("attempt", attempt))
				s.finish(ctx, eventType, "processed", started)
			}
			return outcome, nil
		}

		last = err
		s.pipeline.IncAttemptFailure(eventType, err)
		if !domain.IsRetryable(err) {
			log.Error("webhook event failed permanently", zap.Int("attempt", attempt), zap.Error(err))
			s.finish(ctx, eventType, "failed", started)
			return nil, err
		}
		log.Warn("webhook attempt failed",
			zap.Int("attempt", attempt),
			zap.Bool("transient", pkgdb.IsTransient(err)),
			zap.Bool("duplicate_key", pkgdb.IsDuplicateKeyErr(err)),
			zap.Error(err),
		)
	}

	exhausted := &domain.RetryExhaustedError{EventID: event.ID, Attempts: attempts, Last: last}
	log.Error("webhook event failed", zap.Int("attempts", attempts), zap.Bool("integrity", domain.IsIntegrity(last)), zap.Error(last))
	s.escalate(ctx, event, exhausted)
	s.finish(ctx, eventType, "failed", started)
	return nil, exhausted
}

// attempt is one transactional pass. The upsert in RecordAttemptStart holds
// the row lock until commit; notifications leave only after commit.
func (s *Service) attempt(ctx context.Context, log *zap.Logger, event *domain.TrustedEvent, attempt int) (*domain.Outcome, error) {
	eventType := string(event.Type)
	outcome := &domain.Outcome{EventID: event.ID, EventType: eventType}

	existing, err := s.repo.Lookup(ctx, s.db, event.ID)
	if err != nil {
		return nil, s.fail(ctx, log, event, err)
	}
	if existing != nil && existing.Processed {
		outcome.Duplicate = true
		outcome.Attempts = existing.Attempts
		return outcome, nil
	}

	var scope *domain.Scope
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		record, err := s.repo.RecordAttemptStart(ctx, tx, event.ID, eventType, event.Raw, now)
		if err != nil {
			return err
		}
		if record == nil {
			return domain.ErrRecordNotFound
		}
		outcome.Attempts = record.Attempts
		if record.Processed {
			outcome.Duplicate = true
			return nil
		}

		scope = domain.NewScope(tx, event, attempt)
		if err := s.dispatcher.Dispatch(ctx, scope); err != nil {
			return err
		}
		return s.repo.RecordSuccess(ctx, tx, event.ID, s.clock.Now().UTC())
	})
	if err != nil {
		return nil, s.fail(ctx, log, event, err)
	}

	s.metrics.RecordAttempt(ctx, eventType, "success")
	if outcome.Duplicate {
		return outcome, nil
	}
	outcome.Unhandled = !s.dispatcher.Handles(event.Type)
	s.flush(ctx, scope)
	return outcome, nil
}

// fail stores the attempt error on a fresh statement so it survives the rollback.
func (s *Service) fail(ctx context.Context, log *zap.Logger, event *domain.TrustedEvent, cause error) error {
	s.metrics.RecordAttempt(ctx, string(event.Type), "failure")
	message := truncateError(cause.Error(), maxStoredErrorLen)
	if err := s.repo.RecordFailure(ctx, s.db, event.ID, string(event.Type), event.Raw, message, s.clock.Now().UTC()); err != nil {
		log.Error("failed to record webhook failure", zap.Error(err), zap.NamedError("cause", cause))
	}
	return cause
}

// truncateError cuts msg to at most n bytes without splitting a UTF-8 sequence.
func truncateError(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

func (s *Service) flush(ctx context.Context, scope *domain.Scope) {
	if scope == nil || s.notifier == nil {
		return
	}
	for _, n := range scope.Pending() {
		s.notifier.Notify(ctx, n)
	}
}

func (s *Service) escalate(ctx context.Context, event *domain.TrustedEvent, exhausted *domain.RetryExhaustedError) {
	if s.notifier == nil {
		return
	}
	kind := notificationdomain.KindWebhookFailed
	subject := "Webhook processing failed"
	if domain.IsIntegrity(exhausted.Last) {
		kind = notificationdomain.KindIntegrityFailure
		subject = "Webhook integrity failure"
	}
	s.notifier.Notify(ctx, notificationdomain.Notification{
		Kind:     kind,
		Audience: notificationdomain.AudienceOperator,
		EventID:  event.ID,
		Subject:  subject,
		Fields: map[string]string{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"attempts":   strconv.Itoa(exhausted.Attempts),
			"reason":     obsmetrics.ClassifyFailureReason(exhausted.Last),
			"error":      tracing.SafeError(exhausted.Last).Error(),
		},
		CreatedAt: s.clock.Now().UTC(),
	})
}

func (s *Service) finish(ctx context.Context, eventType, outcome string, started time.Time) {
	s.metrics.RecordWebhookEvent(ctx, eventType, outcome)
	s.pipeline.ObserveProcessing(eventType, outcome, s.clock.Now().Sub(started))
}
