package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	customerrepository "github.com/smallbiznis/stripesync/internal/customer/repository"
	customerservice "github.com/smallbiznis/stripesync/internal/customer/service"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	notificationservice "github.com/smallbiznis/stripesync/internal/notification/service"
	subscriptionrepository "github.com/smallbiznis/stripesync/internal/subscription/repository"
	"github.com/smallbiznis/stripesync/internal/testutil"
	usagerepository "github.com/smallbiznis/stripesync/internal/usage/repository"
	usageservice "github.com/smallbiznis/stripesync/internal/usage/service"
	"github.com/smallbiznis/stripesync/internal/webhook/dispatcher"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/smallbiznis/stripesync/internal/webhook/handler"
	"github.com/smallbiznis/stripesync/internal/webhook/repository"
	"github.com/smallbiznis/stripesync/internal/webhook/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notificationdomain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notificationdomain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) kinds() []notificationdomain.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notificationdomain.Kind, 0, len(n.sent))
	for _, msg := range n.sent {
		out = append(out, msg.Kind)
	}
	return out
}

// failingReconciler fails invoice.payment_failed with err and accepts the rest.
type failingReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingReconciler) SubscriptionCreated(context.Context, *domain.Scope, *stripe.Subscription) error {
	return nil
}

func (f *failingReconciler) SubscriptionUpdated(context.Context, *domain.Scope, *stripe.Subscription) error {
	return nil
}

func (f *failingReconciler) SubscriptionDeleted(context.Context, *domain.Scope, *stripe.Subscription) error {
	return nil
}

func (f *failingReconciler) InvoicePaymentSucceeded(context.Context, *domain.Scope, *stripe.Invoice) error {
	return nil
}

func (f *failingReconciler) InvoicePaymentFailed(context.Context, *domain.Scope, *stripe.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *failingReconciler) CustomerChanged(context.Context, *domain.Scope, *stripe.Customer) error {
	return nil
}

func (f *failingReconciler) CheckoutCompleted(context.Context, *domain.Scope, *stripe.CheckoutSession) error {
	return nil
}

type harness struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	notifier *recordingNotifier
	svc      domain.Service
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy     config.RetryPolicy
	reconciler dispatcher.Reconciler
	notifier   notificationdomain.Notifier
	lookup     customerdomain.CustomerLookup
	log        *zap.Logger
}

func withPolicy(p config.RetryPolicy) harnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

func withReconciler(r dispatcher.Reconciler) harnessOption {
	return func(c *harnessConfig) { c.reconciler = r }
}

func withNotifier(n notificationdomain.Notifier) harnessOption {
	return func(c *harnessConfig) { c.notifier = n }
}

func withLookup(l customerdomain.CustomerLookup) harnessOption {
	return func(c *harnessConfig) { c.lookup = l }
}

func withLogger(l *zap.Logger) harnessOption {
	return func(c *harnessConfig) { c.log = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.MustExec(t, db, `INSERT INTO users (id, email, name) VALUES ('u1', 'ada@example.com', 'Ada')`)
	testutil.MustExec(t, db,
		`INSERT INTO plans (id, name, provider_price_id, amount, currency, billing_interval, limits)
		VALUES (10, 'Pro', 'price_pro_monthly', 2900, 'usd', 'month', '{"api_calls":10000,"seats":5}')`)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := harnessConfig{policy: config.RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		TotalTimeout:    10 * time.Second,
		HighValueAmount: 100000,
	}}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log
	if log == nil {
		log = zaptest.NewLogger(t)
	}
	policy := config.NewStaticPolicyHolder(cfg.policy)

	if cfg.reconciler == nil {
		customerRepo := customerrepository.Provide()
		cfg.reconciler = handler.New(handler.Params{
			Log:              log,
			GenID:            node,
			Clock:            clk,
			Policy:           policy,
			SubscriptionRepo: subscriptionrepository.Provide(),
			CustomerRepo:     customerRepo,
			CustomerSvc:      customerservice.NewService(customerservice.Params{Log: log, Clock: clk, Repo: customerRepo, Lookup: cfg.lookup}),
			UsageSvc:         usageservice.NewService(usageservice.Params{Log: log, GenID: node, Clock: clk, Repo: usagerepository.Provide()}),
		})
	}

	recorder := &recordingNotifier{}
	if cfg.notifier == nil {
		cfg.notifier = recorder
	}

	appCfg := config.Config{Stripe: config.StripeConfig{WebhookSecret: testSecret}}
	svc := NewService(Params{
		DB:         db,
		Log:        log,
		Clock:      clk,
		Policy:     policy,
		Repo:       repository.Provide(),
		Verifier:   verifier.New(verifier.Params{Config: appCfg, Clock: clk, Log: log}),
		Dispatcher: dispatcher.New(dispatcher.Params{Reconciler: cfg.reconciler, Log: log}),
		Notifier:   cfg.notifier,
	})
	return &harness{db: db, clock: clk, notifier: recorder, svc: svc}
}

func sign(t *testing.T, body []byte) string {
	t.Helper()
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	}).Header
}

func eventBody(id string, eventType stripe.EventType, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","type":%q,"api_version":"2024-06-20","created":1772366400,"livemode":false,"data":{"object":%s}}`,
		id, eventType, object,
	))
}

const proSubscriptionObject = `{
	"id":"sub_1","object":"subscription","status":"active",
	"current_period_start":1772323200,"current_period_end":1775001600,
	"customer":{"id":"cus_1","object":"customer","email":"ada@example.com","metadata":{"userId":"u1"}},
	"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","quantity":1,
		"price":{"id":"price_pro_monthly","object":"price","unit_amount":2900,"currency":"usd"}}]}
}`

func (h *harness) count(t *testing.T, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(*) FROM `+table).Scan(&n).Error)
	return n
}

func (h *harness) record(t *testing.T, id string) *domain.ProcessingRecord {
	t.Helper()
	record, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return record
}

func TestHandleSubscriptionCreatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	body := eventBody("evt_1", stripe.EventTypeCustomerSubscriptionCreated, proSubscriptionObject)

	outcome, err := h.svc.Handle(ctx, body, sign(t, body))
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)
	assert.Equal(t, 1, outcome.Attempts)

	record := h.record(t, "evt_1")
	assert.True(t, record.Processed)
	assert.Nil(t, record.ProcessingError)
	assert.Equal(t, int64(1), h.count(t, "subscriptions"))
	assert.Equal(t, int64(2), h.count(t, "usage_quotas"))
	assert.Equal(t, []notificationdomain.Kind{notificationdomain.KindSubscriptionCreated}, h.notifier.kinds())

	var status string
	require.NoError(t, h.db.Raw(`SELECT status FROM subscriptions WHERE user_id = 'u1'`).Scan(&status).Error)
	assert.Equal(t, "ACTIVE", status)

	again, err := h.svc.Handle(ctx, body, sign(t, body))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(1), h.count(t, "subscriptions"))
	assert.Equal(t, int64(2), h.count(t, "usage_quotas"))
	assert.Len(t, h.notifier.kinds(), 1)
	assert.Equal(t, 1, h.record(t, "evt_1").Attempts)
}

func TestHandleConcurrentDuplicatesProcessOnce(t *testing.T) {
	h := newHarness(t)
	body := eventBody("evt_1", stripe.EventTypeCustomerSubscriptionCreated, proSubscriptionObject)
	header := sign(t, body)

	const deliveries = 4
	var wg sync.WaitGroup
	outcomes := make([]*domain.Outcome, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = h.svc.Handle(context.Background(), body, header)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		if !outcomes[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(1), h.count(t, "subscriptions"))
	assert.Len(t, h.notifier.kinds(), 1)
}

func TestHandleRejectsBadSignatureWithoutRecord(t *testing.T) {
	h := newHarness(t)
	body := eventBody("evt_1", stripe.EventTypeCustomerSubscriptionCreated, proSubscriptionObject)

	for _, header := range []string{"", "t=1,v1=deadbeef", sign(t, []byte(`{"id":"evt_other"}`))} {
		_, err := h.svc.Handle(context.Background(), body, header)
		var verr *domain.VerificationError
		require.True(t, errors.As(err, &verr), "header %q", header)
	}
	assert.Zero(t, h.count(t, "webhook_events"))
	assert.Zero(t, h.count(t, "subscriptions"))
	assert.Empty(t, h.notifier.kinds())
}

func TestHandleRetriesWithIncreasingBackoff(t *testing.T) {
	failing := &failingReconciler{err: errors.New("db down")}
	h := newHarness(t, withReconciler(failing))
	body := eventBody("evt_9", stripe.EventTypeInvoicePaymentFailed, `{"id":"in_1","object":"invoice","amount_due":500}`)

	_, err := h.svc.Handle(context.Background(), body, sign(t, body))
	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, failing.calls)
	assert.Contains(t, err.Error(), "processing failure")

	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Equal(t, time.Second, sleeps[0])
	assert.Greater(t, sleeps[1], sleeps[0])

	record := h.record(t, "evt_9")
	assert.False(t, record.Processed)
	assert.Equal(t, 3, record.Attempts)
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "db down")

	assert.Equal(t, []notificationdomain.Kind{notificationdomain.KindWebhookFailed}, h.notifier.kinds())
}

func TestHandleFailsFastWhenBudgetIsSpent(t *testing.T) {
	failing := &failingReconciler{err: errors.New("timeout")}
	h := newHarness(t, withReconciler(failing), withPolicy(config.RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    4 * time.Second,
		TotalTimeout: 10 * time.Second,
	}))
	body := eventBody("evt_9", stripe.EventTypeInvoicePaymentFailed, `{"id":"in_1","object":"invoice"}`)

	_, err := h.svc.Handle(context.Background(), body, sign(t, body))
	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, []time.Duration{4 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, 2, h.record(t, "evt_9").Attempts)
}

func TestHandleIntegrityFailureEscalates(t *testing.T) {
	h := newHarness(t)
	object := `{"id":"sub_1","object":"subscription","status":"paused","customer":{"id":"cus_1","metadata":{"userId":"u1"}}}`
	body := eventBody("evt_2", stripe.EventTypeCustomerSubscriptionCreated, object)

	_, err := h.svc.Handle(context.Background(), body, sign(t, body))
	require.Error(t, err)
	assert.True(t, domain.IsIntegrity(err))
	assert.Contains(t, err.Error(), "integrity failure")
	assert.Equal(t, []notificationdomain.Kind{notificationdomain.KindIntegrityFailure}, h.notifier.kinds())

	record := h.record(t, "evt_2")
	assert.False(t, record.Processed)
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "paused")
}

type unreachableLookup struct{}

func (unreachableLookup) GetCustomer(context.Context, string) (*stripe.Customer, error) {
	return nil, errors.New("dial tcp api.stripe.com:443: i/o timeout")
}

func TestHandleTransientLookupFailureIsNotIntegrity(t *testing.T) {
	h := newHarness(t, withLookup(unreachableLookup{}))
	object := `{"id":"sub_9","object":"subscription","status":"active","customer":"cus_9"}`
	body := eventBody("evt_9", stripe.EventTypeCustomerSubscriptionCreated, object)

	_, err := h.svc.Handle(context.Background(), body, sign(t, body))
	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.False(t, domain.IsIntegrity(err))
	assert.Contains(t, err.Error(), "processing failure")
	assert.Equal(t, []notificationdomain.Kind{notificationdomain.KindWebhookFailed}, h.notifier.kinds())

	record := h.record(t, "evt_9")
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "i/o timeout")
}

func TestHandleOutOfOrderUpdateIsNoop(t *testing.T) {
	h := newHarness(t)
	object := `{"id":"sub_1","object":"subscription","status":"past_due","customer":"cus_1"}`
	body := eventBody("evt_3", stripe.EventTypeCustomerSubscriptionUpdated, object)

	outcome, err := h.svc.Handle(context.Background(), body, sign(t, body))
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)
	assert.True(t, h.record(t, "evt_3").Processed)
	assert.Zero(t, h.count(t, "subscriptions"))
	assert.Empty(t, h.notifier.kinds())
}

func TestHandleUnknownTypeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	body := eventBody("evt_4", "charge.refunded", `{"id":"ch_1","object":"charge"}`)

	outcome, err := h.svc.Handle(context.Background(), body, sign(t, body))
	require.NoError(t, err)
	assert.True(t, outcome.Unhandled)
	assert.True(t, h.record(t, "evt_4").Processed)
}

func TestHandleStopsBetweenAttemptsWhenCanceled(t *testing.T) {
	failing := &failingReconciler{err: errors.New("db down")}
	h := newHarness(t, withReconciler(failing))
	body := eventBody("evt_5", stripe.EventTypeInvoicePaymentFailed, `{"id":"in_1","object":"invoice"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Handle(ctx, body, sign(t, body))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, h.record(t, "evt_5").Attempts)
}

func TestReplayRerunsStoredPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.MustExec(t, h.db, `DELETE FROM plans`)
	body := eventBody("evt_1", stripe.EventTypeCustomerSubscriptionCreated, proSubscriptionObject)

	_, err := h.svc.Handle(ctx, body, sign(t, body))
	require.Error(t, err)
	require.NotNil(t, h.record(t, "evt_1").ProcessingError)

	testutil.MustExec(t, h.db,
		`INSERT INTO plans (id, name, provider_price_id, amount, currency, billing_interval, limits)
		VALUES (10, 'Pro', 'price_pro_monthly', 2900, 'usd', 'month', '{"api_calls":10000}')`)

	outcome, err := h.svc.Replay(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Attempts)
	assert.True(t, h.record(t, "evt_1").Processed)
	assert.Equal(t, int64(1), h.count(t, "subscriptions"))

	_, err = h.svc.Replay(ctx, "evt_1")
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	_, err = h.svc.Replay(ctx, "evt_missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	_, err = h.svc.Replay(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidEventID)
}

func TestReplayKeepsFailureWhenStoredPayloadIsUnreadable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.MustExec(t, h.db,
		`INSERT INTO webhook_events (event_id, event_type, raw_payload, processed, processing_error, attempts, created_at, updated_at)
		VALUES ('evt_bad', 'customer.subscription.created', '{"id":"evt_bad","type":"customer.subscription.created"}', false, 'plan missing', 3, ?, ?),
		('evt_moved', 'customer.subscription.created', ?, false, 'plan missing', 1, ?, ?)`,
		h.clock.Now(), h.clock.Now(),
		string(eventBody("evt_other", stripe.EventTypeCustomerSubscriptionCreated, proSubscriptionObject)), h.clock.Now(), h.clock.Now())

	_, err := h.svc.Replay(ctx, "evt_bad")
	var verr *domain.VerificationError
	require.True(t, errors.As(err, &verr))

	record := h.record(t, "evt_bad")
	assert.False(t, record.Processed)
	assert.Equal(t, 4, record.Attempts)
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "data.object")

	_, err = h.svc.Replay(ctx, "evt_moved")
	assert.ErrorIs(t, err, domain.ErrInvalidEventID)
	record = h.record(t, "evt_moved")
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "evt_other")
	assert.Zero(t, h.count(t, "subscriptions"))
}

func TestTruncateErrorKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("a", 1023) + "é" + "tail"
	got := truncateError(msg, 1024)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 1023), got)

	assert.Equal(t, "short", truncateError("short", 1024))
	assert.Equal(t, "ab", truncateError("ab€", 4))
}

func TestListAndStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		body := eventBody(id, "charge.refunded", `{"id":"ch_1"}`)
		_, err := h.svc.Handle(ctx, body, sign(t, body))
		require.NoError(t, err)
	}

	result, err := h.svc.List(ctx, domain.ListFilter{Status: domain.RecordStatusProcessed})
	require.NoError(t, err)
	assert.Len(t, result.Records, 3)
	assert.False(t, result.PageInfo.HasMore)

	from := h.clock.Now().Add(-time.Hour)
	stats, err := h.svc.Stats(ctx, from, h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.Processed)

	_, err = h.svc.Stats(ctx, h.clock.Now(), from)
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
}

type brokenSink struct{}

func (brokenSink) Name() string                                 { return "broken" }
func (brokenSink) Accepts(notificationdomain.Notification) bool { return true }
func (brokenSink) Send(context.Context, notificationdomain.Notification) error {
	return errors.New("smtp unreachable")
}

func TestHandleSucceedsWhenNotificationDeliveryFails(t *testing.T) {
	fanout := notificationservice.NewService(notificationservice.Params{
		Config: config.Config{Notification: config.NotificationConfig{QueueSize: 4, Workers: 1}},
		Log:    zaptest.NewLogger(t),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Sinks:  []notificationdomain.Sink{brokenSink{}},
	})
	fanout.Start()
	t.Cleanup(func() { _ = fanout.Stop(context.Background()) })

	h := newHarness(t, withNotifier(fanout))
	body := eventBody("evt_1", stripe.EventTypeCustomerSubscriptionCreated, proSubscriptionObject)

	outcome, err := h.svc.Handle(context.Background(), body, sign(t, body))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Attempts)
	assert.True(t, h.record(t, "evt_1").Processed)
	assert.Equal(t, int64(1), h.count(t, "subscriptions"))
}

func TestPipelineLogsCarryEventIDOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, withLogger(zap.New(core)), withReconciler(&failingReconciler{err: errors.New("connection reset")}))

	body := eventBody("evt_1", stripe.EventTypeInvoicePaymentFailed, `{"id":"in_1","object":"invoice"}`)
	_, err := h.svc.Handle(context.Background(), body, sign(t, body))
	require.Error(t, err)

	pipeline := logs.FilterField(zap.String("event_type", string(stripe.EventTypeInvoicePaymentFailed)))
	require.NotZero(t, pipeline.Len())
	for _, entry := range pipeline.All() {
		n := 0
		for _, field := range entry.Context {
			if field.Key == "event_id" {
				n++
			}
		}
		assert.Equal(t, 1, n, entry.Message)
	}
}
