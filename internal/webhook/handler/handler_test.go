package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	customerrepository "github.com/smallbiznis/stripesync/internal/customer/repository"
	customerservice "github.com/smallbiznis/stripesync/internal/customer/service"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/stripesync/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/stripesync/internal/subscription/repository"
	"github.com/smallbiznis/stripesync/internal/testutil"
	usagerepository "github.com/smallbiznis/stripesync/internal/usage/repository"
	usageservice "github.com/smallbiznis/stripesync/internal/usage/service"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	r     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLookup(t, nil)
}

func newFixtureWithLookup(t *testing.T, lookup customerdomain.CustomerLookup) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.MustExec(t, db, `INSERT INTO users (id, email, name) VALUES ('u1', 'ada@example.com', 'Ada')`)
	testutil.MustExec(t, db,
		`INSERT INTO plans (id, name, provider_price_id, amount, currency, billing_interval, limits) VALUES
		(10, 'Pro', 'price_pro_monthly', 2900, 'usd', 'month', '{"api_calls":10000,"seats":5}'),
		(11, 'Team', 'price_team_monthly', 9900, 'usd', 'month', '{"api_calls":50000}')`)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	customerRepo := customerrepository.Provide()

	r := New(Params{
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Policy: config.NewStaticPolicyHolder(config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, TotalTimeout: 10 * time.Second, HighValueAmount: 50000}),
		SubscriptionRepo: subscriptionrepository.Provide(),
		CustomerRepo:     customerRepo,
		CustomerSvc: customerservice.NewService(customerservice.Params{
			Log:    log,
			Clock:  clk,
			Repo:   customerRepo,
			Lookup: lookup,
		}),
		UsageSvc: usageservice.NewService(usageservice.Params{
			Log:   log,
			GenID: node,
			Clock: clk,
			Repo:  usagerepository.Provide(),
		}),
	})
	return &fixture{db: db, clock: clk, r: r}
}

func (f *fixture) scope(eventType stripe.EventType) *domain.Scope {
	return domain.NewScope(f.db, &domain.TrustedEvent{ID: "evt_1", Type: eventType}, 1)
}

func proSubscription(status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 "sub_1",
		Status:             status,
		CurrentPeriodStart: periodStart.Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
		Customer: &stripe.Customer{
			ID:       "cus_1",
			Email:    "ada+billing@example.com",
			Metadata: map[string]string{"userId": "u1"},
		},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			Quantity: 1,
			Price:    &stripe.Price{ID: "price_pro_monthly", UnitAmount: 2900, Currency: stripe.CurrencyUSD},
		}}},
	}
}

func (f *fixture) create(t *testing.T, status stripe.SubscriptionStatus) {
	t.Helper()
	require.NoError(t, f.r.SubscriptionCreated(context.Background(), f.scope(stripe.EventTypeCustomerSubscriptionCreated), proSubscription(status)))
}

func (f *fixture) stored(t *testing.T) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := subscriptionrepository.Provide().FindByProviderID(context.Background(), f.db, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestMapStatus(t *testing.T) {
	mapped, err := MapStatus(stripe.SubscriptionStatusIncompleteExpired)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncompleteExpired, mapped)

	for _, status := range []stripe.SubscriptionStatus{stripe.SubscriptionStatusPaused, "mystery", ""} {
		_, err := MapStatus(status)
		var uerr *domain.UnmappedStatusError
		require.True(t, errors.As(err, &uerr), "status %q", status)
		assert.Equal(t, string(status), uerr.Status)
	}
}

func TestSubscriptionCreatedReconcilesProPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	scope := f.scope(stripe.EventTypeCustomerSubscriptionCreated)

	require.NoError(t, f.r.SubscriptionCreated(ctx, scope, proSubscription(stripe.SubscriptionStatusActive)))

	sub := f.stored(t)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, snowflake.ID(10), sub.PlanID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(2900), sub.Amount)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))

	quotas, err := usagerepository.Provide().ListBySubscription(ctx, f.db, sub.ID)
	require.NoError(t, err)
	require.Len(t, quotas, 2)
	assert.Equal(t, "api_calls", quotas[0].MetricType)
	assert.Equal(t, int64(10000), quotas[0].LimitAmount)

	link, err := customerrepository.Provide().FindLink(ctx, f.db, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "u1", link.UserID)

	pending := scope.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, notificationdomain.KindSubscriptionCreated, pending[0].Kind)
	assert.Equal(t, "ada+billing@example.com", pending[0].Recipient)
	assert.Equal(t, "evt_1", pending[0].EventID)
}

func TestSubscriptionCreatedLinkageAndPlanFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan := proSubscription(stripe.SubscriptionStatusActive)
	orphan.Customer = &stripe.Customer{ID: "cus_x"}
	err := f.r.SubscriptionCreated(ctx, f.scope(stripe.EventTypeCustomerSubscriptionCreated), orphan)
	var lerr *domain.LinkageError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "cus_x", lerr.CustomerID)

	unknownPrice := proSubscription(stripe.SubscriptionStatusActive)
	unknownPrice.Items.Data[0].Price.ID = "price_gone"
	err = f.r.SubscriptionCreated(ctx, f.scope(stripe.EventTypeCustomerSubscriptionCreated), unknownPrice)
	var perr *domain.PlanNotFoundError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "price_gone", perr.PriceID)

	paused := proSubscription(stripe.SubscriptionStatusPaused)
	err = f.r.SubscriptionCreated(ctx, f.scope(stripe.EventTypeCustomerSubscriptionCreated), paused)
	assert.True(t, domain.IsIntegrity(err))
}

type failingLookup struct{ err error }

func (l failingLookup) GetCustomer(context.Context, string) (*stripe.Customer, error) {
	return nil, l.err
}

func TestSubscriptionCreatedLookupOutageIsNotLinkage(t *testing.T) {
	timeout := errors.New("dial tcp api.stripe.com:443: i/o timeout")
	f := newFixtureWithLookup(t, failingLookup{err: timeout})

	sub := proSubscription(stripe.SubscriptionStatusActive)
	sub.Customer = &stripe.Customer{ID: "cus_9"}
	err := f.r.SubscriptionCreated(context.Background(), f.scope(stripe.EventTypeCustomerSubscriptionCreated), sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, timeout)
	assert.False(t, domain.IsIntegrity(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestSubscriptionCreatedWithoutLookupIsLinkage(t *testing.T) {
	f := newFixture(t)

	sub := proSubscription(stripe.SubscriptionStatusActive)
	sub.Customer = &stripe.Customer{ID: "cus_9"}
	err := f.r.SubscriptionCreated(context.Background(), f.scope(stripe.EventTypeCustomerSubscriptionCreated), sub)
	var lerr *domain.LinkageError
	require.True(t, errors.As(err, &lerr))
	assert.ErrorIs(t, err, customerdomain.ErrLookupUnavailable)
}

func TestSubscriptionUpdatedUnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	scope := f.scope(stripe.EventTypeCustomerSubscriptionUpdated)

	require.NoError(t, f.r.SubscriptionUpdated(context.Background(), scope, proSubscription(stripe.SubscriptionStatusPastDue)))

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM subscriptions`).Scan(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, scope.Pending())
}

func TestSubscriptionUpdatedTrialConversion(t *testing.T) {
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusTrialing)

	scope := f.scope(stripe.EventTypeCustomerSubscriptionUpdated)
	require.NoError(t, f.r.SubscriptionUpdated(context.Background(), scope, proSubscription(stripe.SubscriptionStatusActive)))

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, f.stored(t).Status)
	pending := scope.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, notificationdomain.KindTrialConverted, pending[0].Kind)
	assert.Equal(t, "TRIALING", pending[0].Fields["from"])
	assert.Equal(t, "ada+billing@example.com", pending[0].Recipient)
}

func TestSubscriptionUpdatedSameStatusIsSilent(t *testing.T) {
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusActive)

	upd := proSubscription(stripe.SubscriptionStatusActive)
	upd.CancelAtPeriodEnd = true
	scope := f.scope(stripe.EventTypeCustomerSubscriptionUpdated)
	require.NoError(t, f.r.SubscriptionUpdated(context.Background(), scope, upd))

	assert.True(t, f.stored(t).CancelAtPeriodEnd)
	assert.Empty(t, scope.Pending())
}

func TestSubscriptionUpdatedUnmappedStatusLeavesRowAlone(t *testing.T) {
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusActive)

	err := f.r.SubscriptionUpdated(context.Background(), f.scope(stripe.EventTypeCustomerSubscriptionUpdated), proSubscription(stripe.SubscriptionStatusPaused))
	var uerr *domain.UnmappedStatusError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, f.stored(t).Status)
}

func TestSubscriptionUpdatedPlanChangeAndRollover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusActive)
	testutil.MustExec(t, f.db, `UPDATE usage_quotas SET current_amount = 700 WHERE metric_type = 'api_calls'`)

	nextStart := periodEnd
	upd := proSubscription(stripe.SubscriptionStatusActive)
	upd.CurrentPeriodStart = nextStart.Unix()
	upd.CurrentPeriodEnd = nextStart.AddDate(0, 1, 0).Unix()
	upd.Items.Data[0].Price = &stripe.Price{ID: "price_team_monthly", UnitAmount: 9900, Currency: stripe.CurrencyUSD}

	require.NoError(t, f.r.SubscriptionUpdated(ctx, f.scope(stripe.EventTypeCustomerSubscriptionUpdated), upd))

	sub := f.stored(t)
	assert.Equal(t, snowflake.ID(11), sub.PlanID)
	assert.Equal(t, int64(9900), sub.Amount)

	quotas, err := usagerepository.Provide().ListBySubscription(ctx, f.db, sub.ID)
	require.NoError(t, err)
	require.Len(t, quotas, 1)
	assert.Equal(t, int64(50000), quotas[0].LimitAmount)
	assert.Zero(t, quotas[0].CurrentAmount)
	require.NotNil(t, quotas[0].PeriodStart)
	assert.True(t, quotas[0].PeriodStart.Equal(nextStart))
}

func TestSubscriptionDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusActive)

	scope := f.scope(stripe.EventTypeCustomerSubscriptionDeleted)
	require.NoError(t, f.r.SubscriptionDeleted(ctx, scope, &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusCanceled}))

	sub := f.stored(t)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.Equal(f.clock.Now()))
	require.Len(t, scope.Pending(), 1)

	again := f.scope(stripe.EventTypeCustomerSubscriptionDeleted)
	require.NoError(t, f.r.SubscriptionDeleted(ctx, again, &stripe.Subscription{ID: "sub_1"}))
	assert.Empty(t, again.Pending())

	require.NoError(t, f.r.SubscriptionDeleted(ctx, f.scope(stripe.EventTypeCustomerSubscriptionDeleted), &stripe.Subscription{ID: "sub_missing"}))
}

func TestInvoicePaymentSucceededExtendsPeriod(t *testing.T) {
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusActive)

	later := periodEnd.AddDate(0, 1, 0)
	inv := &stripe.Invoice{
		ID:           "in_1",
		AmountPaid:   2900,
		Currency:     stripe.CurrencyUSD,
		Subscription: &stripe.Subscription{ID: "sub_1"},
		Lines: &stripe.InvoiceLineItemList{Data: []*stripe.InvoiceLineItem{
			{Period: &stripe.Period{Start: periodStart.Unix(), End: periodEnd.Unix()}},
			{Period: &stripe.Period{Start: periodEnd.Unix(), End: later.Unix()}},
		}},
	}
	scope := f.scope(stripe.EventTypeInvoicePaymentSucceeded)
	require.NoError(t, f.r.InvoicePaymentSucceeded(context.Background(), scope, inv))

	sub := f.stored(t)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(later))
	pending := scope.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, notificationdomain.KindPaymentSucceeded, pending[0].Kind)
	assert.Equal(t, "2900 USD", pending[0].Fields["amount"])
}

func TestInvoiceWithoutLocalSubscriptionIsNoop(t *testing.T) {
	f := newFixture(t)
	scope := f.scope(stripe.EventTypeInvoicePaymentSucceeded)

	require.NoError(t, f.r.InvoicePaymentSucceeded(context.Background(), scope, &stripe.Invoice{ID: "in_1"}))
	require.NoError(t, f.r.InvoicePaymentFailed(context.Background(), scope, &stripe.Invoice{ID: "in_2", Subscription: &stripe.Subscription{ID: "sub_x"}}))
	assert.Empty(t, scope.Pending())
}

func TestInvoicePaymentFailedEscalatesHighValue(t *testing.T) {
	f := newFixture(t)
	f.create(t, stripe.SubscriptionStatusActive)

	small := f.scope(stripe.EventTypeInvoicePaymentFailed)
	require.NoError(t, f.r.InvoicePaymentFailed(context.Background(), small, &stripe.Invoice{
		ID: "in_1", AmountDue: 2900, Currency: stripe.CurrencyUSD, Subscription: &stripe.Subscription{ID: "sub_1"},
	}))
	require.Len(t, small.Pending(), 1)
	assert.Equal(t, notificationdomain.KindPaymentFailed, small.Pending()[0].Kind)

	large := f.scope(stripe.EventTypeInvoicePaymentFailed)
	require.NoError(t, f.r.InvoicePaymentFailed(context.Background(), large, &stripe.Invoice{
		ID: "in_2", AmountDue: 50000, Currency: stripe.CurrencyUSD, Subscription: &stripe.Subscription{ID: "sub_1"},
	}))
	pending := large.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, notificationdomain.KindHighValuePaymentFailed, pending[1].Kind)
	assert.Equal(t, notificationdomain.AudienceOperator, pending[1].Audience)
}

func TestCustomerChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	scope := f.scope(stripe.EventTypeCustomerUpdated)

	require.NoError(t, f.r.CustomerChanged(ctx, scope, &stripe.Customer{ID: "cus_anon"}))
	link, err := customerrepository.Provide().FindLink(ctx, f.db, "cus_anon")
	require.NoError(t, err)
	assert.Nil(t, link)

	require.NoError(t, f.r.CustomerChanged(ctx, scope, &stripe.Customer{
		ID: "cus_1", Email: "ada@new.example.com", Metadata: map[string]string{"user_id": "u1"},
	}))
	link, err = customerrepository.Provide().FindLink(ctx, f.db, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "ada@new.example.com", link.Email)

	err = f.r.CustomerChanged(ctx, scope, &stripe.Customer{ID: "cus_2", Metadata: map[string]string{"userId": "ghost"}})
	var lerr *domain.LinkageError
	assert.True(t, errors.As(err, &lerr))
}

func TestCheckoutCompletedOnlyLogs(t *testing.T) {
	f := newFixture(t)
	scope := f.scope(stripe.EventTypeCheckoutSessionCompleted)
	require.NoError(t, f.r.CheckoutCompleted(context.Background(), scope, &stripe.CheckoutSession{
		ID: "cs_1", Mode: stripe.CheckoutSessionModeSubscription, Customer: &stripe.Customer{ID: "cus_1"},
	}))
	assert.Empty(t, scope.Pending())
}
