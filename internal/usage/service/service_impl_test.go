package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/testutil"
	usagedomain "github.com/smallbiznis/stripesync/internal/usage/domain"
	"github.com/smallbiznis/stripesync/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, now time.Time) usagedomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clock.NewFakeClock(now),
		Repo:  repository.Provide(),
	})
}

func TestSyncPlanLimitsCreatesAndResyncs(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	subID := snowflake.ID(42)

	require.NoError(t, svc.SyncPlanLimits(ctx, db, subID, map[string]int64{"api_calls": 1000, "seats": 3}, &now))
	testutil.MustExec(t, db, `UPDATE usage_quotas SET current_amount = 600 WHERE metric_type = 'api_calls'`)

	// plan change: lower api_calls, drop seats, add storage
	require.NoError(t, svc.SyncPlanLimits(ctx, db, subID, map[string]int64{"api_calls": 500, "storage_gb": 10}, &now))

	quotas, err := repository.Provide().ListBySubscription(ctx, db, subID)
	require.NoError(t, err)
	require.Len(t, quotas, 2)

	assert.Equal(t, "api_calls", quotas[0].MetricType)
	assert.Equal(t, int64(500), quotas[0].LimitAmount)
	assert.Equal(t, int64(600), quotas[0].CurrentAmount)
	assert.True(t, quotas[0].Exceeded)

	assert.Equal(t, "storage_gb", quotas[1].MetricType)
	assert.Equal(t, usagedomain.DefaultAlertThreshold, quotas[1].AlertThreshold)
	assert.False(t, quotas[1].Exceeded)
}

func TestResetPeriodIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, start)
	subID := snowflake.ID(7)

	require.NoError(t, svc.SyncPlanLimits(ctx, db, subID, map[string]int64{"api_calls": 100}, &start))
	testutil.MustExec(t, db, `UPDATE usage_quotas SET current_amount = 150, exceeded = true`)

	next := start.AddDate(0, 1, 0)
	require.NoError(t, svc.ResetPeriod(ctx, db, subID, next))

	quotas, err := repository.Provide().ListBySubscription(ctx, db, subID)
	require.NoError(t, err)
	require.Len(t, quotas, 1)
	assert.Equal(t, int64(0), quotas[0].CurrentAmount)
	assert.False(t, quotas[0].Exceeded)

	testutil.MustExec(t, db, `UPDATE usage_quotas SET current_amount = 5`)
	require.NoError(t, svc.ResetPeriod(ctx, db, subID, next))

	quotas, err = repository.Provide().ListBySubscription(ctx, db, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), quotas[0].CurrentAmount)
}

func TestIsExceeded(t *testing.T) {
	assert.False(t, usagedomain.IsExceeded(0, 999))
	assert.False(t, usagedomain.IsExceeded(10, 9))
	assert.True(t, usagedomain.IsExceeded(10, 10))
}
