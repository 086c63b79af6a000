package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stripesync/internal/clock"
	usagedomain "github.com/smallbiznis/stripesync/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  usagedomain.Repository
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  usagedomain.Repository
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) SyncPlanLimits(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, limits map[string]int64, periodStart *time.Time) error {
	now := s.clock.Now().UTC()

	metrics := make([]string, 0, len(limits))
	for metric := range limits {
		if strings.TrimSpace(metric) == "" {
			continue
		}
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		quota := &usagedomain.UsageQuota{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			MetricType:     metric,
			LimitAmount:    limits[metric],
			AlertThreshold: usagedomain.DefaultAlertThreshold,
			PeriodStart:    periodStart,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.UpsertLimit(ctx, tx, quota); err != nil {
			return err
		}
	}

	removed, err := s.repo.DeleteMetricsNotIn(ctx, tx, subscriptionID, metrics)
	if err != nil {
		return err
	}

	s.log.Debug("usage limits synced",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("metrics", len(metrics)),
		zap.Int64("removed", removed),
	)
	return nil
}

func (s *Service) ResetPeriod(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) error {
	reset, err := s.repo.ResetPeriod(ctx, tx, subscriptionID, periodStart.UTC(), s.clock.Now().UTC())
	if err != nil {
		return err
	}
	s.log.Info("usage period rolled over",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Time("period_start", periodStart),
		zap.Int64("quotas_reset", reset),
	)
	return nil
}
