package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/stripesync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 1
	defaultSendTimeout = 10 * time.Second
)

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	Sinks    []notificationdomain.Sink   `group:"notification_sinks"`
	Metrics  *obsmetrics.Metrics         `optional:"true"`
	Pipeline *obsmetrics.PipelineMetrics `optional:"true"`
}

// Service fans notifications out to sinks from a bounded queue. Notify never
// blocks and never fails the caller.
type Service struct {
	log         *zap.Logger
	clock       clock.Clock
	sinks       []notificationdomain.Sink
	metrics     *obsmetrics.Metrics
	pipeline    *obsmetrics.PipelineMetrics
	queue       chan notificationdomain.Notification
	workers     int
	sendTimeout time.Duration

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewService(p Params) *Service {
	cfg := p.Config.Notification
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Service{
		log:         p.Log.Named("notification.service"),
		clock:       p.Clock,
		sinks:       p.Sinks,
		metrics:     p.Metrics,
		pipeline:    p.Pipeline,
		queue:       make(chan notificationdomain.Notification, cfg.QueueSize),
		workers:     cfg.Workers,
		sendTimeout: cfg.SendTimeout,
	}
}

func (s *Service) Notify(ctx context.Context, n notificationdomain.Notification) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.clock.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.drop(ctx, n, "stopped")
		return
	}

	select {
	case s.queue <- n:
		s.pipeline.SetQueueDepth(len(s.queue))
	default:
		s.drop(ctx, n, "queue_full")
	}
}

// Start launches the workers.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	s.log.Info("notification fan-out started", zap.Int("workers", s.workers), zap.Int("sinks", len(s.sinks)))
}

// Stop closes the queue and waits for the workers to drain it or ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("notification fan-out stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("notification fan-out stopped before draining", zap.Int("pending", len(s.queue)))
		return ctx.Err()
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	for n := range s.queue {
		s.pipeline.SetQueueDepth(len(s.queue))
		s.deliver(n)
	}
}

func (s *Service) deliver(n notificationdomain.Notification) {
	for _, sink := range s.sinks {
		if !sink.Accepts(n) {
			continue
		}
		s.send(sink, n)
	}
}

func (s *Service) send(sink notificationdomain.Sink, n notificationdomain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	err := safeSend(ctx, sink, n)
	if err != nil {
		s.metrics.RecordNotification(ctx, sink.Name(), "failed")
		s.log.Warn("notification delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("notification_id", n.ID),
			zap.String("kind", string(n.Kind)),
			zap.String("event_id", n.EventID),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordNotification(ctx, sink.Name(), "sent")
	s.log.Debug("notification delivered",
		zap.String("sink", sink.Name()),
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
	)
}

func (s *Service) drop(ctx context.Context, n notificationdomain.Notification, reason string) {
	s.pipeline.IncDropped(reason)
	s.metrics.RecordNotification(ctx, "queue", "dropped")
	s.log.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("event_id", n.EventID),
	)
}

func safeSend(ctx context.Context, sink notificationdomain.Sink, n notificationdomain.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", sink.Name(), r)
		}
	}()
	return sink.Send(ctx, n)
}
