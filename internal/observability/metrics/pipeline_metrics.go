package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	FailureReasonDeadlineExceeded     = "deadline_exceeded"
	FailureReasonCanceled             = "canceled"
	FailureReasonDBLockTimeout        = "db_lock_timeout"
	FailureReasonSerializationFailure = "serialization_failure"
	FailureReasonUniqueViolation      = "unique_violation"
	FailureReasonUnknown              = "unknown"
)

// PipelineMetrics holds the Prometheus collectors scraped from /metrics.
type PipelineMetrics struct {
	processingDuration *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	failures           *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	dropped            *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

var (
	pipelineMetrics     *PipelineMetrics
	pipelineMetricsOnce sync.Once
)

// PipelineWithConfig returns the process-wide collectors registered on the default registry.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// NewPipelineMetrics registers a fresh set of collectors on registerer.
func NewPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	return newPipelineMetrics(registerer, cfg)
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "stripesync"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     strings.TrimSpace(cfg.Environment),
	}

	processingDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "stripesync_webhook_processing_seconds",
		Help:        "Wall time from first attempt to final outcome.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"event_type", "outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stripesync_webhook_retries_total",
		Help:        "Attempts beyond the first.",
		ConstLabels: constLabels,
	}, []string{"event_type"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stripesync_webhook_attempt_failures_total",
		Help:        "Failed attempts by classified reason.",
		ConstLabels: constLabels,
	}, []string{"event_type", "reason"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "stripesync_notification_queue_depth",
		Help:        "Notifications waiting for delivery.",
		ConstLabels: constLabels,
	})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stripesync_notifications_dropped_total",
		Help:        "Notifications dropped before delivery.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "stripesync_notification_breaker_open",
		Help:        "1 when the sink circuit breaker is open.",
		ConstLabels: constLabels,
	}, []string{"sink"})

	registerer.MustRegister(processingDuration, retries, failures, queueDepth, dropped, breakerState)

	return &PipelineMetrics{
		processingDuration: processingDuration,
		retries:            retries,
		failures:           failures,
		queueDepth:         queueDepth,
		dropped:            dropped,
		breakerState:       breakerState,
	}
}

func (m *PipelineMetrics) ObserveProcessing(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.processingDuration.WithLabelValues(labelValue(eventType), labelValue(outcome)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncRetry(eventType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelValue(eventType)).Inc()
}

func (m *PipelineMetrics) IncAttemptFailure(eventType string, err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelValue(eventType), ClassifyFailureReason(err)).Inc()
}

func (m *PipelineMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *PipelineMetrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(labelValue(reason)).Inc()
}

func (m *PipelineMetrics) SetBreakerOpen(sink string, open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1
	}
	m.breakerState.WithLabelValues(labelValue(sink)).Set(value)
}

// ClassifyFailureReason maps an attempt error onto a bounded label set.
// Errors exposing Reason() string supply their own label.
func ClassifyFailureReason(err error) string {
	if err == nil {
		return FailureReasonUnknown
	}
	var reasoned interface{ Reason() string }
	if errors.As(err, &reasoned) {
		if reason := strings.TrimSpace(reasoned.Reason()); reason != "" {
			return reason
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureReasonDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return FailureReasonCanceled
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return FailureReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return FailureReasonDBLockTimeout
		case "40001", "40P01":
			return FailureReasonSerializationFailure
		case "23505":
			return FailureReasonUniqueViolation
		}
	}
	return FailureReasonUnknown
}

func labelValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
