package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pkazemian/personify/config"
)

// Telemetry provides run/stage monitoring for the inference pipeline.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	mu      sync.RWMutex
}

// Metrics holds in-process counters, mirrored into Prometheus collectors.
type Metrics struct {
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration

	StageFailures    map[string]int64
	PatternsDetected int64
	SignalsFolded    int64
}

var (
	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personify_pipeline_runs_total",
		Help: "Completed pipeline runs by terminal status.",
	}, []string{"status"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "personify_pipeline_stage_seconds",
		Help:    "Wall time spent in each pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personify_pipeline_stage_failures_total",
		Help: "Stage failures by stage name.",
	}, []string{"stage"})
	patternsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personify_patterns_detected_total",
		Help: "Unique patterns emitted by detection runs.",
	})
	signalsFolded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "personify_behavioral_signals_total",
		Help: "Behavioral evidence items folded into estimates.",
	})
)

// RunEvent captures one full pipeline execution.
type RunEvent struct {
	PipelineID string
	UserID     string
	StartTime  time.Time
	EndTime    time.Time
	Success    bool
	FailedAt   string
	Error      string
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageFailures: make(map[string]int64),
		},
	}
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsCollection()
	}
	return t
}

// RecordRun records a completed pipeline run.
func (t *Telemetry) RecordRun(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}
	duration := event.EndTime.Sub(event.StartTime)

	t.mu.Lock()
	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
		if event.FailedAt != "" {
			t.metrics.StageFailures[event.FailedAt]++
		}
	}
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + duration) / time.Duration(t.metrics.TotalRuns)
	}
	t.mu.Unlock()

	status := "completed"
	if !event.Success {
		status = "failed"
		if event.FailedAt != "" {
			stageFailures.WithLabelValues(event.FailedAt).Inc()
		}
	}
	pipelineRuns.WithLabelValues(status).Inc()

	t.logger.Printf("Pipeline Run: ID=%s, User=%s, Success=%t, Duration=%v",
		event.PipelineID, event.UserID, event.Success, duration)
}

// RecordStage records the wall time of one stage.
func (t *Telemetry) RecordStage(stage string, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordPatterns records the output of one detection run.
func (t *Telemetry) RecordPatterns(count int) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.PatternsDetected += int64(count)
	t.mu.Unlock()
	patternsDetected.Add(float64(count))
}

// RecordSignals records evidence items folded during aggregation.
func (t *Telemetry) RecordSignals(count int) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.SignalsFolded += int64(count)
	t.mu.Unlock()
	signalsFolded.Add(float64(count))
}

// GetMetrics returns a copy of the current metrics snapshot.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	metrics := *t.metrics
	metrics.StageFailures = make(map[string]int64, len(t.metrics.StageFailures))
	for k, v := range t.metrics.StageFailures {
		metrics.StageFailures[k] = v
	}
	return metrics
}

func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m := t.GetMetrics()
		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, Patterns=%d, Signals=%d",
			m.SuccessfulRuns, m.TotalRuns, m.AverageRunTime, m.PatternsDetected, m.SignalsFolded)
	}
}
