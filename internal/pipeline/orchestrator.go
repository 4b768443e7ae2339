package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/aggregate"
	"github.com/pkazemian/personify/internal/extract"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/telemetry"
)

var pipelineTracer trace.Tracer = otel.Tracer("personify/internal/pipeline")

// Orchestrator drives the staged inference pipeline with per-user
// exclusivity and partial-failure tolerance.
type Orchestrator struct {
	cfg        *config.Config
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	store      *store.Store
	extractor  extract.Extractor
	aggregator *aggregate.Aggregator
	former     TwinFormer
	recorder   EvolutionRecorder

	registry *registry
	lease    *lease

	// Concurrency control
	semaphore chan struct{}
}

// NewOrchestrator wires the pipeline. rdb may be nil; exclusivity is then
// process-local only.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry,
	st *store.Store, extractor extract.Extractor, aggregator *aggregate.Aggregator,
	former TwinFormer, recorder EvolutionRecorder, rdb *redis.Client) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	if former == nil {
		former = SnapshotTwinFormer{}
	}
	if recorder == nil {
		recorder = &ThresholdEvolutionRecorder{Store: st}
	}
	maxUsers := cfg.Pipeline.MaxConcurrentUsers
	if maxUsers <= 0 {
		maxUsers = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		telemetry:  tele,
		store:      st,
		extractor:  extractor,
		aggregator: aggregator,
		former:     former,
		recorder:   recorder,
		registry:   newRegistry(),
		lease:      &lease{rdb: rdb, ttl: cfg.Pipeline.LockTTL},
		semaphore:  make(chan struct{}, maxUsers),
	}
}

// run tracks one orchestration's mutable bookkeeping.
type run struct {
	pipelineID string
	userID     string
	state      *runState
	timestamps map[string]time.Time
	startedAt  time.Time
	result     Result
}

func (o *Orchestrator) enterStage(r *run, span trace.Span, stage Stage) {
	prevAt := r.startedAt
	if len(r.timestamps) > 0 {
		// duration of the previous stage ends where this one begins
		for _, at := range r.timestamps {
			if at.After(prevAt) {
				prevAt = at
			}
		}
	}
	now := time.Now()
	r.timestamps[string(stage)] = now
	r.state.setStage(stage)
	if o.telemetry != nil && stage != StageIdle {
		o.telemetry.RecordStage(string(stage), now.Sub(prevAt))
	}
	span.AddEvent("stage." + string(stage))
	o.logger.Printf("pipeline %s user %s -> %s", r.pipelineID, r.userID, stage)
}

func (o *Orchestrator) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.Pipeline.StageTimeout)
}

// RunFull executes the complete pipeline for a user. It never returns a Go
// error for domain outcomes: conflicts, missing connections and stage
// failures are all encoded in the Result.
func (o *Orchestrator) RunFull(ctx context.Context, userID string, opts Options) Result {
	pipelineID := uuid.NewString()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.run_full",
		trace.WithAttributes(
			attribute.String("pipeline.id", pipelineID),
			attribute.String("user.id", userID),
		))
	defer span.End()

	if !opts.ForceRefresh {
		if res, ok := o.recentResult(ctx, userID); ok {
			span.AddEvent("recent_run_reused")
			span.SetStatus(codes.Ok, "recent run reused")
			return res
		}
	}

	state, ok := o.registry.acquire(userID, pipelineID)
	if !ok {
		stage, startedAt := state.snapshot()
		span.SetStatus(codes.Error, "pipeline already running")
		return Result{
			Success:      false,
			Error:        "Pipeline already running",
			CurrentStage: stage,
			StartedAt:    &startedAt,
		}
	}
	leased, err := o.lease.acquire(ctx, userID)
	if err != nil {
		o.logger.Printf("lease acquire for user %s: %v", userID, err)
	}
	if err == nil && !leased {
		o.registry.release(userID)
		stage, startedAt := state.snapshot()
		return Result{
			Success:      false,
			Error:        "Pipeline already running",
			CurrentStage: stage,
			StartedAt:    &startedAt,
		}
	}

	r := &run{
		pipelineID: pipelineID,
		userID:     userID,
		state:      state,
		timestamps: make(map[string]time.Time),
		startedAt:  time.Now(),
	}

	// The slot must be released on every path, including panics, so a
	// wedged run cannot lock a user out forever.
	defer func() {
		o.lease.release(context.WithoutCancel(ctx), userID)
		o.registry.release(userID)
		o.finish(context.WithoutCancel(ctx), r, span)
	}()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		o.fail(r, span, StageValidating, ctx.Err())
		return r.result
	}

	o.execute(ctx, r, span)
	return r.result
}

// recentResult satisfies a non-forced run from the last audit row when it
// completed inside the refresh window. No locks are taken and no audit row
// is written.
func (o *Orchestrator) recentResult(ctx context.Context, userID string) (Result, bool) {
	window := o.cfg.Pipeline.RefreshWindow
	if window <= 0 {
		return Result{}, false
	}
	runs, err := o.store.ListPipelineRuns(ctx, userID, 1)
	if err != nil || len(runs) == 0 {
		return Result{}, false
	}
	last := runs[0]
	if last.Status != "completed" || time.Since(last.FinishedAt) > window {
		return Result{}, false
	}
	return Result{
		Success:    true,
		PipelineID: last.ID,
		Message:    "Analysis is up to date; pass force_refresh=true to rerun",
	}, true
}

func (o *Orchestrator) execute(ctx context.Context, r *run, span trace.Span) {
	// VALIDATING
	o.enterStage(r, span, StageValidating)
	vctx, cancel := o.stageCtx(ctx)
	conns, err := o.store.ListConnections(vctx, r.userID)
	cancel()
	if err != nil {
		o.fail(r, span, StageValidating, fmt.Errorf("listing connections: %w", err))
		return
	}
	now := time.Now()
	var connected []store.PlatformConnection
	for _, c := range conns {
		if c.Connected(now) {
			connected = append(connected, c)
		}
	}
	if len(connected) == 0 {
		r.state.setStage(StageComplete)
		r.timestamps[string(StageComplete)] = time.Now()
		r.result = Result{
			Success:    false,
			PipelineID: r.pipelineID,
			Message:    "Please connect at least one platform to begin personality analysis",
		}
		span.SetStatus(codes.Ok, "no connections")
		return
	}

	// EXTRACTING: fan out per platform; one failure does not cancel
	// siblings, and one success is enough to continue.
	o.enterStage(r, span, StageExtracting)
	summary := o.extractAll(ctx, r.userID, connected)
	r.result.Extraction = &summary
	if summary.Successful == 0 {
		o.fail(r, span, StageExtracting, fmt.Errorf("all %d platform extractions failed", summary.Total))
		return
	}

	// GENERATING_EVIDENCE: per-platform evidence folding; gaps are logged,
	// never fatal.
	o.enterStage(r, span, StageGeneratingEvidence)
	evidenceSeen := false
	for _, res := range summary.Results {
		if !res.Success {
			continue
		}
		ectx, cancel := o.stageCtx(ctx)
		values, err := o.platformValues(ectx, r.userID, res.Platform)
		if err == nil && len(values) > 0 {
			_, err = o.aggregator.UpdateFromBehavior(ectx, r.userID, res.Platform, values)
			if err == nil {
				evidenceSeen = true
			}
		}
		cancel()
		if err != nil {
			o.logger.Printf("evidence generation for %s/%s: %v", r.userID, res.Platform, err)
		}
	}
	if !evidenceSeen {
		o.logger.Printf("no evidence generated for user %s, continuing with stored features", r.userID)
	}

	// AGGREGATING: full accumulated feature set; storage failure is fatal.
	o.enterStage(r, span, StageAggregating)
	actx, cancel := o.stageCtx(ctx)
	est, err := o.aggregator.AggregateAll(actx, r.userID)
	cancel()
	if err != nil {
		o.fail(r, span, StageAggregating, err)
		return
	}
	r.result.Personality = &PersonalitySummary{
		Scores:       est.Scores,
		Confidence:   est.Confidence,
		FeatureCount: est.TotalBehavioralSignals,
		Archetype:    est.ArchetypeCode,
	}
	if o.telemetry != nil {
		o.telemetry.RecordSignals(int(est.TotalBehavioralSignals))
	}

	// FORMING: fatal on failure.
	o.enterStage(r, span, StageForming)
	fctx, cancel := o.stageCtx(ctx)
	twin, err := o.former.FormTwin(fctx, r.userID, est)
	cancel()
	if err != nil || !twin.Success {
		if err == nil {
			err = fmt.Errorf("twin formation reported failure")
		}
		o.fail(r, span, StageForming, err)
		return
	}
	r.result.Twin = twin.Twin

	// RECORDING: evolution failures are reported, never fatal.
	o.enterStage(r, span, StageRecording)
	rctx, cancel := o.stageCtx(ctx)
	evo, err := o.recorder.RecordEvolution(rctx, r.userID, est)
	cancel()
	if err != nil {
		o.logger.Printf("evolution recording for user %s: %v", r.userID, err)
		r.result.Evolution = &EvolutionSummary{EvolutionDetected: false}
	} else {
		r.result.Evolution = &EvolutionSummary{EvolutionDetected: evo.EvolutionDetected, Changes: evo.Changes}
	}

	o.enterStage(r, span, StageComplete)
	r.result.Success = true
	r.result.PipelineID = r.pipelineID
	span.SetStatus(codes.Ok, "completed")
}

func (o *Orchestrator) extractAll(ctx context.Context, userID string, conns []store.PlatformConnection) ExtractionSummary {
	ectx, cancel := o.stageCtx(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []extract.Result
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(platform string) {
			defer wg.Done()
			res, err := o.extractor.ExtractPlatform(ectx, userID, platform)
			if err != nil && res.Error == "" {
				res.Error = err.Error()
			}
			res.Platform = platform
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(conn.Platform)
	}
	wg.Wait()

	summary := ExtractionSummary{Total: len(results), Results: results}
	for _, res := range results {
		if res.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return summary
}

func (o *Orchestrator) platformValues(ctx context.Context, userID, platform string) (map[string]float64, error) {
	all, err := o.store.LatestFeatureValues(ctx, userID)
	if err != nil {
		return nil, err
	}
	return all[platform], nil
}

func (o *Orchestrator) fail(r *run, span trace.Span, stage Stage, err error) {
	r.state.setStage(StageFailed)
	r.timestamps[string(StageFailed)] = time.Now()
	r.result.Success = false
	r.result.PipelineID = r.pipelineID
	r.result.Error = err.Error()
	r.result.FailedAtStage = stage
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Printf("pipeline %s user %s failed at %s: %v", r.pipelineID, r.userID, stage, err)
}

// finish persists the audit row and telemetry for a terminal run.
func (o *Orchestrator) finish(ctx context.Context, r *run, span trace.Span) {
	finishedAt := time.Now()
	r.result.DurationMS = finishedAt.Sub(r.startedAt).Milliseconds()

	status := "completed"
	if r.result.Error != "" {
		status = "failed"
	} else if !r.result.Success && r.result.Message != "" {
		status = "no_connections"
	}

	stamps := make(map[string]time.Time, len(r.timestamps))
	for k, v := range r.timestamps {
		stamps[k] = v
	}
	summary := map[string]interface{}{}
	if r.result.Extraction != nil {
		summary["extraction"] = map[string]interface{}{
			"successful": r.result.Extraction.Successful,
			"failed":     r.result.Extraction.Failed,
		}
	}
	if r.result.Personality != nil {
		scores := map[string]interface{}{}
		for d, v := range r.result.Personality.Scores {
			scores[string(d)] = v
		}
		summary["scores"] = scores
		summary["archetype"] = r.result.Personality.Archetype
	}

	rec := store.PipelineRunRecord{
		ID:              r.pipelineID,
		UserID:          r.userID,
		Status:          status,
		FailedStage:     string(r.result.FailedAtStage),
		Error:           r.result.Error,
		StageTimestamps: stamps,
		Summary:         summary,
		StartedAt:       r.startedAt,
		FinishedAt:      finishedAt,
	}
	if err := o.store.InsertPipelineRun(ctx, rec); err != nil {
		o.logger.Printf("persisting audit row for pipeline %s: %v", r.pipelineID, err)
	}

	if o.telemetry != nil {
		o.telemetry.RecordRun(ctx, telemetry.RunEvent{
			PipelineID: r.pipelineID,
			UserID:     r.userID,
			StartTime:  r.startedAt,
			EndTime:    finishedAt,
			Success:    r.result.Success,
			FailedAt:   string(r.result.FailedAtStage),
			Error:      r.result.Error,
		})
	}
}

// RunIncremental re-extracts a single platform, re-aggregates, and re-forms
// the twin only when evolution was detected — skipping the expensive
// narrative regeneration when nothing moved.
func (o *Orchestrator) RunIncremental(ctx context.Context, userID, platform string) Result {
	pipelineID := uuid.NewString()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.run_incremental",
		trace.WithAttributes(
			attribute.String("pipeline.id", pipelineID),
			attribute.String("user.id", userID),
			attribute.String("platform", platform),
		))
	defer span.End()

	state, ok := o.registry.acquire(userID, pipelineID)
	if !ok {
		stage, startedAt := state.snapshot()
		return Result{Success: false, Error: "Pipeline already running", CurrentStage: stage, StartedAt: &startedAt}
	}
	leased, err := o.lease.acquire(ctx, userID)
	if err == nil && !leased {
		o.registry.release(userID)
		stage, startedAt := state.snapshot()
		return Result{Success: false, Error: "Pipeline already running", CurrentStage: stage, StartedAt: &startedAt}
	}

	r := &run{
		pipelineID: pipelineID,
		userID:     userID,
		state:      state,
		timestamps: make(map[string]time.Time),
		startedAt:  time.Now(),
	}
	defer func() {
		o.lease.release(context.WithoutCancel(ctx), userID)
		o.registry.release(userID)
		o.finish(context.WithoutCancel(ctx), r, span)
	}()

	o.enterStage(r, span, StageExtracting)
	ectx, cancel := o.stageCtx(ctx)
	res, err := o.extractor.ExtractPlatform(ectx, userID, platform)
	cancel()
	summary := ExtractionSummary{Total: 1, Results: []extract.Result{res}}
	if err != nil || !res.Success {
		summary.Failed = 1
		r.result.Extraction = &summary
		if err == nil {
			err = fmt.Errorf("extraction failed for %s: %s", platform, res.Error)
		}
		o.fail(r, span, StageExtracting, err)
		return r.result
	}
	summary.Successful = 1
	r.result.Extraction = &summary

	o.enterStage(r, span, StageAggregating)
	actx, cancel := o.stageCtx(ctx)
	values, err := o.platformValues(actx, userID, platform)
	if err == nil {
		_, err = o.aggregator.UpdateFromBehavior(actx, userID, platform, values)
	}
	var est store.PersonalityEstimate
	if err == nil {
		est, err = o.aggregator.AggregateAll(actx, userID)
	}
	cancel()
	if err != nil {
		o.fail(r, span, StageAggregating, err)
		return r.result
	}
	r.result.Personality = &PersonalitySummary{
		Scores:       est.Scores,
		Confidence:   est.Confidence,
		FeatureCount: est.TotalBehavioralSignals,
		Archetype:    est.ArchetypeCode,
	}

	o.enterStage(r, span, StageRecording)
	rctx, cancel := o.stageCtx(ctx)
	evo, err := o.recorder.RecordEvolution(rctx, userID, est)
	cancel()
	if err != nil {
		o.logger.Printf("evolution check for user %s: %v", userID, err)
		evo = EvolutionResult{}
	}
	r.result.Evolution = &EvolutionSummary{EvolutionDetected: evo.EvolutionDetected, Changes: evo.Changes}

	if evo.EvolutionDetected {
		o.enterStage(r, span, StageForming)
		fctx, cancel := o.stageCtx(ctx)
		twin, err := o.former.FormTwin(fctx, userID, est)
		cancel()
		if err != nil || !twin.Success {
			if err == nil {
				err = fmt.Errorf("twin formation reported failure")
			}
			o.fail(r, span, StageForming, err)
			return r.result
		}
		r.result.Twin = twin.Twin
	}

	o.enterStage(r, span, StageComplete)
	r.result.Success = true
	r.result.PipelineID = pipelineID
	span.SetStatus(codes.Ok, "completed")
	return r.result
}

// Status reports the in-flight run for a user, if any.
func (o *Orchestrator) Status(userID string) (Status, bool) {
	state, ok := o.registry.get(userID)
	if !ok {
		return Status{}, false
	}
	stage, startedAt := state.snapshot()
	return Status{PipelineID: state.pipelineID, UserID: userID, Stage: stage, StartedAt: startedAt}, true
}
