package pipeline

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/extract"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/traits"
)

func testPipelineConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			StageTimeout:       30 * time.Second,
			LockTTL:            time.Minute,
			MaxConcurrentUsers: 4,
		},
	}
}

// blockingExtractor parks until released, then reports failure.
type blockingExtractor struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingExtractor) ExtractPlatform(ctx context.Context, _, platform string) (extract.Result, error) {
	close(e.started)
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return extract.Result{Platform: platform, Error: "upstream unavailable"}, nil
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: db}, mock
}

func newTestOrchestrator(st *store.Store, extractor extract.Extractor) *Orchestrator {
	logger := log.New(io.Discard, "", 0)
	return NewOrchestrator(testPipelineConfig(), logger, nil, st, extractor, nil, nil, nil, nil)
}

func connectionColumns() []string {
	return []string{"user_id", "platform", "access_token", "token_expires_at", "status", "metadata", "updated_at"}
}

func TestRunFullNoConnections(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("FROM platform_connections").
		WillReturnRows(sqlmock.NewRows(connectionColumns()))
	mock.ExpectExec("INSERT INTO pipeline_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := newTestOrchestrator(st, &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})})
	res := o.RunFull(context.Background(), "u1", Options{})

	if res.Success {
		t.Fatal("run without connections should not succeed")
	}
	if res.Error != "" {
		t.Fatalf("missing connections is terminal, not an error: %q", res.Error)
	}
	if res.Message == "" {
		t.Fatal("expected a user-facing connect-a-platform message")
	}
	if _, active := o.Status("u1"); active {
		t.Fatal("slot not released after terminal run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunFullRejectsConcurrentRun(t *testing.T) {
	st, mock := newMockStore(t)
	tok := "tok"
	mock.ExpectQuery("FROM platform_connections").
		WillReturnRows(sqlmock.NewRows(connectionColumns()).
			AddRow("u1", "spotify", tok, nil, "active", []byte(`{}`), time.Now()))
	mock.ExpectExec("INSERT INTO pipeline_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ext := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestrator(st, ext)

	done := make(chan Result, 1)
	go func() { done <- o.RunFull(context.Background(), "u1", Options{}) }()

	select {
	case <-ext.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached extraction")
	}

	second := o.RunFull(context.Background(), "u1", Options{})
	if second.Success {
		t.Fatal("concurrent run should be rejected")
	}
	if second.Error != "Pipeline already running" {
		t.Fatalf("conflict error = %q", second.Error)
	}
	if second.CurrentStage != StageExtracting {
		t.Fatalf("conflict stage = %s, want EXTRACTING", second.CurrentStage)
	}
	if second.StartedAt == nil {
		t.Fatal("conflict should report when the blocking run started")
	}

	close(ext.release)
	var first Result
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}

	if first.Success {
		t.Fatal("run with all extractions failed should not succeed")
	}
	if first.FailedAtStage != StageExtracting {
		t.Fatalf("failed at %s, want EXTRACTING", first.FailedAtStage)
	}
	if first.Extraction == nil || first.Extraction.Failed != 1 {
		t.Fatalf("extraction summary = %+v", first.Extraction)
	}

	if _, active := o.Status("u1"); active {
		t.Fatal("slot not released after failed run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunFullReleasesSlotForNextRun(t *testing.T) {
	st, mock := newMockStore(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("FROM platform_connections").
			WillReturnRows(sqlmock.NewRows(connectionColumns()))
		mock.ExpectExec("INSERT INTO pipeline_runs").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	o := newTestOrchestrator(st, &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})})
	first := o.RunFull(context.Background(), "u1", Options{})
	second := o.RunFull(context.Background(), "u1", Options{})

	if first.Error != "" || second.Error != "" {
		t.Fatalf("back-to-back runs should both be admitted: %q / %q", first.Error, second.Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunFullReusesRecentRun(t *testing.T) {
	st, mock := newMockStore(t)
	cols := []string{"id", "user_id", "status", "failed_stage", "error", "stage_timestamps", "summary", "started_at", "finished_at"}
	now := time.Now()
	mock.ExpectQuery("FROM pipeline_runs").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r1", "u1", "completed", "", "", []byte(`{}`), []byte(`{}`),
				now.Add(-10*time.Minute), now.Add(-10*time.Minute)))

	cfg := testPipelineConfig()
	cfg.Pipeline.RefreshWindow = time.Hour
	logger := log.New(io.Discard, "", 0)
	o := NewOrchestrator(cfg, logger, nil, st,
		&blockingExtractor{started: make(chan struct{}), release: make(chan struct{})},
		nil, nil, nil, nil)

	res := o.RunFull(context.Background(), "u1", Options{})
	if !res.Success {
		t.Fatalf("fresh completed run should be reused: %+v", res)
	}
	if res.PipelineID != "r1" {
		t.Fatalf("pipeline id = %q, want the reused run's id", res.PipelineID)
	}
	if res.Message == "" {
		t.Fatal("reuse should carry a user-facing message")
	}
	if res.Extraction != nil {
		t.Fatal("reuse must not re-extract")
	}
	// no connections query and no new audit row expected
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunFullForceRefreshBypassesReuse(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("FROM platform_connections").
		WillReturnRows(sqlmock.NewRows(connectionColumns()))
	mock.ExpectExec("INSERT INTO pipeline_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := testPipelineConfig()
	cfg.Pipeline.RefreshWindow = time.Hour
	logger := log.New(io.Discard, "", 0)
	o := NewOrchestrator(cfg, logger, nil, st,
		&blockingExtractor{started: make(chan struct{}), release: make(chan struct{})},
		nil, nil, nil, nil)

	res := o.RunFull(context.Background(), "u1", Options{ForceRefresh: true})
	if res.Success {
		t.Fatal("forced run without connections should not succeed")
	}
	if res.Message == "" {
		t.Fatal("forced run should have gone through validation")
	}
	// no pipeline_runs lookup: the forced run skips the freshness check
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestThresholdEvolutionRecorder(t *testing.T) {
	st, mock := newMockStore(t)
	cols := []string{"id", "user_id", "status", "failed_stage", "error", "stage_timestamps", "summary", "started_at", "finished_at"}
	now := time.Now()
	mock.ExpectQuery("FROM pipeline_runs").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r1", "u1", "completed", "", "", []byte(`{}`),
				[]byte(`{"scores":{"openness":50,"conscientiousness":50,"extraversion":50,"agreeableness":50,"neuroticism":50}}`),
				now.Add(-time.Hour), now.Add(-time.Hour)))

	rec := &ThresholdEvolutionRecorder{Store: st}
	est := store.PersonalityEstimate{UserID: "u1", Scores: traits.Neutral()}
	est.Scores[traits.Openness] = 58

	res, err := rec.RecordEvolution(context.Background(), "u1", est)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !res.EvolutionDetected {
		t.Fatal("8-point openness shift should register as evolution")
	}
	if len(res.Changes) != 1 {
		t.Fatalf("changes = %v", res.Changes)
	}
}

func TestThresholdEvolutionRecorderBelowDelta(t *testing.T) {
	st, mock := newMockStore(t)
	cols := []string{"id", "user_id", "status", "failed_stage", "error", "stage_timestamps", "summary", "started_at", "finished_at"}
	now := time.Now()
	mock.ExpectQuery("FROM pipeline_runs").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r1", "u1", "completed", "", "", []byte(`{}`),
				[]byte(`{"scores":{"openness":50}}`), now, now))

	rec := &ThresholdEvolutionRecorder{Store: st}
	est := store.PersonalityEstimate{UserID: "u1", Scores: traits.Neutral()}
	est.Scores[traits.Openness] = 53

	res, err := rec.RecordEvolution(context.Background(), "u1", est)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.EvolutionDetected {
		t.Fatalf("3-point shift is below the default delta: %v", res.Changes)
	}
}
