package server

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/extract"
	"github.com/pkazemian/personify/internal/pipeline"
	"github.com/pkazemian/personify/internal/store"
)

func TestIsDueDaily(t *testing.T) {
	if !isDue("@daily", nil) {
		t.Fatal("never-run user should be due")
	}
	recent := time.Now().Add(-time.Hour)
	if isDue("@daily", &recent) {
		t.Fatal("refreshed an hour ago should not be due daily")
	}
	old := time.Now().Add(-25 * time.Hour)
	if !isDue("@daily", &old) {
		t.Fatal("refreshed 25h ago should be due daily")
	}
}

func TestIsDueHourly(t *testing.T) {
	recent := time.Now().Add(-10 * time.Minute)
	if isDue("@hourly", &recent) {
		t.Fatal("refreshed 10m ago should not be due hourly")
	}
	old := time.Now().Add(-2 * time.Hour)
	if !isDue("@hourly", &old) {
		t.Fatal("refreshed 2h ago should be due hourly")
	}
}

func TestIsDueCronExpression(t *testing.T) {
	// every 15 minutes
	old := time.Now().Add(-time.Hour)
	if !isDue("*/15 * * * *", &old) {
		t.Fatal("15-minute cron should be due after an hour")
	}
	if !isDue("*/15 * * * *", nil) {
		t.Fatal("never-run user should be due")
	}
}

// stallingExtractor parks until released, then reports failure.
type stallingExtractor struct {
	started chan struct{}
	release chan struct{}
}

func (e *stallingExtractor) ExtractPlatform(ctx context.Context, _, platform string) (extract.Result, error) {
	close(e.started)
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return extract.Result{Platform: platform, Error: "upstream unavailable"}, nil
}

func TestScheduledRefreshHoldsLockUntilRunCompletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := &store.Store{DB: db}

	tok := "tok"
	mock.ExpectQuery("FROM platform_connections").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "platform", "access_token", "token_expires_at", "status", "metadata", "updated_at"}).
			AddRow("u1", "spotify", tok, nil, "active", []byte(`{}`), time.Now()))
	mock.ExpectExec("INSERT INTO pipeline_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ext := &stallingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	cfg := &config.Config{Pipeline: config.PipelineConfig{
		StageTimeout:       30 * time.Second,
		LockTTL:            time.Minute,
		MaxConcurrentUsers: 1,
	}}
	logger := log.New(io.Discard, "", 0)
	orch := pipeline.NewOrchestrator(cfg, logger, nil, st, ext, nil, nil, nil, nil)
	s := &Scheduler{Store: st, Orch: orch, Logger: logger}

	released := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.refreshUser("u1", func() { close(released) })
		close(done)
	}()

	select {
	case <-ext.started:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never reached extraction")
	}
	select {
	case <-released:
		t.Fatal("lock released while the refresh was still in flight")
	default:
	}

	close(ext.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never finished")
	}
	select {
	case <-released:
	default:
		t.Fatal("lock not released after the refresh")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsDueInvalidCronFallsBackToDaily(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	if isDue("not a cron", &recent) {
		t.Fatal("invalid cron should fall back to daily semantics")
	}
	old := time.Now().Add(-25 * time.Hour)
	if !isDue("not a cron", &old) {
		t.Fatal("invalid cron should be due after a day")
	}
}
