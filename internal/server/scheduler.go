package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/pkazemian/personify/internal/patterns"
	"github.com/pkazemian/personify/internal/pipeline"
	"github.com/pkazemian/personify/internal/store"
)

// Scheduler periodically refreshes estimates for users with a refresh cron.
// Each due user gets a full pipeline run followed by pattern re-detection.
type Scheduler struct {
	Store    *store.Store
	Orch     *pipeline.Orchestrator
	Detector *patterns.Detector
	Rdb      *redis.Client
	Tick     time.Duration
	Stop     chan struct{}
	Logger   *log.Logger
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	tick := s.Tick
	if tick <= 0 {
		tick = time.Hour
	}
	ticker := time.NewTicker(tick)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListUserSchedules(ctx)
	if err != nil {
		s.Logger.Printf("listing schedules: %v", err)
		return
	}
	for _, sched := range schedules {
		last := s.lastRefresh(ctx, sched.UserID)
		if !isDue(sched.RefreshCron, last) {
			continue
		}

		// distributed lock to avoid duplicate refreshes across instances;
		// held until the refresh finishes, not until tick returns
		release := func() {}
		if s.Rdb != nil {
			lockKey := "sched:lock:" + sched.UserID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
			release = func() { s.Rdb.Del(context.Background(), lockKey) }
		}

		go s.refreshUser(sched.UserID, release)
	}
}

func (s *Scheduler) refreshUser(uid string, release func()) {
	defer release()
	// jitter to avoid stampedes
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)
	res := s.Orch.RunFull(context.Background(), uid, pipeline.Options{})
	if !res.Success {
		if res.Error != "" {
			s.Logger.Printf("scheduled refresh for user %s failed: %s", uid, res.Error)
		}
		return
	}
	if s.Detector != nil {
		if _, err := s.Detector.Detect(context.Background(), uid); err != nil {
			s.Logger.Printf("scheduled detection for user %s: %v", uid, err)
		}
	}
}

func (s *Scheduler) lastRefresh(ctx context.Context, userID string) *time.Time {
	runs, err := s.Store.ListPipelineRuns(ctx, userID, 1)
	if err != nil || len(runs) == 0 {
		return nil
	}
	t := runs[0].FinishedAt
	return &t
}

// isDue determines if a user with cronSpec should refresh now based on the
// last run time. Supports "@daily", "@hourly", and 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
