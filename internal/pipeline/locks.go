package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// runState is the registry entry for one active pipeline run.
type runState struct {
	pipelineID string
	stage      Stage
	startedAt  time.Time
	mu         sync.Mutex
}

func (r *runState) setStage(s Stage) {
	r.mu.Lock()
	r.stage = s
	r.mu.Unlock()
}

func (r *runState) snapshot() (Stage, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage, r.startedAt
}

// registry enforces one active run per user within this process.
type registry struct {
	mu   sync.Mutex
	runs map[string]*runState
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*runState)}
}

// acquire atomically inserts a run slot for the user. The bool is false when
// a run is already active; the returned state then describes that run.
func (r *registry) acquire(userID, pipelineID string) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.runs[userID]; ok {
		return existing, false
	}
	state := &runState{pipelineID: pipelineID, stage: StageIdle, startedAt: time.Now()}
	r.runs[userID] = state
	return state, true
}

func (r *registry) release(userID string) {
	r.mu.Lock()
	delete(r.runs, userID)
	r.mu.Unlock()
}

func (r *registry) get(userID string) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.runs[userID]
	return s, ok
}

// lease is the cross-instance complement to the in-process registry: a
// redis SETNX key with a TTL so a crashed instance cannot hold a user's slot
// forever. With a nil client the lease is a no-op and exclusivity is
// process-local only.
type lease struct {
	rdb *redis.Client
	ttl time.Duration
}

const leaseKeyPrefix = "pipeline:lock:"

func (l *lease) acquire(ctx context.Context, userID string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	return l.rdb.SetNX(ctx, leaseKeyPrefix+userID, "1", l.ttl).Result()
}

func (l *lease) release(ctx context.Context, userID string) {
	if l == nil || l.rdb == nil {
		return
	}
	l.rdb.Del(ctx, leaseKeyPrefix+userID)
}
