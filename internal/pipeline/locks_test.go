package pipeline

import (
	"context"
	"testing"
)

func TestRegistryExclusivePerUser(t *testing.T) {
	r := newRegistry()

	first, ok := r.acquire("u1", "run-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	first.setStage(StageExtracting)

	blocked, ok := r.acquire("u1", "run-2")
	if ok {
		t.Fatal("second acquire for the same user should fail")
	}
	stage, _ := blocked.snapshot()
	if stage != StageExtracting {
		t.Fatalf("conflict should expose the running stage, got %s", stage)
	}

	if _, ok := r.acquire("u2", "run-3"); !ok {
		t.Fatal("different user should not be blocked")
	}

	r.release("u1")
	if _, ok := r.acquire("u1", "run-4"); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestRegistryGet(t *testing.T) {
	r := newRegistry()
	if _, ok := r.get("u1"); ok {
		t.Fatal("get on empty registry should miss")
	}
	r.acquire("u1", "run-1")
	state, ok := r.get("u1")
	if !ok || state.pipelineID != "run-1" {
		t.Fatalf("get returned %+v, %v", state, ok)
	}
}

func TestLeaseNilClientNoop(t *testing.T) {
	var l *lease
	ok, err := l.acquire(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("nil lease should grant: ok=%v err=%v", ok, err)
	}
	l.release(context.Background(), "u1")

	l = &lease{}
	ok, err = l.acquire(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("lease without client should grant: ok=%v err=%v", ok, err)
	}
}
