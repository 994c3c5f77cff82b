package logging

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDetachContextWithTimeout_SurvivesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	detached, dcancel := DetachContextWithTimeout(parent, time.Second)
	defer dcancel()
	cancel()

	if parent.Err() == nil {
		t.Error("parent should be cancelled")
	}
	if detached.Err() != nil {
		t.Errorf("detached should survive cancellation, got error: %v", detached.Err())
	}
}

func TestDetachContextWithTimeout_OutlivesExpiredTurn(t *testing.T) {
	// A turn whose deadline already fired.
	turnCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-turnCtx.Done()

	jctx, jcancel := DetachContextWithTimeout(turnCtx, time.Second)
	defer jcancel()

	if jctx.Err() != nil {
		t.Fatalf("journal context should be live, got %v", jctx.Err())
	}
	deadline, ok := jctx.Deadline()
	if !ok {
		t.Fatal("journal context should carry its own deadline")
	}
	if until := time.Until(deadline); until < 500*time.Millisecond || until > time.Second {
		t.Errorf("deadline should be ~1s from now, got %v", until)
	}
}

func TestDetachContextWithTimeout_HasOwnDeadline(t *testing.T) {
	detached, cancel := DetachContextWithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	<-detached.Done()
	if !errors.Is(detached.Err(), context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got: %v", detached.Err())
	}
}

func TestDetachContextWithTimeout_PreservesValues(t *testing.T) {
	type key string
	parent := context.WithValue(context.Background(), key("turn"), "t1")
	detached, cancel := DetachContextWithTimeout(parent, time.Second)
	defer cancel()

	if v := detached.Value(key("turn")); v != "t1" {
		t.Errorf("expected value t1, got %v", v)
	}
}
