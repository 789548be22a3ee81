package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flitsinc/agent-relay/internal/testutil"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	return New(db)
}

func TestEnqueueClaimDone(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, Item{ChatID: "chat-1", MessageID: "msg-1", AgentID: "a1", ADKUserID: "u1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.Status != StatusQueued || item.Attempts != 0 {
		t.Fatalf("unexpected enqueued item: %+v", item)
	}

	claimed, err := q.Claim(ctx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed item, got %d", len(claimed))
	}
	if claimed[0].Status != StatusClaimed || claimed[0].Attempts != 1 {
		t.Fatalf("unexpected claimed item: %+v", claimed[0])
	}

	// A claimed item is not visible to other workers.
	again, err := q.Claim(ctx, 1)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no items on second claim, got %d", len(again))
	}

	if err := q.Done(ctx, item.ID); err != nil {
		t.Fatalf("done: %v", err)
	}
	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
}

func TestClaimOrdersOldestFirst(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, Item{ChatID: "c", MessageID: "m1"})
	second, _ := q.Enqueue(ctx, Item{ChatID: "c", MessageID: "m2"})

	claimed, err := q.Claim(ctx, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 items, got %d", len(claimed))
	}
	if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Fatalf("unexpected claim order: %s, %s", claimed[0].ID, claimed[1].ID)
	}
}

func TestReleaseRequeuesWithAttemptCount(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, Item{ChatID: "c", MessageID: "m1"})
	if _, err := q.Claim(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Release(ctx, item.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	claimed, err := q.Claim(ctx, 1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Fatalf("expected released item back, got %+v", claimed)
	}
	if claimed[0].Attempts != 2 {
		t.Fatalf("expected attempt count 2, got %d", claimed[0].Attempts)
	}
}

func TestQueueValidationAndDepth(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Item{MessageID: "m"}); err == nil {
		t.Fatalf("expected error for missing chat id")
	}
	if _, err := q.Enqueue(ctx, Item{ChatID: "c"}); err == nil {
		t.Fatalf("expected error for missing message id")
	}
	if err := q.Done(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found for unknown item, got %v", err)
	}

	if _, err := q.Enqueue(ctx, Item{ChatID: "c", MessageID: "m1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Item{ChatID: "c", MessageID: "m2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}
}
