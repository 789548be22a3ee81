package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Processor consumes one claimed work item. It must reach a terminal
// state for the run itself; a returned error means the item was not
// processed and may be redelivered. Abandon is called once when the
// queue gives up on an item, so the processor can fail the underlying
// work instead of leaving it pending forever.
type Processor interface {
	Process(ctx context.Context, item Item) error
	Abandon(ctx context.Context, item Item, cause error)
}

// Workers polls the queue and hands claimed items to the processor.
// Each worker handles one item at a time; items are independent and
// workers share no state beyond the queue itself.
type Workers struct {
	Queue     *Queue
	Processor Processor
	Log       *slog.Logger

	Count        int
	PollInterval time.Duration
	MaxAttempts  int
}

// Start launches the workers and blocks until ctx is done and all
// in-flight items are finished.
func (w *Workers) Start(ctx context.Context) {
	count := w.Count
	if count <= 0 {
		count = 2
	}
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (w *Workers) loop(ctx context.Context, n int) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		items, err := w.Queue.Claim(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Log.Warn("claim failed", "worker", n, "error", err)
			continue
		}
		for _, item := range items {
			w.handle(ctx, n, item)
		}
	}
}

func (w *Workers) handle(ctx context.Context, n int, item Item) {
	if err := w.Processor.Process(ctx, item); err != nil {
		maxAttempts := w.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		if item.Attempts >= maxAttempts {
			w.Log.Error("work item abandoned", "worker", n, "item", item.ID, "attempts", item.Attempts, "error", err)
			bg := context.WithoutCancel(ctx)
			w.Processor.Abandon(bg, item, err)
			if doneErr := w.Queue.Done(bg, item.ID); doneErr != nil {
				w.Log.Error("mark abandoned item done", "item", item.ID, "error", doneErr)
			}
			return
		}
		w.Log.Warn("work item released for retry", "worker", n, "item", item.ID, "attempts", item.Attempts, "error", err)
		if relErr := w.Queue.Release(context.WithoutCancel(ctx), item.ID); relErr != nil {
			w.Log.Error("release work item", "item", item.ID, "error", relErr)
		}
		return
	}
	if err := w.Queue.Done(context.WithoutCancel(ctx), item.ID); err != nil {
		w.Log.Error("mark work item done", "item", item.ID, "error", err)
	}
}
