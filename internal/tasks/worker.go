package tasks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perfatlas/perfatlas/internal/resilience"
)

// Handler processes one claimed task.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// WorkerPool drains the queue with a fixed number of concurrent claim loops.
type WorkerPool struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
}

// NewWorkerPool creates a pool. Zero values fall back to sane defaults.
func NewWorkerPool(queue *Queue, handler Handler, concurrency int, pollInterval time.Duration, maxAttempts int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &WorkerPool{
		queue:        queue,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run blocks until ctx is cancelled, claiming and executing tasks. A task
// in flight when shutdown begins is requeued, not failed; redelivery
// recomputes it from scratch.
func (w *WorkerPool) Run(ctx context.Context) error {
	zap.L().Info("worker pool starting", zap.Int("concurrency", w.concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(gctx) })
	}
	err := g.Wait()

	zap.L().Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *WorkerPool) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := w.queue.Claim(ctx)
		if err != nil {
			zap.L().Error("claim failed", zap.Error(err))
			if !sleepCtx(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			if !sleepCtx(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		w.execute(ctx, task)
	}
}

// execute runs one task and settles its queue state. Settlement uses a
// background context so a cancelled worker can still record the requeue.
func (w *WorkerPool) execute(ctx context.Context, task *Task) {
	err := w.handler.Handle(ctx, task)

	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if cerr := w.queue.Complete(settleCtx, task.ID); cerr != nil {
			zap.L().Error("complete failed", zap.String("task_id", task.ID), zap.Error(cerr))
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		zap.L().Info("task interrupted, requeueing", zap.String("task_id", task.ID))
		if rerr := w.queue.Requeue(settleCtx, task.ID); rerr != nil {
			zap.L().Error("requeue failed", zap.String("task_id", task.ID), zap.Error(rerr))
		}
	default:
		if ferr := w.queue.Fail(settleCtx, task, err, resilience.IsTransient(err), w.maxAttempts); ferr != nil {
			zap.L().Error("fail update failed", zap.String("task_id", task.ID), zap.Error(ferr))
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
