// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	batchFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "batch_flush_total",
		Help:      "Batch flushes by trigger: size, timeout",
	}, []string{"trigger"})

	batchSizeObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "batch_size",
		Help:      "Number of items per flushed batch",
		Buckets:   []float64{1, 2, 4, 8, 16, 32},
	})
)

// =============================================================================
// Batcher
// =============================================================================

// BatchFunc processes all queued items for one batch key in a single call.
// Results must be positional: results[i] corresponds to items[i]. A short
// result slice causes the unmatched callers to receive an error.
type BatchFunc[T, R any] func(ctx context.Context, batchKey string, items []T) ([]R, error)

// batchWaiter carries one caller's item and its reply channel. Destroyed
// when its batch flushes, successfully or with an error.
type batchWaiter[T, R any] struct {
	item  T
	reply chan batchReply[R]
}

type batchReply[R any] struct {
	result R
	err    error
}

// batchQueue is the pending queue for one batch key: a single slice plus a
// single pending timer. All mutation happens under the Batcher mutex so
// enqueue, size check, and timer scheduling are atomic with respect to
// concurrent submits on the same key.
type batchQueue[T, R any] struct {
	waiters []*batchWaiter[T, R]
	timer   *time.Timer
}

// Batcher accumulates requests sharing a batch key and flushes them to a
// BatchFunc either when the batch reaches maxSize or when flushTimeout
// elapses after the first item.
//
// # Description
//
// A size-triggered flush cancels the pending timer; a timer-triggered
// flush sends a partial batch. Results are fanned back to each caller by
// position. A batch-level failure rejects every caller in that batch only;
// other batch keys are unaffected.
//
// # Thread Safety
//
// Safe for concurrent use.
type Batcher[T, R any] struct {
	mu      sync.Mutex
	queues  map[string]*batchQueue[T, R]
	maxSize int
	timeout time.Duration
	fn      BatchFunc[T, R]
	logger  *slog.Logger
}

// NewBatcher creates a batcher over the given batch function.
//
// # Inputs
//
//   - maxSize: Flush threshold. Values < 1 are raised to 1 (every submit
//     flushes immediately).
//   - timeout: Maximum wait before a partial batch flushes. Values <= 0
//     default to 50ms.
//   - fn: The batch processor. Must not be nil.
//   - logger: Logger for flush diagnostics. May be nil.
//
// # Outputs
//
//   - *Batcher[T, R]: Ready-to-use batcher. Never nil.
//
// # Thread Safety
//
// The returned batcher is safe for concurrent use.
func NewBatcher[T, R any](maxSize int, timeout time.Duration, fn BatchFunc[T, R], logger *slog.Logger) *Batcher[T, R] {
	if maxSize < 1 {
		maxSize = 1
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher[T, R]{
		queues:  make(map[string]*batchQueue[T, R]),
		maxSize: maxSize,
		timeout: timeout,
		fn:      fn,
		logger:  logger,
	}
}

// Submit enqueues an item under batchKey and blocks until its batch is
// processed or ctx is done.
//
// # Description
//
// The first item on an empty queue schedules the flush timer. Reaching
// maxSize flushes immediately and cancels the timer. Context cancellation
// abandons the caller's wait but does not remove the item from the batch —
// the batch still processes; only the reply is discarded.
//
// # Inputs
//
//   - ctx: Context for the caller's wait and for the batch call itself.
//   - batchKey: Groups compatible requests. Items with different keys
//     never share a batch.
//   - item: The caller's payload.
//
// # Outputs
//
//   - R: This caller's positional result.
//   - error: The batch-level error, a positional mismatch error, or ctx.Err().
//
// # Thread Safety
//
// Safe for concurrent use.
func (b *Batcher[T, R]) Submit(ctx context.Context, batchKey string, item T) (R, error) {
	w := &batchWaiter[T, R]{item: item, reply: make(chan batchReply[R], 1)}

	b.mu.Lock()
	q, ok := b.queues[batchKey]
	if !ok {
		q = &batchQueue[T, R]{}
		b.queues[batchKey] = q
	}
	q.waiters = append(q.waiters, w)

	switch {
	case len(q.waiters) >= b.maxSize:
		// Size trigger: take the batch now and cancel the pending timer.
		if q.timer != nil {
			q.timer.Stop()
		}
		waiters := q.waiters
		delete(b.queues, batchKey)
		b.mu.Unlock()
		go b.flush(batchKey, waiters, "size")

	case len(q.waiters) == 1:
		// First item: schedule the timeout flush.
		q.timer = time.AfterFunc(b.timeout, func() {
			b.flushOnTimeout(batchKey, q)
		})
		b.mu.Unlock()

	default:
		b.mu.Unlock()
	}

	select {
	case r := <-w.reply:
		return r.result, r.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// flushOnTimeout flushes a partial batch when its timer fires. The queue
// may already have been flushed by a size trigger; the identity check
// guards against flushing a newer queue under the same key.
func (b *Batcher[T, R]) flushOnTimeout(batchKey string, q *batchQueue[T, R]) {
	b.mu.Lock()
	current, ok := b.queues[batchKey]
	if !ok || current != q {
		b.mu.Unlock()
		return
	}
	waiters := q.waiters
	delete(b.queues, batchKey)
	b.mu.Unlock()

	b.flush(batchKey, waiters, "timeout")
}

// flush runs the batch function and fans results back by position.
// A batch-level error rejects every waiter in this batch only.
func (b *Batcher[T, R]) flush(batchKey string, waiters []*batchWaiter[T, R], trigger string) {
	if len(waiters) == 0 {
		return
	}
	batchFlushTotal.WithLabelValues(trigger).Inc()
	batchSizeObserved.Observe(float64(len(waiters)))

	items := make([]T, len(waiters))
	for i, w := range waiters {
		items[i] = w.item
	}

	results, err := b.fn(context.Background(), batchKey, items)
	if err != nil {
		b.logger.Warn("batch flush failed, rejecting batch",
			slog.String("batch_key", batchKey),
			slog.Int("items", len(items)),
			slog.String("error", err.Error()),
		)
		for _, w := range waiters {
			w.reply <- batchReply[R]{err: fmt.Errorf("batch %q failed: %w", batchKey, err)}
		}
		return
	}

	for i, w := range waiters {
		if i < len(results) {
			w.reply <- batchReply[R]{result: results[i]}
			continue
		}
		w.reply <- batchReply[R]{err: fmt.Errorf("batch %q returned %d results for %d items", batchKey, len(results), len(items))}
	}
}
