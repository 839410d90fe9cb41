// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/infra"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

const (
	defaultBatchSize   = 50
	maxSendAttempts    = 5
	retryBackoffBase   = 800 * time.Millisecond
	retryBackoffFactor = 1.7
)

// Uploader drains the upload queue to a Transport in fixed-size
// batches, removing only entries the remote acknowledged.
type Uploader struct {
	queue     *Queue
	transport Transport
	batchSize int
	logger    *slog.Logger

	// injected for deterministic tests
	sleep  func(context.Context, time.Duration) error
	jitter func() float64

	flushMu sync.Mutex

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewUploader(queue *Queue, transport Transport, batchSize int, logger *slog.Logger) *Uploader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		queue:     queue,
		transport: transport,
		batchSize: batchSize,
		logger:    logger,
		sleep:     infra.SleepContext,
		jitter:    rand.Float64,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Notify wakes the Run loop for an immediate flush. Safe to call from
// any goroutine; a pending wake-up is coalesced.
func (u *Uploader) Notify() {
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// Stop terminates the Run loop.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() { close(u.stop) })
}

// Run flushes the queue every interval, or sooner when Notify is
// called, until ctx is canceled or Stop is invoked.
func (u *Uploader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stop:
			return
		case <-ticker.C:
		case <-u.notify:
		}
		if _, _, err := u.FlushOnce(ctx); err != nil {
			u.logger.Warn("flush failed", "error", err)
		}
	}
}

// FlushOnce sends every pending operation in batches and removes the
// acknowledged ones. Returns how many operations were sent and how
// many were deleted from the queue. A flush already in progress makes
// this call a no-op rather than a second concurrent drain.
func (u *Uploader) FlushOnce(ctx context.Context) (sent, deleted int, err error) {
	if !u.flushMu.TryLock() {
		return 0, 0, nil
	}
	defer u.flushMu.Unlock()

	pending := u.queue.Snapshot()
	if len(pending) == 0 {
		return 0, 0, nil
	}

	for start := 0; start < len(pending); start += u.batchSize {
		end := start + u.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		ok, acked, sendErr := u.sendWithRetry(ctx, batch)
		if sendErr != nil {
			if errors.Is(sendErr, ErrEndpointGone) {
				u.logger.Error("upload endpoint gone, aborting flush", "error", sendErr)
				return sent, deleted, sendErr
			}
			metrics.UploadFailures.Inc()
			u.logger.Warn("batch gave up after retries", "size", len(batch), "error", sendErr)
			// Later batches may still succeed; dedup keys keep this safe.
			continue
		}
		if !ok {
			continue
		}
		sent += len(batch)

		ackedSet := make(map[string]struct{}, len(acked))
		for _, k := range acked {
			ackedSet[k] = struct{}{}
		}
		remove := make(map[string]struct{})
		for _, op := range batch {
			if op.DedupKey == "" {
				// Best-effort ops are done after any successful send.
				remove[op.OpID] = struct{}{}
				continue
			}
			if _, ok := ackedSet[op.DedupKey]; ok {
				remove[op.OpID] = struct{}{}
			}
		}
		n, rmErr := u.queue.Remove(remove)
		if rmErr != nil {
			return sent, deleted, rmErr
		}
		deleted += n
		metrics.OpsUploaded.Add(float64(n))
	}

	u.logger.Info("flush complete", "sent", sent, "deleted", deleted, "remaining", u.queue.Len())
	return sent, deleted, nil
}

// sendWithRetry attempts one batch up to maxSendAttempts times with
// jittered exponential delays between attempts. Permanent endpoint
// failures are returned immediately.
func (u *Uploader) sendWithRetry(ctx context.Context, batch []ChangeOperation) (bool, []string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		ok, acked, err := u.transport.Send(ctx, batch)
		if err == nil && ok {
			return true, acked, nil
		}
		if errors.Is(err, ErrEndpointGone) {
			return false, nil, err
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("transport rejected batch")
		}
		if attempt == maxSendAttempts {
			break
		}

		delay := time.Duration(float64(retryBackoffBase) * math.Pow(retryBackoffFactor, float64(attempt-1)))
		// Uniform jitter in [-0.2s, +0.3s].
		delay += time.Duration((u.jitter()*0.5 - 0.2) * float64(time.Second))
		if delay < 0 {
			delay = 0
		}
		if err := u.sleep(ctx, delay); err != nil {
			return false, nil, err
		}
	}
	return false, nil, lastErr
}
