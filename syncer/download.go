// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/auth"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

// DownloadResponse is the GET /api/sync/download payload.
type DownloadResponse struct {
	Operations    []ChangeOperation `json:"operations"`
	Latest        string            `json:"latest"`                    // new watermark candidate
	RetryAfterSec float64           `json:"retry_after_sec,omitempty"` // server-suggested idle hint
	Message       string            `json:"message,omitempty"`         // human-readable server note
}

// Applier applies one downloaded operation to the local database.
// applied is false when the operation was recognized but resulted in
// no local write (stale version, row already present).
type Applier interface {
	Apply(ctx context.Context, op ChangeOperation) (applied bool, err error)
}

const (
	maxServerErrorRetries = 10
	serverErrorCapDelay   = 60 * time.Second
	rateLimitMinDelay     = 1 * time.Second
	rateLimitMaxDelay     = 120 * time.Second
	rateLimitDefaultDelay = 10 * time.Second
	malformedBodyDelay    = 5 * time.Second
	upstreamHintDelay     = 10 * time.Second
)

// DownloadWorker polls the remote site for operations newer than the
// local watermark and applies them. Failed polls penalize the worker
// with a deadline during which ticks are no-ops.
type DownloadWorker struct {
	baseURL   string
	deviceID  string
	tokens    *auth.TokenProvider
	client    *http.Client
	watermark *Watermark
	applier   Applier
	logger    *slog.Logger

	// injected for deterministic tests
	now func() time.Time

	pausedUntil time.Time
	attempts    int // consecutive server-error polls
}

func NewDownloadWorker(baseURL, deviceID string, tokens *auth.TokenProvider, wm *Watermark, applier Applier, client *http.Client, logger *slog.Logger) *DownloadWorker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadWorker{
		baseURL:   baseURL,
		deviceID:  deviceID,
		tokens:    tokens,
		client:    client,
		watermark: wm,
		applier:   applier,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls every interval until ctx is canceled.
func (w *DownloadWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.TickOnce(ctx); err != nil {
				w.logger.Warn("download tick failed", "error", err)
			}
		}
	}
}

// TickOnce performs a single poll. When a backoff deadline is active
// the tick returns immediately with zero applied operations. Returns
// the number of operations applied locally.
func (w *DownloadWorker) TickOnce(ctx context.Context) (int, error) {
	if w.now().Before(w.pausedUntil) {
		return 0, nil
	}

	resp, err := w.fetch(ctx)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := retryAfterDelay(resp.Header.Get("Retry-After"))
		w.penalize(delay, "rate_limited")
		return 0, nil
	case resp.StatusCode >= 500:
		if w.attempts < maxServerErrorRetries {
			w.attempts++
		}
		delay := time.Duration(1<<uint(w.attempts)) * time.Second
		if delay < 2*time.Second {
			delay = 2 * time.Second
		}
		if delay > serverErrorCapDelay {
			delay = serverErrorCapDelay
		}
		w.penalize(delay, "server_error")
		return 0, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// Client-side errors carry no penalty; the next tick retries.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("download: status %d: %s", resp.StatusCode, body)
	}

	var dr DownloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		w.penalize(malformedBodyDelay, "malformed_body")
		return 0, fmt.Errorf("download: decode response: %w", err)
	}

	// A successful round trip clears the server-error streak.
	w.attempts = 0

	// Degraded-upstream notes ask the client to ease off even on 200.
	if msg := strings.ToLower(dr.Message); strings.Contains(msg, "circuit") || strings.Contains(msg, "upstream") {
		w.penalize(upstreamHintDelay, "upstream_degraded")
	}

	if len(dr.Operations) == 0 {
		if dr.RetryAfterSec > 0 {
			d := time.Duration(dr.RetryAfterSec * float64(time.Second))
			if d < rateLimitMinDelay {
				d = rateLimitMinDelay
			}
			if d > rateLimitMaxDelay {
				d = rateLimitMaxDelay
			}
			w.penalize(d, "idle_hint")
		}
		// An empty response never advances the watermark; changes that
		// land between polls with skewed clocks must not be skipped.
		return 0, nil
	}

	applied := w.applyAll(ctx, dr.Operations)

	next := dr.Latest
	if next == "" {
		next = maxTimestamp(dr.Operations)
	}
	if applied > 0 || dr.Latest != "" {
		if _, err := w.watermark.Advance(next); err != nil {
			return applied, fmt.Errorf("download: advance watermark: %w", err)
		}
	}
	return applied, nil
}

func (w *DownloadWorker) fetch(ctx context.Context) (*http.Response, error) {
	q := url.Values{}
	q.Set("since", w.watermark.Get())
	q.Set("device_id", w.deviceID)
	u := w.baseURL + "/api/sync/download?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("download: build request: %w", err)
	}
	if tok, err := w.tokens.Token(); err != nil {
		return nil, fmt.Errorf("download: mint token: %w", err)
	} else if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: poll: %w", err)
	}
	return resp, nil
}

func (w *DownloadWorker) applyAll(ctx context.Context, ops []ChangeOperation) int {
	applied := 0
	for _, op := range ops {
		if op.SourceDeviceID != "" && op.SourceDeviceID == w.deviceID {
			metrics.OpsSkipped.WithLabelValues("self_echo").Inc()
			continue
		}
		ok, err := w.applier.Apply(ctx, op)
		if err != nil {
			w.logger.Warn("apply failed", "op", op.Name, "op_id", op.OpID, "error", err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied
}

func (w *DownloadWorker) penalize(d time.Duration, cause string) {
	w.pausedUntil = w.now().Add(d)
	metrics.DownloadBackoffs.WithLabelValues(cause).Inc()
	w.logger.Info("download backoff", "cause", cause, "delay", d)
}

// maxTimestamp returns the newest operation timestamp in ops, used as
// the watermark candidate when the server omits "latest".
func maxTimestamp(ops []ChangeOperation) string {
	max := ""
	for _, op := range ops {
		if op.Timestamp > max {
			max = op.Timestamp
		}
	}
	return max
}

// retryAfterDelay parses a Retry-After header in seconds, clamped to
// [1s, 120s], defaulting to 10s when absent or unparseable.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return rateLimitDefaultDelay
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil {
		return rateLimitDefaultDelay
	}
	d := time.Duration(secs * float64(time.Second))
	if d < rateLimitMinDelay {
		return rateLimitMinDelay
	}
	if d > rateLimitMaxDelay {
		return rateLimitMaxDelay
	}
	return d
}
