// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

// roundTripFunc lets a test stand in for the HTTP server.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func httpResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func jsonResponse(t *testing.T, status int, dr DownloadResponse) *http.Response {
	t.Helper()
	data, err := json.Marshal(&dr)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return httpResponse(status, string(data), nil)
}

type fakeApplier struct {
	ops    []ChangeOperation
	result bool
}

func (f *fakeApplier) Apply(_ context.Context, op ChangeOperation) (bool, error) {
	f.ops = append(f.ops, op)
	return f.result, nil
}

type workerFixture struct {
	worker  *DownloadWorker
	applier *fakeApplier
	wm      *Watermark
	clock   *time.Time
}

func newTestWorker(t *testing.T, rt roundTripFunc) *workerFixture {
	t.Helper()
	wm := NewWatermark(filepath.Join(t.TempDir(), "sync_watermark.json"), "")
	applier := &fakeApplier{result: true}
	client := &http.Client{Transport: rt}
	w := NewDownloadWorker("http://sync.test", "device-local", nil, wm, applier, client, nil)

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	return &workerFixture{worker: w, applier: applier, wm: wm, clock: &now}
}

func TestTickAppliesAndAdvancesWatermark(t *testing.T) {
	var gotSince string
	fx := newTestWorker(t, func(req *http.Request) (*http.Response, error) {
		gotSince = req.URL.Query().Get("since")
		return jsonResponse(t, 200, DownloadResponse{
			Operations: []ChangeOperation{
				{OpID: "op-1", Name: "user.update", Payload: map[string]any{"user_id": float64(1)}, SourceDeviceID: "device-remote"},
			},
			Latest: "2026-08-30T11:59:00Z",
		}), nil
	})

	applied, err := fx.worker.TickOnce(context.Background())
	if err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if gotSince != "1970-01-01T00:00:00Z" {
		t.Fatalf("first poll since = %q, want epoch bootstrap", gotSince)
	}
	if applied != 1 || len(fx.applier.ops) != 1 {
		t.Fatalf("applied = %d, applier saw %d", applied, len(fx.applier.ops))
	}
	if got := fx.wm.Get(); got != "2026-08-30T11:59:00Z" {
		t.Fatalf("watermark = %q", got)
	}
}

func TestTickEmptyResponseLeavesWatermark(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(t, 200, DownloadResponse{Latest: "2026-08-30T12:00:00Z"}), nil
	})

	applied, err := fx.worker.TickOnce(context.Background())
	if err != nil || applied != 0 {
		t.Fatalf("TickOnce = (%d, %v)", applied, err)
	}
	if got := fx.wm.Get(); got != "1970-01-01T00:00:00Z" {
		t.Fatalf("empty response advanced the watermark to %q", got)
	}
}

func TestTickSelfEchoSuppressed(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(t, 200, DownloadResponse{
			Operations: []ChangeOperation{
				{OpID: "op-1", Name: "user.update", Payload: map[string]any{"user_id": float64(1)}, SourceDeviceID: "device-local"},
			},
			Latest: "2026-08-30T11:59:00Z",
		}), nil
	})

	applied, err := fx.worker.TickOnce(context.Background())
	if err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if applied != 0 {
		t.Fatalf("self-echo applied %d ops", applied)
	}
	if len(fx.applier.ops) != 0 {
		t.Fatalf("applier invoked for self-echo")
	}
	// Latest was explicit, so the cursor still advances past the echo.
	if got := fx.wm.Get(); got != "2026-08-30T11:59:00Z" {
		t.Fatalf("watermark = %q", got)
	}
}

func TestTickRateLimitBackoff(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter string
		wantPause  time.Duration
	}{
		{"explicit", "30", 30 * time.Second},
		{"missing header defaults", "", 10 * time.Second},
		{"unparseable defaults", "soon", 10 * time.Second},
		{"clamped low", "0.2", time.Second},
		{"clamped high", "900", 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := make(http.Header)
			if tt.retryAfter != "" {
				header.Set("Retry-After", tt.retryAfter)
			}
			fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
				return httpResponse(429, "", header), nil
			})
			if _, err := fx.worker.TickOnce(context.Background()); err != nil {
				t.Fatalf("TickOnce: %v", err)
			}
			wantUntil := (*fx.clock).Add(tt.wantPause)
			if !fx.worker.pausedUntil.Equal(wantUntil) {
				t.Fatalf("pausedUntil = %v, want %v", fx.worker.pausedUntil, wantUntil)
			}
		})
	}
}

func TestTickServerErrorBackoffDoubles(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return httpResponse(503, "oops", nil), nil
	})

	// Consecutive failures: 2s, 4s, 8s ... capped at 60s.
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second,
		60 * time.Second,
	}
	for i, wantDelay := range want {
		if _, err := fx.worker.TickOnce(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		got := fx.worker.pausedUntil.Sub(*fx.clock)
		if got != wantDelay {
			t.Fatalf("tick %d pause = %v, want %v", i, got, wantDelay)
		}
		// Walk past the deadline for the next tick.
		*fx.clock = fx.worker.pausedUntil.Add(time.Second)
	}
}

func TestTickSuccessResetsServerErrorStreak(t *testing.T) {
	failing := true
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		if failing {
			return httpResponse(500, "", nil), nil
		}
		return jsonResponse(t, 200, DownloadResponse{}), nil
	})

	for i := 0; i < 3; i++ {
		if _, err := fx.worker.TickOnce(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		*fx.clock = fx.worker.pausedUntil.Add(time.Second)
	}
	failing = false
	if _, err := fx.worker.TickOnce(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if fx.worker.attempts != 0 {
		t.Fatalf("streak not reset: %d", fx.worker.attempts)
	}
}

func TestTickMalformedBodyBackoff(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return httpResponse(200, "{garbage", nil), nil
	})
	if _, err := fx.worker.TickOnce(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
	if got := fx.worker.pausedUntil.Sub(*fx.clock); got != 5*time.Second {
		t.Fatalf("malformed body pause = %v, want 5s", got)
	}
}

func TestTickUpstreamMessagePenalty(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(t, 200, DownloadResponse{Message: "upstream circuit open"}), nil
	})
	if _, err := fx.worker.TickOnce(context.Background()); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if got := fx.worker.pausedUntil.Sub(*fx.clock); got != 10*time.Second {
		t.Fatalf("upstream penalty = %v, want 10s", got)
	}
}

func TestTickIdleHintHonored(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(t, 200, DownloadResponse{RetryAfterSec: 45}), nil
	})
	if _, err := fx.worker.TickOnce(context.Background()); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if got := fx.worker.pausedUntil.Sub(*fx.clock); got != 45*time.Second {
		t.Fatalf("idle hint pause = %v, want 45s", got)
	}
}

func TestTickWhilePausedIsNoop(t *testing.T) {
	calls := 0
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		calls++
		return httpResponse(429, "", nil), nil
	})

	if _, err := fx.worker.TickOnce(context.Background()); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if _, err := fx.worker.TickOnce(context.Background()); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if calls != 1 {
		t.Fatalf("paused worker still polled: %d calls", calls)
	}
}

func TestTickClientErrorNoPenalty(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return httpResponse(400, "bad request", nil), nil
	})
	if _, err := fx.worker.TickOnce(context.Background()); err == nil {
		t.Fatalf("expected error for 400")
	}
	if !fx.worker.pausedUntil.IsZero() {
		t.Fatalf("client error imposed a penalty")
	}
}

func TestTickLatestFallsBackToOpTimestamp(t *testing.T) {
	fx := newTestWorker(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(t, 200, DownloadResponse{
			Operations: []ChangeOperation{
				{OpID: "a", Name: "user.update", Payload: map[string]any{"user_id": float64(1)}, Timestamp: "2026-08-30T10:00:00Z"},
				{OpID: "b", Name: "user.update", Payload: map[string]any{"user_id": float64(2)}, Timestamp: "2026-08-30T11:00:00Z"},
			},
		}), nil
	})
	if _, err := fx.worker.TickOnce(context.Background()); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}
	if got := fx.wm.Get(); got != "2026-08-30T11:00:00Z" {
		t.Fatalf("watermark = %q, want newest op timestamp", got)
	}
}
