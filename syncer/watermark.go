// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watermark persists the download cursor for this device. It only
// ever moves forward; attempts to set an older value are ignored.
type Watermark struct {
	mu        sync.Mutex
	path      string
	bootstrap string
	value     string
	loaded    bool
}

type watermarkState struct {
	LastSince string `json:"last_since"`
	SavedAt   string `json:"saved_at,omitempty"`
}

// NewWatermark opens the watermark persisted at path. bootstrap is
// used when no state file exists yet (typically the Unix epoch, which
// makes the first poll a full backfill).
func NewWatermark(path, bootstrap string) *Watermark {
	if bootstrap == "" {
		bootstrap = "1970-01-01T00:00:00Z"
	}
	return &Watermark{path: path, bootstrap: bootstrap}
}

// Get returns the current watermark.
func (w *Watermark) Get() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensureLoaded()
	return w.value
}

// Advance moves the watermark to next if next is strictly newer.
// Returns true when the value changed. The new value is persisted
// atomically before Advance returns.
func (w *Watermark) Advance(next string) (bool, error) {
	if next == "" {
		return false, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensureLoaded()

	if !newerMark(next, w.value) {
		return false, nil
	}
	prev := w.value
	w.value = next
	if err := w.persist(); err != nil {
		w.value = prev
		return false, err
	}
	return true, nil
}

func (w *Watermark) ensureLoaded() {
	if w.loaded {
		return
	}
	w.loaded = true
	w.value = w.bootstrap

	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	var st watermarkState
	if err := json.Unmarshal(data, &st); err != nil || st.LastSince == "" {
		return
	}
	w.value = st.LastSince
}

func (w *Watermark) persist() error {
	st := watermarkState{
		LastSince: w.value,
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(&st)
	if err != nil {
		return fmt.Errorf("watermark: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("watermark: create state dir: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("watermark: write: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("watermark: rename: %w", err)
	}
	return nil
}

// newerMark reports whether a is strictly newer than b. Both sides
// are ISO-8601 timestamps in practice; values that do not parse fall
// back to lexicographic comparison, which orders identically for
// same-precision timestamps.
func newerMark(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}
