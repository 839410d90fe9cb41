// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

const queueStateVersion = 1

// queueState is the on-disk shape of the upload queue.
type queueState struct {
	Version     int               `json:"version"`
	Queue       []ChangeOperation `json:"queue"`
	LastFlushTS float64           `json:"last_flush_ts"` // unix seconds
}

// Queue is the disk-persisted upload queue. Every mutation is written
// back atomically (temp file + rename) so a crash never leaves a
// truncated state file. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	path   string
	max    int
	logger *slog.Logger
	state  queueState
	loaded bool
}

// NewQueue opens (or creates) the queue persisted at path. maxSize
// bounds the queue; past it the oldest entries are evicted.
func NewQueue(path string, maxSize int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{path: path, max: maxSize, logger: logger}
}

// ensureLoaded reads the state file on first use. A missing or
// corrupt file reinitializes an empty queue instead of failing, so a
// damaged state file can never wedge the application.
func (q *Queue) ensureLoaded() {
	if q.loaded {
		return
	}
	q.loaded = true
	q.state = queueState{Version: queueStateVersion}

	data, err := os.ReadFile(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger.Warn("queue state unreadable, starting empty", "path", q.path, "error", err)
		}
		return
	}
	var st queueState
	if err := json.Unmarshal(data, &st); err != nil {
		q.logger.Warn("queue state corrupt, starting empty", "path", q.path, "error", err)
		return
	}
	if st.Version == 0 {
		st.Version = queueStateVersion
	}
	// Older state files may carry ops without ids; removal tracking
	// needs one per entry.
	for i := range st.Queue {
		if st.Queue[i].OpID == "" {
			st.Queue[i].OpID = uuid.New().String()
		}
	}
	q.state = st
}

// persist writes the state file atomically.
func (q *Queue) persist() error {
	q.state.LastFlushTS = float64(time.Now().UnixNano()) / float64(time.Second)
	data, err := json.Marshal(&q.state)
	if err != nil {
		return fmt.Errorf("queue: marshal state: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("queue: create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("queue: write state: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("queue: rename state: %w", err)
	}
	metrics.QueueDepth.Set(float64(len(q.state.Queue)))
	return nil
}

// Enqueue appends ops to the queue. An op whose dedup key matches a
// queued entry replaces it in place (latest payload wins, position
// preserved). Ops without a derivable key are appended verbatim. Past
// the capacity bound the oldest entries are dropped. Returns false
// when there was nothing to enqueue.
func (q *Queue) Enqueue(ops ...ChangeOperation) (bool, error) {
	if len(ops) == 0 {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureLoaded()

	index := make(map[string]int, len(q.state.Queue))
	for i, existing := range q.state.Queue {
		if existing.DedupKey != "" {
			index[existing.DedupKey] = i
		}
	}

	for _, op := range ops {
		if op.OpID == "" {
			op.OpID = uuid.New().String()
		}
		if op.Timestamp == "" {
			op.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		if op.DedupKey == "" {
			op.DedupKey = DeriveDedupKey(op)
		}
		if op.DedupKey != "" {
			if i, ok := index[op.DedupKey]; ok {
				q.state.Queue[i] = op
				continue
			}
			index[op.DedupKey] = len(q.state.Queue)
		}
		q.state.Queue = append(q.state.Queue, op)
	}

	if n := len(q.state.Queue); n > q.max {
		dropped := n - q.max
		q.state.Queue = append([]ChangeOperation(nil), q.state.Queue[dropped:]...)
		q.logger.Warn("upload queue overflow, dropped oldest", "dropped", dropped, "max", q.max)
	}

	if err := q.persist(); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns a copy of the pending operations in order.
func (q *Queue) Snapshot() []ChangeOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureLoaded()
	out := make([]ChangeOperation, len(q.state.Queue))
	copy(out, q.state.Queue)
	return out
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureLoaded()
	return len(q.state.Queue)
}

// Remove deletes the entries whose op ids appear in opIDs and
// persists the result. Returns how many entries were removed.
func (q *Queue) Remove(opIDs map[string]struct{}) (int, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureLoaded()

	kept := q.state.Queue[:0]
	removed := 0
	for _, op := range q.state.Queue {
		if _, ok := opIDs[op.OpID]; ok {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	if removed == 0 {
		return 0, nil
	}
	q.state.Queue = kept
	if err := q.persist(); err != nil {
		return removed, err
	}
	return removed, nil
}
