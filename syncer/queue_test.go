// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestQueue(t *testing.T, max int) *Queue {
	t.Helper()
	return NewQueue(filepath.Join(t.TempDir(), "sync_state.json"), max, nil)
}

func TestQueueEnqueueAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	q := NewQueue(path, 100, nil)

	op := NewOperation("user.update", map[string]any{"user_id": 1, "name": "Ana"})
	if ok, err := q.Enqueue(op); err != nil || !ok {
		t.Fatalf("Enqueue = (%v, %v)", ok, err)
	}

	// A fresh instance over the same file sees the entry.
	q2 := NewQueue(path, 100, nil)
	if q2.Len() != 1 {
		t.Fatalf("reloaded queue length = %d, want 1", q2.Len())
	}
	got := q2.Snapshot()[0]
	if got.DedupKey != "uupd:1" {
		t.Fatalf("reloaded dedup key = %q", got.DedupKey)
	}
}

func TestQueueDedupReplacesInPlace(t *testing.T) {
	q := newTestQueue(t, 100)

	first := NewOperation("payment.update", map[string]any{"user_id": 1, "month": 2, "year": 2026, "amount": "100"})
	mid := NewOperation("user.update", map[string]any{"user_id": 9})
	second := NewOperation("payment.update", map[string]any{"user_id": 1, "month": 2, "year": 2026, "amount": "250"})

	if _, err := q.Enqueue(first, mid); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("queue length = %d, want 2", len(snap))
	}
	// The replacement kept the original position and took the new payload.
	if snap[0].DedupKey != "pay:1:2:2026" {
		t.Fatalf("position not preserved: %v", snap[0].DedupKey)
	}
	if snap[0].Payload["amount"] != "250" {
		t.Fatalf("payload not replaced: %v", snap[0].Payload["amount"])
	}
}

func TestQueueKeylessOpsNeverCollapse(t *testing.T) {
	q := newTestQueue(t, 100)
	a := NewOperation("note.upsert", map[string]any{"id": 1})
	b := NewOperation("note.upsert", map[string]any{"id": 1})
	if _, err := q.Enqueue(a, b); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("keyless ops were deduped: length = %d", q.Len())
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := newTestQueue(t, 5)
	var ops []ChangeOperation
	for i := 0; i < 8; i++ {
		ops = append(ops, NewOperation("user.update", map[string]any{"user_id": i + 1}))
	}
	if _, err := q.Enqueue(ops...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	snap := q.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("queue length = %d, want 5", len(snap))
	}
	if snap[0].DedupKey != "uupd:4" {
		t.Fatalf("oldest entries not dropped, head = %q", snap[0].DedupKey)
	}
}

func TestQueueCorruptStateReinitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	q := NewQueue(path, 100, nil)
	if q.Len() != 0 {
		t.Fatalf("corrupt state not reinitialized: length = %d", q.Len())
	}
	if _, err := q.Enqueue(NewOperation("user.update", map[string]any{"user_id": 1})); err != nil {
		t.Fatalf("Enqueue after corrupt state: %v", err)
	}
}

func TestQueuePersistIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	q := NewQueue(path, 100, nil)
	if _, err := q.Enqueue(NewOperation("user.update", map[string]any{"user_id": 1})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// No temp file survives a successful write, and the state file is
	// complete JSON.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var st queueState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("state file not valid JSON: %v", err)
	}
	if st.Version != queueStateVersion || len(st.Queue) != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestQueueRemove(t *testing.T) {
	q := newTestQueue(t, 100)
	var ids []string
	for i := 0; i < 3; i++ {
		op := NewOperation("user.update", map[string]any{"user_id": i + 1})
		ids = append(ids, op.OpID)
		if _, err := q.Enqueue(op); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	n, err := q.Remove(map[string]struct{}{ids[0]: {}, ids[2]: {}})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].OpID != ids[1] {
		t.Fatalf("wrong survivor: %v", snap)
	}

	if n, err := q.Remove(map[string]struct{}{"nope": {}}); err != nil || n != 0 {
		t.Fatalf("Remove(miss) = (%d, %v)", n, err)
	}
}

func TestQueueEnqueueEmpty(t *testing.T) {
	q := newTestQueue(t, 100)
	ok, err := q.Enqueue()
	if err != nil || ok {
		t.Fatalf("Enqueue() = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestQueueEnqueueDerivesMissingKey(t *testing.T) {
	q := newTestQueue(t, 100)
	// An op built by hand, without NewOperation, still gets a key.
	op := ChangeOperation{Name: "payment.update", Payload: map[string]any{
		"user_id": 3, "month": 8, "year": 2026, "amount": "1500",
	}}
	if _, err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got := q.Snapshot()[0]
	if got.DedupKey != "pay:3:8:2026" {
		t.Fatalf("dedup key = %q", got.DedupKey)
	}
	if got.OpID == "" || got.Timestamp == "" {
		t.Fatalf("op id or timestamp not backfilled: %+v", got)
	}
}
