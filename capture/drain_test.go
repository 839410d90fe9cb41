// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package capture

import "testing"

func TestToOperation(t *testing.T) {
	d := &Drainer{deviceID: "dev-1"}

	tests := []struct {
		name     string
		table    string
		op       string
		pk       map[string]any
		data     map[string]any
		wantName string
		wantSkip bool
	}{
		{
			name:     "payment update",
			table:    "payments",
			op:       "UPDATE",
			pk:       map[string]any{"id": float64(7)},
			data:     map[string]any{"amount": "1200"},
			wantName: "payment.update",
		},
		{
			name:     "user insert maps to add",
			table:    "users",
			op:       "INSERT",
			pk:       map[string]any{"id": float64(3)},
			data:     map[string]any{"dni": "123", "name": "Ana"},
			wantName: "user.add",
		},
		{
			name:     "delete carries only the key",
			table:    "attendance",
			op:       "DELETE",
			pk:       map[string]any{"id": float64(9)},
			wantName: "attendance.delete",
		},
		{
			name:     "payment insert ships as upsert",
			table:    "payments",
			op:       "INSERT",
			pk:       map[string]any{"id": float64(4)},
			data:     map[string]any{"user_id": float64(2), "month": float64(3), "year": float64(2026)},
			wantName: "payment.update",
		},
		{
			name:     "assignment insert maps to assign",
			table:    "routine_assignments",
			op:       "INSERT",
			pk:       map[string]any{"id": float64(11)},
			data:     map[string]any{"user_id": float64(2), "routine_id": float64(6)},
			wantName: "routine.assign",
		},
		{
			name:     "assignment delete maps to unassign",
			table:    "routine_assignments",
			op:       "DELETE",
			pk:       map[string]any{"id": float64(11)},
			wantName: "routine.unassign",
		},
		{
			name:     "class attendance insert",
			table:    "class_attendance",
			op:       "INSERT",
			pk:       map[string]any{"id": float64(8)},
			data:     map[string]any{"schedule_id": float64(1), "user_id": float64(2), "class_date": "2026-03-01"},
			wantName: "class_attendance.create",
		},
		{
			name:     "professor schedule update",
			table:    "professor_schedules",
			op:       "UPDATE",
			pk:       map[string]any{"id": float64(5)},
			data:     map[string]any{"available": false},
			wantName: "professor_schedule.update",
		},
		{
			name:     "unmapped table dropped",
			table:    "audit_log",
			op:       "INSERT",
			wantSkip: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, ok := d.toOperation(tt.table, tt.op, tt.pk, tt.data, "2026-01-02T03:04:05Z")
			if tt.wantSkip {
				if ok {
					t.Fatalf("expected row to be dropped")
				}
				return
			}
			if !ok {
				t.Fatalf("expected an operation")
			}
			if op.Name != tt.wantName {
				t.Fatalf("name = %q, want %q", op.Name, tt.wantName)
			}
			if op.SourceDeviceID != "dev-1" {
				t.Fatalf("source device = %q", op.SourceDeviceID)
			}
			if op.Timestamp != "2026-01-02T03:04:05Z" {
				t.Fatalf("timestamp = %q", op.Timestamp)
			}
			if op.OpID == "" {
				t.Fatalf("operation id not assigned")
			}
		})
	}
}

func TestToOperationInsertDedup(t *testing.T) {
	// Captured INSERTs on upsert-applied entities must collapse onto
	// the same dedup key a later UPDATE of the row would use.
	d := &Drainer{deviceID: "dev-1"}
	ins, ok := d.toOperation("payments", "INSERT",
		map[string]any{"id": float64(4)},
		map[string]any{"user_id": float64(2), "month": float64(3), "year": float64(2026), "amount": "1200"},
		"2026-03-01T10:00:00Z")
	if !ok {
		t.Fatalf("expected an operation")
	}
	upd, ok := d.toOperation("payments", "UPDATE",
		map[string]any{"id": float64(4)},
		map[string]any{"user_id": float64(2), "month": float64(3), "year": float64(2026), "amount": "1500"},
		"2026-03-01T11:00:00Z")
	if !ok {
		t.Fatalf("expected an operation")
	}
	if ins.DedupKey == "" || ins.DedupKey != upd.DedupKey {
		t.Fatalf("insert key %q does not collapse with update key %q", ins.DedupKey, upd.DedupKey)
	}
}

func TestToOperationAssignmentDedup(t *testing.T) {
	d := &Drainer{deviceID: "dev-1"}
	op, ok := d.toOperation("routine_assignments", "INSERT",
		map[string]any{"id": float64(11)},
		map[string]any{"user_id": float64(2), "routine_id": float64(6)},
		"2026-03-01T10:00:00Z")
	if !ok {
		t.Fatalf("expected an operation")
	}
	if op.Name != "routine.assign" {
		t.Fatalf("name = %q, want routine.assign", op.Name)
	}
	if op.DedupKey != "rassign:2:6" {
		t.Fatalf("dedup key = %q, want rassign:2:6", op.DedupKey)
	}
}

func TestToOperationUserSurrogateID(t *testing.T) {
	d := &Drainer{deviceID: "dev-1"}
	op, ok := d.toOperation("users", "UPDATE",
		map[string]any{"id": float64(5)},
		map[string]any{"phone": "555-1234"},
		"2026-01-02T03:04:05Z")
	if !ok {
		t.Fatalf("expected an operation")
	}
	if op.Payload["user_id"] != float64(5) {
		t.Fatalf("user_id not mirrored from pk: %v", op.Payload)
	}
	if op.DedupKey != "uupd:5" {
		t.Fatalf("dedup key = %q, want uupd:5", op.DedupKey)
	}
}
