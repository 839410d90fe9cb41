// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/conflict"
)

// stubRow fails every scan, so id lookups fall through to the
// payload's own keys.
type stubRow struct{}

func (stubRow) Scan(dest ...any) error { return pgx.ErrNoRows }

// stubDB records executed statements and reports one affected row
// for each.
type stubDB struct {
	execs []string
	args  [][]any
}

func (s *stubDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, sql)
	s.args = append(s.args, args)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *stubDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (s *stubDB) QueryRow(context.Context, string, ...any) pgx.Row { return stubRow{} }

// stubTx wraps a stubDB as a transaction. Methods the appliers never
// touch come from the embedded interface and panic if called.
type stubTx struct {
	pgx.Tx
	db         *stubDB
	committed  bool
	rolledBack bool
}

func (t *stubTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *stubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *stubTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *stubTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

// stubTxDB is a stubDB that can open transactions, mimicking a pool.
type stubTxDB struct {
	stubDB
	tx *stubTx
}

func (s *stubTxDB) Begin(context.Context) (pgx.Tx, error) {
	s.tx = &stubTx{db: &s.stubDB}
	return s.tx, nil
}

func TestCanonicalOpName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"payment.create", "payment.upsert"},
		{"payment.add", "payment.upsert"},
		{"payment.update", "payment.upsert"},
		{"payment.delete", "payment.delete"},
		{"user.add", "user.add"},
		{"user.create", "user.add"},
		{"user.update", "user.update"},
		{"user.upsert", "user.update"},
		{"class_schedule.update", "class_schedule.upsert"},
		{"routine.assign", "routine.assign"},
		{"routine.unassign", "routine.unassign"},
		{"tag.create", "tag.upsert"},
		{"class_attendance.add", "class_attendance.upsert"},
		{"professor_schedule.create", "professor_schedule.upsert"},
		{"professor_substitution.update", "professor_substitution.upsert"},
	}
	for _, tt := range tests {
		if got := canonicalOpName(tt.in); got != tt.want {
			t.Fatalf("canonicalOpName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplySuppressesCaptureInTx(t *testing.T) {
	db := &stubTxDB{}
	a := NewEntityApplier(db, nil)

	applied, err := a.Apply(context.Background(), ChangeOperation{
		Name: "attendance.update",
		Payload: map[string]any{
			"user_id": float64(2),
			"date":    "2026-03-01",
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !applied {
		t.Fatalf("expected the operation to apply")
	}
	if db.tx == nil {
		t.Fatalf("expected the apply to run inside a transaction")
	}
	if !db.tx.committed {
		t.Fatalf("transaction was not committed")
	}
	if len(db.execs) == 0 || !strings.Contains(db.execs[0], "sync.suppress") {
		t.Fatalf("first statement must disable capture, got %v", db.execs)
	}
}

func TestApplyCarriesOriginClock(t *testing.T) {
	db := &stubDB{}
	a := NewEntityApplier(db, nil)

	_, err := a.Apply(context.Background(), ChangeOperation{
		Name: "attendance.update",
		Payload: map[string]any{
			"user_id":    float64(2),
			"date":       "2026-03-01",
			"logical_ts": float64(99),
			"last_op_id": "origin-op",
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(db.execs) == 0 {
		t.Fatalf("no statement executed")
	}
	if !strings.Contains(db.execs[0], "logical_ts") || !strings.Contains(db.execs[0], "last_op_id") {
		t.Fatalf("write does not set the clock columns:\n%s", db.execs[0])
	}
	var sawTS, sawOp bool
	for _, arg := range db.args[0] {
		if v, ok := arg.(int64); ok && v == 99 {
			sawTS = true
		}
		if s, ok := arg.(string); ok && s == "origin-op" {
			sawOp = true
		}
	}
	if !sawTS || !sawOp {
		t.Fatalf("origin clock not passed through, args: %v", db.args[0])
	}
}

func TestApplyRecoveredFamilies(t *testing.T) {
	tests := []struct {
		name    string
		op      ChangeOperation
		wantSQL string
	}{
		{
			name: "class attendance",
			op: ChangeOperation{
				Name: "class_attendance.update",
				Payload: map[string]any{
					"schedule_id": float64(1),
					"user_id":     float64(2),
					"class_date":  "2026-03-01",
					"status":      "present",
				},
			},
			wantSQL: "class_attendance",
		},
		{
			name: "professor schedule",
			op: ChangeOperation{
				Name: "professor_schedule.update",
				Payload: map[string]any{
					"professor_id": float64(4),
					"weekday":      float64(2),
					"start_time":   "10:00",
					"end_time":     "12:00",
				},
			},
			wantSQL: "professor_schedules",
		},
		{
			name: "professor substitution",
			op: ChangeOperation{
				Name: "professor_substitution.update",
				Payload: map[string]any{
					"assignment_id": float64(7),
					"class_date":    "2026-03-02",
					"substitute_id": float64(9),
				},
			},
			wantSQL: "professor_substitutions",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &stubDB{}
			a := NewEntityApplier(db, nil)
			applied, err := a.Apply(context.Background(), tt.op)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !applied {
				t.Fatalf("expected the operation to apply")
			}
			if len(db.execs) == 0 || !strings.Contains(db.execs[0], tt.wantSQL) {
				t.Fatalf("expected a write to %s, got %v", tt.wantSQL, db.execs)
			}
		})
	}
}

func TestApplyUnknownEntitySkipped(t *testing.T) {
	// Unknown names never reach the database, so a nil handle is safe.
	a := NewEntityApplier(nil, nil)
	applied, err := a.Apply(context.Background(), ChangeOperation{
		Name:    "widget.update",
		Payload: map[string]any{"id": float64(1)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied {
		t.Fatalf("unknown entity reported as applied")
	}
}

func TestRemoteVersion(t *testing.T) {
	op := ChangeOperation{
		OpID: "fallback-op",
		Payload: map[string]any{
			"logical_ts": float64(42),
			"last_op_id": "writer-op",
		},
	}
	got := remoteVersion(op)
	want := conflict.Version{LogicalTS: 42, LastOpID: "writer-op"}
	if got != want {
		t.Fatalf("remoteVersion = %+v, want %+v", got, want)
	}

	// Without explicit clock fields the op id identifies the version.
	bare := remoteVersion(ChangeOperation{OpID: "solo"})
	if bare.LogicalTS != 0 || bare.LastOpID != "solo" {
		t.Fatalf("bare version = %+v", bare)
	}
}

func TestSplitOpName(t *testing.T) {
	entity, verb := splitOpName("class_schedule.update")
	if entity != "class_schedule" || verb != "update" {
		t.Fatalf("splitOpName = (%q, %q)", entity, verb)
	}
	entity, verb = splitOpName("noverb")
	if entity != "noverb" || verb != "" {
		t.Fatalf("splitOpName(noverb) = (%q, %q)", entity, verb)
	}
}
