// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/conflict"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

// DB is the subset of pgxpool.Pool the appliers need. Narrowed to an
// interface so apply logic can be exercised against a stub.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is implemented by handles that can open transactions,
// such as pgxpool.Pool. When the applier's DB supports it, every
// operation runs inside a transaction with outbox capture suppressed,
// so an applied remote change is not recaptured and shipped back.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EntityApplier translates downloaded operations into idempotent
// writes against the local database. Upserts follow an
// update-then-insert shape keyed on each entity's natural key, so
// re-applying the same operation is a no-op.
type EntityApplier struct {
	db     DB
	logger *slog.Logger
}

func NewEntityApplier(db DB, logger *slog.Logger) *EntityApplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityApplier{db: db, logger: logger}
}

// Apply dispatches op by name. The create/add/update aliases all map
// to the same upsert handler. Unknown names are counted and skipped
// rather than failing the batch. On a transaction-capable handle the
// write runs with sync.suppress set, keeping the capture triggers
// quiet for the duration.
func (a *EntityApplier) Apply(ctx context.Context, op ChangeOperation) (bool, error) {
	tb, ok := a.db.(TxBeginner)
	if !ok {
		return a.dispatch(ctx, op)
	}

	tx, err := tb.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("syncer: begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL sync.suppress = 'on'`); err != nil {
		return false, fmt.Errorf("syncer: suppress capture: %w", err)
	}
	applied, err := (&EntityApplier{db: tx, logger: a.logger}).dispatch(ctx, op)
	if err != nil {
		return applied, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("syncer: commit apply tx: %w", err)
	}
	return applied, nil
}

func (a *EntityApplier) dispatch(ctx context.Context, op ChangeOperation) (bool, error) {
	p := op.Payload
	var (
		applied bool
		err     error
	)
	switch canonicalOpName(op.Name) {
	case "user.add":
		applied, err = a.applyUserAdd(ctx, p)
	case "user.update":
		applied, err = a.applyUserUpdate(ctx, op)
	case "user.delete":
		applied, err = a.applyUserDelete(ctx, p)
	case "payment.upsert":
		applied, err = a.applyPaymentUpsert(ctx, op)
	case "payment.delete":
		applied, err = a.applyPaymentDelete(ctx, p)
	case "attendance.upsert":
		applied, err = a.applyAttendanceUpsert(ctx, p)
	case "attendance.delete":
		applied, err = a.applyAttendanceDelete(ctx, p)
	case "class.upsert":
		applied, err = a.applyClassUpsert(ctx, p)
	case "class.delete":
		applied, err = a.applyClassDelete(ctx, p)
	case "class_schedule.upsert":
		applied, err = a.applyClassScheduleUpsert(ctx, p)
	case "class_schedule.delete":
		applied, err = a.applyClassScheduleDelete(ctx, p)
	case "class_membership.upsert":
		applied, err = a.applyClassMembershipUpsert(ctx, p)
	case "class_membership.delete":
		applied, err = a.applyClassMembershipDelete(ctx, p)
	case "class_attendance.upsert":
		applied, err = a.applyClassAttendanceUpsert(ctx, p)
	case "class_attendance.delete":
		applied, err = a.applyClassAttendanceDelete(ctx, p)
	case "professor_schedule.upsert":
		applied, err = a.applyProfessorScheduleUpsert(ctx, p)
	case "professor_schedule.delete":
		applied, err = a.applyProfessorScheduleDelete(ctx, p)
	case "professor_substitution.upsert":
		applied, err = a.applyProfessorSubstitutionUpsert(ctx, p)
	case "professor_substitution.delete":
		applied, err = a.applyProfessorSubstitutionDelete(ctx, p)
	case "routine.upsert":
		applied, err = a.applyRoutineUpsert(ctx, p)
	case "routine.delete":
		applied, err = a.applyRoutineDelete(ctx, p)
	case "routine.assign":
		applied, err = a.applyRoutineAssign(ctx, p)
	case "routine.unassign":
		applied, err = a.applyRoutineUnassign(ctx, p)
	case "routine_exercise.upsert":
		applied, err = a.applyRoutineExerciseUpsert(ctx, p)
	case "routine_exercise.delete":
		applied, err = a.applyRoutineExerciseDelete(ctx, p)
	case "exercise.upsert":
		applied, err = a.applyExerciseUpsert(ctx, p)
	case "exercise.delete":
		applied, err = a.applyExerciseDelete(ctx, p)
	case "tag.upsert":
		applied, err = a.applyTagUpsert(ctx, p)
	case "tag.delete":
		applied, err = a.applyTagDelete(ctx, p)
	case "user_tag.upsert":
		applied, err = a.applyUserTagUpsert(ctx, p)
	case "user_tag.delete":
		applied, err = a.applyUserTagDelete(ctx, p)
	case "note.upsert":
		applied, err = a.applyNoteUpsert(ctx, p)
	case "note.delete":
		applied, err = a.applyNoteDelete(ctx, p)
	default:
		metrics.OpsSkipped.WithLabelValues("unknown_entity").Inc()
		a.logger.Debug("unknown operation skipped", "op", op.Name)
		return false, nil
	}
	if err == nil && applied {
		metrics.OpsApplied.WithLabelValues(entityOf(op.Name)).Inc()
	}
	return applied, err
}

// canonicalOpName collapses the create/add/update aliases onto the
// upsert handler for each entity.
func canonicalOpName(name string) string {
	entity, verb := splitOpName(name)
	switch verb {
	case "create", "add", "update", "upsert":
		// user.add and user.update keep distinct semantics: add
		// reconciles by DNI, update may carry a soft delete.
		if entity == "user" {
			if verb == "add" || verb == "create" {
				return "user.add"
			}
			return "user.update"
		}
		return entity + ".upsert"
	}
	return name
}

func splitOpName(name string) (entity, verb string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func entityOf(name string) string {
	entity, _ := splitOpName(name)
	return entity
}

// remoteVersion extracts the logical-clock pair an operation carries,
// when the producing site stamped it.
func remoteVersion(op ChangeOperation) conflict.Version {
	v := conflict.Version{LastOpID: op.OpID}
	if ts, ok := payloadInt(op.Payload, "logical_ts"); ok {
		v.LogicalTS = ts
	}
	if id := payloadString(op.Payload, "last_op_id"); id != "" {
		v.LastOpID = id
	}
	return v
}

// clockArgs returns the originating site's logical-clock pair as
// nullable SQL arguments. When the payload carries no clock the
// stamp trigger assigns a fresh local one.
func clockArgs(p map[string]any) (ts, opID any) {
	if v, ok := payloadInt(p, "logical_ts"); ok && v > 0 {
		ts = v
	}
	if s := payloadString(p, "last_op_id"); s != "" {
		opID = s
	}
	return ts, opID
}

// localVersion reads the logical-clock columns of one row. Missing
// rows and rows predating the clock install return the zero version.
func (a *EntityApplier) localVersion(ctx context.Context, query string, args ...any) conflict.Version {
	var (
		ts   *int64
		opID *string
	)
	if err := a.db.QueryRow(ctx, query, args...).Scan(&ts, &opID); err != nil {
		return conflict.Version{}
	}
	v := conflict.Version{}
	if ts != nil {
		v.LogicalTS = *ts
	}
	if opID != nil {
		v.LastOpID = *opID
	}
	return v
}

// execChanged runs sql and reports whether any row was touched.
func (a *EntityApplier) execChanged(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := a.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// findUserIDByDNI resolves the local surrogate id for a member's
// national identity number. Returns 0 when no such member exists.
func (a *EntityApplier) findUserIDByDNI(ctx context.Context, dni string) int64 {
	var id int64
	err := a.db.QueryRow(ctx, `SELECT id FROM users WHERE dni = $1 LIMIT 1`, dni).Scan(&id)
	if err != nil {
		return 0
	}
	return id
}

// resolveUserID returns the payload's user id, falling back to DNI
// resolution when only the natural key traveled on the wire.
func (a *EntityApplier) resolveUserID(ctx context.Context, p map[string]any) int64 {
	if uid, ok := payloadInt(p, "user_id"); ok && uid > 0 {
		return uid
	}
	if dni := payloadString(p, "dni"); dni != "" {
		return a.findUserIDByDNI(ctx, dni)
	}
	return 0
}
