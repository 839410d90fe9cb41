// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/conflict"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

// applyPaymentUpsert records or refreshes a monthly payment, keyed on
// (user_id, month, year). The member may be identified by DNI when
// the originating site does not share surrogate ids.
func (a *EntityApplier) applyPaymentUpsert(ctx context.Context, op ChangeOperation) (bool, error) {
	p := op.Payload
	uid := a.resolveUserID(ctx, p)
	month, okM := payloadInt(p, "month")
	year, okY := payloadInt(p, "year")
	if uid == 0 || !okM || !okY {
		return false, nil
	}
	amount := payloadString(p, "amount")
	paidAt := payloadString(p, "paid_at")

	remote := remoteVersion(op)
	if !remote.Zero() {
		local := a.localVersion(ctx, `
			SELECT logical_ts, last_op_id FROM payments
			WHERE user_id = $1 AND month = $2 AND year = $3`,
			uid, month, year)
		if !local.Zero() && conflict.Resolve(local, remote) == conflict.KeepLocal {
			metrics.OpsSkipped.WithLabelValues("stale").Inc()
			return false, nil
		}
	}

	cts, cop := clockArgs(p)
	changed, err := a.execChanged(ctx, `
		UPDATE payments
		SET amount = COALESCE(NULLIF($1, '')::numeric, amount),
		    paid_at = COALESCE(NULLIF($2, '')::timestamptz, paid_at),
		    logical_ts = COALESCE($6::bigint, logical_ts),
		    last_op_id = COALESCE($7::text, last_op_id),
		    updated_at = NOW()
		WHERE user_id = $3 AND month = $4 AND year = $5`,
		amount, paidAt, uid, month, year, cts, cop)
	if err != nil || changed {
		return changed, err
	}
	return a.execChanged(ctx, `
		INSERT INTO payments (user_id, month, year, amount, paid_at, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::numeric, NULLIF($5, '')::timestamptz, $6::bigint, $7::text, NOW())
		ON CONFLICT (user_id, month, year) DO UPDATE SET
			amount = COALESCE(EXCLUDED.amount, payments.amount),
			paid_at = COALESCE(EXCLUDED.paid_at, payments.paid_at),
			logical_ts = COALESCE(EXCLUDED.logical_ts, payments.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, payments.last_op_id),
			updated_at = NOW()`,
		uid, month, year, amount, paidAt, cts, cop)
}

func (a *EntityApplier) applyPaymentDelete(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	month, okM := payloadInt(p, "month")
	year, okY := payloadInt(p, "year")
	if uid == 0 || !okM || !okY {
		return false, nil
	}
	return a.execChanged(ctx,
		`DELETE FROM payments WHERE user_id = $1 AND month = $2 AND year = $3`,
		uid, month, year)
}

// applyAttendanceUpsert records a gym visit, keyed on (user_id, date).
func (a *EntityApplier) applyAttendanceUpsert(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	date := payloadString(p, "date")
	if uid == 0 || date == "" {
		return false, nil
	}
	checkIn := payloadString(p, "check_in_time")
	cts, cop := clockArgs(p)

	changed, err := a.execChanged(ctx, `
		UPDATE attendance
		SET check_in_time = COALESCE(NULLIF($1, '')::time, check_in_time),
		    logical_ts = COALESCE($4::bigint, logical_ts),
		    last_op_id = COALESCE($5::text, last_op_id),
		    updated_at = NOW()
		WHERE user_id = $2 AND date = $3::date`,
		checkIn, uid, date, cts, cop)
	if err != nil || changed {
		return changed, err
	}
	return a.execChanged(ctx, `
		INSERT INTO attendance (user_id, date, check_in_time, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2::date, NULLIF($3, '')::time, $4::bigint, $5::text, NOW())
		ON CONFLICT (user_id, date) DO UPDATE SET
			check_in_time = COALESCE(EXCLUDED.check_in_time, attendance.check_in_time),
			logical_ts = COALESCE(EXCLUDED.logical_ts, attendance.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, attendance.last_op_id),
			updated_at = NOW()`,
		uid, date, checkIn, cts, cop)
}

func (a *EntityApplier) applyAttendanceDelete(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	date := payloadString(p, "date")
	if uid == 0 || date == "" {
		return false, nil
	}
	return a.execChanged(ctx,
		`DELETE FROM attendance WHERE user_id = $1 AND date = $2::date`, uid, date)
}
