// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import "context"

// applyClassAttendanceUpsert records one member's attendance at a
// scheduled class, keyed on (schedule_id, user_id, class_date).
func (a *EntityApplier) applyClassAttendanceUpsert(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	scheduleID, okS := payloadInt(p, "schedule_id")
	classDate := payloadString(p, "class_date")
	if classDate == "" {
		classDate = payloadString(p, "date")
	}
	if uid == 0 || !okS || classDate == "" {
		return false, nil
	}
	status := payloadString(p, "status")
	arrival := payloadString(p, "arrival_time")
	notes := payloadString(p, "notes")
	cts, cop := clockArgs(p)

	changed, err := a.execChanged(ctx, `
		UPDATE class_attendance
		SET status = COALESCE(NULLIF($1, ''), status),
		    arrival_time = COALESCE(NULLIF($2, '')::time, arrival_time),
		    notes = COALESCE(NULLIF($3, ''), notes),
		    logical_ts = COALESCE($7::bigint, logical_ts),
		    last_op_id = COALESCE($8::text, last_op_id),
		    updated_at = NOW()
		WHERE schedule_id = $4 AND user_id = $5 AND class_date = $6::date`,
		status, arrival, notes, scheduleID, uid, classDate, cts, cop)
	if err != nil || changed {
		return changed, err
	}
	return a.execChanged(ctx, `
		INSERT INTO class_attendance (schedule_id, user_id, class_date, status, arrival_time, notes, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3::date, NULLIF($4, ''), NULLIF($5, '')::time, NULLIF($6, ''), $7::bigint, $8::text, NOW())
		ON CONFLICT (schedule_id, user_id, class_date) DO UPDATE SET
			status = COALESCE(EXCLUDED.status, class_attendance.status),
			arrival_time = COALESCE(EXCLUDED.arrival_time, class_attendance.arrival_time),
			notes = COALESCE(EXCLUDED.notes, class_attendance.notes),
			logical_ts = COALESCE(EXCLUDED.logical_ts, class_attendance.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, class_attendance.last_op_id),
			updated_at = NOW()`,
		scheduleID, uid, classDate, status, arrival, notes, cts, cop)
}

func (a *EntityApplier) applyClassAttendanceDelete(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	scheduleID, okS := payloadInt(p, "schedule_id")
	classDate := payloadString(p, "class_date")
	if classDate == "" {
		classDate = payloadString(p, "date")
	}
	if uid == 0 || !okS || classDate == "" {
		// A captured DELETE carries only the row's key.
		if id, okID := payloadInt(p, "id"); okID && id > 0 {
			return a.execChanged(ctx,
				`DELETE FROM class_attendance WHERE id = $1`, id)
		}
		return false, nil
	}
	return a.execChanged(ctx, `
		DELETE FROM class_attendance
		WHERE schedule_id = $1 AND user_id = $2 AND class_date = $3::date`,
		scheduleID, uid, classDate)
}

// applyProfessorScheduleUpsert upserts one weekly availability slot
// of a professor, by id when one traveled, otherwise by the natural
// key (professor_id, weekday, start_time, end_time).
func (a *EntityApplier) applyProfessorScheduleUpsert(ctx context.Context, p map[string]any) (bool, error) {
	professorID, okP := payloadInt(p, "professor_id")
	weekday, okW := payloadInt(p, "weekday")
	start := payloadString(p, "start_time")
	end := payloadString(p, "end_time")
	available, hasAvail := p["available"].(bool)
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE professor_schedules
			SET professor_id = COALESCE($1, professor_id),
			    weekday = COALESCE($2, weekday),
			    start_time = COALESCE(NULLIF($3, '')::time, start_time),
			    end_time = COALESCE(NULLIF($4, '')::time, end_time),
			    available = COALESCE($5, available),
			    logical_ts = COALESCE($7::bigint, logical_ts),
			    last_op_id = COALESCE($8::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $6`,
			intOrNil(professorID, okP), intOrNil(weekday, okW), start, end,
			boolOrNil(available, hasAvail), id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
	}
	if !okP || !okW || start == "" || end == "" {
		return false, nil
	}
	changed, err := a.execChanged(ctx, `
		UPDATE professor_schedules
		SET available = COALESCE($1, available),
		    logical_ts = COALESCE($6::bigint, logical_ts),
		    last_op_id = COALESCE($7::text, last_op_id),
		    updated_at = NOW()
		WHERE professor_id = $2 AND weekday = $3 AND start_time = $4::time AND end_time = $5::time`,
		boolOrNil(available, hasAvail), professorID, weekday, start, end, cts, cop)
	if err != nil || changed {
		return changed, err
	}
	return a.execChanged(ctx, `
		INSERT INTO professor_schedules (professor_id, weekday, start_time, end_time, available, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3::time, $4::time, COALESCE($5, TRUE), $6::bigint, $7::text, NOW())`,
		professorID, weekday, start, end, boolOrNil(available, hasAvail), cts, cop)
}

func (a *EntityApplier) applyProfessorScheduleDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx,
			`DELETE FROM professor_schedules WHERE id = $1`, id)
		if err != nil || changed {
			return changed, err
		}
	}
	professorID, okP := payloadInt(p, "professor_id")
	weekday, okW := payloadInt(p, "weekday")
	start := payloadString(p, "start_time")
	end := payloadString(p, "end_time")
	if !okP || !okW || start == "" || end == "" {
		return false, nil
	}
	return a.execChanged(ctx, `
		DELETE FROM professor_schedules
		WHERE professor_id = $1 AND weekday = $2 AND start_time = $3::time AND end_time = $4::time`,
		professorID, weekday, start, end)
}

// applyProfessorSubstitutionUpsert upserts a one-off substitute for a
// class assignment, keyed on (assignment_id, class_date) when no id
// traveled.
func (a *EntityApplier) applyProfessorSubstitutionUpsert(ctx context.Context, p map[string]any) (bool, error) {
	assignmentID, okA := payloadInt(p, "assignment_id")
	classDate := payloadString(p, "class_date")
	if classDate == "" {
		classDate = payloadString(p, "date")
	}
	if !okA || classDate == "" {
		return false, nil
	}
	substituteID, okSub := payloadInt(p, "substitute_id")
	reason := payloadString(p, "reason")
	status := payloadString(p, "status")
	notes := payloadString(p, "notes")
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE professor_substitutions
			SET assignment_id = COALESCE($1, assignment_id),
			    substitute_id = $2,
			    class_date = COALESCE(NULLIF($3, '')::date, class_date),
			    reason = COALESCE(NULLIF($4, ''), reason),
			    status = COALESCE(NULLIF($5, ''), status),
			    notes = COALESCE(NULLIF($6, ''), notes),
			    logical_ts = COALESCE($8::bigint, logical_ts),
			    last_op_id = COALESCE($9::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $7`,
			assignmentID, intOrNil(substituteID, okSub), classDate, reason, status, notes, id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
	}
	changed, err := a.execChanged(ctx, `
		UPDATE professor_substitutions
		SET substitute_id = $1,
		    reason = COALESCE(NULLIF($2, ''), reason),
		    status = COALESCE(NULLIF($3, ''), status),
		    notes = COALESCE(NULLIF($4, ''), notes),
		    logical_ts = COALESCE($7::bigint, logical_ts),
		    last_op_id = COALESCE($8::text, last_op_id),
		    updated_at = NOW()
		WHERE assignment_id = $5 AND class_date = $6::date`,
		intOrNil(substituteID, okSub), reason, status, notes, assignmentID, classDate, cts, cop)
	if err != nil || changed {
		return changed, err
	}
	return a.execChanged(ctx, `
		INSERT INTO professor_substitutions (assignment_id, substitute_id, class_date, reason, status, notes, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3::date, NULLIF($4, ''), COALESCE(NULLIF($5, ''), 'pending'), NULLIF($6, ''), $7::bigint, $8::text, NOW())`,
		assignmentID, intOrNil(substituteID, okSub), classDate, reason, status, notes, cts, cop)
}

func (a *EntityApplier) applyProfessorSubstitutionDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx,
			`DELETE FROM professor_substitutions WHERE id = $1`, id)
		if err != nil || changed {
			return changed, err
		}
	}
	assignmentID, okA := payloadInt(p, "assignment_id")
	classDate := payloadString(p, "class_date")
	if classDate == "" {
		classDate = payloadString(p, "date")
	}
	if !okA || classDate == "" {
		return false, nil
	}
	return a.execChanged(ctx, `
		DELETE FROM professor_substitutions
		WHERE assignment_id = $1 AND class_date = $2::date`,
		assignmentID, classDate)
}
