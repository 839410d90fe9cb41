// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import "context"

// applyClassUpsert upserts a class by surrogate id when present,
// otherwise by its unique name.
func (a *EntityApplier) applyClassUpsert(ctx context.Context, p map[string]any) (bool, error) {
	name := payloadString(p, "name")
	description := payloadString(p, "description")
	active, hasActive := p["active"].(bool)
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE classes
			SET name = COALESCE(NULLIF($1, ''), name),
			    description = COALESCE(NULLIF($2, ''), description),
			    active = COALESCE($3, active),
			    logical_ts = COALESCE($5::bigint, logical_ts),
			    last_op_id = COALESCE($6::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $4`,
			name, description, boolOrNil(active, hasActive), id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
	}
	if name == "" {
		return false, nil
	}
	return a.execChanged(ctx, `
		INSERT INTO classes (name, description, active, logical_ts, last_op_id, updated_at)
		VALUES ($1, NULLIF($2, ''), COALESCE($3, TRUE), $4::bigint, $5::text, NOW())
		ON CONFLICT (name) DO UPDATE SET
			description = COALESCE(NULLIF(EXCLUDED.description, ''), classes.description),
			active = COALESCE($3, classes.active),
			logical_ts = COALESCE(EXCLUDED.logical_ts, classes.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, classes.last_op_id),
			updated_at = NOW()`,
		name, description, boolOrNil(active, hasActive), cts, cop)
}

func (a *EntityApplier) applyClassDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		return a.execChanged(ctx, `DELETE FROM classes WHERE id = $1`, id)
	}
	if name := payloadString(p, "name"); name != "" {
		return a.execChanged(ctx, `DELETE FROM classes WHERE name = $1`, name)
	}
	return false, nil
}

// applyClassScheduleUpsert upserts one weekly slot of a class, keyed
// on (class_id, weekday, start_time, end_time) when no id traveled.
func (a *EntityApplier) applyClassScheduleUpsert(ctx context.Context, p map[string]any) (bool, error) {
	classID, okC := payloadInt(p, "class_id")
	weekday, okW := payloadInt(p, "weekday")
	start := payloadString(p, "start_time")
	end := payloadString(p, "end_time")
	capacity, okCap := payloadInt(p, "max_capacity")
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE class_schedules
			SET weekday = COALESCE($1, weekday),
			    start_time = COALESCE(NULLIF($2, '')::time, start_time),
			    end_time = COALESCE(NULLIF($3, '')::time, end_time),
			    max_capacity = COALESCE($4, max_capacity),
			    logical_ts = COALESCE($6::bigint, logical_ts),
			    last_op_id = COALESCE($7::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $5`,
			intOrNil(weekday, okW), start, end, intOrNil(capacity, okCap), id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
	}
	if !okC || !okW || start == "" || end == "" {
		return false, nil
	}
	changed, err := a.execChanged(ctx, `
		UPDATE class_schedules
		SET max_capacity = COALESCE($1, max_capacity),
		    active = TRUE,
		    logical_ts = COALESCE($6::bigint, logical_ts),
		    last_op_id = COALESCE($7::text, last_op_id),
		    updated_at = NOW()
		WHERE class_id = $2 AND weekday = $3 AND start_time = $4::time AND end_time = $5::time`,
		intOrNil(capacity, okCap), classID, weekday, start, end, cts, cop)
	if err != nil || changed {
		return changed, err
	}
	return a.execChanged(ctx, `
		INSERT INTO class_schedules (class_id, weekday, start_time, end_time, max_capacity, active, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3::time, $4::time, $5, TRUE, $6::bigint, $7::text, NOW())`,
		classID, weekday, start, end, intOrNil(capacity, okCap), cts, cop)
}

func (a *EntityApplier) applyClassScheduleDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		return a.execChanged(ctx, `DELETE FROM class_schedules WHERE id = $1`, id)
	}
	classID, okC := payloadInt(p, "class_id")
	weekday, okW := payloadInt(p, "weekday")
	start := payloadString(p, "start_time")
	end := payloadString(p, "end_time")
	if !okC || !okW || start == "" || end == "" {
		return false, nil
	}
	return a.execChanged(ctx, `
		DELETE FROM class_schedules
		WHERE class_id = $1 AND weekday = $2 AND start_time = $3::time AND end_time = $4::time`,
		classID, weekday, start, end)
}

// applyClassMembershipUpsert enrolls a member into a schedule slot.
func (a *EntityApplier) applyClassMembershipUpsert(ctx context.Context, p map[string]any) (bool, error) {
	scheduleID, okS := payloadInt(p, "schedule_id")
	uid := a.resolveUserID(ctx, p)
	if !okS || uid == 0 {
		return false, nil
	}
	cts, cop := clockArgs(p)
	return a.execChanged(ctx, `
		INSERT INTO class_members (schedule_id, user_id, enrolled_at, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, COALESCE(NULLIF($3, '')::timestamptz, NOW()), $4::bigint, $5::text, NOW())
		ON CONFLICT (schedule_id, user_id) DO UPDATE SET
			logical_ts = COALESCE(EXCLUDED.logical_ts, class_members.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, class_members.last_op_id),
			updated_at = NOW()`,
		scheduleID, uid, payloadString(p, "enrolled_at"), cts, cop)
}

func (a *EntityApplier) applyClassMembershipDelete(ctx context.Context, p map[string]any) (bool, error) {
	scheduleID, okS := payloadInt(p, "schedule_id")
	uid := a.resolveUserID(ctx, p)
	if !okS || uid == 0 {
		return false, nil
	}
	return a.execChanged(ctx,
		`DELETE FROM class_members WHERE schedule_id = $1 AND user_id = $2`,
		scheduleID, uid)
}

// boolOrNil turns an optional bool payload field into a nullable SQL
// argument so COALESCE can keep the stored value.
func boolOrNil(v, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func intOrNil(v int64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}
