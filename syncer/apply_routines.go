// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import "context"

// applyRoutineUpsert upserts a training routine. Remote sites share
// routine ids, so id-carrying payloads upsert by primary key.
func (a *EntityApplier) applyRoutineUpsert(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	name := payloadString(p, "name")
	description := payloadString(p, "description")
	weekdays := payloadString(p, "weekdays")
	category := payloadString(p, "category")
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE routines
			SET name = COALESCE(NULLIF($1, ''), name),
			    description = COALESCE(NULLIF($2, ''), description),
			    weekdays = COALESCE(NULLIF($3, ''), weekdays),
			    category = COALESCE(NULLIF($4, ''), category),
			    active = TRUE,
			    logical_ts = COALESCE($6::bigint, logical_ts),
			    last_op_id = COALESCE($7::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $5`,
			name, description, weekdays, category, id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
		return a.execChanged(ctx, `
			INSERT INTO routines (id, user_id, name, description, weekdays, category, active, logical_ts, last_op_id, updated_at)
			VALUES ($1, NULLIF($2, 0), $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), TRUE, $7::bigint, $8::text, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = COALESCE(NULLIF(EXCLUDED.name, ''), routines.name),
				description = COALESCE(EXCLUDED.description, routines.description),
				active = TRUE,
				logical_ts = COALESCE(EXCLUDED.logical_ts, routines.logical_ts),
				last_op_id = COALESCE(EXCLUDED.last_op_id, routines.last_op_id),
				updated_at = NOW()`,
			id, uid, name, description, weekdays, category, cts, cop)
	}
	if name == "" {
		return false, nil
	}
	return a.execChanged(ctx, `
		INSERT INTO routines (user_id, name, description, weekdays, category, active, logical_ts, last_op_id, updated_at)
		VALUES (NULLIF($1, 0), $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), TRUE, $6::bigint, $7::text, NOW())`,
		uid, name, description, weekdays, category, cts, cop)
}

func (a *EntityApplier) applyRoutineDelete(ctx context.Context, p map[string]any) (bool, error) {
	id, ok := payloadInt(p, "id")
	if !ok {
		id, ok = payloadInt(p, "routine_id")
	}
	if !ok || id == 0 {
		return false, nil
	}
	return a.execChanged(ctx, `DELETE FROM routines WHERE id = $1`, id)
}

func (a *EntityApplier) applyRoutineAssign(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	rid, ok := payloadInt(p, "routine_id")
	if uid == 0 || !ok || rid == 0 {
		return false, nil
	}
	cts, cop := clockArgs(p)
	return a.execChanged(ctx, `
		INSERT INTO routine_assignments (user_id, routine_id, assigned_at, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, NOW(), $3::bigint, $4::text, NOW())
		ON CONFLICT (user_id, routine_id) DO NOTHING`,
		uid, rid, cts, cop)
}

func (a *EntityApplier) applyRoutineUnassign(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	rid, ok := payloadInt(p, "routine_id")
	if uid == 0 || !ok || rid == 0 {
		// A captured DELETE carries only the assignment row's key.
		if id, okID := payloadInt(p, "id"); okID && id > 0 {
			return a.execChanged(ctx,
				`DELETE FROM routine_assignments WHERE id = $1`, id)
		}
		return false, nil
	}
	return a.execChanged(ctx,
		`DELETE FROM routine_assignments WHERE user_id = $1 AND routine_id = $2`,
		uid, rid)
}

func (a *EntityApplier) applyRoutineExerciseUpsert(ctx context.Context, p map[string]any) (bool, error) {
	routineID, okR := payloadInt(p, "routine_id")
	exerciseID, okE := payloadInt(p, "exercise_id")
	weekday, okW := payloadInt(p, "weekday")
	sets, okS := payloadInt(p, "sets")
	reps := payloadString(p, "reps")
	position, okP := payloadInt(p, "position")
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE routine_exercises
			SET weekday = COALESCE($1, weekday),
			    sets = COALESCE($2, sets),
			    reps = COALESCE(NULLIF($3, ''), reps),
			    position = COALESCE($4, position),
			    logical_ts = COALESCE($6::bigint, logical_ts),
			    last_op_id = COALESCE($7::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $5`,
			intOrNil(weekday, okW), intOrNil(sets, okS), reps, intOrNil(position, okP), id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
		if okR && okE {
			return a.execChanged(ctx, `
				INSERT INTO routine_exercises (id, routine_id, exercise_id, weekday, sets, reps, position, logical_ts, last_op_id, updated_at)
				VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8::bigint, $9::text, NOW())
				ON CONFLICT (id) DO UPDATE SET
					sets = COALESCE(EXCLUDED.sets, routine_exercises.sets),
					reps = COALESCE(EXCLUDED.reps, routine_exercises.reps),
					position = COALESCE(EXCLUDED.position, routine_exercises.position),
					logical_ts = COALESCE(EXCLUDED.logical_ts, routine_exercises.logical_ts),
					last_op_id = COALESCE(EXCLUDED.last_op_id, routine_exercises.last_op_id),
					updated_at = NOW()`,
				id, routineID, exerciseID, intOrNil(weekday, okW), intOrNil(sets, okS), reps, intOrNil(position, okP), cts, cop)
		}
		return false, nil
	}
	if !okR || !okE {
		return false, nil
	}
	return a.execChanged(ctx, `
		INSERT INTO routine_exercises (routine_id, exercise_id, weekday, sets, reps, position, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7::bigint, $8::text, NOW())`,
		routineID, exerciseID, intOrNil(weekday, okW), intOrNil(sets, okS), reps, intOrNil(position, okP), cts, cop)
}

func (a *EntityApplier) applyRoutineExerciseDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		return a.execChanged(ctx, `DELETE FROM routine_exercises WHERE id = $1`, id)
	}
	routineID, okR := payloadInt(p, "routine_id")
	exerciseID, okE := payloadInt(p, "exercise_id")
	if !okR || !okE {
		return false, nil
	}
	if weekday, okW := payloadInt(p, "weekday"); okW {
		return a.execChanged(ctx, `
			DELETE FROM routine_exercises
			WHERE routine_id = $1 AND exercise_id = $2 AND weekday = $3`,
			routineID, exerciseID, weekday)
	}
	return a.execChanged(ctx,
		`DELETE FROM routine_exercises WHERE routine_id = $1 AND exercise_id = $2`,
		routineID, exerciseID)
}

func (a *EntityApplier) applyExerciseUpsert(ctx context.Context, p map[string]any) (bool, error) {
	name := payloadString(p, "name")
	muscleGroup := payloadString(p, "muscle_group")
	description := payloadString(p, "description")
	cts, cop := clockArgs(p)

	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE exercises
			SET name = COALESCE(NULLIF($1, ''), name),
			    muscle_group = COALESCE(NULLIF($2, ''), muscle_group),
			    description = COALESCE(NULLIF($3, ''), description),
			    logical_ts = COALESCE($5::bigint, logical_ts),
			    last_op_id = COALESCE($6::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $4`,
			name, muscleGroup, description, id, cts, cop)
		if err != nil || changed {
			return changed, err
		}
		return a.execChanged(ctx, `
			INSERT INTO exercises (id, name, muscle_group, description, logical_ts, last_op_id, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5::bigint, $6::text, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = COALESCE(NULLIF(EXCLUDED.name, ''), exercises.name),
				logical_ts = COALESCE(EXCLUDED.logical_ts, exercises.logical_ts),
				last_op_id = COALESCE(EXCLUDED.last_op_id, exercises.last_op_id),
				updated_at = NOW()`,
			id, name, muscleGroup, description, cts, cop)
	}
	if name == "" {
		return false, nil
	}
	return a.execChanged(ctx, `
		INSERT INTO exercises (name, muscle_group, description, logical_ts, last_op_id, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4::bigint, $5::text, NOW())
		ON CONFLICT (name) DO UPDATE SET
			muscle_group = COALESCE(NULLIF(EXCLUDED.muscle_group, ''), exercises.muscle_group),
			logical_ts = COALESCE(EXCLUDED.logical_ts, exercises.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, exercises.last_op_id),
			updated_at = NOW()`,
		name, muscleGroup, description, cts, cop)
}

func (a *EntityApplier) applyExerciseDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		return a.execChanged(ctx, `DELETE FROM exercises WHERE id = $1`, id)
	}
	if name := payloadString(p, "name"); name != "" {
		return a.execChanged(ctx, `DELETE FROM exercises WHERE name = $1`, name)
	}
	return false, nil
}
