// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/conflict"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

// applyUserAdd reconciles an incoming member by DNI when one
// traveled, otherwise inserts a fresh row. An existing member is
// refreshed and reactivated rather than duplicated.
func (a *EntityApplier) applyUserAdd(ctx context.Context, p map[string]any) (bool, error) {
	dni := payloadString(p, "dni")
	name := payloadString(p, "name")
	phone := payloadString(p, "phone")
	membership := payloadString(p, "membership_type")
	cts, cop := clockArgs(p)

	targetID := int64(0)
	if dni != "" {
		targetID = a.findUserIDByDNI(ctx, dni)
	}
	if targetID == 0 {
		if uid, ok := payloadInt(p, "user_id"); ok {
			targetID = uid
		}
	}

	if targetID != 0 {
		return a.execChanged(ctx, `
			UPDATE users
			SET name = COALESCE(NULLIF($1, ''), name),
			    phone = COALESCE(NULLIF($2, ''), phone),
			    membership_type = COALESCE(NULLIF($3, ''), membership_type),
			    active = TRUE,
			    logical_ts = COALESCE($5::bigint, logical_ts),
			    last_op_id = COALESCE($6::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $4`,
			name, phone, membership, targetID, cts, cop)
	}

	if dni != "" {
		return a.execChanged(ctx, `
			INSERT INTO users (dni, name, phone, membership_type, active, role, logical_ts, last_op_id, updated_at)
			VALUES ($1, COALESCE(NULLIF($2, ''), 'Member'), $3, COALESCE(NULLIF($4, ''), 'standard'), TRUE, 'member', $5::bigint, $6::text, NOW())
			ON CONFLICT (dni) DO UPDATE SET
				name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
				phone = COALESCE(NULLIF(EXCLUDED.phone, ''), users.phone),
				membership_type = COALESCE(NULLIF(EXCLUDED.membership_type, ''), users.membership_type),
				active = TRUE,
				logical_ts = COALESCE(EXCLUDED.logical_ts, users.logical_ts),
				last_op_id = COALESCE(EXCLUDED.last_op_id, users.last_op_id),
				updated_at = NOW()`,
			dni, name, phone, membership, cts, cop)
	}
	return a.execChanged(ctx, `
		INSERT INTO users (name, phone, membership_type, active, role, logical_ts, last_op_id, updated_at)
		VALUES (COALESCE(NULLIF($1, ''), 'Member'), $2, COALESCE(NULLIF($3, ''), 'standard'), TRUE, 'member', $4::bigint, $5::text, NOW())`,
		name, phone, membership, cts, cop)
}

// applyUserUpdate refreshes a member's mutable fields. An update
// carrying active=false is a soft delete. Stale versions, per the
// row's logical clock, are skipped.
func (a *EntityApplier) applyUserUpdate(ctx context.Context, op ChangeOperation) (bool, error) {
	p := op.Payload
	if active, ok := p["active"]; ok {
		if b, isBool := active.(bool); isBool && !b {
			return a.applyUserDelete(ctx, p)
		}
	}

	uid := a.resolveUserID(ctx, p)
	if uid == 0 {
		return false, nil
	}

	remote := remoteVersion(op)
	if !remote.Zero() {
		local := a.localVersion(ctx,
			`SELECT logical_ts, last_op_id FROM users WHERE id = $1`, uid)
		if conflict.Resolve(local, remote) == conflict.KeepLocal && !local.Zero() {
			metrics.OpsSkipped.WithLabelValues("stale").Inc()
			return false, nil
		}
	}

	cts, cop := clockArgs(p)
	return a.execChanged(ctx, `
		UPDATE users
		SET name = COALESCE(NULLIF($1, ''), name),
		    phone = COALESCE(NULLIF($2, ''), phone),
		    membership_type = COALESCE(NULLIF($3, ''), membership_type),
		    active = TRUE,
		    logical_ts = COALESCE($5::bigint, logical_ts),
		    last_op_id = COALESCE($6::text, last_op_id),
		    updated_at = NOW()
		WHERE id = $4`,
		payloadString(p, "name"), payloadString(p, "phone"),
		payloadString(p, "membership_type"), uid, cts, cop)
}

// applyUserDelete soft-deletes a member. Rows are never physically
// removed here so payment history stays intact.
func (a *EntityApplier) applyUserDelete(ctx context.Context, p map[string]any) (bool, error) {
	cts, cop := clockArgs(p)
	if dni := payloadString(p, "dni"); dni != "" {
		changed, err := a.execChanged(ctx, `
			UPDATE users
			SET active = FALSE,
			    logical_ts = COALESCE($2::bigint, logical_ts),
			    last_op_id = COALESCE($3::text, last_op_id),
			    updated_at = NOW()
			WHERE dni = $1`, dni, cts, cop)
		if err != nil || changed {
			return changed, err
		}
	}
	uid, ok := payloadInt(p, "user_id")
	if !ok || uid == 0 {
		return false, nil
	}
	return a.execChanged(ctx, `
		UPDATE users
		SET active = FALSE,
		    logical_ts = COALESCE($2::bigint, logical_ts),
		    last_op_id = COALESCE($3::text, last_op_id),
		    updated_at = NOW()
		WHERE id = $1`, uid, cts, cop)
}

func (a *EntityApplier) applyTagUpsert(ctx context.Context, p map[string]any) (bool, error) {
	name := payloadString(p, "name")
	if name == "" {
		return false, nil
	}
	cts, cop := clockArgs(p)
	return a.execChanged(ctx, `
		INSERT INTO tags (name, color, logical_ts, last_op_id, updated_at)
		VALUES ($1, NULLIF($2, ''), $3::bigint, $4::text, NOW())
		ON CONFLICT (name) DO UPDATE SET
			color = COALESCE(NULLIF(EXCLUDED.color, ''), tags.color),
			logical_ts = COALESCE(EXCLUDED.logical_ts, tags.logical_ts),
			last_op_id = COALESCE(EXCLUDED.last_op_id, tags.last_op_id),
			updated_at = NOW()`,
		name, payloadString(p, "color"), cts, cop)
}

func (a *EntityApplier) applyTagDelete(ctx context.Context, p map[string]any) (bool, error) {
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		return a.execChanged(ctx, `DELETE FROM tags WHERE id = $1`, id)
	}
	if name := payloadString(p, "name"); name != "" {
		return a.execChanged(ctx, `DELETE FROM tags WHERE name = $1`, name)
	}
	return false, nil
}

func (a *EntityApplier) applyUserTagUpsert(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	tagID, ok := payloadInt(p, "tag_id")
	if uid == 0 || !ok {
		return false, nil
	}
	cts, cop := clockArgs(p)
	return a.execChanged(ctx, `
		INSERT INTO user_tags (user_id, tag_id, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3::bigint, $4::text, NOW())
		ON CONFLICT (user_id, tag_id) DO NOTHING`,
		uid, tagID, cts, cop)
}

func (a *EntityApplier) applyUserTagDelete(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	tagID, ok := payloadInt(p, "tag_id")
	if uid == 0 || !ok {
		return false, nil
	}
	return a.execChanged(ctx,
		`DELETE FROM user_tags WHERE user_id = $1 AND tag_id = $2`, uid, tagID)
}

func (a *EntityApplier) applyNoteUpsert(ctx context.Context, p map[string]any) (bool, error) {
	uid := a.resolveUserID(ctx, p)
	if uid == 0 {
		return false, nil
	}
	body := payloadString(p, "body")
	cts, cop := clockArgs(p)
	if id, ok := payloadInt(p, "id"); ok && id > 0 {
		changed, err := a.execChanged(ctx, `
			UPDATE notes
			SET body = $1,
			    logical_ts = COALESCE($4::bigint, logical_ts),
			    last_op_id = COALESCE($5::text, last_op_id),
			    updated_at = NOW()
			WHERE id = $2 AND user_id = $3`,
			body, id, uid, cts, cop)
		if err != nil || changed {
			return changed, err
		}
		return a.execChanged(ctx, `
			INSERT INTO notes (id, user_id, body, logical_ts, last_op_id, updated_at)
			VALUES ($1, $2, $3, $4::bigint, $5::text, NOW())
			ON CONFLICT (id) DO UPDATE SET
				body = EXCLUDED.body,
				logical_ts = COALESCE(EXCLUDED.logical_ts, notes.logical_ts),
				last_op_id = COALESCE(EXCLUDED.last_op_id, notes.last_op_id),
				updated_at = NOW()`,
			id, uid, body, cts, cop)
	}
	return a.execChanged(ctx, `
		INSERT INTO notes (user_id, body, logical_ts, last_op_id, updated_at)
		VALUES ($1, $2, $3::bigint, $4::text, NOW())`,
		uid, body, cts, cop)
}

func (a *EntityApplier) applyNoteDelete(ctx context.Context, p map[string]any) (bool, error) {
	id, ok := payloadInt(p, "id")
	if !ok || id == 0 {
		return false, nil
	}
	return a.execChanged(ctx, `DELETE FROM notes WHERE id = $1`, id)
}
