// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/syncer"
)

// tableEntities maps captured table names to the entity prefix used
// in operation names on the wire.
var tableEntities = map[string]string{
	"users":                   "user",
	"payments":                "payment",
	"attendance":              "attendance",
	"classes":                 "class",
	"class_schedules":         "class_schedule",
	"class_members":           "class_membership",
	"class_attendance":        "class_attendance",
	"routines":                "routine",
	"routine_exercises":       "routine_exercise",
	"routine_assignments":     "routine",
	"exercises":               "exercise",
	"tags":                    "tag",
	"user_tags":               "user_tag",
	"notes":                   "note",
	"professor_schedules":     "professor_schedule",
	"professor_substitutions": "professor_substitution",
}

// upsertEntities are applied as natural-key upserts on the peer, so a
// captured INSERT ships as the same update op a later UPDATE would,
// letting the queue collapse them onto one dedup key.
var upsertEntities = map[string]bool{
	"payment":    true,
	"attendance": true,
}

// Drainer turns raw outbox rows into semantic operations and hands
// them to the upload queue. Drained rows are deleted in the same
// transactionless pass; the queue's own persistence makes a crash
// between enqueue and delete re-deliver, which dedup keys absorb.
type Drainer struct {
	db       DB
	queue    *syncer.Queue
	deviceID string
	logger   *slog.Logger
}

func NewDrainer(db DB, queue *syncer.Queue, deviceID string, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{db: db, queue: queue, deviceID: deviceID, logger: logger}
}

// DrainOnce moves up to limit outbox rows into the queue. Returns how
// many rows were drained.
func (d *Drainer) DrainOnce(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.db.Query(ctx, `
		SELECT id, table_name, op, pk, data, created_at::text
		FROM sync_outbox
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return 0, fmt.Errorf("capture: read outbox: %w", err)
	}
	defer rows.Close()

	var (
		ids []int64
		ops []syncer.ChangeOperation
	)
	for rows.Next() {
		var (
			id        int64
			table     string
			op        string
			pk        map[string]any
			data      map[string]any
			createdAt string
		)
		if err := rows.Scan(&id, &table, &op, &pk, &data, &createdAt); err != nil {
			return 0, fmt.Errorf("capture: scan outbox row: %w", err)
		}
		ids = append(ids, id)

		change, ok := d.toOperation(table, op, pk, data, createdAt)
		if !ok {
			d.logger.Debug("outbox row for unmapped table dropped", "table", table, "id", id)
			continue
		}
		ops = append(ops, change)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("capture: read outbox: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if len(ops) > 0 {
		if _, err := d.queue.Enqueue(ops...); err != nil {
			return 0, err
		}
	}
	if _, err := d.db.Exec(ctx,
		`DELETE FROM sync_outbox WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("capture: delete drained outbox rows: %w", err)
	}
	metrics.OpsCaptured.Add(float64(len(ids)))
	return len(ids), nil
}

// toOperation maps one raw outbox row onto a semantic operation. The
// payload is the primary key merged with the changed columns, which
// is what every apply handler keys on.
func (d *Drainer) toOperation(table, op string, pk, data map[string]any, createdAt string) (syncer.ChangeOperation, bool) {
	entity, ok := tableEntities[table]
	if !ok {
		return syncer.ChangeOperation{}, false
	}

	verb := "update"
	switch {
	case table == "routine_assignments":
		// Assignments have dedicated assign/unassign ops on the wire.
		if op == "DELETE" {
			verb = "unassign"
		} else {
			verb = "assign"
		}
	case op == "INSERT":
		switch {
		case entity == "user":
			verb = "add"
		case upsertEntities[entity]:
			verb = "update"
		default:
			verb = "create"
		}
	case op == "DELETE":
		verb = "delete"
	}

	payload := make(map[string]any, len(pk)+len(data)+1)
	for k, v := range pk {
		payload[k] = v
	}
	for k, v := range data {
		payload[k] = v
	}
	// Apply handlers key members on user_id; the captured column is
	// the surrogate id itself.
	if entity == "user" {
		if id, ok := payload["id"]; ok {
			payload["user_id"] = id
		}
	}

	change := syncer.NewOperation(entity+"."+verb, payload)
	change.Timestamp = createdAt
	change.SourceDeviceID = d.deviceID
	return change, true
}
