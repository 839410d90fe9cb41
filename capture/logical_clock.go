// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/google/uuid"
)

// logicalClockDDL installs the shared sequence, the node identity
// table, and the stamping function. The function fills logical_ts and
// last_op_id only when the writer did not supply them, so downloaded
// operations can re-stamp rows with the originating site's clock.
const logicalClockDDL = `
CREATE SEQUENCE IF NOT EXISTS sync_logical_ts_seq;

CREATE TABLE IF NOT EXISTS node_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE OR REPLACE FUNCTION public.sync_stamp_logical_fields()
RETURNS TRIGGER
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.logical_ts IS NULL OR (TG_OP = 'UPDATE' AND NEW.logical_ts IS NOT DISTINCT FROM OLD.logical_ts) THEN
    NEW.logical_ts := nextval('sync_logical_ts_seq');
  END IF;
  IF NEW.last_op_id IS NULL OR (TG_OP = 'UPDATE' AND NEW.last_op_id IS NOT DISTINCT FROM OLD.last_op_id) THEN
    NEW.last_op_id := gen_random_uuid()::text;
  END IF;
  RETURN NEW;
END;
$$;
`

var logicalColumnsTemplate = template.Must(template.New("logical_columns").Parse(`
ALTER TABLE "{{.Schema}}"."{{.Table}}" ADD COLUMN IF NOT EXISTS logical_ts BIGINT;
ALTER TABLE "{{.Schema}}"."{{.Table}}" ADD COLUMN IF NOT EXISTS last_op_id TEXT;

DROP TRIGGER IF EXISTS sync_stamp ON "{{.Schema}}"."{{.Table}}";
CREATE TRIGGER sync_stamp BEFORE INSERT OR UPDATE ON "{{.Schema}}"."{{.Table}}"
FOR EACH ROW EXECUTE FUNCTION public.sync_stamp_logical_fields();
`))

func (in *Installer) installLogicalClock(ctx context.Context) error {
	if _, err := in.db.Exec(ctx, logicalClockDDL); err != nil {
		return fmt.Errorf("capture: install logical clock: %w", err)
	}
	return nil
}

// installStampTriggers adds the logical clock columns and the BEFORE
// stamping trigger to one table.
func (in *Installer) installStampTriggers(ctx context.Context, info *TableInfo) error {
	var buf bytes.Buffer
	if err := logicalColumnsTemplate.Execute(&buf, info); err != nil {
		return fmt.Errorf("capture: render stamp trigger for %s.%s: %w", info.Schema, info.Table, err)
	}
	if _, err := in.db.Exec(ctx, buf.String()); err != nil {
		return fmt.Errorf("capture: install stamp trigger for %s.%s: %w", info.Schema, info.Table, err)
	}
	// Columns changed; force re-introspection on next use.
	in.tables.Invalidate(info.Schema, info.Table)
	return nil
}

// EnsureDeviceID returns this installation's stable device id,
// generating and persisting a fresh UUID on first run.
func EnsureDeviceID(ctx context.Context, db DB) (string, error) {
	var id string
	err := db.QueryRow(ctx,
		`SELECT value FROM node_state WHERE key = 'device_id'`).Scan(&id)
	if err == nil && id != "" {
		return id, nil
	}

	id = uuid.New().String()
	// Lose the race gracefully: keep whichever id landed first.
	_, err = db.Exec(ctx, `
		INSERT INTO node_state (key, value) VALUES ('device_id', $1)
		ON CONFLICT (key) DO NOTHING`, id)
	if err != nil {
		return "", fmt.Errorf("capture: persist device id: %w", err)
	}
	if err := db.QueryRow(ctx,
		`SELECT value FROM node_state WHERE key = 'device_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("capture: read device id: %w", err)
	}
	return id, nil
}
