// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package capture installs the change-capture machinery on the local
// database: the sync_outbox table, the shared plpgsql capture
// function, per-table AFTER triggers, and the logical-clock stamping
// that powers conflict resolution.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
)

const outboxDDL = `
CREATE TABLE IF NOT EXISTS public.sync_outbox (
  id BIGSERIAL PRIMARY KEY,
  schema_name TEXT NOT NULL,
  table_name TEXT NOT NULL,
  op TEXT NOT NULL,
  pk JSONB NOT NULL,
  data JSONB,
  dedup_key TEXT NOT NULL,
  txid BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS sync_outbox_dedup_key_idx ON public.sync_outbox(dedup_key);
CREATE INDEX IF NOT EXISTS sync_outbox_created_at_idx ON public.sync_outbox(created_at);
`

// captureFunctionSQL is the trigger function shared by every
// synchronized table. It resolves the table's primary key from the
// catalogs, serializes the full NEW row for INSERT, only the changed
// non-PK columns for UPDATE (suppressing no-op updates entirely), and
// NULL data for DELETE. The dedup key collapses repeated capture of
// the same logical change within one transaction.
//
// Writes made while the sync.suppress GUC is 'on' are not captured.
// The download applier sets it per transaction so applied remote
// changes do not bounce back to the remote as fresh local changes.
const captureFunctionSQL = `
CREATE OR REPLACE FUNCTION public.sync_outbox_capture()
RETURNS TRIGGER
LANGUAGE plpgsql
AS $$
DECLARE
  v_schema text := TG_TABLE_SCHEMA;
  v_table text := TG_TABLE_NAME;
  v_op text := TG_OP;
  v_tx bigint := txid_current();
  v_data jsonb;
  v_pk jsonb := '{}'::jsonb;
  pk_cols text[];
  rec_new jsonb;
  rec_old jsonb;
  key text;
  dedup text;
BEGIN
  IF current_setting('sync.suppress', true) = 'on' THEN
    RETURN NULL;
  END IF;

  SELECT array_agg(a.attname::text ORDER BY a.attnum)
  INTO pk_cols
  FROM pg_index i
  JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
  WHERE i.indrelid = format('%I.%I', v_schema, v_table)::regclass AND i.indisprimary;

  IF v_op = 'INSERT' THEN
    rec_new := to_jsonb(NEW);
    v_data := rec_new;
    IF pk_cols IS NOT NULL THEN
      FOREACH key IN ARRAY pk_cols LOOP
        v_pk := v_pk || jsonb_build_object(key, rec_new -> key);
      END LOOP;
    END IF;
  ELSIF v_op = 'UPDATE' THEN
    rec_new := to_jsonb(NEW);
    rec_old := to_jsonb(OLD);
    v_data := '{}'::jsonb;
    FOR key IN SELECT column_name FROM information_schema.columns WHERE table_schema = v_schema AND table_name = v_table LOOP
      IF (rec_new -> key) IS DISTINCT FROM (rec_old -> key) THEN
        IF pk_cols IS NULL OR NOT key = ANY (pk_cols) THEN
          v_data := v_data || jsonb_build_object(key, rec_new -> key);
        END IF;
      END IF;
    END LOOP;
    IF pk_cols IS NOT NULL THEN
      FOREACH key IN ARRAY pk_cols LOOP
        v_pk := v_pk || jsonb_build_object(key, rec_new -> key);
      END LOOP;
    END IF;
    IF v_data = '{}'::jsonb THEN
      RETURN NULL;
    END IF;
  ELSIF v_op = 'DELETE' THEN
    rec_old := to_jsonb(OLD);
    IF pk_cols IS NOT NULL THEN
      FOREACH key IN ARRAY pk_cols LOOP
        v_pk := v_pk || jsonb_build_object(key, rec_old -> key);
      END LOOP;
    END IF;
    v_data := NULL;
  ELSE
    RETURN NULL;
  END IF;

  dedup := md5( (v_schema || '.' || v_table || ':' || v_op || ':' || COALESCE(v_pk::text, '{}') || ':' || v_tx::text) );

  INSERT INTO public.sync_outbox(schema_name, table_name, op, pk, data, dedup_key, txid)
  VALUES (v_schema, v_table, v_op, COALESCE(v_pk, '{}'::jsonb), v_data, dedup, v_tx)
  ON CONFLICT (dedup_key) DO NOTHING;

  RETURN NULL;
END;
$$;
`

// outboxTriggerTemplate renders one AFTER trigger per event kind.
var outboxTriggerTemplate = template.Must(template.New("outbox_trigger").Parse(`
DROP TRIGGER IF EXISTS sync_outbox_{{.Suffix}} ON "{{.Schema}}"."{{.Table}}";
CREATE TRIGGER sync_outbox_{{.Suffix}} AFTER {{.Event}} ON "{{.Schema}}"."{{.Table}}"
FOR EACH ROW EXECUTE FUNCTION public.sync_outbox_capture();
`))

type triggerParams struct {
	Schema string
	Table  string
	Event  string // INSERT, UPDATE or DELETE
	Suffix string // ins, upd, del
}

var outboxEvents = []triggerParams{
	{Event: "INSERT", Suffix: "ins"},
	{Event: "UPDATE", Suffix: "upd"},
	{Event: "DELETE", Suffix: "del"},
}

// renderOutboxTriggers produces the DDL for all three capture
// triggers of one table.
func renderOutboxTriggers(schema, table string) ([]string, error) {
	out := make([]string, 0, len(outboxEvents))
	for _, ev := range outboxEvents {
		ev.Schema = schema
		ev.Table = table
		var buf bytes.Buffer
		if err := outboxTriggerTemplate.Execute(&buf, ev); err != nil {
			return nil, fmt.Errorf("capture: render %s trigger for %s.%s: %w", ev.Event, schema, table, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// Installer sets up capture on the local database for an allow-list
// of tables.
type Installer struct {
	db     DB
	tables *TableInfoProvider
	logger *slog.Logger
}

func NewInstaller(db DB, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{db: db, tables: NewTableInfoProvider(db), logger: logger}
}

// Install creates the outbox, the capture function, the logical
// clock, and the triggers for every listed table. Tables without a
// primary key are skipped with a warning; they cannot be captured
// deterministically.
func (in *Installer) Install(ctx context.Context, tables []string) error {
	if _, err := in.db.Exec(ctx, outboxDDL); err != nil {
		return fmt.Errorf("capture: create outbox: %w", err)
	}
	if _, err := in.db.Exec(ctx, captureFunctionSQL); err != nil {
		return fmt.Errorf("capture: create capture function: %w", err)
	}
	if err := in.installLogicalClock(ctx); err != nil {
		return err
	}

	for _, table := range tables {
		info, err := in.tables.Get(ctx, "public", table)
		if err != nil {
			return err
		}
		if !info.HasPK() {
			in.logger.Warn("table has no primary key, capture skipped", "table", table)
			continue
		}
		if err := in.installTableTriggers(ctx, info); err != nil {
			return err
		}
		in.logger.Info("capture installed", "table", table, "pk", info.PKColumns)
	}
	return nil
}

func (in *Installer) installTableTriggers(ctx context.Context, info *TableInfo) error {
	ddl, err := renderOutboxTriggers(info.Schema, info.Table)
	if err != nil {
		return err
	}
	for _, stmt := range ddl {
		if _, err := in.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("capture: create triggers for %s.%s: %w", info.Schema, info.Table, err)
		}
	}
	if err := in.installStampTriggers(ctx, info); err != nil {
		return err
	}
	return nil
}
