// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"strings"
	"testing"
)

func TestRenderOutboxTriggers(t *testing.T) {
	ddl, err := renderOutboxTriggers("public", "payments")
	if err != nil {
		t.Fatalf("renderOutboxTriggers: %v", err)
	}
	if len(ddl) != 3 {
		t.Fatalf("expected 3 trigger statements, got %d", len(ddl))
	}

	wantFragments := []string{
		`CREATE TRIGGER sync_outbox_ins AFTER INSERT ON "public"."payments"`,
		`CREATE TRIGGER sync_outbox_upd AFTER UPDATE ON "public"."payments"`,
		`CREATE TRIGGER sync_outbox_del AFTER DELETE ON "public"."payments"`,
	}
	for i, frag := range wantFragments {
		if !strings.Contains(ddl[i], frag) {
			t.Fatalf("statement %d missing %q:\n%s", i, frag, ddl[i])
		}
		if !strings.Contains(ddl[i], "DROP TRIGGER IF EXISTS") {
			t.Fatalf("statement %d does not drop the old trigger first:\n%s", i, ddl[i])
		}
		if !strings.Contains(ddl[i], "EXECUTE FUNCTION public.sync_outbox_capture()") {
			t.Fatalf("statement %d does not call the capture function:\n%s", i, ddl[i])
		}
	}
}

func TestLogicalColumnsTemplate(t *testing.T) {
	var buf strings.Builder
	info := &TableInfo{Schema: "public", Table: "users"}
	if err := logicalColumnsTemplate.Execute(&buf, info); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := buf.String()

	for _, frag := range []string{
		`ADD COLUMN IF NOT EXISTS logical_ts BIGINT`,
		`ADD COLUMN IF NOT EXISTS last_op_id TEXT`,
		`CREATE TRIGGER sync_stamp BEFORE INSERT OR UPDATE ON "public"."users"`,
	} {
		if !strings.Contains(out, frag) {
			t.Fatalf("rendered DDL missing %q:\n%s", frag, out)
		}
	}
}

func TestCaptureFunctionShape(t *testing.T) {
	// The function must honor the suppression GUC set by the download
	// applier, suppress UPDATEs that changed nothing, and collapse
	// duplicates within one transaction.
	for _, frag := range []string{
		"current_setting('sync.suppress', true) = 'on'",
		"IF v_data = '{}'::jsonb THEN",
		"ON CONFLICT (dedup_key) DO NOTHING",
		"txid_current()",
	} {
		if !strings.Contains(captureFunctionSQL, frag) {
			t.Fatalf("capture function missing %q", frag)
		}
	}
}
