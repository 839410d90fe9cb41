// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/capture"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/conflict"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
)

// Pool is the database handle a sweep needs on each site.
type Pool interface {
	capture.DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Sweeper converges the local and remote databases. The local site is
// authoritative for membership: rows missing remotely are inserted
// there, remote rows with no local counterpart are deleted. Shared
// rows follow the logical clock.
type Sweeper struct {
	local  Pool
	remote Pool
	tables []string
	info   *capture.TableInfoProvider
	filter RowFilter
	// Logical replication subscription on the local site, paused for
	// the duration of the sweep. Empty disables the gate.
	subscription string
	logger       *slog.Logger
}

func NewSweeper(local, remote Pool, tables []string, subscription string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		local:        local,
		remote:       remote,
		tables:       tables,
		info:         capture.NewTableInfoProvider(local),
		filter:       ProtectOwnerRows,
		subscription: subscription,
		logger:       logger,
	}
}

// SetRowFilter replaces the membership filter. Must be called before
// RunOnce.
func (s *Sweeper) SetRowFilter(f RowFilter) {
	if f != nil {
		s.filter = f
	}
}

// RunOnce sweeps every configured table and returns the per-table
// repair counts. The replication subscription is re-enabled even when
// a table fails mid-sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{StartedAt: started, Tables: make(map[string]TableResult)}

	s.toggleSubscription(ctx, false)
	defer s.toggleSubscription(ctx, true)

	for _, table := range s.tables {
		var result TableResult
		err := withRetry(ctx, 3, func() error {
			var sweepErr error
			result, sweepErr = s.sweepTable(ctx, table)
			return sweepErr
		})
		if err != nil {
			s.logger.Error("table sweep failed", "table", table, "error", err)
			result.Errors++
		}
		report.Tables[table] = result
		metrics.SweepRowsRepaired.WithLabelValues("inserted").Add(float64(result.Inserted))
		metrics.SweepRowsRepaired.WithLabelValues("deleted").Add(float64(result.Deleted))
		metrics.SweepRowsRepaired.WithLabelValues("updated").Add(float64(result.Updated))
	}

	report.Elapsed = time.Since(started)
	metrics.SweepDuration.Observe(report.Elapsed.Seconds())
	s.logger.Info("sweep complete",
		"tables", len(s.tables), "repaired", report.TotalRepaired(),
		"elapsed", report.Elapsed)
	return report, nil
}

// toggleSubscription pauses or resumes logical replication into the
// local site so incremental apply does not race the bulk repair.
// Failures are logged, not fatal: a sweep without the gate is still
// correct, just noisier.
func (s *Sweeper) toggleSubscription(ctx context.Context, enable bool) {
	if s.subscription == "" {
		return
	}
	verb := "DISABLE"
	if enable {
		verb = "ENABLE"
	}
	stmt := fmt.Sprintf("ALTER SUBSCRIPTION %s %s",
		pgx.Identifier{s.subscription}.Sanitize(), verb)
	if _, err := s.local.Exec(ctx, stmt); err != nil {
		s.logger.Warn("subscription toggle failed", "verb", verb, "error", err)
	}
}

type clockedKeys struct {
	keys     []string
	versions map[string]conflict.Version
}

func (s *Sweeper) sweepTable(ctx context.Context, table string) (TableResult, error) {
	var result TableResult

	info, err := s.info.Get(ctx, "public", table)
	if err != nil {
		return result, err
	}
	if !info.HasPK() {
		s.logger.Warn("table has no primary key, sweep skipped", "table", table)
		return result, nil
	}
	hasClock := contains(info.Columns, "logical_ts") && contains(info.Columns, "last_op_id")

	localKeys, err := s.scanKeys(ctx, s.local, info, hasClock)
	if err != nil {
		return result, fmt.Errorf("sweep: scan local %s: %w", table, err)
	}
	remoteKeys, err := s.scanKeys(ctx, s.remote, info, hasClock)
	if err != nil {
		return result, fmt.Errorf("sweep: scan remote %s: %w", table, err)
	}

	missing, orphaned, shared := SplitKeys(localKeys.keys, remoteKeys.keys)

	inserted, errs := s.insertMissing(ctx, info, missing)
	result.Inserted += inserted
	result.Errors += errs

	deleted, errs := s.deleteOrphaned(ctx, info, orphaned)
	result.Deleted += deleted
	result.Errors += errs

	if hasClock {
		updated, errs := s.updateStale(ctx, info, shared, localKeys.versions, remoteKeys.versions)
		result.Updated += updated
		result.Errors += errs
	}
	return result, nil
}

// keyExpr builds the text expression that serializes a row's primary
// key, joining composite key parts with '|'. alias qualifies the
// columns when the query aliases the table.
func keyExpr(info *capture.TableInfo, alias string) string {
	parts := make([]string, len(info.PKColumns))
	for i, col := range info.PKColumns {
		ident := pgx.Identifier{col}.Sanitize()
		if alias != "" {
			ident = alias + "." + ident
		}
		parts[i] = ident + "::text"
	}
	return strings.Join(parts, " || '|' || ")
}

func tableIdent(info *capture.TableInfo) string {
	return pgx.Identifier{info.Schema, info.Table}.Sanitize()
}

// scanKeys reads every primary key on one site, together with the
// logical clock when the table carries one.
func (s *Sweeper) scanKeys(ctx context.Context, db Pool, info *capture.TableInfo, hasClock bool) (clockedKeys, error) {
	out := clockedKeys{versions: make(map[string]conflict.Version)}

	query := fmt.Sprintf("SELECT %s FROM %s", keyExpr(info, ""), tableIdent(info))
	if hasClock {
		query = fmt.Sprintf("SELECT %s, logical_ts, last_op_id FROM %s", keyExpr(info, ""), tableIdent(info))
	}
	rows, err := db.Query(ctx, query)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if hasClock {
			var (
				ts   *int64
				opID *string
			)
			if err := rows.Scan(&key, &ts, &opID); err != nil {
				return out, err
			}
			v := conflict.Version{}
			if ts != nil {
				v.LogicalTS = *ts
			}
			if opID != nil {
				v.LastOpID = *opID
			}
			out.versions[key] = v
		} else {
			if err := rows.Scan(&key); err != nil {
				return out, err
			}
		}
		out.keys = append(out.keys, key)
	}
	return out, rows.Err()
}

// insertMissing copies local rows absent on the remote. Each row is
// fetched as jsonb and re-materialized remotely; uniqueness races
// with concurrent writers are absorbed by ON CONFLICT DO NOTHING.
func (s *Sweeper) insertMissing(ctx context.Context, info *capture.TableInfo, keys []string) (inserted, errs int) {
	if len(keys) == 0 {
		return 0, 0
	}
	fetchSQL := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t WHERE %s = $1",
		tableIdent(info), keyExpr(info, "t"))
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s SELECT * FROM jsonb_populate_record(NULL::%s, $1::jsonb) ON CONFLICT DO NOTHING",
		tableIdent(info), tableIdent(info))

	for _, key := range keys {
		var row map[string]any
		if err := s.local.QueryRow(ctx, fetchSQL, key).Scan(&row); err != nil {
			s.logger.Warn("missing row fetch failed", "table", info.Table, "key", key, "error", err)
			errs++
			continue
		}
		if !s.filter(info.Table, row) {
			continue
		}
		tag, err := s.remote.Exec(ctx, insertSQL, row)
		if err != nil {
			s.logger.Warn("missing row insert failed", "table", info.Table, "key", key, "error", err)
			errs++
			continue
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
	}
	return inserted, errs
}

// deleteOrphaned removes remote rows with no local counterpart. The
// remote row is fetched first so the filter can exempt protected
// rows.
func (s *Sweeper) deleteOrphaned(ctx context.Context, info *capture.TableInfo, keys []string) (deleted, errs int) {
	if len(keys) == 0 {
		return 0, 0
	}
	fetchSQL := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t WHERE %s = $1",
		tableIdent(info), keyExpr(info, "t"))
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		tableIdent(info), keyExpr(info, ""))

	for _, key := range keys {
		var row map[string]any
		if err := s.remote.QueryRow(ctx, fetchSQL, key).Scan(&row); err != nil {
			// The row may be gone already; not an error worth keeping.
			continue
		}
		if !s.filter(info.Table, row) {
			continue
		}
		tag, err := s.remote.Exec(ctx, deleteSQL, key)
		if err != nil {
			s.logger.Warn("orphaned row delete failed", "table", info.Table, "key", key, "error", err)
			errs++
			continue
		}
		deleted += int(tag.RowsAffected())
	}
	return deleted, errs
}

// updateStale pushes local values onto the remote for shared keys
// where the local version is strictly newer. Every row runs inside a
// savepoint so one bad row does not abort the batch.
func (s *Sweeper) updateStale(ctx context.Context, info *capture.TableInfo, shared []string, local, remote map[string]conflict.Version) (updated, errs int) {
	var stale []string
	for _, key := range shared {
		if local[key].NewerThan(remote[key]) {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return 0, 0
	}

	var sets []string
	for _, col := range info.Columns {
		if contains(info.PKColumns, col) {
			continue
		}
		ident := pgx.Identifier{col}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = src.%s", ident, ident))
	}
	fetchSQL := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t WHERE %s = $1",
		tableIdent(info), keyExpr(info, "t"))
	updateSQL := fmt.Sprintf(
		"UPDATE %s AS dst SET %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) AS src WHERE %s = $2",
		tableIdent(info), strings.Join(sets, ", "), tableIdent(info),
		keyExpr(info, "dst"))

	tx, err := s.remote.Begin(ctx)
	if err != nil {
		s.logger.Warn("stale update transaction failed to start", "table", info.Table, "error", err)
		return 0, len(stale)
	}
	defer tx.Rollback(ctx)

	for _, key := range stale {
		var row map[string]any
		if err := s.local.QueryRow(ctx, fetchSQL, key).Scan(&row); err != nil {
			errs++
			continue
		}
		sp, err := tx.Begin(ctx)
		if err != nil {
			errs++
			continue
		}
		if _, err := sp.Exec(ctx, updateSQL, row, key); err != nil {
			_ = sp.Rollback(ctx)
			s.logger.Warn("stale row update failed, skipped", "table", info.Table, "key", key, "error", err)
			errs++
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			errs++
			continue
		}
		updated++
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Warn("stale update commit failed", "table", info.Table, "error", err)
		return 0, len(stale)
	}
	return updated, errs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
