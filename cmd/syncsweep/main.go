// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// syncsweep runs one reconciliation sweep between the local and
// remote databases and prints the JSON report. Exits non-zero when
// any table recorded row errors.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/config"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/infra"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/sweep"
)

var defaultTables = []string{
	"users", "payments", "attendance",
	"classes", "class_schedules", "class_members",
	"class_attendance", "professor_schedules", "professor_substitutions",
	"routines", "routine_exercises", "routine_assignments", "exercises",
	"tags", "user_tags", "notes",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger, err := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, "")
	if err != nil {
		slog.Error("logger", "error", err)
		os.Exit(1)
	}
	if cfg.RemoteDatabaseURL == "" {
		logger.Error("DATABASE_URL_REMOTE is required for a sweep")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, err := pgxpool.New(ctx, cfg.LocalDatabaseURL)
	if err != nil {
		logger.Error("connect local", "error", err)
		os.Exit(1)
	}
	defer local.Close()

	remote, err := pgxpool.New(ctx, cfg.RemoteDatabaseURL)
	if err != nil {
		logger.Error("connect remote", "error", err)
		os.Exit(1)
	}
	defer remote.Close()

	tables := cfg.UploadTables
	if len(tables) == 0 {
		tables = defaultTables
	}

	sweeper := sweep.NewSweeper(local, remote, tables, cfg.Subscription, logger)
	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("encode report", "error", err)
		os.Exit(1)
	}
	if report.HasErrors() {
		os.Exit(2)
	}
}
