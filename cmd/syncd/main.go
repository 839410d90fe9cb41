// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// syncd is the long-running sync daemon for one gym site. It installs
// change capture on the local database, drains the outbox into the
// upload queue, flushes the queue to the remote site, polls for
// remote changes, and optionally runs the reconciliation sweep on a
// cron schedule.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/capture"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/auth"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/config"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/infra"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/metrics"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/sweep"
	"github.com/Mateo-Piedra22/gym-management-system-sub007/syncer"
)

// defaultTables is the capture allow-list when SYNC_UPLOAD_TABLES is
// not set.
var defaultTables = []string{
	"users", "payments", "attendance",
	"classes", "class_schedules", "class_members",
	"class_attendance", "professor_schedules", "professor_substitutions",
	"routines", "routine_exercises", "routine_assignments", "exercises",
	"tags", "user_tags", "notes",
}

func main() {
	if err := run(); err != nil {
		slog.Error("syncd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, cfg.StateDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, err := pgxpool.New(ctx, cfg.LocalDatabaseURL)
	if err != nil {
		return err
	}
	defer local.Close()

	tables := cfg.UploadTables
	if len(tables) == 0 {
		tables = defaultTables
	}
	if err := capture.NewInstaller(local, logger).Install(ctx, tables); err != nil {
		return err
	}

	deviceID, err := capture.EnsureDeviceID(ctx, local)
	if err != nil {
		return err
	}
	logger.Info("sync daemon starting", "device_id", deviceID, "tables", len(tables))

	queue := syncer.NewQueue(cfg.StateDir+"/sync_state.json", cfg.MaxQueue, logger)
	tokens := auth.NewTokenProvider(cfg.JWTSecret, deviceID)

	var transport syncer.Transport
	if cfg.RemoteURL != "" {
		transport = syncer.NewHTTPTransport(cfg.RemoteURL, cfg.UploadToken, deviceID, tokens, nil)
	} else {
		logger.Warn("no remote URL configured, shipping to local outbox file")
		transport = &syncer.FileTransport{Path: cfg.StateDir + "/sync_outbox.jsonl"}
	}
	uploader := syncer.NewUploader(queue, transport, cfg.BatchSize, logger)

	drainer := capture.NewDrainer(local, queue, deviceID, logger)
	go func() {
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := drainer.DrainOnce(ctx, 200)
				if err != nil {
					logger.Warn("outbox drain failed", "error", err)
					continue
				}
				if n > 0 {
					uploader.Notify()
				}
			}
		}
	}()
	go uploader.Run(ctx, cfg.FlushInterval)

	if cfg.RemoteURL != "" {
		watermark := syncer.NewWatermark(cfg.StateDir+"/sync_watermark.json", cfg.BootstrapSince)
		applier := syncer.NewEntityApplier(local, logger)
		worker := syncer.NewDownloadWorker(cfg.RemoteURL, deviceID, tokens, watermark, applier, nil, logger)
		go worker.Run(ctx, cfg.DownloadInterval)
	}

	var sched *cron.Cron
	if cfg.SweepCron != "" && cfg.RemoteDatabaseURL != "" {
		remote, err := pgxpool.New(ctx, cfg.RemoteDatabaseURL)
		if err != nil {
			return err
		}
		defer remote.Close()

		sweeper := sweep.NewSweeper(local, remote, tables, cfg.Subscription, logger)
		sched = cron.New()
		if _, err := sched.AddFunc(cfg.SweepCron, func() {
			if _, err := sweeper.RunOnce(ctx); err != nil {
				logger.Error("scheduled sweep failed", "error", err)
			}
		}); err != nil {
			return err
		}
		sched.Start()
		logger.Info("sweep scheduled", "cron", cfg.SweepCron)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.Serve(cfg.MetricsAddr, nil)
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if sched != nil {
		sched.Stop()
	}
	uploader.Stop()
	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}

	// Last chance to drain pending changes before exit.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := uploader.FlushOnce(flushCtx); err != nil {
		logger.Warn("final flush failed", "error", err)
	}
	return nil
}
