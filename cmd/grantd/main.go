package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"grantledger/config"
	"grantledger/idempotency"
	"grantledger/kernel"
	"grantledger/observability/logging"
	"grantledger/observability/metrics"
	"grantledger/projection"
	"grantledger/sweep"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.Setup("grantd", cfg.Env)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}

	if err := kernel.Migrate(db); err != nil {
		log.Fatalf("migrate error: %v", err)
	}

	k, err := kernel.New(kernel.Config{
		DB:     db,
		Idem:   idempotency.NewStore(db, cfg.IdempotencyTTL, time.Now),
		Logger: logging.Component(logger, "kernel"),
	})
	if err != nil {
		log.Fatalf("kernel init error: %v", err)
	}

	ctx := context.Background()
	if cfg.RebuildOnStart {
		start := time.Now()
		folded, wm, err := projection.NewRebuilder(db, 0, time.Now).Run(ctx)
		if err != nil {
			log.Fatalf("projection rebuild error: %v", err)
		}
		metrics.Kernel().RebuildObserved(time.Since(start).Seconds(), folded)
		logger.Info("projections rebuilt", "events", folded,
			"watermark_event_id", wm.EventID, "elapsed", time.Since(start))
	}

	sweepLogger := logging.Component(logger, "sweep")
	sweeper := sweep.New(sweep.Config{Kernel: k, Batch: cfg.SweepBatch, Logger: sweepLogger})
	scheduler := sweep.NewScheduler(sweep.SchedulerConfig{
		Sweeper:  sweeper,
		Interval: cfg.SweepInterval,
		Logger:   sweepLogger,
	})
	go scheduler.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := ":" + cfg.MetricsPort
	logger.Info("starting grantd", "metrics_addr", addr, "sweep_interval", cfg.SweepInterval)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("metrics server error: %v", err)
	}
}
