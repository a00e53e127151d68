package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"brandsight.systems/adscope/internal/analysis"
	"brandsight.systems/adscope/internal/application"
	"brandsight.systems/adscope/internal/config"
	"brandsight.systems/adscope/internal/db"
	"brandsight.systems/adscope/internal/fingerprint"
	"brandsight.systems/adscope/internal/keyframes"
	"brandsight.systems/adscope/internal/pipeline"
	"brandsight.systems/adscope/internal/resolver"
	"brandsight.systems/adscope/pkg/ytdlp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting analysis worker service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pool, err := application.OpenDBPoolWithRetry(ctx, *conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		slog.Error("failed to create database connection", "error", err)
		os.Exit(1)
	}
	defer dbc.Close()

	// Recover jobs orphaned in "processing" by previous service instances.
	if n, err := dbc.RequeueExpiredJobs(ctx); err != nil {
		slog.Error("failed to requeue expired jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued orphaned jobs from previous instances", "count", n)
	}

	platform := ytdlp.New()
	if conf.YtdlpPath != "" {
		platform.Path = conf.YtdlpPath
	}

	analyzer, err := analysis.NewGeminiAnalyzer(ctx, conf.GeminiAPIKey, conf.GeminiModel, conf.GeminiRatePerSec)
	if err != nil {
		slog.Error("failed to create analyzer", "error", err)
		os.Exit(1)
	}

	machine := &pipeline.Machine{
		Jobs:         dbc,
		Cache:        dbc,
		Resolver:     resolver.New(platform),
		Extractor:    &keyframes.Extractor{MaxWidth: 1280},
		Fingerprints: fingerprint.New(),
		Analyzer:     analyzer,
		Params: fingerprint.Params{
			Model:         conf.GeminiModel,
			PromptVersion: conf.PromptVersion,
			SchemaVersion: analysis.SchemaVersion,
		},
		RetryLimit:    conf.JobRetryLimit,
		UnitCostCents: conf.AnalysisUnitCostCents,
		StepTimeout:   time.Duration(conf.StepTimeoutSeconds) * time.Second,
		Lease:         time.Duration(conf.JobLeaseSeconds) * time.Second,
	}

	wake := make(chan struct{}, 1)
	go listenAndSignal(ctx, conf.DatabaseDSN, "analysis_jobs", wake)
	go pipeline.SweepExpiredLeases(ctx, dbc)

	slog.Info("Analysis workers started", "workers", conf.WorkerCount)
	for i := 0; i < conf.WorkerCount; i++ {
		w := &pipeline.Worker{
			Machine: machine,
			Lease:   time.Duration(conf.JobLeaseSeconds) * time.Second,
			Wake:    wake,
		}
		go w.Run(ctx)
	}

	<-ctx.Done()
	slog.Info("Analysis worker service stopping")
}

func listenAndSignal(ctx context.Context, dsn string, channel string, signalCh chan<- struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Parse using pgxpool so pool_* DSN params are consumed client-side
		// (otherwise they get forwarded to Postgres as startup params and cause FATAL).
		poolConf, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			slog.Error("listen parse config failed", "channel", channel, "error", err)
			time.Sleep(2 * time.Second)
			continue
		}

		conn, err := pgx.ConnectConfig(ctx, poolConf.ConnConfig)
		if err != nil {
			slog.Error("listen connect failed", "channel", channel, "error", err)
			time.Sleep(2 * time.Second)
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			slog.Error("LISTEN failed", "channel", channel, "error", err)
			_ = conn.Close(ctx)
			time.Sleep(2 * time.Second)
			continue
		}

		for {
			if ctx.Err() != nil {
				_ = conn.Close(ctx)
				return
			}

			if _, err := conn.WaitForNotification(ctx); err != nil {
				slog.Error("wait for notification failed", "channel", channel, "error", err)
				_ = conn.Close(ctx)
				break
			}

			select {
			case signalCh <- struct{}{}:
			default:
			}
		}
	}
}
