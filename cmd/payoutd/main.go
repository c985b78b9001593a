// Package main implements payoutd, which turns pending balances into wallet
// payments on the payout coin's daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/gomp-pool/internal/config"
	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/database"
	"github.com/bardlex/gomp-pool/internal/database/influx"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/internal/payout"
	"github.com/bardlex/gomp-pool/pkg/log"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	retryFailed bool
	once        bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("payoutd", flag.ContinueOnError)
	fs.BoolVar(&opts.retryFailed, "retry-failed", false, "move failed payouts back to pending before the first cycle")
	fs.BoolVar(&opts.once, "once", false, "run a single payout cycle and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequirePostgres()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting payoutd",
		"version", cfg.Version,
		"coin", cfg.PayoutCoin,
		"threshold", cfg.PayoutThreshold,
		"interval", cfg.PayoutInterval.String(),
	)

	dbCfg := &database.Config{Postgres: postgres.DefaultConfig(cfg.PostgresURL)}
	if cfg.InfluxToken != "" {
		dbCfg.Influx = &influx.Config{URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket}
	}
	db, err := database.NewManager(dbCfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}

	wallet, err := daemon.NewClient(cfg.PayoutCoin, cfg.Daemons[cfg.PayoutCoin])
	if err != nil {
		logger.WithError(err).Error("failed to create wallet client")
		_ = db.Close()
		os.Exit(1)
	}

	kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	proc := payout.NewProcessor(payout.Config{
		Threshold:  cfg.PayoutThreshold,
		FeePercent: cfg.PayoutFeePercent,
		Interval:   cfg.PayoutInterval,
	}, db, wallet, logger)
	proc.SetPublisher(kafka)
	if db.Influx != nil {
		proc.SetMetrics(db.Influx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	code := run(ctx, opts, db, proc, logger)
	cancel()

	if db.Influx != nil {
		db.Influx.Flush()
	}
	if err := kafka.Close(); err != nil {
		logger.WithError(err).Error("failed to close Kafka client")
	}
	if err := db.Close(); err != nil {
		logger.WithError(err).Error("failed to close database manager")
	}
	logger.Info("payoutd stopped")
	os.Exit(code)
}

// cycleRunner is the part of the processor run drives
type cycleRunner interface {
	RetryFailedPayouts(ctx context.Context) (int64, error)
	RunCycle(ctx context.Context) (payout.Summary, error)
	Run(ctx context.Context) error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// run executes payoutd until ctx ends and returns the process exit code
func run(ctx context.Context, opts options, db migrator, proc cycleRunner, logger *log.Logger) int {
	if err := db.Migrate(ctx); err != nil {
		logger.WithError(err).Error("failed to migrate database")
		return 1
	}

	if opts.retryFailed {
		if _, err := proc.RetryFailedPayouts(ctx); err != nil {
			logger.WithError(err).Error("failed to requeue failed payouts")
			return 1
		}
	}

	if opts.once {
		if _, err := proc.RunCycle(ctx); err != nil {
			logger.WithError(err).Error("payout cycle failed")
			return 1
		}
		return 0
	}

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded")
		return 1
	}
	return 0
}
