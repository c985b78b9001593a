// Package main implements rewardd, which credits PPLNS block rewards. It
// handles block-found events from stratumd and periodically scans each chain
// for pool blocks the events missed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomp-pool/internal/config"
	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/database"
	"github.com/bardlex/gomp-pool/internal/database/influx"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/internal/pplns"
	"github.com/bardlex/gomp-pool/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequirePostgres()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rewardd",
		"version", cfg.Version,
		"pplns_window", cfg.PPLNSWindow,
		"pool_fee_percent", cfg.PoolFeePercent,
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
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		logger.WithError(err).Error("failed to migrate database")
		os.Exit(1)
	}

	clients, err := daemon.NewClients(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to create daemon clients")
		os.Exit(1)
	}

	dist := pplns.NewDistributor(distributorConfig(cfg, resolvePoolScripts(ctx, cfg, clients, logger)), db, clients, logger)
	if db.Influx != nil {
		dist.SetMetrics(db.Influx)
	}
	db.StartPeriodicTasks(ctx, nil, time.Minute)

	kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafka.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := kafka.ConsumeBlocksFound(ctx, messaging.GroupRewardd, dist.HandleBlockFound); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("block-found consumer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := dist.Run(ctx, cfg.RewardScanInterval); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("block scanner stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	if !waitTimeout(&wg, shutdownTimeout) {
		logger.Warn("shutdown timeout exceeded")
	}
	logger.Info("rewardd stopped")
}

func distributorConfig(cfg *config.Config, scripts map[string]string) pplns.Config {
	return pplns.Config{
		Window:             cfg.PPLNSWindow,
		Horizon:            cfg.PPLNSHorizon,
		FeePercent:         cfg.PoolFeePercent,
		FinderBonusPercent: cfg.FinderBonusPercent,
		BlockReward:        cfg.BlockReward,
		PoolScripts:        scripts,
	}
}

// resolvePoolScripts asks each daemon for the scriptPubKey of its configured
// pool address. Coins without a usable address are left out of block scanning.
func resolvePoolScripts(ctx context.Context, cfg *config.Config, clients map[string]daemon.Client, logger *log.Logger) map[string]string {
	scripts := make(map[string]string)
	for coin, d := range cfg.Daemons {
		coinLogger := logger.WithCoin(coin)
		client, ok := clients[coin]
		if !ok || d.PoolAddress == "" {
			coinLogger.Warn("no pool address configured, block scanning disabled")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		v, err := client.ValidateAddress(callCtx, d.PoolAddress)
		cancel()
		switch {
		case err != nil:
			coinLogger.WithError(err).Warn("could not resolve pool address, block scanning disabled")
		case !v.IsValid || v.ScriptPubKey == "":
			coinLogger.Warn("pool address rejected by daemon, block scanning disabled", "address", d.PoolAddress)
		default:
			scripts[coin] = v.ScriptPubKey
		}
	}
	return scripts
}

// waitTimeout reports whether wg finished within d
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
