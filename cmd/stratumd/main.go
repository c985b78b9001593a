// Package main implements stratumd, the Stratum V1 server of the pool.
// It builds jobs from the coin daemons, serves miners on a fixed port-to-coin
// table, records accepted shares and announces found blocks on Kafka.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomp-pool/internal/config"
	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/database"
	"github.com/bardlex/gomp-pool/internal/database/influx"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/database/redis"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/internal/stratum"
	"github.com/bardlex/gomp-pool/internal/validation"
	"github.com/bardlex/gomp-pool/internal/work"
	"github.com/bardlex/gomp-pool/internal/workerpool"
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
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"coins", servedCoins(cfg),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start stratumd")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
	logger.Info("stratumd stopped")
}

// servedCoins lists the coins that have at least one stratum port
func servedCoins(cfg *config.Config) []string {
	seen := map[string]bool{}
	var coins []string
	for _, coin := range cfg.StratumPorts {
		if !seen[coin] {
			seen[coin] = true
			coins = append(coins, coin)
		}
	}
	sort.Strings(coins)
	return coins
}

func storeConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{Postgres: postgres.DefaultConfig(cfg.PostgresURL)}
	if cfg.RedisURL != "" {
		dbCfg.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbCfg
}

func workConfig(cfg *config.Config) work.Config {
	addrs := make(map[string]string)
	for coin, d := range cfg.Daemons {
		if d.PoolAddress != "" {
			addrs[coin] = d.PoolAddress
		}
	}
	return work.Config{
		RefreshInterval: cfg.JobRefreshInterval,
		StaleWindow:     cfg.JobStaleWindow,
		PoolAddresses:   addrs,
	}
}

func serverConfig(cfg *config.Config) stratum.ServerConfig {
	return stratum.ServerConfig{
		ListenAddr:           cfg.ListenAddr,
		Ports:                cfg.StratumPorts,
		IdleTimeout:          cfg.IdleTimeout,
		HousekeepingInterval: cfg.HousekeepingInterval,
		BroadcastConcurrency: cfg.BroadcastConcurrency,
		Session: stratum.SessionConfig{
			Difficulty:     cfg.InitialDifficulty,
			MaxMessageSize: cfg.MaxMessageSize,
		},
	}
}

// service owns every long-lived component of stratumd
type service struct {
	logger *log.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	db        *database.Manager
	kafka     *messaging.KafkaClient
	work      *work.Manager
	pool      *workerpool.Pool
	server    *stratum.Server
	notifiers []*work.BlockNotifier
}

func newService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*service, error) {
	db, err := database.NewManager(storeConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	all, err := daemon.NewClients(cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create daemon clients: %w", err)
	}
	clients := make(map[string]daemon.Client)
	for _, coin := range servedCoins(cfg) {
		clients[coin] = all[coin]
	}

	var cache work.JobCache
	if db.Redis != nil {
		cache = db.Redis
	}
	wm := work.NewManager(workConfig(cfg), clients, cache, logger)

	validator := validation.NewValidator(validation.Config{NTimeFutureWindow: cfg.NtimeFutureWindow}, wm, db, logger)
	validator.SetDuplicateGuard(db)
	validator.SetObserver(db)

	pool := workerpool.New(cfg.WorkerPoolSize, cfg.WorkerQueueDepth, logger)
	kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	engine := stratum.NewEngine(db, validator, wm, pool, logger)
	engine.SetBlockPublisher(kafka)

	server := stratum.NewServer(serverConfig(cfg), engine, wm, logger)
	server.SetPresence(db)

	ctx, cancel := context.WithCancel(ctx)
	svc := &service{
		logger: logger,
		cancel: cancel,
		db:     db,
		kafka:  kafka,
		work:   wm,
		pool:   pool,
		server: server,
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		if err := wm.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("work manager stopped")
		}
	}()

	for coin := range clients {
		addr := cfg.Daemons[coin].ZMQAddr
		if addr == "" {
			continue
		}
		n, err := work.NewBlockNotifier(coin, addr, wm, logger)
		if err != nil {
			logger.WithCoin(coin).WithError(err).Warn("block notifications disabled, relying on polling")
			continue
		}
		svc.notifiers = append(svc.notifiers, n)

		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			if err := n.Listen(ctx); err != nil && ctx.Err() == nil {
				logger.WithCoin(coin).WithError(err).Error("block notifier stopped")
			}
		}()
	}

	db.StartPeriodicTasks(ctx, servedCoins(cfg), cfg.HousekeepingInterval)

	if err := server.Start(ctx); err != nil {
		_ = svc.Shutdown(context.Background())
		return nil, err
	}
	return svc, nil
}

// Shutdown stops accepting miners, drains in-flight work and closes the stores
func (s *service) Shutdown(ctx context.Context) error {
	s.server.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pool.Close()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		err = ctx.Err()
	}

	for _, n := range s.notifiers {
		if cerr := n.Close(); cerr != nil {
			s.logger.WithError(cerr).Warn("failed to close block notifier")
		}
	}
	if cerr := s.kafka.Close(); cerr != nil {
		s.logger.WithError(cerr).Error("failed to close Kafka client")
	}
	if cerr := s.db.Close(); cerr != nil {
		s.logger.WithError(cerr).Error("failed to close database manager")
	}
	return err
}
