// Package database coordinates the pool's stores. PostgreSQL is the source of
// truth and is required; Redis and InfluxDB are optional side channels that are
// skipped when not configured.
package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/gomp-pool/internal/database/influx"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/database/redis"
	"github.com/bardlex/gomp-pool/internal/stratum"
	"github.com/bardlex/gomp-pool/internal/validation"
	"github.com/bardlex/gomp-pool/pkg/circuit"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
	"github.com/bardlex/gomp-pool/pkg/retry"
)

// defaultWorkerName is used when a miner logs in with a bare address
const defaultWorkerName = "default"

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client  // nil when not configured
	Influx   *influx.Client // nil when not configured

	// Repositories
	Users   *postgres.UserRepository
	Workers *postgres.WorkerRepository
	Shares  *postgres.ShareRepository
	Blocks  *postgres.BlockRepository
	Payouts *postgres.PayoutRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	redisBreaker   *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for all database systems. Redis and Influx may be nil.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured store
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	m := newManager(pgClient, logger)

	if cfg.Redis != nil {
		m.Redis, err = redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
	}

	if cfg.Influx != nil {
		m.Influx, err = influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
	}

	return m, nil
}

func newManager(pgClient *postgres.Client, logger *log.Logger) *Manager {
	logger = logger.WithComponent("database")
	onStateChange := func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	m := &Manager{
		Postgres: pgClient,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "postgres",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange:   onStateChange,
		}),
		redisBreaker: circuit.New(&circuit.Config{
			Name:            "redis",
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange:   onStateChange,
		}),
		retryConfig: retry.DatabaseConfig(),
		logger:      logger,
	}
	if pgClient != nil {
		db := pgClient.DB()
		m.Users = postgres.NewUserRepository(db)
		m.Workers = postgres.NewWorkerRepository(db)
		m.Shares = postgres.NewShareRepository(db)
		m.Blocks = postgres.NewBlockRepository(db)
		m.Payouts = postgres.NewPayoutRepository(db)
	}
	return m
}

// abort closes whatever was opened and returns cause, noting cleanup failures
func (m *Manager) abort(cause *errors.ServiceError) error {
	if err := m.Close(); err != nil {
		return cause.WithContext("cleanup_error", err.Error())
	}
	return cause
}

// Migrate creates missing tables and indexes
func (m *Manager) Migrate(ctx context.Context) error {
	if err := m.Postgres.Migrate(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "migrate", "failed to apply schema")
	}
	return nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Influx != nil {
		m.Influx.Close()
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	return stderrors.Join(errs...)
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// Share path

func shareRow(s *validation.Share) *postgres.Share {
	return &postgres.Share{
		UserID:            s.UserID,
		WorkerID:          s.WorkerID,
		Coin:              s.Coin,
		JobID:             s.JobID,
		BlockHeight:       s.Height,
		Difficulty:        s.Difficulty,
		NetworkDifficulty: s.NetworkDiff,
		IsValid:           true,
		IsBlockCandidate:  s.IsBlock,
		Hash:              s.Hash,
		Nonce:             s.Nonce,
		ExtraNonce2:       s.ExtraNonce2,
		Ntime:             s.NTime,
		SubmittedAt:       s.SubmittedAt,
	}
}

type shareInserter interface {
	CreateShare(ctx context.Context, share *postgres.Share) error
}

type shareCounter interface {
	CountShare(ctx context.Context, id int64, at time.Time) error
}

// storeShare inserts the share and bumps the worker and user counters. It
// must run inside one transaction.
func storeShare(ctx context.Context, shares shareInserter, workers, users shareCounter, row *postgres.Share) error {
	if err := shares.CreateShare(ctx, row); err != nil {
		return err
	}
	if err := workers.CountShare(ctx, row.WorkerID, row.SubmittedAt); err != nil {
		return err
	}
	return users.CountShare(ctx, row.UserID, row.SubmittedAt)
}

// RecordShare stores an accepted share and bumps its worker and user counters
// in one transaction. A (hash, nonce) pair that is already stored is reported as a
// rejected share and does not count against the circuit breaker.
func (m *Manager) RecordShare(ctx context.Context, share *validation.Share) error {
	row := shareRow(share)
	duplicate := false

	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := m.Postgres.WithTx(ctx, func(tx *sql.Tx) error {
				return storeShare(ctx, postgres.NewShareRepository(tx),
					postgres.NewWorkerRepository(tx), postgres.NewUserRepository(tx), row)
			})
			if postgres.IsUniqueViolation(err) {
				duplicate = true
				return nil
			}
			return err
		})
	})
	if duplicate {
		return errors.New(errors.ErrorTypeShareRejected, "record_share", "share already stored").
			WithContext("hash", share.Hash).
			WithContext("nonce", share.Nonce)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
			"failed to store share in PostgreSQL").
			WithContext("user_id", share.UserID).
			WithContext("worker_id", share.WorkerID).
			WithContext("share_difficulty", share.Difficulty)
	}
	return nil
}

func shareMetric(sub *validation.Submission, res *validation.Result) influx.ShareMetric {
	metric := influx.ShareMetric{
		Coin:       sub.Coin,
		UserID:     sub.UserID,
		WorkerID:   sub.WorkerID,
		Difficulty: sub.Difficulty,
		HashDiff:   res.HashDifficulty,
		Status:     "accepted",
		Block:      res.BlockCandidate,
	}
	if res.Job != nil {
		metric.NetworkDiff = res.Job.Difficulty
	}
	if !res.Valid {
		metric.Status = string(res.Reason)
	}
	return metric
}

// ObserveShare writes a share metric for every graded submission
func (m *Manager) ObserveShare(sub *validation.Submission, res *validation.Result) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteShareMetric(shareMetric(sub, res))
}

// SeenOrAdd reports whether any pool process has already seen (hash, nonce).
// Without Redis every pair is new to this guard.
func (m *Manager) SeenOrAdd(ctx context.Context, coin, hash, nonce string) (bool, error) {
	if m.Redis == nil {
		return false, nil
	}
	return circuit.ExecuteWithResult(ctx, m.redisBreaker, func() (bool, error) {
		return m.Redis.SeenOrAdd(ctx, coin, hash, nonce)
	})
}

// Forget releases (hash, nonce) from the shared guard
func (m *Manager) Forget(ctx context.Context, coin, hash, nonce string) error {
	if m.Redis == nil {
		return nil
	}
	return m.redisBreaker.Execute(ctx, func() error {
		return m.Redis.Forget(ctx, coin, hash, nonce)
	})
}

// Authorization

// authError maps a user lookup failure to what the session should see
func authError(address string, user *postgres.User, err error) error {
	switch {
	case stderrors.Is(err, postgres.ErrNotFound):
		return errors.New(errors.ErrorTypeAuth, "authorize_worker", "unknown address").
			WithContext("address", address)
	case err != nil:
		return errors.Wrap(err, errors.ErrorTypeDatabase, "authorize_worker", "failed to look up user").
			WithContext("address", address)
	case !user.IsActive:
		return errors.New(errors.ErrorTypeAuth, "authorize_worker", "account disabled").
			WithContext("address", address)
	}
	return nil
}

// AuthorizeWorker resolves a miner login to its user and per-coin worker,
// creating the worker on first use. Unknown or disabled addresses fail with
// an auth error.
func (m *Manager) AuthorizeWorker(ctx context.Context, coin, address, worker string) (*stratum.Miner, error) {
	if worker == "" {
		worker = defaultWorkerName
	}

	var miner *stratum.Miner
	var refused error
	err := m.circuitBreaker.Execute(ctx, func() error {
		user, err := retry.DoWithResult(ctx, m.retryConfig, func() (*postgres.User, error) {
			return m.Users.GetUserByAddress(ctx, address)
		})
		if err := authError(address, user, err); err != nil {
			if errors.IsType(err, errors.ErrorTypeAuth) {
				// a refused login says nothing about database health
				refused = err
				return nil
			}
			return err
		}

		w, err := m.Workers.GetOrCreateWorker(ctx, user.ID, coin, worker)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "authorize_worker", "failed to register worker").
				WithContext("user_id", user.ID)
		}
		if err := m.Users.UpdateLastSeen(ctx, user.ID); err != nil {
			m.logger.WithError(err).Warn("failed to update last seen", "user_id", user.ID)
		}

		miner = &stratum.Miner{UserID: user.ID, WorkerID: w.ID, Address: address, Worker: worker}
		return nil
	})
	if refused != nil {
		return nil, refused
	}
	if err != nil {
		return nil, err
	}
	return miner, nil
}

// Presence

// SessionOpened counts an online session for coin
func (m *Manager) SessionOpened(ctx context.Context, coin string) error {
	if m.Redis == nil {
		return nil
	}
	return m.redisBreaker.Execute(ctx, func() error {
		return m.Redis.SessionOpened(ctx, coin)
	})
}

// SessionClosed uncounts an online session for coin
func (m *Manager) SessionClosed(ctx context.Context, coin string) error {
	if m.Redis == nil {
		return nil
	}
	return m.redisBreaker.Execute(ctx, func() error {
		return m.Redis.SessionClosed(ctx, coin)
	})
}

// Background tasks

// StartPeriodicTasks flushes buffered metrics and, when both Redis and
// InfluxDB are configured, writes per-coin pool statistics every statsInterval.
func (m *Manager) StartPeriodicTasks(ctx context.Context, coins []string, statsInterval time.Duration) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.Influx.Flush()
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	if m.Redis == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, coin := range coins {
					m.writePoolStats(ctx, coin)
				}
			}
		}
	}()
}

func (m *Manager) writePoolStats(ctx context.Context, coin string) {
	logger := m.logger.WithCoin(coin)

	sessions, err := m.Redis.OnlineSessions(ctx, coin)
	if err != nil {
		logger.WithError(err).Warn("failed to read online sessions")
		return
	}
	job, err := m.Redis.CurrentJob(ctx, coin)
	if err != nil {
		logger.WithError(err).Debug("no current job for pool stats")
		return
	}
	m.Influx.WritePoolStatsMetric(coin, sessions, job.Height, job.Difficulty)
}
