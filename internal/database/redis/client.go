// Package redis provides the Redis client shared by the pool processes.
// It mirrors the current job per coin, guards against duplicate shares across
// stratum instances and counts online sessions.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gomp-pool/internal/work"
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb          *redis.Client
	jobTTL       time.Duration
	duplicateTTL time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// JobTTL bounds how long a mirrored job outlives its writer
	JobTTL time.Duration
	// DuplicateTTL is how long a (hash, nonce) pair is remembered
	DuplicateTTL time.Duration
}

// DefaultConfig returns timeouts suited to the share path
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		JobTTL:       10 * time.Minute,
		DuplicateTTL: time.Hour,
	}
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	c := &Client{rdb: rdb, jobTTL: cfg.JobTTL, duplicateTTL: cfg.DuplicateTTL}
	if c.jobTTL <= 0 {
		c.jobTTL = 10 * time.Minute
	}
	if c.duplicateTTL <= 0 {
		c.duplicateTTL = time.Hour
	}
	return c, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func currentJobKey(coin string) string {
	return fmt.Sprintf("job:%s:current", coin)
}

func shareKey(coin, hash, nonce string) string {
	return fmt.Sprintf("share:%s:%s:%s", coin, hash, nonce)
}

func sessionsKey(coin string) string {
	return fmt.Sprintf("sessions:%s", coin)
}

// JobSnapshot is the mirrored view of a coin's current job
type JobSnapshot struct {
	ID         string    `json:"id"`
	Coin       string    `json:"coin"`
	Height     int64     `json:"height"`
	PrevHash   string    `json:"prev_hash"`
	Bits       string    `json:"bits"`
	NTime      uint32    `json:"ntime"`
	Difficulty float64   `json:"difficulty"`
	CleanJobs  bool      `json:"clean_jobs"`
	CreatedAt  time.Time `json:"created_at"`
}

func snapshotOf(job *work.Job) *JobSnapshot {
	return &JobSnapshot{
		ID:         job.ID,
		Coin:       job.Coin,
		Height:     job.Height,
		PrevHash:   job.PrevHash.String(),
		Bits:       fmt.Sprintf("%08x", job.Bits),
		NTime:      job.NTime,
		Difficulty: job.Difficulty,
		CleanJobs:  job.CleanJobs,
		CreatedAt:  job.CreatedAt,
	}
}

// StoreJob mirrors job as the current job of its coin
func (c *Client) StoreJob(ctx context.Context, job *work.Job) error {
	jsonData, err := json.Marshal(snapshotOf(job))
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	if err := c.rdb.Set(ctx, currentJobKey(job.Coin), jsonData, c.jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// CurrentJob reads the mirrored job of coin
func (c *Client) CurrentJob(ctx context.Context, coin string) (*JobSnapshot, error) {
	jsonData, err := c.rdb.Get(ctx, currentJobKey(coin)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no current job for %s", coin)
		}
		return nil, fmt.Errorf("failed to get current job: %w", err)
	}

	snap := &JobSnapshot{}
	if err := json.Unmarshal(jsonData, snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	return snap, nil
}

// SeenOrAdd atomically records (hash, nonce) and reports whether it was already there
func (c *Client) SeenOrAdd(ctx context.Context, coin, hash, nonce string) (bool, error) {
	added, err := c.rdb.SetNX(ctx, shareKey(coin, hash, nonce), 1, c.duplicateTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check share: %w", err)
	}
	return !added, nil
}

// Forget removes (hash, nonce) so the pair can be submitted again
func (c *Client) Forget(ctx context.Context, coin, hash, nonce string) error {
	if err := c.rdb.Del(ctx, shareKey(coin, hash, nonce)).Err(); err != nil {
		return fmt.Errorf("failed to forget share: %w", err)
	}
	return nil
}

// SessionOpened increments the online session counter of coin
func (c *Client) SessionOpened(ctx context.Context, coin string) error {
	if err := c.rdb.Incr(ctx, sessionsKey(coin)).Err(); err != nil {
		return fmt.Errorf("failed to increment sessions: %w", err)
	}
	return nil
}

// SessionClosed decrements the online session counter of coin
func (c *Client) SessionClosed(ctx context.Context, coin string) error {
	if err := c.rdb.Decr(ctx, sessionsKey(coin)).Err(); err != nil {
		return fmt.Errorf("failed to decrement sessions: %w", err)
	}
	return nil
}

// OnlineSessions returns the online session counter of coin
func (c *Client) OnlineSessions(ctx context.Context, coin string) (int64, error) {
	val, err := c.rdb.Get(ctx, sessionsKey(coin)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get sessions: %w", err)
	}
	return val, nil
}
