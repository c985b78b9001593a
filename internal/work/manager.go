// Package work turns coin daemon block templates into stratum jobs.
//
// The Manager keeps one current job per coin behind an atomic pointer, so
// sessions always see either the old or the new job. Superseded jobs stay
// addressable for a staleness window so late shares can still be graded.
package work

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
)

// JobCache mirrors the current job for other processes
type JobCache interface {
	StoreJob(ctx context.Context, job *Job) error
}

// Config controls refresh and retention
type Config struct {
	RefreshInterval time.Duration
	StaleWindow     time.Duration

	// PoolAddresses optionally fixes the coinbase payout address per coin
	PoolAddresses map[string]string
}

// NetworkStats summarizes a coin's chain state
type NetworkStats struct {
	Coin          string
	Height        int64
	Difficulty    float64
	NetworkHashPS float64
	Synced        bool
}

type coinState struct {
	client  daemon.Client
	current atomic.Pointer[Job]

	refreshMu sync.Mutex // serializes refreshes of this coin

	mu           sync.RWMutex
	history      []*Job
	payoutScript []byte
}

// Manager builds, caches and publishes jobs for every configured coin.
// A superseded job stays addressable for StaleWindow after its creation,
// unless the replacement is a clean job (new tip): clean jobs end the window
// for everything before them, since that work can no longer become a block.
type Manager struct {
	cfg    Config
	coins  map[string]*coinState
	cache  JobCache
	logger *log.Logger
	now    func() time.Time

	nextID  atomic.Uint64
	trigger chan string

	subMu sync.Mutex
	subs  []chan *Job
}

// NewManager creates a manager for the given daemon clients. cache may be nil.
func NewManager(cfg Config, clients map[string]daemon.Client, cache JobCache, logger *log.Logger) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 2 * time.Minute
	}

	coins := make(map[string]*coinState, len(clients))
	for coin, client := range clients {
		coins[coin] = &coinState{client: client}
	}

	return &Manager{
		cfg:     cfg,
		coins:   coins,
		cache:   cache,
		logger:  logger.WithComponent("work_manager"),
		now:     time.Now,
		trigger: make(chan string, 16),
	}
}

// Subscribe returns a channel receiving every newly installed job.
// Slow subscribers miss jobs rather than block the manager.
func (m *Manager) Subscribe() <-chan *Job {
	ch := make(chan *Job, 16)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Current returns the installed job for coin without refreshing, or nil
func (m *Manager) Current(coin string) *Job {
	cs, ok := m.coins[coin]
	if !ok {
		return nil
	}
	return cs.current.Load()
}

// CurrentJob returns the cached job, refreshing it first when it is older than the refresh interval.
// A failed refresh still yields the last good job or a placeholder.
func (m *Manager) CurrentJob(ctx context.Context, coin string) (*Job, error) {
	cs, ok := m.coins[coin]
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "current_job", "unknown coin").
			WithContext("coin", coin)
	}

	job := cs.current.Load()
	if job != nil && m.now().Sub(job.CreatedAt) < m.cfg.RefreshInterval {
		return job, nil
	}

	job, err := m.Refresh(ctx, coin)
	if err != nil {
		m.logger.WithCoin(coin).WithError(err).Warn("job refresh failed, serving cached job")
	}
	return job, nil
}

// Refresh fetches a new template and installs the job built from it.
// On failure the previous job stays current (or a placeholder is installed)
// and both the serving job and the error are returned.
func (m *Manager) Refresh(ctx context.Context, coin string) (*Job, error) {
	cs, ok := m.coins[coin]
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "refresh", "unknown coin").
			WithContext("coin", coin)
	}

	cs.refreshMu.Lock()
	defer cs.refreshMu.Unlock()

	job, err := m.fetchJob(ctx, coin, cs)
	if err != nil {
		return m.fallback(coin, cs), err
	}

	m.install(ctx, cs, job)
	return job, nil
}

func (m *Manager) fetchJob(ctx context.Context, coin string, cs *coinState) (*Job, error) {
	if !cs.client.IsSynced(ctx) {
		return nil, errors.New(errors.ErrorTypeDaemonUnreachable, "refresh", "daemon not synced or unreachable").
			WithContext("coin", coin)
	}

	tmpl, err := cs.client.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}

	script, err := m.payoutScript(ctx, coin, cs)
	if err != nil {
		return nil, err
	}

	job, err := BuildJob(m.newID(), coin, tmpl, script, m.now())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "build_job", "unusable block template").
			WithContext("coin", coin).
			WithContext("height", tmpl.Height)
	}
	return job, nil
}

func (m *Manager) fallback(coin string, cs *coinState) *Job {
	if job := cs.current.Load(); job != nil {
		return job
	}

	job := PlaceholderJob(m.newID(), coin, m.now())
	if cs.current.CompareAndSwap(nil, job) {
		m.logger.WithCoin(coin).Warn("no template available, serving placeholder job")
		m.publish(job)
		return job
	}
	return cs.current.Load()
}

func (m *Manager) install(ctx context.Context, cs *coinState, job *Job) {
	prev := cs.current.Load()
	job.CleanJobs = prev == nil || prev.IsPlaceholder() ||
		prev.Height != job.Height || prev.PrevHash != job.PrevHash

	cs.mu.Lock()
	switch {
	case job.CleanJobs:
		// work on the old tip is worthless
		cs.history = cs.history[:0]
	case prev != nil:
		cs.history = append(cs.history, prev)
	}
	cs.history = m.prune(cs.history)
	cs.mu.Unlock()

	cs.current.Store(job)

	logger := m.logger.WithCoin(job.Coin).WithJob(job.ID, job.Height)
	logger.Info("installed new job",
		"clean_jobs", job.CleanJobs,
		"network_difficulty", job.Difficulty,
		"transactions", len(job.TxHashes),
	)

	if m.cache != nil {
		if err := m.cache.StoreJob(ctx, job); err != nil {
			logger.WithError(err).Warn("failed to mirror job to cache")
		}
	}

	m.publish(job)
}

func (m *Manager) prune(history []*Job) []*Job {
	cutoff := m.now().Add(-m.cfg.StaleWindow)
	kept := history[:0]
	for _, j := range history {
		if j.CreatedAt.After(cutoff) {
			kept = append(kept, j)
		}
	}
	return kept
}

func (m *Manager) publish(job *Job) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- job:
		default:
			m.logger.WithCoin(job.Coin).Warn("job subscriber is lagging, dropping job", "job_id", job.ID)
		}
	}
}

// Job looks up the current or a retained superseded job
func (m *Manager) Job(coin, id string) (*Job, bool) {
	cs, ok := m.coins[coin]
	if !ok {
		return nil, false
	}

	if cur := cs.current.Load(); cur != nil && cur.ID == id {
		return cur, true
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for i := len(cs.history) - 1; i >= 0; i-- {
		if cs.history[i].ID == id {
			return cs.history[i], true
		}
	}
	return nil, false
}

// StaleWindow is how long superseded jobs accept shares
func (m *Manager) StaleWindow() time.Duration {
	return m.cfg.StaleWindow
}

// SubmitSolved forwards a solved block to the coin daemon. A non-empty
// daemon answer is returned as a rejection carrying the daemon's reason.
func (m *Manager) SubmitSolved(ctx context.Context, coin, blockHex string) error {
	cs, ok := m.coins[coin]
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "submit_block", "unknown coin").
			WithContext("coin", coin)
	}

	reason, err := cs.client.SubmitBlock(ctx, blockHex)
	if err != nil {
		return err
	}
	if reason != "" {
		return errors.New(errors.ErrorTypeDaemon, "submit_block", "block rejected: "+reason).
			WithContext("coin", coin).
			WithContext("reason", reason)
	}

	// the tip moved; don't wait for the next tick or notification
	m.TriggerRefresh(coin)
	return nil
}

// NetworkStats reports chain height and difficulty for coin
func (m *Manager) NetworkStats(ctx context.Context, coin string) (*NetworkStats, error) {
	cs, ok := m.coins[coin]
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "network_stats", "unknown coin").
			WithContext("coin", coin)
	}

	chain, err := cs.client.GetChainInfo(ctx)
	if err != nil {
		return nil, err
	}

	stats := &NetworkStats{
		Coin:       coin,
		Height:     chain.Blocks,
		Difficulty: chain.Difficulty,
		Synced:     !chain.InitialBlockDownload,
	}
	if mining, err := cs.client.GetMiningInfo(ctx); err == nil {
		stats.NetworkHashPS = mining.NetworkHashPS
	}
	return stats, nil
}

// PayoutScriptHex returns the resolved coinbase script, or "" before the first successful refresh
func (m *Manager) PayoutScriptHex(coin string) string {
	cs, ok := m.coins[coin]
	if !ok {
		return ""
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return hex.EncodeToString(cs.payoutScript)
}

// TriggerRefresh schedules an immediate refresh of coin. It never blocks.
func (m *Manager) TriggerRefresh(coin string) {
	select {
	case m.trigger <- coin:
	default:
	}
}

// Run refreshes every coin on start, on every tick and on every trigger until ctx ends
func (m *Manager) Run(ctx context.Context) error {
	m.refreshAll(ctx)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.refreshAll(ctx)
		case coin := <-m.trigger:
			if _, err := m.Refresh(ctx, coin); err != nil {
				m.logger.WithCoin(coin).WithError(err).Warn("triggered refresh failed")
			}
		}
	}
}

func (m *Manager) refreshAll(ctx context.Context) {
	for coin := range m.coins {
		if _, err := m.Refresh(ctx, coin); err != nil {
			m.logger.WithCoin(coin).WithError(err).Warn("periodic refresh failed")
		}
	}
}

// payoutScript resolves the pool's coinbase script once per coin: the
// configured address if set, otherwise a fresh wallet address.
func (m *Manager) payoutScript(ctx context.Context, coin string, cs *coinState) ([]byte, error) {
	cs.mu.RLock()
	script := cs.payoutScript
	cs.mu.RUnlock()
	if script != nil {
		return script, nil
	}

	address := m.cfg.PoolAddresses[coin]
	if address == "" {
		var err error
		if address, err = cs.client.GetNewAddress(ctx); err != nil {
			return nil, err
		}
	}

	v, err := cs.client.ValidateAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if !v.IsValid || v.ScriptPubKey == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "payout_script", "pool address is not valid for this daemon").
			WithContext("coin", coin).
			WithContext("address", address)
	}

	script, err = hex.DecodeString(v.ScriptPubKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "payout_script", "daemon returned a malformed scriptPubKey")
	}

	cs.mu.Lock()
	cs.payoutScript = script
	cs.mu.Unlock()

	m.logger.WithCoin(coin).Info("resolved pool payout address", "address", address)
	return script, nil
}

func (m *Manager) newID() string {
	return strconv.FormatUint(m.nextID.Add(1), 16)
}
