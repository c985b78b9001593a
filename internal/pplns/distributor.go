package pplns

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/database/influx"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
)

// RewardTx is the transactional view the distributor writes through
type RewardTx interface {
	BlockExists(ctx context.Context, coin string, height int64) (bool, error)
	WindowShares(ctx context.Context, coin string, limit int, since time.Time) ([]postgres.ShareWeight, error)
	CreditPending(ctx context.Context, userID int64, amount float64) error
	CreateBlock(ctx context.Context, block *postgres.Block) error
	RecordPoolFee(ctx context.Context, fee *postgres.PoolFee) error
}

// Store runs reward transactions
type Store interface {
	// WithRewardTx commits when fn returns nil and rolls everything back otherwise
	WithRewardTx(ctx context.Context, fn func(ctx context.Context, tx RewardTx) error) error
	LastBlockHeight(ctx context.Context, coin string) (int64, error)
}

// Metrics receives distributed blocks
type Metrics interface {
	WriteBlockMetric(m influx.BlockMetric)
}

// Config holds the reward policy
type Config struct {
	Window             int
	Horizon            time.Duration
	FeePercent         float64
	FinderBonusPercent float64
	// BlockReward is used when the daemon cannot tell what the coinbase paid the pool
	BlockReward float64
	// ScanDepth bounds how many recent heights one scan inspects
	ScanDepth int64
	// PoolScripts maps coin to the hex scriptPubKey the pool mines to
	PoolScripts map[string]string
}

// Distributor credits block rewards to contributors
type Distributor struct {
	cfg     Config
	store   Store
	clients map[string]daemon.Client
	metrics Metrics
	logger  *log.Logger
	now     func() time.Time
}

// NewDistributor creates a distributor. clients may be nil when rewards are
// only distributed by explicit calls.
func NewDistributor(cfg Config, store Store, clients map[string]daemon.Client, logger *log.Logger) *Distributor {
	if cfg.Window <= 0 {
		cfg.Window = 100000
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	if cfg.ScanDepth <= 0 {
		cfg.ScanDepth = 100
	}
	return &Distributor{
		cfg:     cfg,
		store:   store,
		clients: clients,
		logger:  logger.WithComponent("pplns"),
		now:     time.Now,
	}
}

// SetMetrics enables block metrics
func (d *Distributor) SetMetrics(m Metrics) {
	d.metrics = m
}

// DistributeBlockReward splits reward for the block at height among the last
// N shares of coin, in one transaction. finderUserID may be 0.
func (d *Distributor) DistributeBlockReward(ctx context.Context, coin string, height int64, hash string, reward float64, finderUserID int64) (*Distribution, error) {
	var dist *Distribution
	err := d.store.WithRewardTx(ctx, func(ctx context.Context, tx RewardTx) error {
		exists, err := tx.BlockExists(ctx, coin, height)
		if err != nil {
			return err
		}
		if exists {
			return errors.Wrap(ErrAlreadyDistributed, errors.ErrorTypeDistribution, "distribute_block_reward",
				"block already has a reward record")
		}

		weights, err := tx.WindowShares(ctx, coin, d.cfg.Window, d.now().Add(-d.cfg.Horizon))
		if err != nil {
			return err
		}

		dist, err = Calculate(weights, reward, d.cfg.FeePercent, d.cfg.FinderBonusPercent, finderUserID)
		if err != nil {
			return err
		}
		dist.Coin, dist.Height, dist.Hash = coin, height, hash

		for _, c := range dist.Contributions {
			if err := tx.CreditPending(ctx, c.UserID, c.Earnings); err != nil {
				return err
			}
		}

		block := &postgres.Block{
			Coin:              coin,
			Height:            height,
			Hash:              hash,
			Reward:            reward,
			PoolFee:           dist.PoolFee,
			FinderBonus:       dist.FinderBonus,
			Distributed:       dist.TotalDistributed,
			RoundingRemainder: dist.RoundingRemainder,
			MinersPaid:        dist.MinersPaid(),
		}
		if finderUserID != 0 {
			block.FinderUserID = &finderUserID
		}
		if err := tx.CreateBlock(ctx, block); err != nil {
			return err
		}

		return tx.RecordPoolFee(ctx, &postgres.PoolFee{Coin: coin, Height: height, Amount: dist.PoolFee})
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeDistribution) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDistribution, "distribute_block_reward", "reward transaction rolled back").
			WithContext("coin", coin).
			WithContext("height", height)
	}

	d.logger.LogRewardDistribution(coin, height, reward, dist.PoolFee, dist.MinersPaid())
	if d.metrics != nil {
		d.metrics.WriteBlockMetric(influx.BlockMetric{
			Coin:         coin,
			Height:       height,
			Hash:         hash,
			FinderUserID: finderUserID,
			Reward:       reward,
			PoolFee:      dist.PoolFee,
			Distributed:  dist.TotalDistributed,
			MinersPaid:   dist.MinersPaid(),
		})
	}
	return dist, nil
}

// rewardFor returns what the block's coinbase paid the pool, the configured
// reward when that cannot be read, or ok false for an orphaned block.
func (d *Distributor) rewardFor(ctx context.Context, coin, hash string) (float64, bool) {
	client, hasClient := d.clients[coin]
	script := d.cfg.PoolScripts[coin]
	if !hasClient || script == "" {
		return d.cfg.BlockReward, true
	}

	blk, err := client.GetBlock(ctx, hash)
	if err != nil {
		d.logger.WithCoin(coin).WithError(err).Warn("could not read block, using configured reward", "hash", hash)
		return d.cfg.BlockReward, true
	}
	if blk.Confirmations < 0 {
		return 0, false
	}
	if v := blk.CoinbaseValueTo(script); v > 0 {
		return v, true
	}
	return d.cfg.BlockReward, true
}

// HandleBlockFound distributes the reward for a block announced by a stratum
// instance. Redelivered and unpayable events are logged and acknowledged.
func (d *Distributor) HandleBlockFound(ctx context.Context, e *messaging.BlockFoundEvent) error {
	logger := d.logger.WithCoin(e.Coin).WithFields("block_height", e.Height, "block_hash", e.Hash)

	reward, ok := d.rewardFor(ctx, e.Coin, e.Hash)
	if !ok {
		logger.Warn("block is not in the main chain, skipping reward")
		return nil
	}

	_, err := d.DistributeBlockReward(ctx, e.Coin, e.Height, e.Hash, reward, e.UserID)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, ErrAlreadyDistributed):
		logger.Debug("block reward already distributed")
		return nil
	case stderrors.Is(err, ErrNoShares):
		logger.WithError(err).Error("block found with an empty PPLNS window")
		return nil
	default:
		return err
	}
}

// ScanNewBlocks walks the chain from the last rewarded height to the tip and
// distributes every block whose coinbase pays the pool. It returns how many
// blocks were distributed.
func (d *Distributor) ScanNewBlocks(ctx context.Context, coin string) (int, error) {
	client, ok := d.clients[coin]
	if !ok {
		return 0, errors.New(errors.ErrorTypeValidation, "scan_new_blocks", "no daemon client for coin").
			WithContext("coin", coin)
	}
	script := d.cfg.PoolScripts[coin]
	if script == "" {
		return 0, errors.New(errors.ErrorTypeValidation, "scan_new_blocks", "pool script unknown, set the pool address").
			WithContext("coin", coin)
	}
	logger := d.logger.WithCoin(coin)

	last, err := d.store.LastBlockHeight(ctx, coin)
	if err != nil {
		return 0, err
	}
	info, err := client.GetChainInfo(ctx)
	if err != nil {
		return 0, err
	}

	start := last + 1
	if floor := info.Blocks - d.cfg.ScanDepth + 1; start < floor {
		start = floor
	}

	distributed := 0
	for height := start; height <= info.Blocks; height++ {
		if err := ctx.Err(); err != nil {
			return distributed, err
		}

		hash, err := client.GetBlockHash(ctx, height)
		if err != nil {
			return distributed, err
		}
		blk, err := client.GetBlock(ctx, hash)
		if err != nil {
			return distributed, err
		}
		reward := blk.CoinbaseValueTo(script)
		if reward <= 0 {
			continue
		}

		_, err = d.DistributeBlockReward(ctx, coin, height, hash, reward, 0)
		switch {
		case err == nil:
			distributed++
		case stderrors.Is(err, ErrAlreadyDistributed):
		case stderrors.Is(err, ErrNoShares):
			logger.WithError(err).Warn("pool block without shares in window", "block_height", height)
		default:
			return distributed, err
		}
	}
	return distributed, nil
}

// Run scans every coin with a known pool script each interval
func (d *Distributor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for coin := range d.cfg.PoolScripts {
			n, err := d.ScanNewBlocks(ctx, coin)
			if err != nil && ctx.Err() == nil {
				d.logger.WithCoin(coin).WithError(err).Error("block scan failed")
			}
			if n > 0 {
				d.logger.WithCoin(coin).Info("distributed scanned blocks", "blocks", n)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
