package database

import (
	"context"
	"database/sql"

	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/payout"
	"github.com/bardlex/gomp-pool/internal/pplns"
	"github.com/bardlex/gomp-pool/internal/stratum"
	"github.com/bardlex/gomp-pool/internal/validation"
)

var (
	_ validation.ShareStore     = (*Manager)(nil)
	_ validation.DuplicateGuard = (*Manager)(nil)
	_ validation.Observer       = (*Manager)(nil)
	_ stratum.Authorizer        = (*Manager)(nil)
	_ stratum.Presence          = (*Manager)(nil)
	_ pplns.Store               = (*Manager)(nil)
	_ payout.Store              = (*Manager)(nil)
)

// rewardTx binds the reward repositories to one transaction
type rewardTx struct {
	*postgres.UserRepository
	*postgres.ShareRepository
	*postgres.BlockRepository
}

func newRewardTx(tx postgres.Querier) *rewardTx {
	return &rewardTx{
		UserRepository:  postgres.NewUserRepository(tx),
		ShareRepository: postgres.NewShareRepository(tx),
		BlockRepository: postgres.NewBlockRepository(tx),
	}
}

// WithRewardTx runs fn in one transaction over users, shares and blocks
func (m *Manager) WithRewardTx(ctx context.Context, fn func(ctx context.Context, tx pplns.RewardTx) error) error {
	return m.Postgres.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, newRewardTx(tx))
	})
}

// LastBlockHeight returns the highest rewarded height of coin, 0 when none
func (m *Manager) LastBlockHeight(ctx context.Context, coin string) (int64, error) {
	return m.Blocks.LastHeight(ctx, coin)
}

// payoutTx binds the payout repositories to one transaction
type payoutTx struct {
	*postgres.UserRepository
	*postgres.PayoutRepository
}

func newPayoutTx(tx postgres.Querier) *payoutTx {
	return &payoutTx{
		UserRepository:   postgres.NewUserRepository(tx),
		PayoutRepository: postgres.NewPayoutRepository(tx),
	}
}

// WithPayoutTx runs fn in one transaction over users and payouts
func (m *Manager) WithPayoutTx(ctx context.Context, fn func(ctx context.Context, tx payout.PayoutTx) error) error {
	return m.Postgres.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, newPayoutTx(tx))
	})
}

// EligibleForPayout lists active users with at least threshold pending
func (m *Manager) EligibleForPayout(ctx context.Context, threshold float64) ([]*postgres.User, error) {
	return m.Users.EligibleForPayout(ctx, threshold)
}

// PendingPayouts lists pending payouts, oldest first
func (m *Manager) PendingPayouts(ctx context.Context) ([]*postgres.Payout, error) {
	return m.Payouts.PendingPayouts(ctx)
}

func (m *Manager) MarkProcessing(ctx context.Context, id int64) error {
	return m.Payouts.MarkProcessing(ctx, id)
}

func (m *Manager) MarkCompleted(ctx context.Context, id int64, txHash string) error {
	return m.Payouts.MarkCompleted(ctx, id, txHash)
}

func (m *Manager) MarkFailed(ctx context.Context, id int64, reason string) error {
	return m.Payouts.MarkFailed(ctx, id, reason)
}

func (m *Manager) ResetFailed(ctx context.Context) (int64, error) {
	return m.Payouts.ResetFailed(ctx)
}

func (m *Manager) PayoutStats(ctx context.Context) (*postgres.PayoutStats, error) {
	return m.Payouts.Stats(ctx)
}
