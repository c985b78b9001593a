// Package payout moves pending balances to miners' addresses in two decoupled
// stages. CreatePayout debits the user and records a pending payout in one
// transaction; ProcessPendingPayouts later sends each pending payout through
// the daemon wallet. A failed send never re-credits the user: the payout stays
// failed until RetryFailedPayouts puts it back in the queue.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
	"github.com/bardlex/gomp-pool/pkg/retry"
)

// PayoutTx is the transactional view payout creation writes through
type PayoutTx interface {
	LockUser(ctx context.Context, userID int64) (*postgres.User, error)
	MovePendingToPaid(ctx context.Context, userID int64, amount float64) error
	CreatePayout(ctx context.Context, p *postgres.Payout) error
}

// Store is the payout state the processor drives
type Store interface {
	EligibleForPayout(ctx context.Context, threshold float64) ([]*postgres.User, error)
	// WithPayoutTx commits when fn returns nil and rolls everything back otherwise
	WithPayoutTx(ctx context.Context, fn func(ctx context.Context, tx PayoutTx) error) error

	PendingPayouts(ctx context.Context) ([]*postgres.Payout, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, txHash string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	ResetFailed(ctx context.Context) (int64, error)
	PayoutStats(ctx context.Context) (*postgres.PayoutStats, error)
}

// Publisher announces payouts that reached a terminal state
type Publisher interface {
	PublishPayout(ctx context.Context, e *messaging.PayoutEvent) error
}

// Metrics receives payout outcomes
type Metrics interface {
	WritePayoutMetric(userID int64, amount float64, status string)
}

// Config holds the payout policy
type Config struct {
	Threshold  float64
	FeePercent float64
	Interval   time.Duration
}

// Summary is the outcome of one processing pass
type Summary struct {
	Processed   int
	Failed      int
	TotalAmount float64
}

// Processor creates and sends payouts for one wallet daemon
type Processor struct {
	cfg       Config
	store     Store
	wallet    daemon.Client
	publisher Publisher
	metrics   Metrics
	logger    *log.Logger
}

// NewProcessor creates a payout processor paying from wallet
func NewProcessor(cfg Config, store Store, wallet daemon.Client, logger *log.Logger) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Processor{
		cfg:    cfg,
		store:  store,
		wallet: wallet,
		logger: logger.WithComponent("payout").WithCoin(wallet.Coin()),
	}
}

// SetPublisher enables payout events
func (p *Processor) SetPublisher(pub Publisher) {
	p.publisher = pub
}

// SetMetrics enables payout metrics
func (p *Processor) SetMetrics(m Metrics) {
	p.metrics = m
}

// EligibleUsers lists active users whose pending balance reaches the threshold
func (p *Processor) EligibleUsers(ctx context.Context) ([]*postgres.User, error) {
	users, err := p.store.EligibleForPayout(ctx, p.cfg.Threshold)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "eligible_users", "failed to list eligible users")
	}
	return users, nil
}

// splitAmount rounds amount down to whole satoshis and splits off the fee
func splitAmount(amount, feePercent float64) (gross, fee, net btcutil.Amount, err error) {
	gross, err = btcutil.NewAmount(amount)
	if err != nil {
		return 0, 0, 0, err
	}
	if gross.ToBTC() > amount {
		gross--
	}
	fee, err = btcutil.NewAmount(gross.ToBTC() * feePercent / 100)
	if err != nil {
		return 0, 0, 0, err
	}
	return gross, fee, gross - fee, nil
}

// CreatePayout debits amount from the user's pending balance, credits it to
// the paid balance and records a pending payout, all in one transaction.
func (p *Processor) CreatePayout(ctx context.Context, userID int64, amount float64) (*postgres.Payout, error) {
	gross, fee, net, err := splitAmount(amount, p.cfg.FeePercent)
	if err != nil || gross <= 0 || net <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "create_payout", "payout amount must be positive").
			WithContext("user_id", userID).
			WithContext("amount", amount)
	}

	payout := &postgres.Payout{
		UserID:    userID,
		Amount:    gross.ToBTC(),
		Fee:       fee.ToBTC(),
		NetAmount: net.ToBTC(),
	}
	err = p.store.WithPayoutTx(ctx, func(ctx context.Context, tx PayoutTx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.PendingBalance < payout.Amount {
			return errors.New(errors.ErrorTypeInsufficientFunds, "create_payout", "pending balance below payout amount").
				WithContext("pending_balance", user.PendingBalance)
		}
		payout.Address = user.Address

		if err := tx.MovePendingToPaid(ctx, userID, payout.Amount); err != nil {
			return err
		}
		return tx.CreatePayout(ctx, payout)
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeInsufficientFunds) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "create_payout", "payout creation rolled back").
			WithContext("user_id", userID)
	}

	p.logger.LogPayout(payout.ID, payout.Address, payout.Amount, payout.Status)
	return payout, nil
}

// CreatePayouts creates a payout of the whole pending balance for every
// eligible user. Users that fail are logged and skipped.
func (p *Processor) CreatePayouts(ctx context.Context) (int, error) {
	users, err := p.EligibleUsers(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if _, err := p.CreatePayout(ctx, u.ID, u.PendingBalance); err != nil {
			p.logger.WithMiner(u.Address, "").WithError(err).Error("failed to create payout")
			continue
		}
		created++
	}
	return created, nil
}

// send pays one claimed payout and returns the wallet transaction id
func (p *Processor) send(ctx context.Context, payout *postgres.Payout) (string, error) {
	balance, err := p.wallet.GetBalance(ctx)
	if err != nil {
		return "", err
	}
	if balance < payout.NetAmount {
		return "", errors.New(errors.ErrorTypeInsufficientFunds, "send_payout", "wallet balance below payout amount").
			WithContext("balance", balance).
			WithContext("net_amount", payout.NetAmount)
	}

	valid, err := p.wallet.ValidateAddress(ctx, payout.Address)
	if err != nil {
		return "", err
	}
	if !valid.IsValid {
		return "", errors.New(errors.ErrorTypeValidation, "send_payout", "invalid payout address").
			WithContext("address", payout.Address)
	}

	return p.wallet.SendToAddress(ctx, payout.Address, payout.NetAmount)
}

// ProcessPendingPayouts sends every pending payout, oldest first. A payout
// that cannot be sent is marked failed and the pass moves on.
func (p *Processor) ProcessPendingPayouts(ctx context.Context) (Summary, error) {
	var summary Summary

	payouts, err := p.store.PendingPayouts(ctx)
	if err != nil {
		return summary, errors.Wrap(err, errors.ErrorTypeDatabase, "process_pending_payouts", "failed to list pending payouts")
	}

	for _, payout := range payouts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		logger := p.logger.WithFields("payout_id", payout.ID, "user_id", payout.UserID)

		if err := p.store.MarkProcessing(ctx, payout.ID); err != nil {
			logger.WithError(err).Warn("could not claim payout, skipping")
			continue
		}
		payout.Status = postgres.PayoutProcessing

		txHash, sendErr := p.send(ctx, payout)
		if sendErr != nil {
			summary.Failed++
			payout.Status = postgres.PayoutFailed
			if err := p.store.MarkFailed(ctx, payout.ID, sendErr.Error()); err != nil {
				logger.WithError(err).Error("failed to record payout failure, payout left processing")
			}
			logger.WithError(sendErr).Warn("payout failed")
			p.report(ctx, payout, "", sendErr)
			continue
		}

		// the coins are gone: keep trying to record that rather than let the payout be sent twice
		err := retry.Do(ctx, retry.DatabaseConfig(), func() error {
			return p.store.MarkCompleted(ctx, payout.ID, txHash)
		})
		if err != nil {
			logger.WithError(err).Error("payout sent but not recorded as completed", "tx_hash", txHash)
		}

		summary.Processed++
		summary.TotalAmount += payout.Amount
		payout.Status = postgres.PayoutCompleted
		p.report(ctx, payout, txHash, nil)
	}

	return summary, nil
}

func (p *Processor) report(ctx context.Context, payout *postgres.Payout, txHash string, sendErr error) {
	p.logger.LogPayout(payout.ID, payout.Address, payout.Amount, payout.Status)

	if p.metrics != nil {
		p.metrics.WritePayoutMetric(payout.UserID, payout.Amount, payout.Status)
	}
	if p.publisher == nil {
		return
	}

	e := &messaging.PayoutEvent{
		PayoutID:  payout.ID,
		UserID:    payout.UserID,
		Address:   payout.Address,
		Amount:    payout.Amount,
		Fee:       payout.Fee,
		NetAmount: payout.NetAmount,
		Status:    payout.Status,
		TxHash:    txHash,
		At:        time.Now(),
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	if err := p.publisher.PublishPayout(ctx, e); err != nil {
		p.logger.WithError(err).Warn("failed to publish payout event", "payout_id", payout.ID)
	}
}

// RetryFailedPayouts moves failed payouts back to pending with their error cleared
func (p *Processor) RetryFailedPayouts(ctx context.Context) (int64, error) {
	n, err := p.store.ResetFailed(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "retry_failed_payouts", "failed to reset payouts")
	}
	if n > 0 {
		p.logger.Info("failed payouts requeued", "payouts", n)
	}
	return n, nil
}

// Stats aggregates payouts by status
func (p *Processor) Stats(ctx context.Context) (*postgres.PayoutStats, error) {
	return p.store.PayoutStats(ctx)
}

// RunCycle creates payouts for eligible users and sends everything pending
func (p *Processor) RunCycle(ctx context.Context) (Summary, error) {
	start := time.Now()

	created, err := p.CreatePayouts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("create payouts: %w", err)
	}

	summary, err := p.ProcessPendingPayouts(ctx)
	if err != nil {
		return summary, err
	}

	p.logger.Info("payout cycle completed",
		"created", created,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"total_amount", summary.TotalAmount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

// Run runs a payout cycle every interval until ctx is cancelled
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Error("payout cycle failed")
		}
		if stats, err := p.Stats(ctx); err == nil {
			p.logger.Info("payout totals",
				"payouts", stats.TotalPayouts,
				"paid", stats.TotalPaid,
				"pending", stats.PendingAmount,
				"failed", stats.FailedAmount,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
