package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserRepository handles user-related database operations
type UserRepository struct {
	db Querier
}

// NewUserRepository creates a new user repository
func NewUserRepository(db Querier) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, address, username, pending_balance, paid_balance, total_earnings,
	total_shares, is_active, created_at, updated_at, last_seen_at, last_share_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Address, &user.Username, &user.PendingBalance, &user.PaidBalance,
		&user.TotalEarnings, &user.TotalShares, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
		&user.LastSeenAt, &user.LastShareAt,
	)
	return user, err
}

// CreateUser creates a new user
func (r *UserRepository) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (address, username, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		user.Address, user.Username, user.IsActive, now, now,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUserByAddress retrieves a user by their payout address
func (r *UserRepository) GetUserByAddress(ctx context.Context, address string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE address = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", address, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// LockUser reads a user row with FOR UPDATE. Only meaningful inside a transaction.
func (r *UserRepository) LockUser(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

// UpdateLastSeen updates the user's last seen timestamp
func (r *UserRepository) UpdateLastSeen(ctx context.Context, userID int64) error {
	query := `UPDATE users SET last_seen_at = $1, updated_at = $1 WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// CountShare bumps the user's accepted share counter. A share also counts as activity.
func (r *UserRepository) CountShare(ctx context.Context, userID int64, at time.Time) error {
	query := `
		UPDATE users
		SET total_shares = total_shares + 1, last_share_at = $1, last_seen_at = $1, updated_at = $1
		WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, at, userID); err != nil {
		return fmt.Errorf("failed to count user share: %w", err)
	}
	return nil
}

// CreditPending adds amount to the user's pending balance and lifetime earnings
func (r *UserRepository) CreditPending(ctx context.Context, userID int64, amount float64) error {
	query := `
		UPDATE users
		SET pending_balance = pending_balance + $1,
		    total_earnings = total_earnings + $1,
		    updated_at = $2
		WHERE id = $3`

	res, err := r.db.ExecContext(ctx, query, amount, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to credit user %d: %w", userID, err)
	}
	return expectOneRow(res, fmt.Sprintf("user %d", userID))
}

// MovePendingToPaid debits pending and credits paid by the same amount. It
// fails instead of letting pending go negative.
func (r *UserRepository) MovePendingToPaid(ctx context.Context, userID int64, amount float64) error {
	query := `
		UPDATE users
		SET pending_balance = pending_balance - $1,
		    paid_balance = paid_balance + $1,
		    updated_at = $2
		WHERE id = $3 AND pending_balance >= $1`

	res, err := r.db.ExecContext(ctx, query, amount, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to debit user %d: %w", userID, err)
	}
	return expectOneRow(res, fmt.Sprintf("user %d with pending balance >= %.8f", userID, amount))
}

// EligibleForPayout lists active users whose pending balance reaches threshold, largest first
func (r *UserRepository) EligibleForPayout(ctx context.Context, threshold float64) ([]*User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE pending_balance >= $1 AND is_active
		ORDER BY pending_balance DESC`

	rows, err := r.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// WorkerRepository handles worker-related database operations
type WorkerRepository struct {
	db Querier
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db Querier) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// GetOrCreateWorker returns the (user, coin, name) worker, creating it on first login
func (r *WorkerRepository) GetOrCreateWorker(ctx context.Context, userID int64, coin, name string) (*Worker, error) {
	query := `
		INSERT INTO workers (user_id, coin, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id, coin, name) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING id, user_id, coin, name, is_active, valid_shares, created_at, updated_at, last_share_at`

	worker := &Worker{}
	err := r.db.QueryRowContext(ctx, query, userID, coin, name, time.Now()).Scan(
		&worker.ID, &worker.UserID, &worker.Coin, &worker.Name, &worker.IsActive,
		&worker.ValidShares, &worker.CreatedAt, &worker.UpdatedAt, &worker.LastShareAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create worker: %w", err)
	}
	return worker, nil
}

// CountShare bumps the worker's accepted share counter
func (r *WorkerRepository) CountShare(ctx context.Context, workerID int64, at time.Time) error {
	query := `UPDATE workers SET valid_shares = valid_shares + 1, last_share_at = $1, updated_at = $1 WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, at, workerID); err != nil {
		return fmt.Errorf("failed to count share: %w", err)
	}
	return nil
}

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db Querier
}

// NewShareRepository creates a new share repository
func NewShareRepository(db Querier) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a share. A repeated (hash, nonce) fails the unique
// constraint; check it with IsUniqueViolation.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (user_id, worker_id, coin, job_id, block_height, difficulty, network_difficulty,
		                    is_valid, is_block_candidate, hash, nonce, extra_nonce2, ntime, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.UserID, share.WorkerID, share.Coin, share.JobID, share.BlockHeight,
		share.Difficulty, share.NetworkDifficulty, share.IsValid, share.IsBlockCandidate,
		share.Hash, share.Nonce, share.ExtraNonce2, share.Ntime, share.SubmittedAt,
	).Scan(&share.ID)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// WindowShares sums share difficulty per user over the last limit valid
// shares of coin submitted since since.
func (r *ShareRepository) WindowShares(ctx context.Context, coin string, limit int, since time.Time) ([]ShareWeight, error) {
	query := `
		SELECT w.user_id, u.address, SUM(w.difficulty), COUNT(*)
		FROM (
			SELECT user_id, difficulty
			FROM shares
			WHERE coin = $1 AND is_valid AND submitted_at >= $2
			ORDER BY submitted_at DESC, id DESC
			LIMIT $3
		) w
		JOIN users u ON u.id = w.user_id
		GROUP BY w.user_id, u.address
		ORDER BY w.user_id`

	rows, err := r.db.QueryContext(ctx, query, coin, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query share window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var weights []ShareWeight
	for rows.Next() {
		var w ShareWeight
		if err := rows.Scan(&w.UserID, &w.Address, &w.Difficulty, &w.Shares); err != nil {
			return nil, fmt.Errorf("failed to scan share weight: %w", err)
		}
		weights = append(weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share window: %w", err)
	}
	return weights, nil
}

// BlockRepository handles block-related database operations
type BlockRepository struct {
	db Querier
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db Querier) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock records a rewarded block. A second record for the same
// (coin, height) fails the unique constraint.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (coin, height, hash, reward, pool_fee, finder_bonus, distributed,
		                    rounding_remainder, finder_user_id, miners_paid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx, query,
		block.Coin, block.Height, block.Hash, block.Reward, block.PoolFee, block.FinderBonus,
		block.Distributed, block.RoundingRemainder, block.FinderUserID, block.MinersPaid, block.CreatedAt,
	).Scan(&block.ID)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// BlockExists reports whether coin already has a block record at height
func (r *BlockRepository) BlockExists(ctx context.Context, coin string, height int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocks WHERE coin = $1 AND height = $2)`, coin, height,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return exists, nil
}

// LastHeight returns the highest recorded height for coin, or 0 when none
func (r *BlockRepository) LastHeight(ctx context.Context, coin string) (int64, error) {
	var height sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks WHERE coin = $1`, coin).Scan(&height); err != nil {
		return 0, fmt.Errorf("failed to get last block height: %w", err)
	}
	return height.Int64, nil
}

// RecordPoolFee stores the fee kept from a block
func (r *BlockRepository) RecordPoolFee(ctx context.Context, fee *PoolFee) error {
	query := `INSERT INTO pool_fees (coin, height, amount, created_at) VALUES ($1, $2, $3, $4) RETURNING id`

	if fee.CreatedAt.IsZero() {
		fee.CreatedAt = time.Now()
	}
	if err := r.db.QueryRowContext(ctx, query, fee.Coin, fee.Height, fee.Amount, fee.CreatedAt).Scan(&fee.ID); err != nil {
		return fmt.Errorf("failed to record pool fee: %w", err)
	}
	return nil
}

// PayoutRepository handles payout-related database operations
type PayoutRepository struct {
	db Querier
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db Querier) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreatePayout inserts a payout in pending status
func (r *PayoutRepository) CreatePayout(ctx context.Context, p *Payout) error {
	query := `
		INSERT INTO payouts (user_id, address, amount, fee, net_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	p.Status = PayoutPending
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx, query,
		p.UserID, p.Address, p.Amount, p.Fee, p.NetAmount, p.Status, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

// PendingPayouts lists pending payouts, oldest first
func (r *PayoutRepository) PendingPayouts(ctx context.Context) ([]*Payout, error) {
	query := `
		SELECT id, user_id, address, amount, fee, net_amount, status, transaction_hash,
		       error_message, created_at, processed_at, confirmed_at
		FROM payouts
		WHERE status = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, PayoutPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payouts []*Payout
	for rows.Next() {
		p := &Payout{}
		err := rows.Scan(
			&p.ID, &p.UserID, &p.Address, &p.Amount, &p.Fee, &p.NetAmount, &p.Status,
			&p.TxHash, &p.ErrorMessage, &p.CreatedAt, &p.ProcessedAt, &p.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payouts: %w", err)
	}
	return payouts, nil
}

// MarkProcessing claims a pending payout. It fails when another processor got there first.
func (r *PayoutRepository) MarkProcessing(ctx context.Context, id int64) error {
	query := `UPDATE payouts SET status = $1, processed_at = $2 WHERE id = $3 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, PayoutProcessing, time.Now(), id, PayoutPending)
	if err != nil {
		return fmt.Errorf("failed to mark payout %d processing: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("pending payout %d", id))
}

// MarkCompleted records the payment transaction
func (r *PayoutRepository) MarkCompleted(ctx context.Context, id int64, txHash string) error {
	query := `
		UPDATE payouts
		SET status = $1, transaction_hash = $2, error_message = NULL, confirmed_at = $3
		WHERE id = $4`

	if _, err := r.db.ExecContext(ctx, query, PayoutCompleted, txHash, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark payout %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed records why a payout could not be sent
func (r *PayoutRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `UPDATE payouts SET status = $1, error_message = $2, processed_at = $3 WHERE id = $4`

	if _, err := r.db.ExecContext(ctx, query, PayoutFailed, reason, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark payout %d failed: %w", id, err)
	}
	return nil
}

// ResetFailed moves every failed payout back to pending and clears its error
func (r *PayoutRepository) ResetFailed(ctx context.Context) (int64, error) {
	query := `UPDATE payouts SET status = $1, error_message = NULL WHERE status = $2`

	res, err := r.db.ExecContext(ctx, query, PayoutPending, PayoutFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed payouts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset payouts: %w", err)
	}
	return n, nil
}

// Stats aggregates payout amounts by status
func (r *PayoutRepository) Stats(ctx context.Context) (*PayoutStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'pending' THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'processing' THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN amount ELSE 0 END), 0)
		FROM payouts`

	stats := &PayoutStats{}
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalPayouts, &stats.TotalPaid, &stats.PendingAmount,
		&stats.ProcessingAmount, &stats.FailedAmount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payout stats: %w", err)
	}
	return stats, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
