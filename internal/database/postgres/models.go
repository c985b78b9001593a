package postgres

import (
	"time"
)

// Payout statuses. pending -> processing -> completed | failed; failed may go back to pending.
const (
	PayoutPending    = "pending"
	PayoutProcessing = "processing"
	PayoutCompleted  = "completed"
	PayoutFailed     = "failed"
)

// User represents a mining pool user. pending_balance + paid_balance always
// equals total_earnings.
type User struct {
	ID             int64      `db:"id"`
	Address        string     `db:"address"`
	Username       string     `db:"username"`
	PendingBalance float64    `db:"pending_balance"`
	PaidBalance    float64    `db:"paid_balance"`
	TotalEarnings  float64    `db:"total_earnings"`
	TotalShares    int64      `db:"total_shares"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	LastSeenAt     *time.Time `db:"last_seen_at"`
	LastShareAt    *time.Time `db:"last_share_at"`
}

// Worker represents one named rig of a user on one coin
type Worker struct {
	ID          int64      `db:"id"`
	UserID      int64      `db:"user_id"`
	Coin        string     `db:"coin"`
	Name        string     `db:"name"`
	IsActive    bool       `db:"is_active"`
	ValidShares int64      `db:"valid_shares"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	LastShareAt *time.Time `db:"last_share_at"`
}

// Share represents an accepted mining share
type Share struct {
	ID                int64     `db:"id"`
	UserID            int64     `db:"user_id"`
	WorkerID          int64     `db:"worker_id"`
	Coin              string    `db:"coin"`
	JobID             string    `db:"job_id"`
	BlockHeight       int64     `db:"block_height"`
	Difficulty        float64   `db:"difficulty"`
	NetworkDifficulty float64   `db:"network_difficulty"`
	IsValid           bool      `db:"is_valid"`
	IsBlockCandidate  bool      `db:"is_block_candidate"`
	Hash              string    `db:"hash"`
	Nonce             string    `db:"nonce"`
	ExtraNonce2       string    `db:"extra_nonce2"`
	Ntime             string    `db:"ntime"`
	SubmittedAt       time.Time `db:"submitted_at"`
}

// ShareWeight is one contributor's summed share difficulty inside a PPLNS window
type ShareWeight struct {
	UserID     int64   `db:"user_id"`
	Address    string  `db:"address"`
	Difficulty float64 `db:"difficulty"`
	Shares     int64   `db:"shares"`
}

// Block is the reward record of a block found by the pool, one per (coin, height)
type Block struct {
	ID                int64     `db:"id"`
	Coin              string    `db:"coin"`
	Height            int64     `db:"height"`
	Hash              string    `db:"hash"`
	Reward            float64   `db:"reward"`
	PoolFee           float64   `db:"pool_fee"`
	FinderBonus       float64   `db:"finder_bonus"`
	Distributed       float64   `db:"distributed"`
	RoundingRemainder float64   `db:"rounding_remainder"`
	FinderUserID      *int64    `db:"finder_user_id"`
	MinersPaid        int       `db:"miners_paid"`
	CreatedAt         time.Time `db:"created_at"`
}

// PoolFee is the fee kept from one block reward
type PoolFee struct {
	ID        int64     `db:"id"`
	Coin      string    `db:"coin"`
	Height    int64     `db:"height"`
	Amount    float64   `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

// Payout represents one disbursement attempt to a user
type Payout struct {
	ID           int64      `db:"id"`
	UserID       int64      `db:"user_id"`
	Address      string     `db:"address"`
	Amount       float64    `db:"amount"`
	Fee          float64    `db:"fee"`
	NetAmount    float64    `db:"net_amount"`
	Status       string     `db:"status"`
	TxHash       *string    `db:"transaction_hash"`
	ErrorMessage *string    `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	ProcessedAt  *time.Time `db:"processed_at"`
	ConfirmedAt  *time.Time `db:"confirmed_at"`
}

// PayoutStats aggregates payouts by status
type PayoutStats struct {
	TotalPayouts     int64   `db:"total_payouts"`
	TotalPaid        float64 `db:"total_paid"`
	PendingAmount    float64 `db:"pending_amount"`
	ProcessingAmount float64 `db:"processing_amount"`
	FailedAmount     float64 `db:"failed_amount"`
}
