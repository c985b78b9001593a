package validation

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomp-pool/internal/work"
)

// Reason explains why a share was rejected
type Reason string

// Rejection reasons, in the order the checks run
const (
	ReasonNone        Reason = ""
	ReasonMalformed   Reason = "malformed submission"
	ReasonStaleJob    Reason = "stale job"
	ReasonBadNTime    Reason = "bad ntime"
	ReasonDuplicate   Reason = "duplicate"
	ReasonAboveTarget Reason = "above target"
)

// Submission is a mining.submit after the session has resolved who sent it
type Submission struct {
	SessionID    string
	Coin         string
	UserID       int64
	WorkerID     int64
	MinerAddress string
	WorkerName   string

	JobID       string
	ExtraNonce1 []byte
	ExtraNonce2 string
	NTime       string
	Nonce       string

	// Difficulty is the session difficulty the share is graded against
	Difficulty float64
	ReceivedAt time.Time
}

// Result is the outcome of grading one submission
type Result struct {
	Valid  bool
	Reason Reason

	Job            *work.Job
	Hash           chainhash.Hash
	HashDifficulty float64
	BlockCandidate bool

	ExtraNonce2 []byte
	NTime       uint32
	Nonce       uint32
}

// BlockHex serializes the block for a candidate result
func (r *Result) BlockHex(extraNonce1 []byte) (string, error) {
	return r.Job.BlockHex(extraNonce1, r.ExtraNonce2, r.NTime, r.Nonce)
}

// Share is the persisted record of an accepted submission
type Share struct {
	UserID      int64
	WorkerID    int64
	Coin        string
	JobID       string
	Height      int64
	Hash        string
	Nonce       string
	NTime       string
	ExtraNonce2 string
	Difficulty  float64
	NetworkDiff float64
	IsBlock     bool
	SubmittedAt time.Time
}

// ShareStore persists accepted shares and bumps worker and user counters.
// A (hash, nonce) pair that is already stored fails with an
// errors.ErrorTypeShareRejected error.
type ShareStore interface {
	RecordShare(ctx context.Context, share *Share) error
}

// JobSource resolves job ids to jobs
type JobSource interface {
	Current(coin string) *work.Job
	Job(coin, id string) (*work.Job, bool)
	StaleWindow() time.Duration
}

// DuplicateGuard is a cross-process seen-set for (hash, nonce) pairs. Forget
// releases a pair whose share could not be persisted.
type DuplicateGuard interface {
	SeenOrAdd(ctx context.Context, coin, hash, nonce string) (bool, error)
	Forget(ctx context.Context, coin, hash, nonce string) error
}

// Observer receives every graded submission, accepted or not
type Observer interface {
	ObserveShare(sub *Submission, res *Result)
}
