// Package validation grades share submissions against the job they reference
// and persists the accepted ones.
package validation

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/bardlex/gomp-pool/internal/work"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
)

const defaultNTimeFutureWindow = 2 * time.Hour

// Config tunes the validator
type Config struct {
	// NTimeFutureWindow bounds how far ahead of the clock ntime may be
	NTimeFutureWindow time.Duration
	// DuplicateHistory is the size of the in-memory duplicate set
	DuplicateHistory int
	// Hashers maps coin to its PoW function; coins without one use DoubleSHA256
	Hashers map[string]Hasher
}

// Validator checks submissions in a fixed order: stale job, bad ntime,
// duplicate, above target. Only accepted shares reach the store.
type Validator struct {
	cfg      Config
	jobs     JobSource
	store    ShareStore
	guard    DuplicateGuard
	observer Observer
	seen     *duplicateSet
	logger   *log.Logger
	now      func() time.Time
}

// NewValidator creates a validator backed by jobs and store
func NewValidator(cfg Config, jobs JobSource, store ShareStore, logger *log.Logger) *Validator {
	if cfg.NTimeFutureWindow <= 0 {
		cfg.NTimeFutureWindow = defaultNTimeFutureWindow
	}
	return &Validator{
		cfg:    cfg,
		jobs:   jobs,
		store:  store,
		seen:   newDuplicateSet(cfg.DuplicateHistory),
		logger: logger.WithComponent("validator"),
		now:    time.Now,
	}
}

// SetDuplicateGuard adds a shared duplicate guard on top of the local set
func (v *Validator) SetDuplicateGuard(g DuplicateGuard) {
	v.guard = g
}

// SetObserver registers a sink for every graded submission
func (v *Validator) SetObserver(o Observer) {
	v.observer = o
}

func (v *Validator) hasher(coin string) Hasher {
	if h, ok := v.cfg.Hashers[coin]; ok && h != nil {
		return h
	}
	return DoubleSHA256
}

// Validate grades sub. A rejected share is a Result with Valid false and a
// nil error. The error is reserved for an accepted share that could not be
// persisted; the Result is still complete so a block candidate is not lost.
func (v *Validator) Validate(ctx context.Context, sub *Submission) (*Result, error) {
	res := v.grade(ctx, sub)
	if v.observer != nil {
		v.observer.ObserveShare(sub, res)
	}
	if !res.Valid {
		return res, nil
	}

	share := &Share{
		UserID:      sub.UserID,
		WorkerID:    sub.WorkerID,
		Coin:        sub.Coin,
		JobID:       res.Job.ID,
		Height:      res.Job.Height,
		Hash:        res.Hash.String(),
		Nonce:       fmt.Sprintf("%08x", res.Nonce),
		NTime:       fmt.Sprintf("%08x", res.NTime),
		ExtraNonce2: hex.EncodeToString(res.ExtraNonce2),
		Difficulty:  sub.Difficulty,
		NetworkDiff: res.Job.Difficulty,
		IsBlock:     res.BlockCandidate,
		SubmittedAt: sub.ReceivedAt,
	}
	if share.SubmittedAt.IsZero() {
		share.SubmittedAt = v.now()
	}

	if err := v.store.RecordShare(ctx, share); err != nil {
		if errors.IsType(err, errors.ErrorTypeShareRejected) {
			// another process stored the same (hash, nonce) first
			res.Valid, res.BlockCandidate, res.Reason = false, false, ReasonDuplicate
			return res, nil
		}
		v.forget(ctx, sub.Coin, shareKey{hash: res.Hash, nonce: res.Nonce})
		return res, errors.Wrap(err, errors.ErrorTypeDatabase, "record_share", "failed to persist share").
			WithContext("coin", sub.Coin).
			WithContext("job_id", sub.JobID)
	}
	return res, nil
}

func (v *Validator) grade(ctx context.Context, sub *Submission) *Result {
	res := &Result{}
	now := v.now()

	job, ok := v.jobs.Job(sub.Coin, sub.JobID)
	if !ok {
		res.Reason = ReasonStaleJob
		return res
	}
	res.Job = job
	if cur := v.jobs.Current(sub.Coin); cur != job && now.Sub(job.CreatedAt) > v.jobs.StaleWindow() {
		res.Reason = ReasonStaleJob
		return res
	}

	en2, err := hex.DecodeString(sub.ExtraNonce2)
	if err != nil || len(en2) != work.ExtraNonce2Size {
		res.Reason = ReasonMalformed
		return res
	}
	ntime, err := work.ParseUint32Hex(sub.NTime)
	if err != nil {
		res.Reason = ReasonMalformed
		return res
	}
	nonce, err := work.ParseUint32Hex(sub.Nonce)
	if err != nil {
		res.Reason = ReasonMalformed
		return res
	}
	res.ExtraNonce2, res.NTime, res.Nonce = en2, ntime, nonce

	if ntime < job.NTime || int64(ntime) > now.Add(v.cfg.NTimeFutureWindow).Unix() {
		res.Reason = ReasonBadNTime
		return res
	}

	header := job.Header(sub.ExtraNonce1, en2, ntime, nonce)
	res.Hash = v.hasher(sub.Coin).Hash(header)
	res.HashDifficulty = work.TargetToDifficulty(blockchain.HashToBig(&res.Hash))

	if v.isDuplicate(ctx, sub.Coin, shareKey{hash: res.Hash, nonce: nonce}) {
		res.Reason = ReasonDuplicate
		return res
	}

	if !work.HashMeetsTarget(&res.Hash, work.DifficultyToTarget(sub.Difficulty)) {
		res.Reason = ReasonAboveTarget
		return res
	}

	res.Valid = true
	res.BlockCandidate = !job.IsPlaceholder() && work.HashMeetsTarget(&res.Hash, job.Target)
	return res
}

// forget releases key from every seen-set so the miner can resubmit it
func (v *Validator) forget(ctx context.Context, coin string, key shareKey) {
	v.seen.forget(key)
	if v.guard == nil {
		return
	}
	if err := v.guard.Forget(ctx, coin, key.hash.String(), fmt.Sprintf("%08x", key.nonce)); err != nil {
		v.logger.WithCoin(coin).WithError(err).Warn("failed to release share from duplicate guard",
			"hash", key.hash.String())
	}
}

func (v *Validator) isDuplicate(ctx context.Context, coin string, key shareKey) bool {
	if v.seen.seenOrAdd(key) {
		return true
	}
	if v.guard == nil {
		return false
	}

	seen, err := v.guard.SeenOrAdd(ctx, coin, key.hash.String(), fmt.Sprintf("%08x", key.nonce))
	if err != nil {
		// the local set already covers this process
		v.logger.WithCoin(coin).WithError(err).Warn("shared duplicate guard unavailable")
		return false
	}
	return seen
}
