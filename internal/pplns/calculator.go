// Package pplns distributes block rewards over the last N shares.
//
// A distribution is all or nothing: contributor credits, the block record and
// the pool fee are written in one transaction. Amounts are float64 coin units.
// Whatever float division leaves of the distributable amount stays with the
// pool and is stored on the block record as the rounding remainder.
package pplns

import (
	stderrors "errors"
	"sort"

	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/pkg/errors"
)

// Distribution failures
var (
	ErrNoShares           = stderrors.New("no shares in PPLNS window")
	ErrAlreadyDistributed = stderrors.New("block reward already distributed")
)

// Contribution is one user's part of a distribution
type Contribution struct {
	UserID      int64
	Address     string
	ShareValue  float64
	Shares      int64
	Percentage  float64
	Earnings    float64 // includes FinderBonus
	FinderBonus float64
}

// Distribution is the outcome of splitting one block reward
type Distribution struct {
	Coin         string
	Height       int64
	Hash         string
	FinderUserID int64

	TotalReward       float64
	PoolFee           float64
	Distributable     float64
	FinderBonus       float64
	TotalDistributed  float64
	RoundingRemainder float64
	TotalShareValue   float64

	Contributions []Contribution
}

// MinersPaid is the number of credited contributors
func (d *Distribution) MinersPaid() int {
	return len(d.Contributions)
}

// Calculate splits reward between the share weights. The pool keeps
// feePercent of reward; everyone is paid pro rata on summed difficulty; the
// finder, when among the contributors, gets bonusPercent of reward on top.
// Contributors whose earnings come out as zero are left out.
func Calculate(weights []postgres.ShareWeight, reward, feePercent, bonusPercent float64, finderUserID int64) (*Distribution, error) {
	if reward <= 0 {
		return nil, errors.New(errors.ErrorTypeDistribution, "calculate", "block reward must be positive").
			WithContext("reward", reward)
	}

	merged := make(map[int64]*Contribution, len(weights))
	var total float64
	for _, w := range weights {
		if w.Difficulty <= 0 {
			continue
		}
		c, ok := merged[w.UserID]
		if !ok {
			c = &Contribution{UserID: w.UserID, Address: w.Address}
			merged[w.UserID] = c
		}
		c.ShareValue += w.Difficulty
		c.Shares += w.Shares
		total += w.Difficulty
	}
	if len(merged) == 0 || total <= 0 {
		return nil, errors.Wrap(ErrNoShares, errors.ErrorTypeDistribution, "calculate", "nothing to distribute").
			WithContext("total_share_value", total)
	}

	d := &Distribution{
		FinderUserID:    finderUserID,
		TotalReward:     reward,
		PoolFee:         reward * feePercent / 100,
		TotalShareValue: total,
	}
	d.Distributable = reward - d.PoolFee

	var base float64
	for _, c := range merged {
		c.Percentage = c.ShareValue / total * 100
		c.Earnings = c.ShareValue / total * d.Distributable
		base += c.Earnings
		if finderUserID != 0 && c.UserID == finderUserID {
			c.FinderBonus = reward * bonusPercent / 100
			c.Earnings += c.FinderBonus
			d.FinderBonus = c.FinderBonus
		}
		if c.Earnings <= 0 {
			continue
		}
		d.Contributions = append(d.Contributions, *c)
		d.TotalDistributed += c.Earnings
	}

	// credits go out in user id order so concurrent distributions lock rows alike
	sort.Slice(d.Contributions, func(i, j int) bool {
		return d.Contributions[i].UserID < d.Contributions[j].UserID
	})

	d.RoundingRemainder = d.Distributable - base
	return d, nil
}
