package work

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Diff1Bits is the compact encoding of the difficulty-1 target
const Diff1Bits uint32 = 0x1d00ffff

// diff1Target is 0x00000000ffff0000000000000000000000000000000000000000000000000000
var diff1Target = blockchain.CompactToBig(Diff1Bits)

// ParseBits parses the template's big-endian hex bits field
func ParseBits(bits string) (uint32, error) {
	if len(bits) != 8 {
		return 0, fmt.Errorf("bits %q must be 8 hex characters", bits)
	}
	v, err := strconv.ParseUint(bits, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bits %q: %w", bits, err)
	}
	return uint32(v), nil
}

// CompactToTarget expands compact bits into the 256-bit target.
// Mantissa sign and exponent handling follow the consensus decoder exactly.
func CompactToTarget(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// TargetToDifficulty returns diff1Target / target. A non-positive target has difficulty 0.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}

	d, _ := new(big.Float).Quo(
		new(big.Float).SetInt(diff1Target),
		new(big.Float).SetInt(target),
	).Float64()
	return d
}

// DifficultyToTarget returns the share target for a session difficulty.
// Difficulty at or below zero maps to the difficulty-1 target.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(diff1Target)
	}

	t := new(big.Float).SetPrec(256).SetInt(diff1Target)
	t.Quo(t, new(big.Float).SetPrec(256).SetFloat64(difficulty))

	target, _ := t.Int(nil)
	return target
}

// HashMeetsTarget reports whether the little-endian hash, read as a number, is <= target
func HashMeetsTarget(hash *chainhash.Hash, target *big.Int) bool {
	return blockchain.HashToBig(hash).Cmp(target) <= 0
}
