package validation

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	simdsha "github.com/minio/sha256-simd"
)

// Hasher computes the proof-of-work hash of a serialized block header.
// Coins with their own PoW function plug in here.
type Hasher interface {
	Hash(header []byte) chainhash.Hash
}

// HasherFunc adapts a function to Hasher
type HasherFunc func(header []byte) chainhash.Hash

// Hash calls f
func (f HasherFunc) Hash(header []byte) chainhash.Hash {
	return f(header)
}

// DoubleSHA256 is the default hasher
var DoubleSHA256 Hasher = HasherFunc(doubleSHA256)

func doubleSHA256(header []byte) chainhash.Hash {
	first := simdsha.Sum256(header)
	return chainhash.Hash(simdsha.Sum256(first[:]))
}
