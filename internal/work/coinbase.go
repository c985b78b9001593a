package work

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Extranonce layout inside the coinbase script: 4 pool bytes followed by 4 miner bytes
const (
	ExtraNonce1Size = 4
	ExtraNonce2Size = 4
	extraNonceSize  = ExtraNonce1Size + ExtraNonce2Size
)

var coinbaseTag = []byte("/gomp/")

// buildCoinbase serializes a BIP34 coinbase paying value to payoutScript and
// splits it around the extranonce gap. A non-empty witnessCommitment script
// adds the zero-value commitment output.
func buildCoinbase(height, value int64, payoutScript, witnessCommitment []byte) (coinb1, coinb2 []byte, err error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(height).Script()
	if err != nil {
		return nil, nil, fmt.Errorf("height script: %w", err)
	}

	prefix := make([]byte, 0, len(heightScript)+len(coinbaseTag))
	prefix = append(prefix, heightScript...)
	prefix = append(prefix, coinbaseTag...)

	sigScript := make([]byte, len(prefix)+extraNonceSize)
	copy(sigScript, prefix)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, payoutScript))
	if len(witnessCommitment) > 0 {
		tx.AddTxOut(wire.NewTxOut(0, witnessCommitment))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version | input count | outpoint | script length | prefix | extranonce gap
	split := 4 + wire.VarIntSerializeSize(1) + 36 +
		wire.VarIntSerializeSize(uint64(len(sigScript))) + len(prefix)
	if split+extraNonceSize > len(raw) {
		return nil, nil, fmt.Errorf("coinbase split %d outside %d bytes", split, len(raw))
	}

	coinb1 = append([]byte(nil), raw[:split]...)
	coinb2 = append([]byte(nil), raw[split+extraNonceSize:]...)
	return coinb1, coinb2, nil
}

// assembleCoinbase joins the coinbase halves with both extranonces
func assembleCoinbase(coinb1, extraNonce1, extraNonce2, coinb2 []byte) []byte {
	out := make([]byte, 0, len(coinb1)+len(extraNonce1)+len(extraNonce2)+len(coinb2))
	out = append(out, coinb1...)
	out = append(out, extraNonce1...)
	out = append(out, extraNonce2...)
	return append(out, coinb2...)
}

// witnessCommitmentScript decodes the template's default_witness_commitment
func witnessCommitmentScript(commitment string) ([]byte, error) {
	if commitment == "" {
		return nil, nil
	}
	script, err := hex.DecodeString(commitment)
	if err != nil {
		return nil, fmt.Errorf("witness commitment: %w", err)
	}
	return script, nil
}

// MerkleBranch returns the coinbase authentication path for the given
// non-coinbase transaction hashes (internal byte order).
func MerkleBranch(txHashes []chainhash.Hash) []chainhash.Hash {
	level := make([]*chainhash.Hash, 0, len(txHashes)+1)
	level = append(level, nil) // coinbase slot
	for i := range txHashes {
		level = append(level, &txHashes[i])
	}

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, *level[1])
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]*chainhash.Hash, 0, len(level)/2)
		next = append(next, nil)
		for i := 2; i < len(level); i += 2 {
			h := merkleJoin(*level[i], *level[i+1])
			next = append(next, &h)
		}
		level = next
	}
	return branch
}

// MerkleRoot folds the branch into the coinbase hash
func MerkleRoot(coinbaseHash chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	for _, h := range branch {
		root = merkleJoin(root, h)
	}
	return root
}

func merkleJoin(left, right chainhash.Hash) chainhash.Hash {
	var concat [chainhash.HashSize * 2]byte
	copy(concat[:chainhash.HashSize], left[:])
	copy(concat[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(concat[:])
}
