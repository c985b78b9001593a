package work

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomp-pool/internal/daemon"
)

// Job is one unit of work handed to miners. It is never mutated after it is built.
type Job struct {
	ID     string
	Coin   string
	Height int64

	PrevHash     chainhash.Hash // internal byte order
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch []chainhash.Hash
	TxHashes     []string // display order, for mining.get_transactions

	Version int32
	Bits    uint32
	NTime   uint32

	Target     *big.Int
	Difficulty float64
	CreatedAt  time.Time
	CleanJobs  bool

	// Template is nil for the placeholder job, which can never be submitted
	Template *daemon.BlockTemplate
}

// BuildJob turns a block template into a job paying the coinbase to payoutScript
func BuildJob(id, coin string, tmpl *daemon.BlockTemplate, payoutScript []byte, now time.Time) (*Job, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("nil template")
	}

	prevHash, err := chainhash.NewHashFromStr(tmpl.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("previous hash: %w", err)
	}

	bits, err := ParseBits(tmpl.Bits)
	if err != nil {
		return nil, err
	}
	target := CompactToTarget(bits)
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("bits %08x expand to a non-positive target", bits)
	}

	var value int64
	if tmpl.CoinbaseValue != nil {
		value = *tmpl.CoinbaseValue
	}

	commitment, err := witnessCommitmentScript(tmpl.DefaultWitnessCommitment)
	if err != nil {
		return nil, err
	}

	coinb1, coinb2, err := buildCoinbase(tmpl.Height, value, payoutScript, commitment)
	if err != nil {
		return nil, err
	}

	txHashes := make([]chainhash.Hash, 0, len(tmpl.Transactions))
	display := make([]string, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		txid := tx.TxID
		if txid == "" {
			txid = tx.Hash
		}
		h, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, fmt.Errorf("template tx %q: %w", txid, err)
		}
		txHashes = append(txHashes, *h)
		display = append(display, txid)
	}

	ntime := uint32(tmpl.CurTime)
	if ntime == 0 {
		ntime = uint32(now.Unix())
	}

	return &Job{
		ID:           id,
		Coin:         coin,
		Height:       tmpl.Height,
		PrevHash:     *prevHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: MerkleBranch(txHashes),
		TxHashes:     display,
		Version:      tmpl.Version,
		Bits:         bits,
		NTime:        ntime,
		Target:       target,
		Difficulty:   TargetToDifficulty(target),
		CreatedAt:    now,
		Template:     tmpl,
	}, nil
}

// PlaceholderJob is served when no template has ever been fetched for coin
func PlaceholderJob(id, coin string, now time.Time) *Job {
	coinb1, coinb2, err := buildCoinbase(1, 0, []byte{txscript.OP_TRUE}, nil)
	if err != nil {
		// the inputs are constant
		panic(err)
	}

	target := CompactToTarget(Diff1Bits)
	return &Job{
		ID:         id,
		Coin:       coin,
		Height:     1,
		Coinb1:     coinb1,
		Coinb2:     coinb2,
		Version:    0x20000000,
		Bits:       Diff1Bits,
		NTime:      uint32(now.Unix()),
		Target:     target,
		Difficulty: 1,
		CreatedAt:  now,
		CleanJobs:  true,
	}
}

// IsPlaceholder reports whether the job was synthesized without a daemon template
func (j *Job) IsPlaceholder() bool {
	return j.Template == nil
}

// NotifyPrevHash is the previous hash in stratum order: internal bytes with every 32-bit word swapped
func (j *Job) NotifyPrevHash() string {
	var swapped [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		swapped[i] = j.PrevHash[i+3]
		swapped[i+1] = j.PrevHash[i+2]
		swapped[i+2] = j.PrevHash[i+1]
		swapped[i+3] = j.PrevHash[i]
	}
	return hex.EncodeToString(swapped[:])
}

// NotifyParams returns the mining.notify parameter list
func (j *Job) NotifyParams() []any {
	branch := make([]string, len(j.MerkleBranch))
	for i, h := range j.MerkleBranch {
		branch[i] = hex.EncodeToString(h[:])
	}

	return []any{
		j.ID,
		j.NotifyPrevHash(),
		hex.EncodeToString(j.Coinb1),
		hex.EncodeToString(j.Coinb2),
		branch,
		fmt.Sprintf("%08x", uint32(j.Version)),
		fmt.Sprintf("%08x", j.Bits),
		fmt.Sprintf("%08x", j.NTime),
		j.CleanJobs,
	}
}

// Coinbase returns the full coinbase transaction for a miner's extranonces
func (j *Job) Coinbase(extraNonce1, extraNonce2 []byte) []byte {
	return assembleCoinbase(j.Coinb1, extraNonce1, extraNonce2, j.Coinb2)
}

// Header serializes the 80-byte block header for a submission
func (j *Job) Header(extraNonce1, extraNonce2 []byte, ntime, nonce uint32) []byte {
	coinbaseHash := chainhash.DoubleHashH(j.Coinbase(extraNonce1, extraNonce2))

	header := wire.BlockHeader{
		Version:    j.Version,
		PrevBlock:  j.PrevHash,
		MerkleRoot: MerkleRoot(coinbaseHash, j.MerkleBranch),
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       j.Bits,
		Nonce:      nonce,
	}

	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	// writing to a bytes.Buffer cannot fail
	_ = header.Serialize(&buf)
	return buf.Bytes()
}

// BlockHex serializes the full block for submitblock
func (j *Job) BlockHex(extraNonce1, extraNonce2 []byte, ntime, nonce uint32) (string, error) {
	if j.Template == nil {
		return "", fmt.Errorf("job %s has no template", j.ID)
	}

	var buf bytes.Buffer
	buf.Write(j.Header(extraNonce1, extraNonce2, ntime, nonce))
	if err := wire.WriteVarInt(&buf, 0, uint64(len(j.Template.Transactions)+1)); err != nil {
		return "", err
	}

	coinbase := j.Coinbase(extraNonce1, extraNonce2)
	if j.Template.DefaultWitnessCommitment != "" {
		// segwit blocks need the coinbase witness reserved value
		var tx wire.MsgTx
		if err := tx.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
			return "", fmt.Errorf("coinbase: %w", err)
		}
		tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
		if err := tx.Serialize(&buf); err != nil {
			return "", fmt.Errorf("coinbase: %w", err)
		}
	} else {
		buf.Write(coinbase)
	}

	for _, tx := range j.Template.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", fmt.Errorf("template tx %s: %w", tx.TxID, err)
		}
		buf.Write(raw)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// ParseUint32Hex parses an 8 character big-endian hex field such as ntime or nonce
func ParseUint32Hex(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("%q must be 8 hex characters", s)
	}
	var b [4]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
