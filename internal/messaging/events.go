package messaging

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// BlockFoundEvent is published when the daemon accepts a block found by the pool
type BlockFoundEvent struct {
	Coin              string
	Height            int64
	Hash              string
	JobID             string
	UserID            int64
	WorkerID          int64
	MinerAddress      string
	WorkerName        string
	ShareDifficulty   float64
	NetworkDifficulty float64
	FoundAt           time.Time
}

// Key partitions block events by coin so a coin's blocks stay ordered
func (e *BlockFoundEvent) Key() string {
	return e.Coin + ":" + strconv.FormatInt(e.Height, 10)
}

// ToStruct encodes the event for the wire
func (e *BlockFoundEvent) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"coin":               e.Coin,
		"height":             e.Height,
		"hash":               e.Hash,
		"job_id":             e.JobID,
		"user_id":            e.UserID,
		"worker_id":          e.WorkerID,
		"miner_address":      e.MinerAddress,
		"worker_name":        e.WorkerName,
		"share_difficulty":   e.ShareDifficulty,
		"network_difficulty": e.NetworkDifficulty,
		"found_at":           e.FoundAt.UTC().Format(time.RFC3339Nano),
	})
}

// BlockFoundFromStruct decodes a BlockFoundEvent
func BlockFoundFromStruct(s *structpb.Struct) (*BlockFoundEvent, error) {
	f := fields{s}
	e := &BlockFoundEvent{
		Coin:              f.str("coin"),
		Height:            f.int("height"),
		Hash:              f.str("hash"),
		JobID:             f.str("job_id"),
		UserID:            f.int("user_id"),
		WorkerID:          f.int("worker_id"),
		MinerAddress:      f.str("miner_address"),
		WorkerName:        f.str("worker_name"),
		ShareDifficulty:   f.num("share_difficulty"),
		NetworkDifficulty: f.num("network_difficulty"),
	}
	if e.Coin == "" || e.Height <= 0 || e.Hash == "" {
		return nil, fmt.Errorf("block event missing coin, height or hash")
	}

	foundAt, err := f.time("found_at")
	if err != nil {
		return nil, err
	}
	e.FoundAt = foundAt
	return e, nil
}

// PayoutEvent reports a payout reaching a terminal state
type PayoutEvent struct {
	PayoutID  int64
	UserID    int64
	Address   string
	Amount    float64
	Fee       float64
	NetAmount float64
	Status    string
	TxHash    string
	Error     string
	At        time.Time
}

// Key partitions payout events by user
func (e *PayoutEvent) Key() string {
	return strconv.FormatInt(e.UserID, 10)
}

// ToStruct encodes the event for the wire
func (e *PayoutEvent) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"payout_id":  e.PayoutID,
		"user_id":    e.UserID,
		"address":    e.Address,
		"amount":     e.Amount,
		"fee":        e.Fee,
		"net_amount": e.NetAmount,
		"status":     e.Status,
		"tx_hash":    e.TxHash,
		"error":      e.Error,
		"at":         e.At.UTC().Format(time.RFC3339Nano),
	})
}

// PayoutFromStruct decodes a PayoutEvent
func PayoutFromStruct(s *structpb.Struct) (*PayoutEvent, error) {
	f := fields{s}
	e := &PayoutEvent{
		PayoutID:  f.int("payout_id"),
		UserID:    f.int("user_id"),
		Address:   f.str("address"),
		Amount:    f.num("amount"),
		Fee:       f.num("fee"),
		NetAmount: f.num("net_amount"),
		Status:    f.str("status"),
		TxHash:    f.str("tx_hash"),
		Error:     f.str("error"),
	}
	if e.PayoutID <= 0 || e.Status == "" {
		return nil, fmt.Errorf("payout event missing id or status")
	}

	at, err := f.time("at")
	if err != nil {
		return nil, err
	}
	e.At = at
	return e, nil
}

type fields struct {
	s *structpb.Struct
}

func (f fields) str(key string) string {
	return f.s.GetFields()[key].GetStringValue()
}

func (f fields) num(key string) float64 {
	return f.s.GetFields()[key].GetNumberValue()
}

func (f fields) int(key string) int64 {
	return int64(f.num(key))
}

func (f fields) time(key string) (time.Time, error) {
	raw := f.str(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}
