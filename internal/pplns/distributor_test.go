package pplns

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp-pool/internal/daemon"
	"github.com/bardlex/gomp-pool/internal/database/influx"
	"github.com/bardlex/gomp-pool/internal/database/postgres"
	"github.com/bardlex/gomp-pool/internal/messaging"
	"github.com/bardlex/gomp-pool/pkg/log"
)

// memStore applies a transaction's writes only when fn succeeds
type memStore struct {
	mu       sync.Mutex
	weights  map[string][]postgres.ShareWeight
	balances map[int64]float64
	blocks   map[string]*postgres.Block
	fees     []postgres.PoolFee

	creditErr error
	lastSince time.Time
	lastLimit int
}

func newMemStore() *memStore {
	return &memStore{
		weights:  map[string][]postgres.ShareWeight{},
		balances: map[int64]float64{},
		blocks:   map[string]*postgres.Block{},
	}
}

func blockKey(coin string, height int64) string {
	return fmt.Sprintf("%s:%d", coin, height)
}

type memTx struct {
	s        *memStore
	credits  map[int64]float64
	blocks   []*postgres.Block
	fees     []postgres.PoolFee
	creditOK int
}

func (tx *memTx) BlockExists(_ context.Context, coin string, height int64) (bool, error) {
	_, ok := tx.s.blocks[blockKey(coin, height)]
	return ok, nil
}

func (tx *memTx) WindowShares(_ context.Context, coin string, limit int, since time.Time) ([]postgres.ShareWeight, error) {
	tx.s.lastLimit, tx.s.lastSince = limit, since
	return tx.s.weights[coin], nil
}

func (tx *memTx) CreditPending(_ context.Context, userID int64, amount float64) error {
	if tx.s.creditErr != nil && tx.creditOK >= 1 {
		return tx.s.creditErr
	}
	tx.creditOK++
	tx.credits[userID] += amount
	return nil
}

func (tx *memTx) CreateBlock(_ context.Context, b *postgres.Block) error {
	tx.blocks = append(tx.blocks, b)
	return nil
}

func (tx *memTx) RecordPoolFee(_ context.Context, f *postgres.PoolFee) error {
	tx.fees = append(tx.fees, *f)
	return nil
}

func (s *memStore) WithRewardTx(ctx context.Context, fn func(context.Context, RewardTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, credits: map[int64]float64{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, amount := range tx.credits {
		s.balances[id] += amount
	}
	for _, b := range tx.blocks {
		s.blocks[blockKey(b.Coin, b.Height)] = b
	}
	s.fees = append(s.fees, tx.fees...)
	return nil
}

func (s *memStore) LastBlockHeight(_ context.Context, coin string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, b := range s.blocks {
		if b.Coin == coin && b.Height > last {
			last = b.Height
		}
	}
	return last, nil
}

type recordingMetrics struct {
	blocks []influx.BlockMetric
}

func (m *recordingMetrics) WriteBlockMetric(b influx.BlockMetric) {
	m.blocks = append(m.blocks, b)
}

// fakeDaemon serves a short chain where some coinbases pay the pool
type fakeDaemon struct {
	daemon.Client
	tip      int64
	poolPays map[int64]float64
	orphans  map[string]bool
	getBlock int
}

const poolScript = "76a914aa88ac"

func (f *fakeDaemon) Coin() string { return "yenten" }

func (f *fakeDaemon) GetChainInfo(context.Context) (*daemon.ChainInfo, error) {
	return &daemon.ChainInfo{Blocks: f.tip}, nil
}

func (f *fakeDaemon) GetBlockHash(_ context.Context, height int64) (string, error) {
	return fmt.Sprintf("hash%d", height), nil
}

func (f *fakeDaemon) GetBlock(_ context.Context, hash string) (*daemon.Block, error) {
	f.getBlock++
	var height int64
	if _, err := fmt.Sscanf(hash, "hash%d", &height); err != nil {
		return nil, err
	}

	out := daemon.TxOutput{Value: 50}
	out.ScriptPubKey.Hex = "76a914bb88ac"
	if v, ok := f.poolPays[height]; ok {
		out.Value = v
		out.ScriptPubKey.Hex = poolScript
	}
	confirmations := int64(1)
	if f.orphans[hash] {
		confirmations = -1
	}
	return &daemon.Block{
		Hash:          hash,
		Height:        height,
		Confirmations: confirmations,
		Tx:            []daemon.BlockTx{{TxID: "cb", Vout: []daemon.TxOutput{out}}},
	}, nil
}

func newTestDistributor(store *memStore, d daemon.Client) *Distributor {
	cfg := Config{
		Window:             1000,
		Horizon:            time.Hour,
		FeePercent:         1,
		FinderBonusPercent: 5,
		BlockReward:        50,
		ScanDepth:          10,
		PoolScripts:        map[string]string{"yenten": poolScript},
	}
	var clients map[string]daemon.Client
	if d != nil {
		clients = map[string]daemon.Client{"yenten": d}
	}
	return NewDistributor(cfg, store, clients, log.Nop())
}

func TestDistributeBlockReward(t *testing.T) {
	store := newMemStore()
	store.weights["yenten"] = []postgres.ShareWeight{
		{UserID: 1, Address: "Ya", Difficulty: 75},
		{UserID: 2, Address: "Yb", Difficulty: 25},
	}
	metrics := &recordingMetrics{}
	d := newTestDistributor(store, nil)
	d.SetMetrics(metrics)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	dist, err := d.DistributeBlockReward(context.Background(), "yenten", 100, "abc", 50, 1)
	if err != nil {
		t.Fatalf("DistributeBlockReward() error = %v", err)
	}

	if store.lastLimit != 1000 || !store.lastSince.Equal(now.Add(-time.Hour)) {
		t.Errorf("window query limit %d since %v", store.lastLimit, store.lastSince)
	}
	if !approx(store.balances[1], 0.75*49.5+2.5) || !approx(store.balances[2], 0.25*49.5) {
		t.Errorf("balances = %v", store.balances)
	}

	block := store.blocks["yenten:100"]
	if block == nil {
		t.Fatal("no block record")
	}
	if block.FinderUserID == nil || *block.FinderUserID != 1 || block.MinersPaid != 2 || !approx(block.PoolFee, 0.5) {
		t.Errorf("block = %+v", block)
	}
	if block.RoundingRemainder != dist.RoundingRemainder {
		t.Errorf("remainder = %v, want %v", block.RoundingRemainder, dist.RoundingRemainder)
	}
	if len(store.fees) != 1 || !approx(store.fees[0].Amount, 0.5) {
		t.Errorf("fees = %+v", store.fees)
	}
	if len(metrics.blocks) != 1 || metrics.blocks[0].MinersPaid != 2 {
		t.Errorf("metrics = %+v", metrics.blocks)
	}
}

func TestDistributeBlockReward_NoSharesIsAtomic(t *testing.T) {
	store := newMemStore()
	d := newTestDistributor(store, nil)

	_, err := d.DistributeBlockReward(context.Background(), "yenten", 7, "abc", 50, 0)
	if !stderrors.Is(err, ErrNoShares) {
		t.Fatalf("error = %v, want ErrNoShares", err)
	}
	if len(store.blocks) != 0 || len(store.balances) != 0 || len(store.fees) != 0 {
		t.Error("a failed distribution left records behind")
	}
}

func TestDistributeBlockReward_RollsBackPartialCredit(t *testing.T) {
	store := newMemStore()
	store.weights["yenten"] = []postgres.ShareWeight{
		{UserID: 1, Difficulty: 1},
		{UserID: 2, Difficulty: 1},
	}
	store.creditErr = stderrors.New("deadlock detected")
	d := newTestDistributor(store, nil)

	if _, err := d.DistributeBlockReward(context.Background(), "yenten", 8, "abc", 50, 0); err == nil {
		t.Fatal("expected error")
	}
	if len(store.balances) != 0 || len(store.blocks) != 0 {
		t.Errorf("partial credit persisted: balances %v, blocks %d", store.balances, len(store.blocks))
	}
}

func TestDistributeBlockReward_OncePerHeight(t *testing.T) {
	store := newMemStore()
	store.weights["yenten"] = []postgres.ShareWeight{{UserID: 1, Difficulty: 1}}
	d := newTestDistributor(store, nil)
	ctx := context.Background()

	if _, err := d.DistributeBlockReward(ctx, "yenten", 9, "abc", 50, 0); err != nil {
		t.Fatal(err)
	}
	before := store.balances[1]

	_, err := d.DistributeBlockReward(ctx, "yenten", 9, "abc", 50, 0)
	if !stderrors.Is(err, ErrAlreadyDistributed) {
		t.Fatalf("error = %v, want ErrAlreadyDistributed", err)
	}
	if store.balances[1] != before {
		t.Error("second distribution changed the balance")
	}

	// the same height on another coin is a different block
	store.weights["koto"] = store.weights["yenten"]
	if _, err := d.DistributeBlockReward(ctx, "koto", 9, "def", 50, 0); err != nil {
		t.Errorf("koto block: %v", err)
	}
}

func TestHandleBlockFound(t *testing.T) {
	store := newMemStore()
	store.weights["yenten"] = []postgres.ShareWeight{{UserID: 4, Difficulty: 2}}
	chain := &fakeDaemon{tip: 20, poolPays: map[int64]float64{15: 12.5}, orphans: map[string]bool{"hash16": true}}
	d := newTestDistributor(store, chain)
	ctx := context.Background()

	event := &messaging.BlockFoundEvent{Coin: "yenten", Height: 15, Hash: "hash15", UserID: 4}
	if err := d.HandleBlockFound(ctx, event); err != nil {
		t.Fatalf("HandleBlockFound() error = %v", err)
	}
	if b := store.blocks["yenten:15"]; b == nil || b.Reward != 12.5 {
		t.Fatalf("block = %+v, want reward read from the coinbase", b)
	}

	// redelivery is acknowledged without a second credit
	before := store.balances[4]
	if err := d.HandleBlockFound(ctx, event); err != nil {
		t.Errorf("redelivered event: %v", err)
	}
	if store.balances[4] != before {
		t.Error("redelivery credited twice")
	}

	orphan := &messaging.BlockFoundEvent{Coin: "yenten", Height: 16, Hash: "hash16", UserID: 4}
	if err := d.HandleBlockFound(ctx, orphan); err != nil {
		t.Errorf("orphan: %v", err)
	}
	if _, ok := store.blocks["yenten:16"]; ok {
		t.Error("orphaned block was rewarded")
	}

	empty := &messaging.BlockFoundEvent{Coin: "koto", Height: 3, Hash: "k3"}
	if err := d.HandleBlockFound(ctx, empty); err != nil {
		t.Errorf("empty window should be acknowledged, got %v", err)
	}
}

func TestScanNewBlocks(t *testing.T) {
	store := newMemStore()
	store.weights["yenten"] = []postgres.ShareWeight{{UserID: 1, Difficulty: 1}}
	chain := &fakeDaemon{tip: 30, poolPays: map[int64]float64{12: 50, 25: 51, 29: 49}}
	d := newTestDistributor(store, chain)
	ctx := context.Background()

	// only the last ScanDepth heights are inspected on a fresh database
	n, err := d.ScanNewBlocks(ctx, "yenten")
	if err != nil {
		t.Fatalf("ScanNewBlocks() error = %v", err)
	}
	if n != 2 {
		t.Errorf("distributed %d blocks, want 2", n)
	}
	if chain.getBlock != 10 {
		t.Errorf("inspected %d blocks, want 10", chain.getBlock)
	}
	if b := store.blocks["yenten:25"]; b == nil || b.Reward != 51 || b.FinderUserID != nil {
		t.Errorf("block 25 = %+v", b)
	}

	// a second scan starts after the last recorded height
	chain.getBlock = 0
	chain.tip = 31
	if n, err = d.ScanNewBlocks(ctx, "yenten"); err != nil || n != 0 {
		t.Errorf("rescan = %d, %v", n, err)
	}
	if chain.getBlock != 2 {
		t.Errorf("rescan inspected %d blocks, want 2", chain.getBlock)
	}
}

func TestScanNewBlocks_Misconfigured(t *testing.T) {
	d := newTestDistributor(newMemStore(), nil)
	if _, err := d.ScanNewBlocks(context.Background(), "yenten"); err == nil {
		t.Error("expected error without a daemon client")
	}

	d = newTestDistributor(newMemStore(), &fakeDaemon{})
	d.cfg.PoolScripts = nil
	if _, err := d.ScanNewBlocks(context.Background(), "yenten"); err == nil {
		t.Error("expected error without a pool script")
	}
}
