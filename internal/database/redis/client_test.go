package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/bardlex/gomp-pool/internal/work"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{currentJobKey("yenten"), "job:yenten:current"},
		{shareKey("koto", "00ab", "0000002a"), "share:koto:00ab:0000002a"},
		{sessionsKey("rincoin"), "sessions:rincoin"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSnapshotOf(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &work.Job{
		ID:         "1f",
		Coin:       "yenten",
		Height:     1234,
		Bits:       0x1d00ffff,
		NTime:      1700000000,
		Difficulty: 1,
		CleanJobs:  true,
		CreatedAt:  created,
	}

	data, err := json.Marshal(snapshotOf(job))
	if err != nil {
		t.Fatal(err)
	}
	var got JobSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	if got.ID != "1f" || got.Height != 1234 || got.Bits != "1d00ffff" || !got.CleanJobs {
		t.Errorf("snapshot = %+v", got)
	}
	if len(got.PrevHash) != 64 || !got.CreatedAt.Equal(created) {
		t.Errorf("prev hash %q, created %v", got.PrevHash, got.CreatedAt)
	}
}

func TestClient_Integration(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" || testing.Short() {
		t.Skip("REDIS_TEST_URL not set")
	}

	c, err := NewClient(DefaultConfig(url))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	nonce := time.Now().Format("150405.000000000")
	seen, err := c.SeenOrAdd(ctx, "yenten", "deadbeef", nonce)
	if err != nil || seen {
		t.Fatalf("first SeenOrAdd() = %v, %v", seen, err)
	}
	if seen, _ = c.SeenOrAdd(ctx, "yenten", "deadbeef", nonce); !seen {
		t.Error("second SeenOrAdd() should report the pair as seen")
	}
	if err := c.Forget(ctx, "yenten", "deadbeef", nonce); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if seen, _ = c.SeenOrAdd(ctx, "yenten", "deadbeef", nonce); seen {
		t.Error("SeenOrAdd() after Forget should report the pair as new")
	}

	before, err := c.OnlineSessions(ctx, "koto")
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SessionOpened(ctx, "koto")
	_ = c.SessionOpened(ctx, "koto")
	_ = c.SessionClosed(ctx, "koto")
	if n, err := c.OnlineSessions(ctx, "koto"); err != nil || n != before+1 {
		t.Errorf("OnlineSessions() = %d, %v; want %d", n, err, before+1)
	}
	_ = c.SessionClosed(ctx, "koto")

	if err := c.StoreJob(ctx, &work.Job{ID: "7", Coin: "koto", Height: 9}); err != nil {
		t.Fatal(err)
	}
	if snap, err := c.CurrentJob(ctx, "koto"); err != nil || snap.ID != "7" {
		t.Errorf("CurrentJob() = %+v, %v", snap, err)
	}
}
