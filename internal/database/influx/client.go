// Package influx writes pool time series to InfluxDB: shares, blocks, payouts
// and periodic pool statistics.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// pointWriter is the part of api.WriteAPI the client uses
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	now      func() time.Time
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		now:      time.Now,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareMetric is one graded submission
type ShareMetric struct {
	Coin        string
	UserID      int64
	WorkerID    int64
	Difficulty  float64
	HashDiff    float64
	NetworkDiff float64
	Status      string
	Block       bool
}

// WriteShareMetric writes a share submission, accepted or rejected
func (c *Client) WriteShareMetric(m ShareMetric) {
	tags := map[string]string{
		"coin":      m.Coin,
		"user_id":   strconv.FormatInt(m.UserID, 10),
		"worker_id": strconv.FormatInt(m.WorkerID, 10),
		"status":    m.Status,
		"block":     strconv.FormatBool(m.Block),
	}

	fields := map[string]any{
		"difficulty":         m.Difficulty,
		"hash_difficulty":    m.HashDiff,
		"network_difficulty": m.NetworkDiff,
		"count":              1,
	}

	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, c.now()))
}

// BlockMetric is one rewarded block
type BlockMetric struct {
	Coin         string
	Height       int64
	Hash         string
	FinderUserID int64
	Reward       float64
	PoolFee      float64
	Distributed  float64
	MinersPaid   int
}

// WriteBlockMetric writes a block reward distribution
func (c *Client) WriteBlockMetric(m BlockMetric) {
	tags := map[string]string{
		"coin": m.Coin,
		"hash": m.Hash,
	}
	if m.FinderUserID != 0 {
		tags["finder_user_id"] = strconv.FormatInt(m.FinderUserID, 10)
	}

	fields := map[string]any{
		"height":      m.Height,
		"reward":      m.Reward,
		"pool_fee":    m.PoolFee,
		"distributed": m.Distributed,
		"miners_paid": m.MinersPaid,
		"count":       1,
	}

	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, c.now()))
}

// WritePayoutMetric writes a payout state change
func (c *Client) WritePayoutMetric(userID int64, amount float64, status string) {
	tags := map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
		"status":  status,
	}

	fields := map[string]any{
		"amount": amount,
		"count":  1,
	}

	c.writeAPI.WritePoint(write.NewPoint("payouts", tags, fields, c.now()))
}

// WritePoolStatsMetric writes the periodic per-coin pool snapshot
func (c *Client) WritePoolStatsMetric(coin string, sessions, height int64, networkDiff float64) {
	fields := map[string]any{
		"sessions":           sessions,
		"height":             height,
		"network_difficulty": networkDiff,
	}

	c.writeAPI.WritePoint(write.NewPoint("pool_stats", map[string]string{"coin": coin}, fields, c.now()))
}
