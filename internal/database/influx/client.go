// Package influx provides the InfluxDB client for miner time series.
// It records hash rate, share counts, difficulty and state per pool.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomp-miner/pkg/log"
)

// Measurements
const (
	MeasurementHashrate    = "hashrate"
	MeasurementShares      = "shares"
	MeasurementDifficulty  = "difficulty"
	MeasurementState       = "miner_state"
	MeasurementConnections = "connection_errors"
	MeasurementSwitches    = "pool_switches"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
	logger   *log.Logger
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
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

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		logger:   logger.WithComponent("influx"),
		done:     make(chan struct{}),
	}
	go c.logWriteErrors()

	return c, nil
}

// logWriteErrors reports asynchronous write failures until Close
func (c *Client) logWriteErrors() {
	errs := c.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.WithError(err).Warn("failed to write points")
		case <-c.done:
			return
		}
	}
}

// Close flushes pending points and closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
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

// WritePoint queues a point for the next batch
func (c *Client) WritePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Point builders

// HashratePoint builds a hash rate sample. kind is "main" or "alternate".
func HashratePoint(pool, kind string, rate float64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementHashrate,
		map[string]string{"pool": pool, "kind": kind},
		map[string]interface{}{"hashrate": rate},
		ts)
}

// SharePoint builds a cumulative share count. kind is "good", "alternate"
// or "bad".
func SharePoint(pool, kind string, count int64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementShares,
		map[string]string{"pool": pool, "kind": kind},
		map[string]interface{}{"count": count},
		ts)
}

// DifficultyPoint builds a pool difficulty sample
func DifficultyPoint(pool string, difficulty int64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementDifficulty,
		map[string]string{"pool": pool},
		map[string]interface{}{"difficulty": difficulty},
		ts)
}

// StatePoint builds a miner state sample
func StatePoint(pool, state string, active bool, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementState,
		map[string]string{"pool": pool},
		map[string]interface{}{"state": state, "active": active},
		ts)
}

// ConnectionErrorPoint builds a cumulative connection error count
func ConnectionErrorPoint(pool string, count int64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementConnections,
		map[string]string{"pool": pool},
		map[string]interface{}{"count": count},
		ts)
}

// SwitchPoint builds a pool switch marker
func SwitchPoint(pool string, index int64, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementSwitches,
		map[string]string{"pool": pool},
		map[string]interface{}{"index": index, "count": 1},
		ts)
}

// Query methods

// GetHashrateHistory retrieves 1 minute means of a pool's hash rate
func (c *Client) GetHashrateHistory(ctx context.Context, pool string, duration time.Duration) ([]HashrateSample, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.pool == "%s")
		|> filter(fn: (r) => r.kind == "main")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 1m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), MeasurementHashrate, pool)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() {
		if err := result.Close(); err != nil {
			c.logger.WithError(err).Debug("failed to close query result")
		}
	}()

	var samples []HashrateSample
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			samples = append(samples, HashrateSample{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return samples, nil
}

// GetShareStats retrieves the latest share counts of a pool in a period
func (c *Client) GetShareStats(ctx context.Context, pool string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.pool == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["kind"])
		|> last()
	`, c.bucket, duration.String(), MeasurementShares, pool)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() {
		if err := result.Close(); err != nil {
			c.logger.WithError(err).Debug("failed to close query result")
		}
	}()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		switch record.ValueByKey("kind") {
		case "good":
			stats.GoodShares = count
		case "alternate":
			stats.GoodAlternateShares = count
		case "bad":
			stats.BadShares = count
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.compute()
	return stats, nil
}

// Data structures

// HashrateSample is a hash rate measurement at a point in time
type HashrateSample struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents share counts of one pool
type ShareStats struct {
	GoodShares          int64   `json:"good_shares"`
	GoodAlternateShares int64   `json:"good_alternate_shares"`
	BadShares           int64   `json:"bad_shares"`
	TotalShares         int64   `json:"total_shares"`
	AcceptedPercent     float64 `json:"accepted_percent"`
}

func (s *ShareStats) compute() {
	s.TotalShares = s.GoodShares + s.GoodAlternateShares + s.BadShares
	if s.TotalShares > 0 {
		s.AcceptedPercent = float64(s.GoodShares+s.GoodAlternateShares) / float64(s.TotalShares) * 100
	}
}
