package redis

import (
	"context"
	"time"

	"github.com/bardlex/gomp-miner/internal/events"
)

// HashrateWindow is how long hash rate samples are kept per pool
const HashrateWindow = 10 * time.Minute

// Counter names
const (
	CounterPoolSwitches = "pool_switches"
	CounterMiningStarts = "mining_starts"
)

// SnapshotStore is what the sink writes to
type SnapshotStore interface {
	SetMinerSnapshot(ctx context.Context, pool string, snapshot any) error
	DeleteMinerSnapshot(ctx context.Context, pool string) error
	AddHashrate(ctx context.Context, pool string, hashrate float64, window time.Duration) error
	IncrementCounter(ctx context.Context, name string) (int64, error)
}

// Sink keeps the latest snapshot of every miner in Redis so other
// processes can read live statistics without the HTTP API.
type Sink struct {
	store SnapshotStore
}

// NewSink creates a sink writing through c. The sink does not own c.
func NewSink(c *Client) *Sink {
	return &Sink{store: c}
}

// Name implements events.Sink
func (s *Sink) Name() string { return "redis" }

// Publish implements events.Sink
func (s *Sink) Publish(ctx context.Context, e *events.Event) error {
	switch e.Type {
	case events.TypeMinerRemoved:
		if e.Pool == "" {
			return nil
		}
		return s.store.DeleteMinerSnapshot(ctx, e.Pool)
	case events.TypeMiningStarted:
		_, err := s.store.IncrementCounter(ctx, CounterMiningStarts)
		return err
	case events.TypeActiveMinerChanged:
		if e.MinerIndex >= 0 {
			if _, err := s.store.IncrementCounter(ctx, CounterPoolSwitches); err != nil {
				return err
			}
		}
	case events.TypeHashRateChanged:
		if e.Pool != "" {
			if err := s.store.AddHashrate(ctx, e.Pool, e.Value, HashrateWindow); err != nil {
				return err
			}
		}
	}

	if e.Miner == nil {
		return nil
	}
	return s.store.SetMinerSnapshot(ctx, e.Miner.Pool, e.Miner)
}

// Close implements events.Sink. The client is closed by its owner.
func (s *Sink) Close() error { return nil }

var _ events.Sink = (*Sink)(nil)
