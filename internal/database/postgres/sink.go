package postgres

import (
	"context"

	"github.com/bardlex/gomp-miner/internal/events"
)

// HistoryStore is what the sink writes to
type HistoryStore interface {
	CreatePoolStats(ctx context.Context, s *PoolStats) error
	CreateSwitch(ctx context.Context, s *PoolSwitch) error
}

// Sink keeps pool history: a statistics row whenever share counts,
// connection errors or state change, and a row per pool switch. Hash rate
// samples are left to the time-series store.
type Sink struct {
	store HistoryStore
}

type history struct {
	*PoolStatsRepository
	*SwitchRepository
}

// NewSink creates a sink storing through c. The sink does not own c.
func NewSink(c *Client) *Sink {
	return &Sink{store: history{NewPoolStatsRepository(c.DB()), NewSwitchRepository(c.DB())}}
}

// Name implements events.Sink
func (s *Sink) Name() string { return "postgres" }

// Publish implements events.Sink
func (s *Sink) Publish(ctx context.Context, e *events.Event) error {
	switch e.Type {
	case events.TypeGoodShares, events.TypeGoodAlternateShares, events.TypeBadShares,
		events.TypeConnectionErrors, events.TypeStateChanged:
		if e.Miner == nil {
			return nil
		}
		return s.store.CreatePoolStats(ctx, PoolStatsFromSnapshot(e.Miner, e.Type, e.Time))
	case events.TypeActiveMinerChanged:
		if e.MinerIndex < 0 {
			return nil
		}
		return s.store.CreateSwitch(ctx, &PoolSwitch{
			Pool:       e.Pool,
			MinerIndex: e.MinerIndex,
			SwitchedAt: e.Time,
		})
	}
	return nil
}

// Close implements events.Sink. The client is closed by its owner.
func (s *Sink) Close() error { return nil }

var _ events.Sink = (*Sink)(nil)
