package influx

import (
	"context"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomp-miner/internal/events"
)

// PointWriter queues points for writing
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Sink writes miner events as points. Events without a time-series
// meaning are ignored.
type Sink struct {
	writer PointWriter
}

// NewSink creates a sink writing through c. The sink does not own c.
func NewSink(c *Client) *Sink {
	return &Sink{writer: c}
}

// Name implements events.Sink
func (s *Sink) Name() string { return "influx" }

// Publish implements events.Sink
func (s *Sink) Publish(_ context.Context, e *events.Event) error {
	if p := PointFor(e); p != nil {
		s.writer.WritePoint(p)
	}
	return nil
}

// Close implements events.Sink. It flushes pending points; the client is
// closed by its owner.
func (s *Sink) Close() error {
	s.writer.Flush()
	return nil
}

// PointFor maps an event to its point, or nil
func PointFor(e *events.Event) *write.Point {
	if e.Pool == "" {
		return nil
	}

	switch e.Type {
	case events.TypeHashRateChanged:
		return HashratePoint(e.Pool, "main", e.Value, e.Time)
	case events.TypeAlternateHashRate:
		return HashratePoint(e.Pool, "alternate", e.Value, e.Time)
	case events.TypeGoodShares:
		return SharePoint(e.Pool, "good", int64(e.Value), e.Time)
	case events.TypeGoodAlternateShares:
		return SharePoint(e.Pool, "alternate", int64(e.Value), e.Time)
	case events.TypeBadShares:
		return SharePoint(e.Pool, "bad", int64(e.Value), e.Time)
	case events.TypeDifficultyChanged:
		return DifficultyPoint(e.Pool, int64(e.Value), e.Time)
	case events.TypeConnectionErrors:
		return ConnectionErrorPoint(e.Pool, int64(e.Value), e.Time)
	case events.TypeStateChanged:
		active := e.Miner != nil && e.Miner.Active
		return StatePoint(e.Pool, e.State, active, e.Time)
	case events.TypeActiveMinerChanged:
		return SwitchPoint(e.Pool, int64(e.MinerIndex), e.Time)
	}
	return nil
}

var _ events.Sink = (*Sink)(nil)
