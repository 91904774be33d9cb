package postgres

import (
	"time"

	"github.com/bardlex/gomp-miner/internal/events"
)

// PoolStats is a snapshot of one miner's statistics
type PoolStats struct {
	ID                  int64      `db:"id"`
	Pool                string     `db:"pool"`
	Host                string     `db:"host"`
	Port                int        `db:"port"`
	State               string     `db:"state"`
	Active              bool       `db:"active"`
	Difficulty          int64      `db:"difficulty"`
	HashRate            float64    `db:"hash_rate"`
	AlternateHashRate   float64    `db:"alternate_hash_rate"`
	GoodShares          int64      `db:"good_shares"`
	GoodAlternateShares int64      `db:"good_alternate_shares"`
	BadShares           int64      `db:"bad_shares"`
	ConnectionErrors    int64      `db:"connection_errors"`
	LastConnectionError *time.Time `db:"last_connection_error"`
	Reason              string     `db:"reason"` // event type that caused the snapshot
	RecordedAt          time.Time  `db:"recorded_at"`
}

// PoolSwitch records the manager making a pool active
type PoolSwitch struct {
	ID         int64     `db:"id"`
	Pool       string    `db:"pool"`
	MinerIndex int       `db:"miner_index"`
	SwitchedAt time.Time `db:"switched_at"`
}

// PoolStatsFromSnapshot builds a row from an event snapshot
func PoolStatsFromSnapshot(s *events.MinerSnapshot, reason events.Type, at time.Time) *PoolStats {
	row := &PoolStats{
		Pool:                s.Pool,
		Host:                s.Host,
		Port:                int(s.Port),
		State:               s.State,
		Active:              s.Active,
		Difficulty:          int64(s.Difficulty),
		HashRate:            s.HashRate,
		AlternateHashRate:   s.AlternateHashRate,
		GoodShares:          int64(s.GoodShares),
		GoodAlternateShares: int64(s.GoodAlternateShares),
		BadShares:           int64(s.BadShares),
		ConnectionErrors:    int64(s.ConnectionErrors),
		Reason:              string(reason),
		RecordedAt:          at,
	}
	if !s.LastConnectionError.IsZero() {
		t := s.LastConnectionError
		row.LastConnectionError = &t
	}
	return row
}
