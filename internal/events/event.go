// Package events turns Manager callbacks into Event values and delivers them
// to external sinks without blocking the control goroutine.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gomp-miner/internal/mining"
)

// Type names an event
type Type string

// Event types
const (
	TypeMinersLoaded           Type = "miners_loaded"
	TypeMinersUnloaded         Type = "miners_unloaded"
	TypeMiningStarted          Type = "mining_started"
	TypeMiningStopped          Type = "mining_stopped"
	TypeActiveMinerChanged     Type = "active_miner_changed"
	TypeSchedulePolicyChanged  Type = "schedule_policy_changed"
	TypeCPUCoreCountChanged    Type = "cpu_core_count_changed"
	TypeMinerAdded             Type = "miner_added"
	TypeMinerRemoved           Type = "miner_removed"
	TypeMinerMoved             Type = "miner_moved"
	TypeStateChanged           Type = "state_changed"
	TypeHashRateChanged        Type = "hash_rate_changed"
	TypeAlternateHashRate      Type = "alternate_hash_rate_changed"
	TypeDifficultyChanged      Type = "difficulty_changed"
	TypeGoodShares             Type = "good_share_count_changed"
	TypeGoodAlternateShares    Type = "good_alternate_share_count_changed"
	TypeBadShares              Type = "bad_share_count_changed"
	TypeConnectionErrors       Type = "connection_error_count_changed"
	TypeLastConnectionErrorSet Type = "last_connection_error_time_changed"
)

// Event is one Manager notification.
//
// MinerIndex is -1 for events that are not about a miner; for
// TypeActiveMinerChanged it is the new active index. Value carries the
// numeric payload (rate, count, difficulty, core count, target index of a
// move, Unix time of a connection error). State carries the miner state or
// the policy name.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	MinerIndex int            `json:"miner_index"`
	Pool       string         `json:"pool,omitempty"`
	Value      float64        `json:"value"`
	State      string         `json:"state,omitempty"`
	Time       time.Time      `json:"time"`
	Miner      *MinerSnapshot `json:"miner,omitempty"`
}

// IsMinerEvent reports whether the event carries a miner snapshot.
func (e *Event) IsMinerEvent() bool {
	return e.Miner != nil
}

// MinerSnapshot is a copy of a miner's statistics taken when the event was
// recorded.
type MinerSnapshot struct {
	Index               int       `json:"index"`
	Pool                string    `json:"pool"`
	Host                string    `json:"host"`
	Port                uint16    `json:"port"`
	State               string    `json:"state"`
	Active              bool      `json:"active"`
	Difficulty          uint32    `json:"difficulty"`
	HashRate            float64   `json:"hash_rate"`
	AlternateHashRate   float64   `json:"alternate_hash_rate"`
	GoodShares          uint32    `json:"good_shares"`
	GoodAlternateShares uint32    `json:"good_alternate_shares"`
	BadShares           uint32    `json:"bad_shares"`
	ConnectionErrors    uint32    `json:"connection_errors"`
	LastConnectionError time.Time `json:"last_connection_error,omitempty"`
}

// Snapshot copies the statistics of m. It must run on the control goroutine.
func Snapshot(m *mining.Miner, index int, active bool) MinerSnapshot {
	return MinerSnapshot{
		Index:               index,
		Pool:                m.Pool().String(),
		Host:                m.Host(),
		Port:                m.Port(),
		State:               m.State().String(),
		Active:              active,
		Difficulty:          m.Difficulty(),
		HashRate:            m.HashRate(),
		AlternateHashRate:   m.AlternateHashRate(),
		GoodShares:          m.GoodShareCount(),
		GoodAlternateShares: m.GoodAlternateShareCount(),
		BadShares:           m.BadShareCount(),
		ConnectionErrors:    m.ConnectionErrorCount(),
		LastConnectionError: m.LastConnectionErrorTime(),
	}
}

// Sink receives recorded events on the delivery goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e *Event) error
	Close() error
}
