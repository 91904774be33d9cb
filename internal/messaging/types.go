package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomp-miner/internal/events"
)

// EncodeEvent converts an event into a protobuf Struct
func EncodeEvent(e *events.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":          e.ID.String(),
		"type":        string(e.Type),
		"miner_index": e.MinerIndex,
		"value":       e.Value,
		"time":        e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.Pool != "" {
		fields["pool"] = e.Pool
	}
	if e.State != "" {
		fields["state"] = e.State
	}
	if m := e.Miner; m != nil {
		miner := map[string]any{
			"index":                 m.Index,
			"pool":                  m.Pool,
			"host":                  m.Host,
			"port":                  int(m.Port),
			"state":                 m.State,
			"active":                m.Active,
			"difficulty":            int64(m.Difficulty),
			"hash_rate":             m.HashRate,
			"alternate_hash_rate":   m.AlternateHashRate,
			"good_shares":           int64(m.GoodShares),
			"good_alternate_shares": int64(m.GoodAlternateShares),
			"bad_shares":            int64(m.BadShares),
			"connection_errors":     int64(m.ConnectionErrors),
		}
		if !m.LastConnectionError.IsZero() {
			miner["last_connection_error"] = m.LastConnectionError.UTC().Format(time.RFC3339Nano)
		}
		fields["miner"] = miner
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return s, nil
}

// DecodeEvent converts a protobuf Struct produced by EncodeEvent back into
// an event
func DecodeEvent(s *structpb.Struct) (*events.Event, error) {
	f := s.GetFields()

	id, err := uuid.Parse(f["id"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid event id: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, f["time"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid event time: %w", err)
	}

	e := &events.Event{
		ID:         id,
		Type:       events.Type(f["type"].GetStringValue()),
		MinerIndex: int(f["miner_index"].GetNumberValue()),
		Pool:       f["pool"].GetStringValue(),
		Value:      f["value"].GetNumberValue(),
		State:      f["state"].GetStringValue(),
		Time:       t,
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event without type")
	}

	if ms := f["miner"].GetStructValue(); ms != nil {
		m := ms.GetFields()
		snap := &events.MinerSnapshot{
			Index:               int(m["index"].GetNumberValue()),
			Pool:                m["pool"].GetStringValue(),
			Host:                m["host"].GetStringValue(),
			Port:                uint16(m["port"].GetNumberValue()),
			State:               m["state"].GetStringValue(),
			Active:              m["active"].GetBoolValue(),
			Difficulty:          uint32(m["difficulty"].GetNumberValue()),
			HashRate:            m["hash_rate"].GetNumberValue(),
			AlternateHashRate:   m["alternate_hash_rate"].GetNumberValue(),
			GoodShares:          uint32(m["good_shares"].GetNumberValue()),
			GoodAlternateShares: uint32(m["good_alternate_shares"].GetNumberValue()),
			BadShares:           uint32(m["bad_shares"].GetNumberValue()),
			ConnectionErrors:    uint32(m["connection_errors"].GetNumberValue()),
		}
		if v := m["last_connection_error"].GetStringValue(); v != "" {
			if lt, err := time.Parse(time.RFC3339Nano, v); err == nil {
				snap.LastConnectionError = lt
			}
		}
		e.Miner = snap
	}
	return e, nil
}
