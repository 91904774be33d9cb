package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/internal/events"
)

type fakeSnapshotStore struct {
	snapshots map[string]any
	deleted   []string
	rates     map[string][]float64
	counters  map[string]int64
	err       error
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{
		snapshots: make(map[string]any),
		rates:     make(map[string][]float64),
		counters:  make(map[string]int64),
	}
}

func (f *fakeSnapshotStore) SetMinerSnapshot(_ context.Context, pool string, snapshot any) error {
	if f.err != nil {
		return f.err
	}
	f.snapshots[pool] = snapshot
	return nil
}

func (f *fakeSnapshotStore) DeleteMinerSnapshot(_ context.Context, pool string) error {
	f.deleted = append(f.deleted, pool)
	delete(f.snapshots, pool)
	return nil
}

func (f *fakeSnapshotStore) AddHashrate(_ context.Context, pool string, rate float64, _ time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.rates[pool] = append(f.rates[pool], rate)
	return nil
}

func (f *fakeSnapshotStore) IncrementCounter(_ context.Context, name string) (int64, error) {
	f.counters[name]++
	return f.counters[name], nil
}

func TestSinkSnapshots(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &Sink{store: store}
	ctx := context.Background()
	pool := "pool.example.com:3333"
	snap := &events.MinerSnapshot{Pool: pool, State: "running", GoodShares: 3}

	if err := sink.Publish(ctx, &events.Event{Type: events.TypeGoodShares, Pool: pool, Value: 3, Miner: snap}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got, ok := store.snapshots[pool].(*events.MinerSnapshot); !ok || got.GoodShares != 3 {
		t.Errorf("snapshot = %#v", store.snapshots[pool])
	}

	_ = sink.Publish(ctx, &events.Event{Type: events.TypeHashRateChanged, Pool: pool, Value: 250, Miner: snap})
	if rates := store.rates[pool]; len(rates) != 1 || rates[0] != 250 {
		t.Errorf("rates = %v", rates)
	}

	_ = sink.Publish(ctx, &events.Event{Type: events.TypeMinerRemoved, MinerIndex: 0, Pool: pool})
	if len(store.deleted) != 1 || store.deleted[0] != pool {
		t.Errorf("deleted = %v", store.deleted)
	}
	if _, ok := store.snapshots[pool]; ok {
		t.Error("snapshot kept after removal")
	}
}

func TestSinkCounters(t *testing.T) {
	store := newFakeSnapshotStore()
	sink := &Sink{store: store}
	ctx := context.Background()

	_ = sink.Publish(ctx, &events.Event{Type: events.TypeMiningStarted, MinerIndex: -1})
	_ = sink.Publish(ctx, &events.Event{Type: events.TypeActiveMinerChanged, MinerIndex: 0, Pool: "a:1",
		Miner: &events.MinerSnapshot{Pool: "a:1", Active: true}})
	_ = sink.Publish(ctx, &events.Event{Type: events.TypeActiveMinerChanged, MinerIndex: -1})

	if store.counters[CounterMiningStarts] != 1 || store.counters[CounterPoolSwitches] != 1 {
		t.Errorf("counters = %v", store.counters)
	}
	if _, ok := store.snapshots["a:1"]; !ok {
		t.Error("switch did not refresh the snapshot")
	}
}

func TestSinkError(t *testing.T) {
	store := newFakeSnapshotStore()
	store.err = errors.New("connection refused")
	sink := &Sink{store: store}

	err := sink.Publish(context.Background(), &events.Event{Type: events.TypeHashRateChanged, Pool: "a:1", Value: 1})
	if err == nil {
		t.Error("Publish() swallowed the store error")
	}
	if sink.Name() != "redis" || sink.Close() != nil {
		t.Error("unexpected Name or Close")
	}
}
