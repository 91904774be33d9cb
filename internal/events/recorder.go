package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/pkg/circuit"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// DefaultQueueSize is the number of events buffered for delivery.
const DefaultQueueSize = 4096

// publishTimeout bounds a single sink delivery.
const publishTimeout = 5 * time.Second

// Recorder implements mining.ManagerObserver. Callbacks run on the control
// goroutine; they build the event there and hand it to a background
// delivery goroutine. A full queue drops the event.
type Recorder struct {
	mgr    *mining.Manager
	logger *log.Logger
	queue  chan *Event
	sinks  []*sinkRunner
	now    func() time.Time

	// pool labels by list index, kept in step with the manager
	pools []string

	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

type sinkRunner struct {
	sink    Sink
	breaker *circuit.Breaker
}

// NewRecorder creates a recorder for mgr delivering to sinks. Register it
// with mgr.AddObserver before Load.
func NewRecorder(mgr *mining.Manager, size int, logger *log.Logger, sinks ...Sink) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}

	r := &Recorder{
		mgr:    mgr,
		logger: logger.WithComponent("events"),
		queue:  make(chan *Event, size),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, s := range sinks {
		r.sinks = append(r.sinks, &sinkRunner{
			sink: s,
			breaker: circuit.New(&circuit.Config{
				Name:            s.Name(),
				MaxFailures:     5,
				SuccessRequired: 1,
				Timeout:         30 * time.Second,
				ResetTimeout:    60 * time.Second,
				OnStateChange:   r.sinkStateChanged,
			}),
		})
	}
	return r
}

// sinkStateChanged reports sinks that stop or resume taking events
func (r *Recorder) sinkStateChanged(sink string, _, to circuit.State) {
	switch to {
	case circuit.StateOpen:
		r.logger.Warn("sink keeps failing, pausing delivery", "sink", sink)
	case circuit.StateClosed:
		r.logger.Info("sink recovered", "sink", sink)
	}
}

// Dropped returns the number of events lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run delivers events until ctx is done, then delivers what is still queued
// and closes the sinks.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.done) })

	for {
		select {
		case e := <-r.queue:
			r.deliver(e)
		case <-ctx.Done():
			r.drain()
			r.closeSinks()
			return ctx.Err()
		}
	}
}

// Done is closed when Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.deliver(e)
		default:
			return
		}
	}
}

func (r *Recorder) deliver(e *Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.breaker.Execute(ctx, func() error {
			return s.sink.Publish(ctx, e)
		})
		cancel()
		if err != nil && !circuit.IsOpen(err) {
			r.logger.WithError(err).Debug("sink failed to publish event",
				"sink", s.sink.Name(),
				"type", string(e.Type))
		}
	}
}

func (r *Recorder) closeSinks() {
	for _, s := range r.sinks {
		if err := s.sink.Close(); err != nil {
			r.logger.WithError(err).Warn("failed to close sink", "sink", s.sink.Name())
		}
	}
}

func (r *Recorder) emit(e *Event) {
	e.ID = uuid.New()
	e.Time = r.now()

	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("event queue full, dropping events", "dropped", n, "type", string(e.Type))
		}
	}
}

func (r *Recorder) managerEvent(t Type, index int, value float64, state string) {
	r.emit(&Event{Type: t, MinerIndex: index, Value: value, State: state})
}

func (r *Recorder) minerEvent(t Type, index int, value float64) {
	e := &Event{Type: t, MinerIndex: index, Value: value}
	if m, err := r.mgr.Miner(index); err == nil {
		snap := Snapshot(m, index, r.mgr.ActiveMinerIndex() == index)
		e.Pool = snap.Pool
		e.State = snap.State
		e.Miner = &snap
	}
	r.emit(e)
}

func (r *Recorder) syncPools() {
	miners := r.mgr.Miners()
	r.pools = r.pools[:0]
	for _, m := range miners {
		r.pools = append(r.pools, m.Pool().String())
	}
}

func (r *Recorder) poolAt(index int) string {
	if index >= 0 && index < len(r.pools) {
		return r.pools[index]
	}
	return ""
}

// MinersLoaded records the loaded pool list
func (r *Recorder) MinersLoaded() {
	r.syncPools()
	r.managerEvent(TypeMinersLoaded, -1, float64(len(r.pools)), "")
}

// MinersUnloaded records the shutdown of all miners
func (r *Recorder) MinersUnloaded() {
	r.pools = r.pools[:0]
	r.managerEvent(TypeMinersUnloaded, -1, 0, "")
}

// MiningStarted records the start of mining
func (r *Recorder) MiningStarted() {
	r.managerEvent(TypeMiningStarted, -1, 0, "")
}

// MiningStopped records the stop of mining
func (r *Recorder) MiningStopped() {
	r.managerEvent(TypeMiningStopped, -1, 0, "")
}

// ActiveMinerChanged records a pool switch
func (r *Recorder) ActiveMinerChanged(index int) {
	e := &Event{Type: TypeActiveMinerChanged, MinerIndex: index, Value: float64(index), Pool: r.poolAt(index)}
	if m, err := r.mgr.Miner(index); err == nil {
		snap := Snapshot(m, index, true)
		e.State = snap.State
		e.Miner = &snap
	}
	r.emit(e)
}

// SchedulePolicyChanged records a new policy
func (r *Recorder) SchedulePolicyChanged(policy mining.SchedulePolicy) {
	r.managerEvent(TypeSchedulePolicyChanged, -1, 0, policy.String())
}

// CPUCoreCountChanged records a new core count
func (r *Recorder) CPUCoreCountChanged(count int) {
	r.managerEvent(TypeCPUCoreCountChanged, -1, float64(count), "")
}

// MinerAdded records a new pool
func (r *Recorder) MinerAdded(index int) {
	r.syncPools()
	e := &Event{Type: TypeMinerAdded, MinerIndex: index, Pool: r.poolAt(index)}
	r.emit(e)
}

// MinerRemoved records a removed pool with its label from before the removal
func (r *Recorder) MinerRemoved(index int) {
	pool := r.poolAt(index)
	r.syncPools()
	r.emit(&Event{Type: TypeMinerRemoved, MinerIndex: index, Pool: pool})
}

// MinerMoved records a reordered pool
func (r *Recorder) MinerMoved(from, to int) {
	r.syncPools()
	r.emit(&Event{Type: TypeMinerMoved, MinerIndex: from, Value: float64(to), Pool: r.poolAt(to)})
}

// MinerStateChanged records a miner state change
func (r *Recorder) MinerStateChanged(index int, _ mining.State) {
	r.minerEvent(TypeStateChanged, index, 0)
}

// MinerHashRateChanged records a hash rate sample
func (r *Recorder) MinerHashRateChanged(index int, rate float64) {
	r.minerEvent(TypeHashRateChanged, index, rate)
}

// MinerAlternateHashRateChanged records an alternate hash rate sample
func (r *Recorder) MinerAlternateHashRateChanged(index int, rate float64) {
	r.minerEvent(TypeAlternateHashRate, index, rate)
}

// MinerDifficultyChanged records a new pool difficulty
func (r *Recorder) MinerDifficultyChanged(index int, difficulty uint32) {
	r.minerEvent(TypeDifficultyChanged, index, float64(difficulty))
}

// MinerGoodShareCountChanged records an accepted share
func (r *Recorder) MinerGoodShareCountChanged(index int, count uint32) {
	r.minerEvent(TypeGoodShares, index, float64(count))
}

// MinerGoodAlternateShareCountChanged records an accepted alternate share
func (r *Recorder) MinerGoodAlternateShareCountChanged(index int, count uint32) {
	r.minerEvent(TypeGoodAlternateShares, index, float64(count))
}

// MinerBadShareCountChanged records a rejected share
func (r *Recorder) MinerBadShareCountChanged(index int, count uint32) {
	r.minerEvent(TypeBadShares, index, float64(count))
}

// MinerConnectionErrorCountChanged records a connection failure count
func (r *Recorder) MinerConnectionErrorCountChanged(index int, count uint32) {
	r.minerEvent(TypeConnectionErrors, index, float64(count))
}

// MinerLastConnectionErrorTimeChanged records when a connection last failed
func (r *Recorder) MinerLastConnectionErrorTimeChanged(index int, t time.Time) {
	r.minerEvent(TypeLastConnectionErrorSet, index, float64(t.Unix()))
}

var _ mining.ManagerObserver = (*Recorder)(nil)
