package mining

import "time"

// Executor runs fn on the control goroutine. Post must not run fn inline
// when called from another goroutine than the control one.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(fn func())

// Post calls f(fn).
func (f ExecutorFunc) Post(fn func()) {
	f(fn)
}

// PoolClient is the pool protocol connection used by a Miner. Implementations
// must be safe for concurrent use: SubmitShare is called from the miner's
// share dispatcher while Start and Stop run on the control goroutine.
// Start and Stop must not block on network I/O.
type PoolClient interface {
	Start()
	Stop()

	Host() string
	Port() uint16
	Difficulty() uint32
	GoodShareCount() uint32
	BadShareCount() uint32
	ConnectionErrorCount() uint32
	LastConnectionErrorTime() time.Time

	// SetObserver must be called before Start.
	SetObserver(observer PoolClientObserver)
	SubmitShare(share Share)
}

// PoolClientObserver receives pool connection events. Callbacks may arrive
// on any goroutine.
type PoolClientObserver interface {
	Started()
	Stopped()
	SocketError(err error)
	// JobChanged delivers a new job. A nil job means the pool withdrew work.
	JobChanged(job *Job)
	DifficultyChanged(difficulty uint32)
	GoodShareCountChanged(count uint32)
	BadShareCountChanged(count uint32)
	ConnectionErrorCountChanged(count uint32)
	LastConnectionErrorTimeChanged(t time.Time)
}

// PoolClientFactory creates the connection for a pool and login.
type PoolClientFactory func(pool Pool, login string) PoolClient

// WorkerObserver receives shares found by workers. ShareFound is called on
// the miner's dispatcher goroutine, never on a hashing goroutine.
type WorkerObserver interface {
	ShareFound(share Share, alternate bool)
}

// PoolMinerObserver receives Miner state and metric changes on the control
// goroutine. The originating miner is passed so one observer can watch many.
type PoolMinerObserver interface {
	StateChanged(m *Miner, state State)
	HashRateChanged(m *Miner, rate float64)
	AlternateHashRateChanged(m *Miner, rate float64)
	DifficultyChanged(m *Miner, difficulty uint32)
	GoodShareCountChanged(m *Miner, count uint32)
	GoodAlternateShareCountChanged(m *Miner, count uint32)
	BadShareCountChanged(m *Miner, count uint32)
	ConnectionErrorCountChanged(m *Miner, count uint32)
	LastConnectionErrorTimeChanged(m *Miner, t time.Time)
}

// ManagerObserver receives Manager events on the control goroutine. Miner
// events are re-emitted with the miner's current list index.
type ManagerObserver interface {
	MinersLoaded()
	MinersUnloaded()
	MiningStarted()
	MiningStopped()
	ActiveMinerChanged(index int)
	SchedulePolicyChanged(policy SchedulePolicy)
	CPUCoreCountChanged(count int)
	MinerAdded(index int)
	MinerRemoved(index int)
	MinerMoved(from, to int)

	MinerStateChanged(index int, state State)
	MinerHashRateChanged(index int, rate float64)
	MinerAlternateHashRateChanged(index int, rate float64)
	MinerDifficultyChanged(index int, difficulty uint32)
	MinerGoodShareCountChanged(index int, count uint32)
	MinerGoodAlternateShareCountChanged(index int, count uint32)
	MinerBadShareCountChanged(index int, count uint32)
	MinerConnectionErrorCountChanged(index int, count uint32)
	MinerLastConnectionErrorTimeChanged(index int, t time.Time)
}

// NopManagerObserver implements ManagerObserver with no-ops. Embed it to
// handle a subset of events.
type NopManagerObserver struct{}

func (NopManagerObserver) MinersLoaded()                                      {}
func (NopManagerObserver) MinersUnloaded()                                    {}
func (NopManagerObserver) MiningStarted()                                     {}
func (NopManagerObserver) MiningStopped()                                     {}
func (NopManagerObserver) ActiveMinerChanged(int)                             {}
func (NopManagerObserver) SchedulePolicyChanged(SchedulePolicy)               {}
func (NopManagerObserver) CPUCoreCountChanged(int)                            {}
func (NopManagerObserver) MinerAdded(int)                                     {}
func (NopManagerObserver) MinerRemoved(int)                                   {}
func (NopManagerObserver) MinerMoved(int, int)                                {}
func (NopManagerObserver) MinerStateChanged(int, State)                       {}
func (NopManagerObserver) MinerHashRateChanged(int, float64)                  {}
func (NopManagerObserver) MinerAlternateHashRateChanged(int, float64)         {}
func (NopManagerObserver) MinerDifficultyChanged(int, uint32)                 {}
func (NopManagerObserver) MinerGoodShareCountChanged(int, uint32)             {}
func (NopManagerObserver) MinerGoodAlternateShareCountChanged(int, uint32)    {}
func (NopManagerObserver) MinerBadShareCountChanged(int, uint32)              {}
func (NopManagerObserver) MinerConnectionErrorCountChanged(int, uint32)       {}
func (NopManagerObserver) MinerLastConnectionErrorTimeChanged(int, time.Time) {}
