package mining

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-miner/pkg/log"
)

// State is the connection state of a Miner.
type State int

const (
	// StateStopped - the miner is idle, or started and still connecting
	StateStopped State = iota
	// StateRunning - the pool accepted the login and hands out work
	StateRunning
	// StateError - the pool connection failed; the client keeps reconnecting
	StateError
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultHashRateInterval is how often hash counters are sampled.
const DefaultHashRateInterval = time.Second

// MinerConfig holds the settings shared by every Miner of a Manager.
type MinerConfig struct {
	Login            string
	HashRateInterval time.Duration
	NewHasher        HasherFactory
}

// Miner mines on one pool. It owns the pool connection, the job slots shared
// by its workers and the statistics derived from both.
type Miner struct {
	pool      Pool
	cfg       MinerConfig
	newClient PoolClientFactory
	exec      Executor
	logger    *log.Logger

	main      jobSlot
	alternate jobSlot

	alternateLogin       string
	alternateProbability atomic.Uint32

	session     *session
	lastSession *session

	state                   State
	difficulty              uint32
	goodShareCount          uint32
	goodAlternateShareCount uint32
	mainBadShareCount       uint32
	alternateBadShareCount  uint32
	connectionErrorCount    uint32
	lastConnectionErrorTime time.Time
	hashRate                float64
	alternateHashRate       float64

	observers []PoolMinerObserver

	shareObserversMu sync.RWMutex
	shareObservers   []WorkerObserver
}

// NewMiner creates a stopped miner for pool.
func NewMiner(pool Pool, cfg *MinerConfig, newClient PoolClientFactory, exec Executor, logger *log.Logger) *Miner {
	c := *cfg
	if c.HashRateInterval <= 0 {
		c.HashRateInterval = DefaultHashRateInterval
	}
	if c.NewHasher == nil {
		c.NewHasher = NewKeccakHasher
	}

	return &Miner{
		pool:      pool,
		cfg:       c,
		newClient: newClient,
		exec:      exec,
		logger:    logger.WithComponent("miner").WithPool(pool.Host, pool.Port),
	}
}

// session is one Start..Stop cycle of a miner.
type session struct {
	main      *binding
	alternate atomic.Pointer[binding]
	workers   []*Worker
	shares    chan foundShare
	quit      chan struct{}
	wg        sync.WaitGroup
	active    atomic.Bool
}

// Start spawns coreCount workers and connects to the pool. The state stays
// STOPPED until the pool reports the connection as started. Calling Start on
// a started miner does nothing.
func (m *Miner) Start(coreCount int) {
	if m.session != nil {
		return
	}
	if coreCount < 1 {
		coreCount = 1
	}

	s := &session{
		shares: make(chan foundShare, 64),
		quit:   make(chan struct{}),
	}
	s.active.Store(true)
	s.main = m.bind(m.cfg.Login, false)
	m.session = s

	for i := 0; i < coreCount; i++ {
		w := newWorker(i, &m.main, &m.alternate, &m.alternateProbability, m.cfg.NewHasher(), s.shares, m.logger)
		s.workers = append(s.workers, w)
		w.Start()
	}

	s.wg.Add(2)
	go m.dispatchShares(s)
	go m.sampleHashRate(s)

	m.logger.Info("starting miner", "workers", coreCount)
	s.main.client.Start()

	if m.alternateLogin != "" {
		m.startAlternate(s)
	}
}

// Stop disconnects from the pool and signals every worker to exit. It does
// not wait for them; see Wait.
func (m *Miner) Stop() {
	if s := m.session; s != nil {
		m.session = nil
		m.lastSession = s

		s.active.Store(false)
		s.main.active.Store(false)
		s.main.client.Stop()
		if alt := s.alternate.Swap(nil); alt != nil {
			alt.active.Store(false)
			alt.client.Stop()
		}
		close(s.quit)
		for _, w := range s.workers {
			w.Stop()
		}

		m.main.publish(nil)
		m.alternate.publish(nil)
		m.logger.Info("miner stopped")
	}

	m.setHashRates(0, 0)
	m.setState(StateStopped)
}

// Wait blocks until the goroutines of the most recent session have exited.
func (m *Miner) Wait() {
	s := m.lastSession
	if s == nil {
		return
	}
	s.wg.Wait()
	for _, w := range s.workers {
		<-w.Done()
	}
}

// SetAlternateAccount diverts probability percent of the hash power to jobs
// fetched from the same pool with login. probability is clamped to [0, 100].
func (m *Miner) SetAlternateAccount(login string, probability int) {
	if login == "" {
		m.UnsetAlternateAccount()
		return
	}
	probability = min(max(probability, 0), 100)

	m.alternateLogin = login
	m.alternateProbability.Store(uint32(probability))
	m.logger.Info("alternate account set", "probability", probability)

	if m.session != nil {
		m.stopAlternate(m.session)
		m.startAlternate(m.session)
	}
}

// UnsetAlternateAccount stops alternate mining.
func (m *Miner) UnsetAlternateAccount() {
	m.alternateLogin = ""
	m.alternateProbability.Store(0)
	if m.session != nil {
		m.stopAlternate(m.session)
	}
}

func (m *Miner) startAlternate(s *session) {
	s.alternate.Store(m.bind(m.alternateLogin, true))
	s.alternate.Load().client.Start()
}

func (m *Miner) stopAlternate(s *session) {
	if alt := s.alternate.Swap(nil); alt != nil {
		alt.active.Store(false)
		alt.client.Stop()
	}
	m.alternate.publish(nil)
}

// AddObserver registers an observer for state and metric changes.
func (m *Miner) AddObserver(o PoolMinerObserver) {
	m.observers = append(m.observers, o)
}

// RemoveObserver unregisters o.
func (m *Miner) RemoveObserver(o PoolMinerObserver) {
	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// AddShareObserver registers an observer for shares found by the workers.
// It is safe to call from any goroutine.
func (m *Miner) AddShareObserver(o WorkerObserver) {
	m.shareObserversMu.Lock()
	defer m.shareObserversMu.Unlock()
	m.shareObservers = append(m.shareObservers, o)
}

// RemoveShareObserver unregisters o.
func (m *Miner) RemoveShareObserver(o WorkerObserver) {
	m.shareObserversMu.Lock()
	defer m.shareObserversMu.Unlock()
	for i, existing := range m.shareObservers {
		if existing == o {
			m.shareObservers = append(m.shareObservers[:i], m.shareObservers[i+1:]...)
			return
		}
	}
}

// Getters

// Pool returns the configured pool endpoint.
func (m *Miner) Pool() Pool { return m.pool }

// Host returns the pool host.
func (m *Miner) Host() string { return m.pool.Host }

// Port returns the pool port.
func (m *Miner) Port() uint16 { return m.pool.Port }

// State returns the connection state.
func (m *Miner) State() State { return m.state }

// Started reports whether Start has been called without a matching Stop.
func (m *Miner) Started() bool { return m.session != nil }

// Difficulty returns the difficulty last announced by the pool.
func (m *Miner) Difficulty() uint32 { return m.difficulty }

// GoodShareCount returns the number of shares the pool accepted.
func (m *Miner) GoodShareCount() uint32 { return m.goodShareCount }

// GoodAlternateShareCount returns the number of alternate shares accepted.
func (m *Miner) GoodAlternateShareCount() uint32 { return m.goodAlternateShareCount }

// BadShareCount returns the number of rejected shares, main and alternate.
func (m *Miner) BadShareCount() uint32 { return m.mainBadShareCount + m.alternateBadShareCount }

// ConnectionErrorCount returns the number of pool connection failures.
func (m *Miner) ConnectionErrorCount() uint32 { return m.connectionErrorCount }

// LastConnectionErrorTime returns when the pool connection last failed.
func (m *Miner) LastConnectionErrorTime() time.Time { return m.lastConnectionErrorTime }

// HashRate returns the last sampled main job hash rate in hashes per second.
func (m *Miner) HashRate() float64 { return m.hashRate }

// AlternateHashRate returns the last sampled alternate job hash rate.
func (m *Miner) AlternateHashRate() float64 { return m.alternateHashRate }

// AlternateLogin returns the alternate account login, empty when unset.
func (m *Miner) AlternateLogin() string { return m.alternateLogin }

// AlternateProbability returns the alternate mining percentage.
func (m *Miner) AlternateProbability() int { return int(m.alternateProbability.Load()) }

// Worker side

func (m *Miner) dispatchShares(s *session) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case fs := <-s.shares:
			b := s.main
			if fs.alternate {
				b = s.alternate.Load()
			}
			if b == nil || !b.active.Load() {
				continue
			}

			m.logger.LogShareFound(fs.share.JobID, fs.share.Nonce, fs.alternate)
			b.client.SubmitShare(fs.share)

			m.shareObserversMu.RLock()
			for _, o := range m.shareObservers {
				o.ShareFound(fs.share, fs.alternate)
			}
			m.shareObserversMu.RUnlock()
		}
	}
}

func (m *Miner) sampleHashRate(s *session) {
	defer s.wg.Done()

	interval := m.cfg.HashRateInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			rate := float64(m.main.hashes.Swap(0)) / interval.Seconds()
			alternateRate := float64(m.alternate.hashes.Swap(0)) / interval.Seconds()
			m.exec.Post(func() {
				if s.active.Load() {
					m.setHashRates(rate, alternateRate)
				}
			})
		}
	}
}

// Control side

func (m *Miner) setState(state State) {
	if m.state == state {
		return
	}
	m.logger.LogStateChange(m.state.String(), state.String())
	m.state = state
	for _, o := range m.observers {
		o.StateChanged(m, state)
	}
}

func (m *Miner) setHashRates(rate, alternateRate float64) {
	if rate != m.hashRate {
		m.hashRate = rate
		for _, o := range m.observers {
			o.HashRateChanged(m, rate)
		}
	}
	if alternateRate != m.alternateHashRate {
		m.alternateHashRate = alternateRate
		for _, o := range m.observers {
			o.AlternateHashRateChanged(m, alternateRate)
		}
	}
	if rate > 0 || alternateRate > 0 {
		m.logger.LogHashRate(rate, alternateRate)
	}
}

func (m *Miner) setDifficulty(difficulty uint32) {
	if difficulty == m.difficulty {
		return
	}
	m.difficulty = difficulty
	for _, o := range m.observers {
		o.DifficultyChanged(m, difficulty)
	}
}

func (m *Miner) setGoodShareCount(count uint32) {
	if count == m.goodShareCount {
		return
	}
	m.goodShareCount = count
	for _, o := range m.observers {
		o.GoodShareCountChanged(m, count)
	}
}

func (m *Miner) setGoodAlternateShareCount(count uint32) {
	if count == m.goodAlternateShareCount {
		return
	}
	m.goodAlternateShareCount = count
	for _, o := range m.observers {
		o.GoodAlternateShareCountChanged(m, count)
	}
}

func (m *Miner) setBadShareCounts(mainCount, alternateCount uint32) {
	before := m.BadShareCount()
	m.mainBadShareCount, m.alternateBadShareCount = mainCount, alternateCount
	if after := m.BadShareCount(); after != before {
		for _, o := range m.observers {
			o.BadShareCountChanged(m, after)
		}
	}
}

func (m *Miner) setConnectionErrorCount(count uint32) {
	if count == m.connectionErrorCount {
		return
	}
	m.connectionErrorCount = count
	for _, o := range m.observers {
		o.ConnectionErrorCountChanged(m, count)
	}
}

func (m *Miner) setLastConnectionErrorTime(t time.Time) {
	if t.Equal(m.lastConnectionErrorTime) {
		return
	}
	m.lastConnectionErrorTime = t
	for _, o := range m.observers {
		o.LastConnectionErrorTimeChanged(m, t)
	}
}

// binding connects one pool client to the miner for the life of a session.
// Every callback except JobChanged is replayed on the control goroutine and
// dropped once the binding is deactivated.
//
// A fresh client counts shares and connection errors from zero; the bases
// are the miner's counts when the client was bound, so forwarded counts stay
// cumulative across restarts.
type binding struct {
	m         *Miner
	client    PoolClient
	alternate bool
	goodBase  uint32
	badBase   uint32
	errorBase uint32
	active    atomic.Bool
}

func (m *Miner) bind(login string, alternate bool) *binding {
	b := &binding{m: m, alternate: alternate, errorBase: m.connectionErrorCount}
	if alternate {
		b.goodBase, b.badBase = m.goodAlternateShareCount, m.alternateBadShareCount
	} else {
		b.goodBase, b.badBase = m.goodShareCount, m.mainBadShareCount
	}
	b.active.Store(true)
	b.client = m.newClient(m.pool, login)
	b.client.SetObserver(b)
	return b
}

// post replays fn on the control goroutine. A deactivated binding posts
// nothing: the control goroutine itself deactivates bindings and then stops
// their clients, whose synchronous callbacks must not queue onto the loop.
func (b *binding) post(fn func()) {
	if !b.active.Load() {
		return
	}
	b.m.exec.Post(func() {
		if b.active.Load() {
			fn()
		}
	})
}

func (b *binding) Started() {
	b.post(func() {
		if b.alternate {
			b.m.logger.Info("alternate pool connection started")
			return
		}
		b.m.setState(StateRunning)
	})
}

func (b *binding) Stopped() {
	b.post(func() {
		if b.alternate {
			b.m.alternate.publish(nil)
			return
		}
		b.m.setState(StateStopped)
	})
}

func (b *binding) SocketError(err error) {
	b.post(func() {
		m := b.m
		if b.alternate {
			m.logger.WithError(err).Warn("alternate pool connection failed")
			m.alternate.publish(nil)
			return
		}
		m.logger.WithError(err).Warn("pool connection failed")
		at := b.client.LastConnectionErrorTime()
		if at.IsZero() {
			at = time.Now()
		}
		m.setConnectionErrorCount(m.connectionErrorCount + 1)
		m.setLastConnectionErrorTime(at)
		m.setState(StateError)
	})
}

// JobChanged publishes the job straight into the slot. Workers pick it up on
// their next round without involving the control goroutine.
func (b *binding) JobChanged(job *Job) {
	if !b.active.Load() {
		return
	}
	if b.alternate {
		b.m.alternate.publish(job)
	} else {
		b.m.main.publish(job)
	}
	if job != nil {
		b.m.logger.Debug("new job", "job_id", job.ID, "target", job.Target, "alternate", b.alternate)
	}
}

func (b *binding) DifficultyChanged(difficulty uint32) {
	if b.alternate {
		return
	}
	b.post(func() { b.m.setDifficulty(difficulty) })
}

func (b *binding) GoodShareCountChanged(count uint32) {
	b.post(func() {
		if b.alternate {
			b.m.setGoodAlternateShareCount(b.goodBase + count)
		} else {
			b.m.setGoodShareCount(b.goodBase + count)
		}
	})
}

func (b *binding) BadShareCountChanged(count uint32) {
	b.post(func() {
		if b.alternate {
			b.m.setBadShareCounts(b.m.mainBadShareCount, b.badBase+count)
		} else {
			b.m.setBadShareCounts(b.badBase+count, b.m.alternateBadShareCount)
		}
	})
}

func (b *binding) ConnectionErrorCountChanged(count uint32) {
	if b.alternate {
		return
	}
	b.post(func() { b.m.setConnectionErrorCount(b.errorBase + count) })
}

func (b *binding) LastConnectionErrorTimeChanged(t time.Time) {
	if b.alternate {
		return
	}
	b.post(func() { b.m.setLastConnectionErrorTime(t) })
}
