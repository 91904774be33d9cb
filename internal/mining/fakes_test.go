package mining

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// inlineExecutor runs posted functions immediately on the caller.
var inlineExecutor = ExecutorFunc(func(fn func()) { fn() })

// queueExecutor collects posted functions until the test runs them.
type queueExecutor chan func()

func newQueueExecutor() queueExecutor {
	return make(queueExecutor, 1024)
}

func (q queueExecutor) Post(fn func()) {
	select {
	case q <- fn:
	default:
	}
}

// runUntil runs queued functions on the test goroutine until cond holds.
func (q queueExecutor) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case fn := <-q:
			fn()
		case <-deadline:
			t.Fatal("condition not reached before deadline")
		}
	}
}

// blockingExecutor has a bounded queue whose Post blocks when full, like
// loop.Loop.
type blockingExecutor chan func()

func (b blockingExecutor) Post(fn func()) { b <- fn }

// fakePoolClient records calls and lets tests fire observer callbacks.
type fakePoolClient struct {
	mu        sync.Mutex
	pool      Pool
	login     string
	observer  PoolClientObserver
	starts    int
	stops     int
	submitted []Share

	// notifyOnStop reports Stopped from inside Stop, as the stratum client does
	notifyOnStop bool
}

func (c *fakePoolClient) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
}

func (c *fakePoolClient) Stop() {
	c.mu.Lock()
	c.stops++
	notify := c.notifyOnStop && c.observer != nil
	c.mu.Unlock()

	if notify {
		c.observer.Stopped()
	}
}

func (c *fakePoolClient) Host() string                       { return c.pool.Host }
func (c *fakePoolClient) Port() uint16                       { return c.pool.Port }
func (c *fakePoolClient) Difficulty() uint32                 { return 0 }
func (c *fakePoolClient) GoodShareCount() uint32             { return 0 }
func (c *fakePoolClient) BadShareCount() uint32              { return 0 }
func (c *fakePoolClient) ConnectionErrorCount() uint32       { return 0 }
func (c *fakePoolClient) LastConnectionErrorTime() time.Time { return time.Time{} }

func (c *fakePoolClient) SetObserver(o PoolClientObserver) { c.observer = o }

func (c *fakePoolClient) SubmitShare(share Share) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, share)
}

func (c *fakePoolClient) shares() []Share {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Share(nil), c.submitted...)
}

func (c *fakePoolClient) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts > c.stops
}

// fakeClients is a PoolClientFactory that remembers every client it made.
type fakeClients struct {
	mu           sync.Mutex
	clients      []*fakePoolClient
	notifyOnStop bool
}

func (f *fakeClients) New(pool Pool, login string) PoolClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakePoolClient{pool: pool, login: login, notifyOnStop: f.notifyOnStop}
	f.clients = append(f.clients, c)
	return c
}

// latest returns the most recent client created for host.
func (f *fakeClients) latest(t *testing.T, host string) *fakePoolClient {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.clients) - 1; i >= 0; i-- {
		if f.clients[i].pool.Host == host {
			return f.clients[i]
		}
	}
	t.Fatalf("no client created for %s", host)
	return nil
}

func (f *fakeClients) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.clients {
		if c.pool.Host == host {
			n++
		}
	}
	return n
}

// memSettings is an in-memory Settings.
type memSettings struct {
	pools    []string
	defaults []string
	cores    int
	policy   string
	failSave bool
}

var errSaveFailed = errors.New("save failed")

func (s *memSettings) MiningPoolList() []string        { return append([]string(nil), s.pools...) }
func (s *memSettings) DefaultMiningPoolList() []string { return append([]string(nil), s.defaults...) }
func (s *memSettings) MiningCPUCoreCount() int         { return s.cores }
func (s *memSettings) MiningSchedulePolicy() string    { return s.policy }

func (s *memSettings) SetMiningPoolList(pools []string) error {
	if s.failSave {
		return errSaveFailed
	}
	s.pools = append([]string(nil), pools...)
	return nil
}

func (s *memSettings) SetMiningCPUCoreCount(count int) error {
	if s.failSave {
		return errSaveFailed
	}
	s.cores = count
	return nil
}

func (s *memSettings) SetMiningSchedulePolicy(policy string) error {
	if s.failSave {
		return errSaveFailed
	}
	s.policy = policy
	return nil
}

// recordingObserver logs Manager events as short strings.
type recordingObserver struct {
	NopManagerObserver
	events []string
}

func (r *recordingObserver) record(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingObserver) MinersLoaded()            { r.record("loaded") }
func (r *recordingObserver) MinersUnloaded()          { r.record("unloaded") }
func (r *recordingObserver) MiningStarted()           { r.record("started") }
func (r *recordingObserver) MiningStopped()           { r.record("stopped") }
func (r *recordingObserver) ActiveMinerChanged(i int) { r.record("active %d", i) }
func (r *recordingObserver) MinerAdded(i int)         { r.record("added %d", i) }
func (r *recordingObserver) MinerRemoved(i int)       { r.record("removed %d", i) }
func (r *recordingObserver) MinerMoved(from, to int)  { r.record("moved %d %d", from, to) }

func (r *recordingObserver) SchedulePolicyChanged(p SchedulePolicy) {
	r.record("policy %s", p)
}

func (r *recordingObserver) CPUCoreCountChanged(n int) { r.record("cores %d", n) }

func (r *recordingObserver) MinerStateChanged(i int, s State) {
	r.record("state %d %s", i, s)
}

func (r *recordingObserver) MinerDifficultyChanged(i int, d uint32) {
	r.record("difficulty %d %d", i, d)
}

func (r *recordingObserver) MinerGoodShareCountChanged(i int, n uint32) {
	r.record("good %d %d", i, n)
}

func (r *recordingObserver) MinerBadShareCountChanged(i int, n uint32) {
	r.record("bad %d %d", i, n)
}

func (r *recordingObserver) MinerConnectionErrorCountChanged(i int, n uint32) {
	r.record("errors %d %d", i, n)
}

func (r *recordingObserver) has(event string) bool {
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func (r *recordingObserver) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

// minerRecorder implements PoolMinerObserver for Miner tests.
type minerRecorder struct {
	states            []State
	connectionErrors  []uint32
	hashRates         []float64
	goodShares        []uint32
	goodAlternate     []uint32
	badShares         []uint32
	difficulties      []uint32
	lastErrorTimes    []time.Time
	alternateHashRate []float64
}

func (r *minerRecorder) StateChanged(_ *Miner, s State) { r.states = append(r.states, s) }

func (r *minerRecorder) HashRateChanged(_ *Miner, rate float64) {
	r.hashRates = append(r.hashRates, rate)
}

func (r *minerRecorder) AlternateHashRateChanged(_ *Miner, rate float64) {
	r.alternateHashRate = append(r.alternateHashRate, rate)
}

func (r *minerRecorder) DifficultyChanged(_ *Miner, d uint32) {
	r.difficulties = append(r.difficulties, d)
}

func (r *minerRecorder) GoodShareCountChanged(_ *Miner, n uint32) {
	r.goodShares = append(r.goodShares, n)
}

func (r *minerRecorder) GoodAlternateShareCountChanged(_ *Miner, n uint32) {
	r.goodAlternate = append(r.goodAlternate, n)
}

func (r *minerRecorder) BadShareCountChanged(_ *Miner, n uint32) {
	r.badShares = append(r.badShares, n)
}

func (r *minerRecorder) ConnectionErrorCountChanged(_ *Miner, n uint32) {
	r.connectionErrors = append(r.connectionErrors, n)
}

func (r *minerRecorder) LastConnectionErrorTimeChanged(_ *Miner, t time.Time) {
	r.lastErrorTimes = append(r.lastErrorTimes, t)
}

// testBlob returns a blob large enough to carry a nonce.
func testBlob() []byte {
	blob := make([]byte, 76)
	for i := range blob {
		blob[i] = byte(i)
	}
	return blob
}

// digestWithHighWord returns a digest whose word 7 equals w.
func digestWithHighWord(w uint32) Digest {
	var d Digest
	d[28] = byte(w)
	d[29] = byte(w >> 8)
	d[30] = byte(w >> 16)
	d[31] = byte(w >> 24)
	return d
}

// constHasher returns a factory whose hashers always produce d.
func constHasher(d Digest) HasherFactory {
	return func() Hasher {
		return HasherFunc(func([]byte) Digest { return d })
	}
}
