package mining

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/pkg/log"
)

var testPool = Pool{Host: "pool.example.com", Port: 3333}

func newTestMiner(t *testing.T, clients *fakeClients, exec Executor, cfg MinerConfig) *Miner {
	t.Helper()
	if cfg.HashRateInterval == 0 {
		cfg.HashRateInterval = time.Hour
	}
	if cfg.NewHasher == nil {
		cfg.NewHasher = constHasher(digestWithHighWord(0xFFFFFFFF))
	}
	m := NewMiner(testPool, &cfg, clients.New, exec, log.Discard())
	t.Cleanup(func() {
		m.Stop()
		m.Wait()
	})
	return m
}

func TestMinerStateMachine(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{Login: "wallet"})
	rec := &minerRecorder{}
	m.AddObserver(rec)

	if m.State() != StateStopped {
		t.Fatalf("new miner state = %v, want stopped", m.State())
	}

	m.Start(2)
	c := clients.latest(t, testPool.Host)
	if !c.running() || c.login != "wallet" {
		t.Fatalf("pool client not started with the configured login: %+v", c)
	}
	if m.State() != StateStopped {
		t.Fatalf("state before the pool confirmed = %v, want stopped", m.State())
	}

	c.observer.Started()
	if m.State() != StateRunning {
		t.Fatalf("state after Started = %v, want running", m.State())
	}

	c.observer.SocketError(errors.New("connection reset"))
	if m.State() != StateError {
		t.Fatalf("state after SocketError = %v, want error", m.State())
	}
	if m.ConnectionErrorCount() != 1 || m.LastConnectionErrorTime().IsZero() {
		t.Errorf("connection errors = %d at %v, want 1 with a timestamp",
			m.ConnectionErrorCount(), m.LastConnectionErrorTime())
	}

	c.observer.Started()
	c.observer.Stopped()
	if m.State() != StateStopped {
		t.Fatalf("state after Stopped = %v, want stopped", m.State())
	}

	want := []State{StateRunning, StateError, StateRunning, StateStopped}
	if len(rec.states) != len(want) {
		t.Fatalf("state changes = %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("state change %d = %v, want %v", i, rec.states[i], want[i])
		}
	}
}

func TestMinerStopFromAnyState(t *testing.T) {
	tests := []struct {
		name  string
		drive func(o PoolClientObserver)
	}{
		{"connecting", func(PoolClientObserver) {}},
		{"running", func(o PoolClientObserver) { o.Started() }},
		{"error", func(o PoolClientObserver) { o.SocketError(errors.New("refused")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clients := &fakeClients{}
			m := newTestMiner(t, clients, inlineExecutor, MinerConfig{})
			m.Start(1)
			c := clients.latest(t, testPool.Host)
			tt.drive(c.observer)

			m.Stop()
			if m.State() != StateStopped || m.Started() {
				t.Errorf("after Stop state = %v started = %v", m.State(), m.Started())
			}
			if c.running() {
				t.Error("pool client still running after Stop")
			}

			// Late callbacks from the stopped session are dropped
			c.observer.Started()
			if m.State() != StateStopped {
				t.Errorf("stale Started moved state to %v", m.State())
			}
		})
	}
}

func TestMinerStartTwiceIsNoop(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{})
	m.Start(1)
	m.Start(1)
	if n := clients.count(testPool.Host); n != 1 {
		t.Errorf("created %d pool clients, want 1", n)
	}
}

func TestMinerForwardsPoolStatistics(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{})
	rec := &minerRecorder{}
	m.AddObserver(rec)
	m.Start(1)
	c := clients.latest(t, testPool.Host)

	c.observer.DifficultyChanged(5000)
	c.observer.GoodShareCountChanged(3)
	c.observer.BadShareCountChanged(1)
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.observer.LastConnectionErrorTimeChanged(when)

	if m.Difficulty() != 5000 || m.GoodShareCount() != 3 || m.BadShareCount() != 1 {
		t.Errorf("difficulty=%d good=%d bad=%d", m.Difficulty(), m.GoodShareCount(), m.BadShareCount())
	}
	if !m.LastConnectionErrorTime().Equal(when) {
		t.Errorf("last connection error = %v, want %v", m.LastConnectionErrorTime(), when)
	}
	if len(rec.difficulties) != 1 || len(rec.goodShares) != 1 || len(rec.badShares) != 1 || len(rec.lastErrorTimes) != 1 {
		t.Errorf("forwarded events: %+v", rec)
	}

	// Repeated values are not re-emitted
	c.observer.DifficultyChanged(5000)
	if len(rec.difficulties) != 1 {
		t.Errorf("difficulty emitted %d times, want 1", len(rec.difficulties))
	}
}

func TestMinerConnectionErrorsAreCumulative(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{})
	rec := &minerRecorder{}
	m.AddObserver(rec)

	m.Start(1)
	c := clients.latest(t, testPool.Host)
	c.observer.SocketError(errors.New("timeout"))
	c.observer.ConnectionErrorCountChanged(1)
	m.Stop()

	// A new session gets a fresh client counting from zero
	m.Start(1)
	c = clients.latest(t, testPool.Host)
	c.observer.SocketError(errors.New("timeout"))
	c.observer.ConnectionErrorCountChanged(1)

	if m.ConnectionErrorCount() != 2 {
		t.Errorf("connection errors = %d, want 2", m.ConnectionErrorCount())
	}
	want := []uint32{1, 2}
	if len(rec.connectionErrors) != len(want) || rec.connectionErrors[0] != 1 || rec.connectionErrors[1] != 2 {
		t.Errorf("connection error events = %v, want %v", rec.connectionErrors, want)
	}
}

func TestMinerShareCountsAreCumulative(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{Login: "wallet"})
	m.SetAlternateAccount("donation", 10)
	rec := &minerRecorder{}
	m.AddObserver(rec)

	m.Start(1)
	mainClient, alt := clients.clients[0], clients.latest(t, testPool.Host)
	for n := uint32(1); n <= 5; n++ {
		mainClient.observer.GoodShareCountChanged(n)
	}
	mainClient.observer.BadShareCountChanged(3)
	alt.observer.GoodShareCountChanged(2)
	alt.observer.BadShareCountChanged(1)
	m.Stop()

	// The next session's clients count from zero again
	m.Start(1)
	mainClient, alt = clients.clients[2], clients.latest(t, testPool.Host)
	if mainClient.login != "wallet" || alt.login != "donation" {
		t.Fatalf("second session clients: %q, %q", mainClient.login, alt.login)
	}
	mainClient.observer.GoodShareCountChanged(1)
	mainClient.observer.BadShareCountChanged(1)
	alt.observer.GoodShareCountChanged(1)

	tests := []struct {
		name      string
		got, want uint32
	}{
		{"good", m.GoodShareCount(), 6},
		{"good alternate", m.GoodAlternateShareCount(), 3},
		{"bad", m.BadShareCount(), 5},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s shares = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
	for i := 1; i < len(rec.goodShares); i++ {
		if rec.goodShares[i] < rec.goodShares[i-1] {
			t.Errorf("good share events went backwards: %v", rec.goodShares)
		}
	}
}

func TestMinerStopDoesNotPostToFullQueue(t *testing.T) {
	clients := &fakeClients{notifyOnStop: true}
	exec := make(blockingExecutor, 1)
	m := newTestMiner(t, clients, exec, MinerConfig{})
	m.SetAlternateAccount("donation", 10)
	m.Start(1)

	// Stop runs on the goroutine that drains the queue; with the queue full a
	// post from inside Stop would never return
	exec.Post(func() {})
	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		<-exec
		<-stopped
		t.Fatal("Stop blocked posting a callback of its own stopped clients")
	}
	if len(exec) != 1 {
		t.Errorf("queue holds %d functions after Stop, want only the filler", len(exec))
	}
	if m.State() != StateStopped {
		t.Errorf("state = %v, want stopped", m.State())
	}
}

func TestMinerSubmitsShares(t *testing.T) {
	clients := &fakeClients{}
	found := &shareCollector{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{
		NewHasher: constHasher(Digest{}),
	})
	m.AddShareObserver(found)
	m.Start(4)
	c := clients.latest(t, testPool.Host)
	c.observer.JobChanged(&Job{ID: "job1", Target: 1000, Blob: testBlob()})

	deadline := time.Now().Add(5 * time.Second)
	for len(c.shares()) < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("submitted %d shares before deadline, want 20", len(c.shares()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Wait()

	seen := make(map[uint32]bool)
	for _, s := range c.shares() {
		if s.JobID != "job1" {
			t.Errorf("share for job %q, want job1", s.JobID)
		}
		if seen[s.Nonce] {
			t.Errorf("nonce %d submitted twice", s.Nonce)
		}
		seen[s.Nonce] = true
	}
	if found.count() != len(c.shares()) {
		t.Errorf("share observer saw %d shares, client got %d", found.count(), len(c.shares()))
	}
}

func TestMinerSamplesHashRate(t *testing.T) {
	clients := &fakeClients{}
	exec := newQueueExecutor()
	m := newTestMiner(t, clients, exec, MinerConfig{HashRateInterval: 20 * time.Millisecond})
	m.Start(1)
	c := clients.latest(t, testPool.Host)
	c.observer.JobChanged(&Job{ID: "job1", Target: 1, Blob: testBlob()})

	exec.runUntil(t, func() bool { return m.HashRate() > 0 })
	if m.AlternateHashRate() != 0 {
		t.Errorf("alternate hash rate = %v without an alternate job", m.AlternateHashRate())
	}

	m.Stop()
	if m.HashRate() != 0 {
		t.Errorf("hash rate after Stop = %v, want 0", m.HashRate())
	}
}

func TestMinerAlternateAccount(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{Login: "wallet"})
	m.SetAlternateAccount("donation", 150)
	if m.AlternateProbability() != 100 {
		t.Errorf("probability = %d, want clamped to 100", m.AlternateProbability())
	}

	m.Start(1)
	if n := clients.count(testPool.Host); n != 2 {
		t.Fatalf("created %d pool clients, want main and alternate", n)
	}
	alt := clients.latest(t, testPool.Host)
	if alt.login != "donation" || !alt.running() {
		t.Fatalf("alternate client = %+v", alt)
	}

	mainClient := clients.clients[0]
	mainClient.observer.Started()
	mainClient.observer.BadShareCountChanged(2)
	alt.observer.GoodShareCountChanged(4)
	alt.observer.BadShareCountChanged(1)
	if m.GoodAlternateShareCount() != 4 || m.GoodShareCount() != 0 || m.BadShareCount() != 3 {
		t.Errorf("good=%d alternate=%d bad=%d", m.GoodShareCount(), m.GoodAlternateShareCount(), m.BadShareCount())
	}

	alt.observer.JobChanged(&Job{ID: "alt-job", Target: 1, Blob: testBlob()})
	if m.alternate.jobID() != "alt-job" {
		t.Fatalf("alternate slot = %q, want alt-job", m.alternate.jobID())
	}

	// Alternate failures never change the miner state
	alt.observer.SocketError(errors.New("reset"))
	if m.State() != StateRunning || m.ConnectionErrorCount() != 0 {
		t.Errorf("state = %v errors = %d after alternate failure", m.State(), m.ConnectionErrorCount())
	}
	if m.alternate.jobID() != "" {
		t.Error("alternate job kept after alternate failure")
	}

	m.UnsetAlternateAccount()
	if alt.running() || m.AlternateLogin() != "" || m.AlternateProbability() != 0 {
		t.Error("alternate account still active after UnsetAlternateAccount")
	}
	alt.observer.GoodShareCountChanged(9)
	if m.GoodAlternateShareCount() != 4 {
		t.Error("callback from an unset alternate client was applied")
	}
}

func TestMinerStopClearsJobs(t *testing.T) {
	clients := &fakeClients{}
	m := newTestMiner(t, clients, inlineExecutor, MinerConfig{})
	m.Start(1)
	c := clients.latest(t, testPool.Host)
	c.observer.JobChanged(&Job{ID: "job1", Target: 1, Blob: testBlob()})
	m.Stop()

	if m.main.jobID() != "" {
		t.Error("main job survived Stop")
	}
	c.observer.JobChanged(&Job{ID: "job2", Target: 1, Blob: testBlob()})
	if m.main.jobID() != "" {
		t.Error("stale client published a job after Stop")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateRunning, "running"},
		{StateError, "error"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// shareCollector is a WorkerObserver counting shares.
type shareCollector struct {
	mu     sync.Mutex
	shares []Share
}

func (s *shareCollector) ShareFound(share Share, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares = append(s.shares, share)
}

func (s *shareCollector) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares)
}
