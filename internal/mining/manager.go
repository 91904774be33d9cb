package mining

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"strings"
	"time"

	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// SchedulePolicy decides which pool the Manager switches to.
type SchedulePolicy int

const (
	// PolicyFailover always prefers the earliest listed available pool.
	PolicyFailover SchedulePolicy = iota
	// PolicyRandom picks uniformly among available pools.
	PolicyRandom
)

// String returns string representation of the policy
func (p SchedulePolicy) String() string {
	switch p {
	case PolicyFailover:
		return "failover"
	case PolicyRandom:
		return "random"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseSchedulePolicy parses "failover" or "random".
func ParseSchedulePolicy(s string) (SchedulePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "failover":
		return PolicyFailover, nil
	case "random":
		return PolicyRandom, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Settings persists the Manager's configuration. Zero values ("" and 0) mean
// the setting has never been stored.
type Settings interface {
	MiningPoolList() []string
	SetMiningPoolList(pools []string) error
	DefaultMiningPoolList() []string

	MiningCPUCoreCount() int
	SetMiningCPUCoreCount(count int) error

	MiningSchedulePolicy() string
	SetMiningSchedulePolicy(policy string) error
}

// ManagerConfig holds Manager construction parameters.
type ManagerConfig struct {
	Miner MinerConfig

	// CPUCoreCount and SchedulePolicy apply when Settings holds none.
	CPUCoreCount   int
	SchedulePolicy SchedulePolicy

	// Rand drives the random policy. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

// Manager owns the ordered pool list and switches between pools according to
// its schedule policy. All methods must be called on the control goroutine.
type Manager struct {
	cfg       ManagerConfig
	settings  Settings
	newClient PoolClientFactory
	exec      Executor
	logger    *log.Logger
	rng       *rand.Rand

	miners    []*Miner
	active    *Miner
	mining    bool
	policy    SchedulePolicy
	coreCount int

	alternateLogin       string
	alternateProbability int

	observers []ManagerObserver
	events    *minerEvents
	unloaded  []*Miner
}

// NewManager creates a Manager. Call Load to read the persisted pool list.
func NewManager(cfg *ManagerConfig, settings Settings, newClient PoolClientFactory, exec Executor, logger *log.Logger) *Manager {
	c := *cfg
	if c.CPUCoreCount < 1 {
		c.CPUCoreCount = runtime.NumCPU()
	}
	rng := c.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	mgr := &Manager{
		cfg:       c,
		settings:  settings,
		newClient: newClient,
		exec:      exec,
		logger:    logger.WithComponent("manager"),
		rng:       rng,
		policy:    c.SchedulePolicy,
		coreCount: c.CPUCoreCount,
	}
	mgr.events = &minerEvents{mgr: mgr}
	return mgr
}

// Load reads the policy, core count and pool list from Settings and emits
// MinersLoaded. Malformed pool entries are skipped.
func (mgr *Manager) Load() {
	if s := mgr.settings.MiningSchedulePolicy(); s != "" {
		if p, err := ParseSchedulePolicy(s); err != nil {
			mgr.logger.WithError(err).Warn("ignoring stored schedule policy")
		} else {
			mgr.policy = p
		}
	}
	if n := mgr.settings.MiningCPUCoreCount(); n > 0 {
		mgr.coreCount = n
	}

	for _, entry := range mgr.settings.MiningPoolList() {
		pool, err := ParsePool(entry)
		if err != nil {
			mgr.logger.WithError(err).Warn("skipping stored pool")
			continue
		}
		mgr.miners = append(mgr.miners, mgr.newMiner(pool))
	}

	mgr.logger.Info("miners loaded",
		"count", len(mgr.miners),
		"policy", mgr.policy.String(),
		"cpu_cores", mgr.coreCount)
	for _, o := range mgr.observers {
		o.MinersLoaded()
	}
}

// Close stops mining, drops every miner and emits MinersUnloaded.
func (mgr *Manager) Close() {
	if mgr.mining {
		mgr.StopMining()
	}
	for _, m := range mgr.miners {
		m.RemoveObserver(mgr.events)
	}
	mgr.unloaded = append(mgr.unloaded, mgr.miners...)
	mgr.miners = nil

	for _, o := range mgr.observers {
		o.MinersUnloaded()
	}
}

// Wait blocks until the workers of every miner dropped by Close or
// RemoveMiner have exited. It may be called from any goroutine once Close
// has returned.
func (mgr *Manager) Wait() {
	for _, m := range mgr.unloaded {
		m.Wait()
	}
}

func (mgr *Manager) newMiner(pool Pool) *Miner {
	m := NewMiner(pool, &mgr.cfg.Miner, mgr.newClient, mgr.exec, mgr.logger)
	if mgr.alternateLogin != "" {
		m.SetAlternateAccount(mgr.alternateLogin, mgr.alternateProbability)
	}
	m.AddObserver(mgr.events)
	return m
}

// StartMining begins mining on the pool chosen by the schedule policy.
func (mgr *Manager) StartMining() {
	if mgr.mining {
		return
	}
	mgr.mining = true
	mgr.logger.Info("mining started", "policy", mgr.policy.String(), "cpu_cores", mgr.coreCount)
	for _, o := range mgr.observers {
		o.MiningStarted()
	}
	mgr.switchToNextPool()
}

// StopMining stops every miner and clears the active miner.
func (mgr *Manager) StopMining() {
	mgr.setActive(nil)
	for _, m := range mgr.miners {
		if m.Started() || m.State() != StateStopped {
			m.Stop()
		}
	}
	if !mgr.mining {
		return
	}
	mgr.mining = false
	mgr.logger.Info("mining stopped")
	for _, o := range mgr.observers {
		o.MiningStopped()
	}
}

// IsMining reports whether StartMining is in effect.
func (mgr *Manager) IsMining() bool { return mgr.mining }

// AddMiner appends a pool to the list and persists the list. The returned
// error reports a persistence failure; the miner is added regardless.
func (mgr *Manager) AddMiner(host string, port uint16, difficulty uint32) (int, error) {
	pool := Pool{Host: host, Port: port, Difficulty: difficulty}
	if err := pool.validate(); err != nil {
		return -1, err
	}

	mgr.miners = append(mgr.miners, mgr.newMiner(pool))
	index := len(mgr.miners) - 1
	err := mgr.savePoolList()

	mgr.logger.Info("miner added", "index", index, "pool", pool.String())
	for _, o := range mgr.observers {
		o.MinerAdded(index)
	}

	if mgr.mining && mgr.active == nil {
		mgr.switchToNextPool()
	}
	return index, err
}

// RemoveMiner stops and removes the miner at index and persists the list.
func (mgr *Manager) RemoveMiner(index int) error {
	if index < 0 || index >= len(mgr.miners) {
		return fmt.Errorf("%w: %d", ErrMinerIndexOutOfRange, index)
	}

	activeBefore := mgr.ActiveMinerIndex()
	m := mgr.miners[index]
	m.RemoveObserver(mgr.events)
	wasActive := m == mgr.active
	if m.Started() || m.State() != StateStopped {
		m.Stop()
	}
	mgr.unloaded = append(mgr.unloaded, m)
	mgr.miners = append(mgr.miners[:index], mgr.miners[index+1:]...)
	err := mgr.savePoolList()

	mgr.logger.Info("miner removed", "index", index, "pool", m.Pool().String())
	for _, o := range mgr.observers {
		o.MinerRemoved(index)
	}

	if wasActive {
		mgr.setActive(nil)
		if mgr.mining {
			mgr.switchToNextPool()
		}
	} else {
		mgr.activeIndexMoved(activeBefore)
	}
	return err
}

// MoveMiner moves the miner at from to position to and persists the list.
func (mgr *Manager) MoveMiner(from, to int) error {
	if from < 0 || from >= len(mgr.miners) {
		return fmt.Errorf("%w: %d", ErrMinerIndexOutOfRange, from)
	}
	if to < 0 || to >= len(mgr.miners) {
		return fmt.Errorf("%w: %d", ErrMinerIndexOutOfRange, to)
	}
	if from == to {
		return nil
	}

	activeBefore := mgr.ActiveMinerIndex()
	m := mgr.miners[from]
	mgr.miners = append(mgr.miners[:from], mgr.miners[from+1:]...)
	mgr.miners = append(mgr.miners[:to], append([]*Miner{m}, mgr.miners[to:]...)...)
	err := mgr.savePoolList()

	for _, o := range mgr.observers {
		o.MinerMoved(from, to)
	}
	mgr.activeIndexMoved(activeBefore)
	return err
}

// RestoreDefaultMinerList fills an empty miner list with the default pools.
func (mgr *Manager) RestoreDefaultMinerList() error {
	if len(mgr.miners) > 0 {
		return ErrMinerListNotEmpty
	}

	for _, entry := range mgr.settings.DefaultMiningPoolList() {
		pool, err := ParsePool(entry)
		if err != nil {
			mgr.logger.WithError(err).Warn("skipping default pool")
			continue
		}
		mgr.miners = append(mgr.miners, mgr.newMiner(pool))
		for _, o := range mgr.observers {
			o.MinerAdded(len(mgr.miners) - 1)
		}
	}
	return mgr.savePoolList()
}

// SchedulePolicy returns the current policy.
func (mgr *Manager) SchedulePolicy() SchedulePolicy { return mgr.policy }

// SetSchedulePolicy stores the policy. Running miners are left alone; the
// policy applies to the next switch.
func (mgr *Manager) SetSchedulePolicy(policy SchedulePolicy) error {
	if policy != PolicyFailover && policy != PolicyRandom {
		return fmt.Errorf("%w: %d", ErrUnknownPolicy, int(policy))
	}
	if policy == mgr.policy {
		return nil
	}

	mgr.policy = policy
	var err error
	if serr := mgr.settings.SetMiningSchedulePolicy(policy.String()); serr != nil {
		mgr.logger.WithError(serr).Error("failed to persist schedule policy")
		err = minerErrors.Wrap(serr, minerErrors.ErrorTypeSettings, "save_schedule_policy", "failed to persist schedule policy")
	}

	for _, o := range mgr.observers {
		o.SchedulePolicyChanged(policy)
	}
	return err
}

// CPUCoreCount returns the number of workers each started miner spawns.
func (mgr *Manager) CPUCoreCount() int { return mgr.coreCount }

// SetCPUCoreCount stores the core count. It applies the next time a miner
// starts.
func (mgr *Manager) SetCPUCoreCount(count int) error {
	if count < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCoreCount, count)
	}
	if count == mgr.coreCount {
		return nil
	}

	mgr.coreCount = count
	var err error
	if serr := mgr.settings.SetMiningCPUCoreCount(count); serr != nil {
		mgr.logger.WithError(serr).Error("failed to persist cpu core count")
		err = minerErrors.Wrap(serr, minerErrors.ErrorTypeSettings, "save_cpu_core_count", "failed to persist cpu core count")
	}

	for _, o := range mgr.observers {
		o.CPUCoreCountChanged(count)
	}
	return err
}

// SetAlternateAccount configures the alternate account on every miner,
// current and future.
func (mgr *Manager) SetAlternateAccount(login string, probability int) {
	mgr.alternateLogin = login
	mgr.alternateProbability = min(max(probability, 0), 100)
	for _, m := range mgr.miners {
		m.SetAlternateAccount(login, mgr.alternateProbability)
	}
}

// UnsetAlternateAccount disables alternate mining on every miner.
func (mgr *Manager) UnsetAlternateAccount() {
	mgr.alternateLogin = ""
	mgr.alternateProbability = 0
	for _, m := range mgr.miners {
		m.UnsetAlternateAccount()
	}
}

// ActiveMinerIndex returns the index of the active miner, or -1.
func (mgr *Manager) ActiveMinerIndex() int {
	return mgr.indexOf(mgr.active)
}

// MinerCount returns the number of configured miners.
func (mgr *Manager) MinerCount() int { return len(mgr.miners) }

// Miner returns the miner at index.
func (mgr *Manager) Miner(index int) (*Miner, error) {
	if index < 0 || index >= len(mgr.miners) {
		return nil, fmt.Errorf("%w: %d", ErrMinerIndexOutOfRange, index)
	}
	return mgr.miners[index], nil
}

// Miners returns the miners in priority order.
func (mgr *Manager) Miners() []*Miner {
	return append([]*Miner(nil), mgr.miners...)
}

// AddObserver registers an observer.
func (mgr *Manager) AddObserver(o ManagerObserver) {
	mgr.observers = append(mgr.observers, o)
}

// RemoveObserver unregisters o.
func (mgr *Manager) RemoveObserver(o ManagerObserver) {
	for i, existing := range mgr.observers {
		if existing == o {
			mgr.observers = append(mgr.observers[:i], mgr.observers[i+1:]...)
			return
		}
	}
}

// switchToNextPool starts the next pool chosen by the schedule policy.
func (mgr *Manager) switchToNextPool() {
	var errored, stopped []*Miner
	for _, m := range mgr.miners {
		switch m.State() {
		case StateError:
			errored = append(errored, m)
		case StateStopped:
			stopped = append(stopped, m)
		}
	}

	if len(errored) == len(mgr.miners) {
		if len(mgr.miners) > 0 {
			mgr.logger.Warn("every pool is failing, mining halted")
		}
		return
	}
	if len(stopped) == 0 {
		return
	}

	from := mgr.ActiveMinerIndex()
	var next *Miner
	switch mgr.policy {
	case PolicyRandom:
		if prev := mgr.active; prev != nil {
			mgr.active = nil
			prev.Stop()
		}
		next = stopped[mgr.rng.IntN(len(stopped))]
	default:
		next = stopped[0]
	}

	next.Start(mgr.coreCount)
	mgr.logger.LogPoolSwitch(mgr.policy.String(), from, mgr.indexOf(next), next.Pool().String())
	mgr.setActive(next)
}

func (mgr *Manager) setActive(m *Miner) {
	if m == mgr.active {
		return
	}
	mgr.active = m
	index := mgr.indexOf(m)
	for _, o := range mgr.observers {
		o.ActiveMinerChanged(index)
	}
}

// activeIndexMoved emits ActiveMinerChanged when a list edit shifted the
// active miner to another index.
func (mgr *Manager) activeIndexMoved(before int) {
	if index := mgr.ActiveMinerIndex(); index != before {
		for _, o := range mgr.observers {
			o.ActiveMinerChanged(index)
		}
	}
}

func (mgr *Manager) indexOf(m *Miner) int {
	if m == nil {
		return -1
	}
	for i, existing := range mgr.miners {
		if existing == m {
			return i
		}
	}
	return -1
}

func (mgr *Manager) savePoolList() error {
	pools := make([]Pool, 0, len(mgr.miners))
	for _, m := range mgr.miners {
		pools = append(pools, m.Pool())
	}
	if err := mgr.settings.SetMiningPoolList(FormatPoolList(pools)); err != nil {
		mgr.logger.WithError(err).Error("failed to persist pool list")
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "save_pool_list", "failed to persist pool list")
	}
	return nil
}

func (mgr *Manager) minerStateChanged(m *Miner, state State) {
	switch state {
	case StateError:
		if mgr.mining {
			mgr.switchToNextPool()
		}
	case StateRunning:
		if !mgr.mining {
			return
		}
		index := mgr.indexOf(m)
		mgr.setActive(m)
		for i, other := range mgr.miners {
			if other == m {
				continue
			}
			preempt := mgr.policy == PolicyRandom || i > index
			if preempt && (other.Started() || other.State() != StateStopped) {
				other.Stop()
			}
		}
	case StateStopped:
		if m == mgr.active {
			mgr.setActive(nil)
		}
	}
}

// minerEvents receives every miner's events and re-emits them indexed.
type minerEvents struct {
	mgr *Manager
}

func (e *minerEvents) each(m *Miner, fn func(o ManagerObserver, index int)) {
	index := e.mgr.indexOf(m)
	if index < 0 {
		return
	}
	for _, o := range e.mgr.observers {
		fn(o, index)
	}
}

func (e *minerEvents) StateChanged(m *Miner, state State) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerStateChanged(i, state) })
	e.mgr.minerStateChanged(m, state)
}

func (e *minerEvents) HashRateChanged(m *Miner, rate float64) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerHashRateChanged(i, rate) })
}

func (e *minerEvents) AlternateHashRateChanged(m *Miner, rate float64) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerAlternateHashRateChanged(i, rate) })
}

func (e *minerEvents) DifficultyChanged(m *Miner, difficulty uint32) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerDifficultyChanged(i, difficulty) })
}

func (e *minerEvents) GoodShareCountChanged(m *Miner, count uint32) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerGoodShareCountChanged(i, count) })
}

func (e *minerEvents) GoodAlternateShareCountChanged(m *Miner, count uint32) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerGoodAlternateShareCountChanged(i, count) })
}

func (e *minerEvents) BadShareCountChanged(m *Miner, count uint32) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerBadShareCountChanged(i, count) })
}

func (e *minerEvents) ConnectionErrorCountChanged(m *Miner, count uint32) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerConnectionErrorCountChanged(i, count) })
}

func (e *minerEvents) LastConnectionErrorTimeChanged(m *Miner, t time.Time) {
	e.each(m, func(o ManagerObserver, i int) { o.MinerLastConnectionErrorTimeChanged(i, t) })
}
