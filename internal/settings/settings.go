// Package settings persists the miner's user settings: the pool list, the
// CPU core count and the pool schedule policy. Stores implement
// mining.Settings.
package settings

import (
	"strings"
	"sync"
)

// Values is the persisted settings document.
type Values struct {
	Pools          []string `yaml:"pools" json:"pools"`
	CPUCoreCount   int      `yaml:"cpu_core_count,omitempty" json:"cpu_core_count,omitempty"`
	SchedulePolicy string   `yaml:"schedule_policy,omitempty" json:"schedule_policy,omitempty"`
}

// DefaultPools is the built-in pool list used by RestoreDefaultMinerList when
// no other default is configured.
var DefaultPools = []string{
	"pool.supportxmr.com:3333",
	"xmr-eu1.nanopool.org:14433",
	"pool.minexmr.com:4444",
}

func (v Values) clone() Values {
	v.Pools = append([]string(nil), v.Pools...)
	return v
}

// state holds the in-memory copy shared by every store.
type state struct {
	mu       sync.RWMutex
	values   Values
	defaults []string
}

func newState(defaults []string) *state {
	if len(defaults) == 0 {
		defaults = DefaultPools
	}
	return &state{defaults: append([]string(nil), defaults...)}
}

func (s *state) get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.clone()
}

// update applies fn to a copy and returns the old and new values.
func (s *state) update(fn func(*Values)) (Values, Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.values.clone()
	next := s.values.clone()
	fn(&next)
	s.values = next
	return old, next.clone()
}

func (s *state) set(v Values) {
	s.mu.Lock()
	s.values = v.clone()
	s.mu.Unlock()
}

func (s *state) MiningPoolList() []string {
	return s.get().Pools
}

func (s *state) DefaultMiningPoolList() []string {
	return append([]string(nil), s.defaults...)
}

func (s *state) MiningCPUCoreCount() int {
	return s.get().CPUCoreCount
}

func (s *state) MiningSchedulePolicy() string {
	return s.get().SchedulePolicy
}

func cleanPools(pools []string) []string {
	out := make([]string, 0, len(pools))
	for _, p := range pools {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
