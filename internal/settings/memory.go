package settings

// MemoryStore keeps settings in memory only.
type MemoryStore struct {
	*state
}

// NewMemoryStore creates a store holding initial.
func NewMemoryStore(initial Values, defaults []string) *MemoryStore {
	s := &MemoryStore{state: newState(defaults)}
	s.set(initial)
	return s
}

// SetMiningPoolList replaces the pool list.
func (s *MemoryStore) SetMiningPoolList(pools []string) error {
	s.update(func(v *Values) { v.Pools = cleanPools(pools) })
	return nil
}

// SetMiningCPUCoreCount stores the core count.
func (s *MemoryStore) SetMiningCPUCoreCount(count int) error {
	s.update(func(v *Values) { v.CPUCoreCount = count })
	return nil
}

// SetMiningSchedulePolicy stores the policy name.
func (s *MemoryStore) SetMiningSchedulePolicy(policy string) error {
	s.update(func(v *Values) { v.SchedulePolicy = policy })
	return nil
}

// Values returns a copy of the current settings.
func (s *MemoryStore) Values() Values {
	return s.get()
}
