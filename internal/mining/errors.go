package mining

import "errors"

var (
	// ErrMinerListNotEmpty is returned by RestoreDefaultMinerList when miners
	// are already configured.
	ErrMinerListNotEmpty = errors.New("miner list is not empty")

	// ErrMinerIndexOutOfRange is returned for an index outside the miner list.
	ErrMinerIndexOutOfRange = errors.New("miner index out of range")

	// ErrInvalidPool is returned for a malformed pool entry.
	ErrInvalidPool = errors.New("invalid pool")

	// ErrUnknownHasher is returned by HasherByName for an unsupported algorithm.
	ErrUnknownHasher = errors.New("unknown hash algorithm")

	// ErrUnknownPolicy is returned by ParseSchedulePolicy.
	ErrUnknownPolicy = errors.New("unknown schedule policy")

	// ErrInvalidCoreCount is returned for a CPU core count below one.
	ErrInvalidCoreCount = errors.New("cpu core count must be at least 1")
)
