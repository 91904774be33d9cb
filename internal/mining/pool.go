package mining

import (
	"fmt"
	"strconv"
	"strings"
)

// Pool identifies a mining pool endpoint. Difficulty is the fixed difficulty
// requested from the pool; 0 lets the pool choose.
type Pool struct {
	Host       string
	Port       uint16
	Difficulty uint32
}

// String returns the persisted form "host:port" or "host:port:difficulty".
func (p Pool) String() string {
	if p.Difficulty > 0 {
		return fmt.Sprintf("%s:%d:%d", p.Host, p.Port, p.Difficulty)
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Address returns "host:port" suitable for dialing.
func (p Pool) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p Pool) validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidPool)
	}
	if strings.Contains(p.Host, ":") {
		return fmt.Errorf("%w: host %q contains ':'", ErrInvalidPool, p.Host)
	}
	if p.Port == 0 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidPool)
	}
	return nil
}

// ParsePool parses the persisted pool form.
func ParsePool(s string) (Pool, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return Pool{}, fmt.Errorf("%w: %q is not host:port[:difficulty]", ErrInvalidPool, s)
	}

	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Pool{}, fmt.Errorf("%w: bad port in %q: %v", ErrInvalidPool, s, err)
	}

	p := Pool{Host: parts[0], Port: uint16(port)}
	if len(parts) == 3 {
		diff, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return Pool{}, fmt.Errorf("%w: bad difficulty in %q: %v", ErrInvalidPool, s, err)
		}
		p.Difficulty = uint32(diff)
	}

	if err := p.validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// FormatPoolList converts pools into their persisted form.
func FormatPoolList(pools []Pool) []string {
	out := make([]string, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.String())
	}
	return out
}
