package mining

import (
	"fmt"
	"hash"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

// Hasher computes the proof-of-work digest of a blob. A Hasher may keep
// scratch state between calls and is used by a single worker goroutine only.
type Hasher interface {
	Hash(blob []byte) Digest
}

// HasherFunc adapts a plain function into a Hasher.
type HasherFunc func(blob []byte) Digest

// Hash calls f(blob).
func (f HasherFunc) Hash(blob []byte) Digest {
	return f(blob)
}

// HasherFactory creates one Hasher per worker.
type HasherFactory func() Hasher

// Supported hash algorithm names.
const (
	HashKeccak  = "keccak"
	HashSHA256d = "sha256d"
)

// HasherByName returns the factory for a named algorithm.
func HasherByName(name string) (HasherFactory, error) {
	switch strings.ToLower(name) {
	case HashKeccak:
		return NewKeccakHasher, nil
	case HashSHA256d:
		return func() Hasher { return HasherFunc(chainhash.DoubleHashH) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}
}

type keccakHasher struct {
	state hash.Hash
	out   []byte
}

// NewKeccakHasher returns a Hasher computing legacy Keccak-256, the sponge
// CryptoNight starts from. The state is reused across calls.
func NewKeccakHasher() Hasher {
	return &keccakHasher{
		state: sha3.NewLegacyKeccak256(),
		out:   make([]byte, 0, chainhash.HashSize),
	}
}

func (k *keccakHasher) Hash(blob []byte) Digest {
	k.state.Reset()
	k.state.Write(blob)
	k.out = k.state.Sum(k.out[:0])

	var d Digest
	copy(d[:], k.out)
	return d
}
