// Package mining implements the CPU pool miner: hashing workers, the per-pool
// Miner that owns them, and the Manager that switches between pools.
//
// Manager and Miner methods are not safe for concurrent use. They must all be
// called from one control goroutine (see internal/loop); pool client callbacks
// and hash rate samples are marshalled onto it through an Executor.
package mining

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// NonceOffset is the byte offset of the nonce inside a CryptoNote block
	// template blob. It is fixed by the block serialization format.
	NonceOffset = 39
	// NonceSize is the width of the nonce field in bytes.
	NonceSize = 4
	// MinBlobSize is the smallest blob that can carry a nonce.
	MinBlobSize = NonceOffset + NonceSize
)

// Digest is the 256-bit output of the proof-of-work hash.
//
// Note that chainhash.Hash.String prints the bytes reversed; use
// hex.EncodeToString(d[:]) for the wire form.
type Digest = chainhash.Hash

// Job is a unit of work handed out by a pool. A published Job is never
// modified; a new job replaces the old one as a whole value.
type Job struct {
	ID     string
	Target uint32
	Blob   []byte
}

// Valid reports whether the job can be mined.
func (j *Job) Valid() bool {
	return j != nil && j.ID != "" && len(j.Blob) >= MinBlobSize
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	blob := make([]byte, len(j.Blob))
	copy(blob, j.Blob)
	return &Job{ID: j.ID, Target: j.Target, Blob: blob}
}

// Share is a nonce whose hash satisfied the job target.
type Share struct {
	JobID  string
	Nonce  uint32
	Result Digest
}

// PutNonce writes nonce little-endian into the nonce field of blob.
func PutNonce(blob []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(blob[NonceOffset:NonceOffset+NonceSize], nonce)
}

// Nonce reads the nonce field of blob.
func Nonce(blob []byte) uint32 {
	return binary.LittleEndian.Uint32(blob[NonceOffset : NonceOffset+NonceSize])
}

// HighWord returns word 7 of the digest read as eight little-endian 32-bit
// words, i.e. the most significant word.
func HighWord(d *Digest) uint32 {
	return binary.LittleEndian.Uint32(d[28:32])
}

// MeetsTarget reports whether d satisfies the short 32-bit target.
func MeetsTarget(d *Digest, target uint32) bool {
	return HighWord(d) < target
}

// TargetDifficulty converts a short target into the pool difficulty it encodes.
func TargetDifficulty(target uint32) uint32 {
	if target == 0 {
		return 0
	}
	return 0xFFFFFFFF / target
}
