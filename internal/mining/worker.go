package mining

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-miner/pkg/log"
)

// idleDelay is how long a worker waits before polling again when the pool has
// not delivered a job yet.
const idleDelay = 100 * time.Millisecond

// jobSlot is one published job plus the counters shared by every worker
// mining it. The job pointer is swapped as a whole, so readers always see a
// complete Job without taking a lock.
type jobSlot struct {
	job    atomic.Pointer[Job]
	nonce  atomic.Uint32
	hashes atomic.Uint32
}

// publish replaces the slot's job. Invalid jobs clear the slot.
func (s *jobSlot) publish(job *Job) {
	if !job.Valid() {
		s.job.Store(nil)
		return
	}
	s.job.Store(job.Clone())
}

func (s *jobSlot) jobID() string {
	if job := s.job.Load(); job != nil {
		return job.ID
	}
	return ""
}

// foundShare travels from a worker to its miner's dispatcher.
type foundShare struct {
	share     Share
	alternate bool
}

// localJob is a worker's private copy of a job whose blob it mutates.
type localJob struct {
	id     string
	target uint32
	blob   []byte
}

func (l *localJob) load(job *Job) {
	l.id = job.ID
	l.target = job.Target
	l.blob = append(l.blob[:0], job.Blob...)
}

// Worker hashes on one goroutine against the main or alternate job of its
// miner until stopped.
type Worker struct {
	id          int
	main        *jobSlot
	alternate   *jobSlot
	probability *atomic.Uint32
	hasher      Hasher
	shares      chan<- foundShare
	rng         *rand.Rand
	logger      *log.Logger

	mainJob      localJob
	alternateJob localJob

	stopping atomic.Bool
	quit     chan struct{}
	done     chan struct{}
}

func newWorker(id int, main, alternate *jobSlot, probability *atomic.Uint32, hasher Hasher,
	shares chan<- foundShare, logger *log.Logger) *Worker {
	return &Worker{
		id:          id,
		main:        main,
		alternate:   alternate,
		probability: probability,
		hasher:      hasher,
		shares:      shares,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), uint64(id))),
		logger:      logger.WithFields("worker_id", id),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the hash loop on a new goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop asks the worker to exit after its current hash round. It does not wait.
func (w *Worker) Stop() {
	if w.stopping.CompareAndSwap(false, true) {
		close(w.quit)
	}
}

// Done is closed when the hash loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	w.logger.Debug("worker started")

	for !w.stopping.Load() {
		if w.round() {
			continue
		}
		select {
		case <-time.After(idleDelay):
		case <-w.quit:
		}
	}

	w.logger.Debug("worker stopped")
}

// round performs one hash attempt. It returns false when there was no job.
func (w *Worker) round() bool {
	// One snapshot of the alternate slot serves both the choice and the
	// round, so a concurrent clear falls back to the main job.
	altJob := w.alternate.job.Load()
	alternate := chooseAlternate(w.rng, w.probability.Load(), altJob != nil && altJob.ID != "")

	slot, local, job := w.main, &w.mainJob, (*Job)(nil)
	if alternate {
		slot, local, job = w.alternate, &w.alternateJob, altJob
	} else {
		job = w.main.job.Load()
	}
	if job == nil || job.ID == "" {
		return false
	}
	if local.id != job.ID {
		local.load(job)
	}

	nonce := slot.nonce.Add(1)
	PutNonce(local.blob, nonce)
	result := w.hasher.Hash(local.blob)
	slot.hashes.Add(1)

	if MeetsTarget(&result, local.target) {
		w.emit(foundShare{
			share:     Share{JobID: local.id, Nonce: nonce, Result: result},
			alternate: alternate,
		})
	}
	return true
}

func (w *Worker) emit(s foundShare) {
	select {
	case w.shares <- s:
	case <-w.quit:
	}
}

// chooseAlternate decides whether a round mines the alternate job. probability
// is a percentage; a missing alternate job disables the split.
func chooseAlternate(rng *rand.Rand, probability uint32, haveAlternate bool) bool {
	if probability == 0 || !haveAlternate {
		return false
	}
	return uint32(rng.IntN(100)) < probability
}
