// Package loop provides the control goroutine that owns all mining state.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bardlex/gomp-miner/pkg/log"
)

// DefaultQueueSize is the number of pending functions a Loop buffers.
const DefaultQueueSize = 1024

// ErrClosed is returned by Call once the loop has stopped.
var ErrClosed = errors.New("control loop closed")

// Loop runs posted functions one at a time on the goroutine calling Run.
type Loop struct {
	logger *log.Logger
	queue  chan func()
	done   chan struct{}
	once   sync.Once
}

// New creates a loop with room for size pending functions.
func New(size int, logger *log.Logger) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		logger: logger.WithComponent("loop"),
		queue:  make(chan func(), size),
		done:   make(chan struct{}),
	}
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop has stopped. Post must not be called from the loop goroutine with a
// full queue.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.queue <- job:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Run may have drained the job before exiting
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued functions until ctx is cancelled. Queued functions
// still pending at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("control loop started")
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("control loop stopped")
			return ctx.Err()
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithError(fmt.Errorf("panic: %v", r)).Error("control loop task panicked")
		}
	}()
	fn()
}
