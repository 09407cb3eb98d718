// Package dispatch schedules background work and marshals callbacks onto a
// single serial goroutine.
//
// Background tasks run on an unbounded pool with no ordering guarantees.
// Posted tasks run one at a time, in FIFO order, on the callback goroutine
// owned by the Dispatcher. Ready notifications and status updates only run
// there.
package dispatch

import (
	"sync"
	"time"

	"github.com/danmuck/edgeproxy/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	queueBackground = "background"
	queueCallback   = "callback"
)

// Dispatcher owns the background pool and the callback goroutine.
type Dispatcher struct {
	bg conc.WaitGroup

	bgMu     sync.Mutex
	bgClosed bool

	mu       sync.Mutex
	queue    []func()
	closed   bool
	wake     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
}

// New starts the callback goroutine.
func New() *Dispatcher {
	d := &Dispatcher{
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	go d.loop()
	return d
}

// Go runs task on the background pool.
func (d *Dispatcher) Go(task func()) {
	d.GoTimeout(task, 0)
}

// GoTimeout runs task on the background pool. The timeout is accepted but not
// enforced: the task always runs to completion.
func (d *Dispatcher) GoTimeout(task func(), timeout time.Duration) {
	if task == nil {
		return
	}
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	if d.bgClosed {
		log.Warn().Dur("timeout", timeout).Msg("dispatch.Dispatcher.Go dropped task after close")
		return
	}
	d.bg.Go(func() {
		d.run(queueBackground, task)
	})
}

// Post enqueues task onto the callback goroutine.
func (d *Dispatcher) Post(task func()) {
	if task == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.Warn().Msg("dispatch.Dispatcher.Post dropped task after close")
		return
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()
	d.signal()
}

// Close stops background intake, waits for running background tasks, then
// drains queued callbacks and stops the callback goroutine.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.bgMu.Lock()
		d.bgClosed = true
		d.bgMu.Unlock()
		d.bg.Wait()

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.signal()
	})
	<-d.loopDone
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.run(queueCallback, task)
		}
	}
}

func (d *Dispatcher) run(queue string, task func()) {
	var pc panics.Catcher
	pc.Try(task)
	recovered := pc.Recovered()
	if recovered != nil {
		log.Error().
			Str("queue", queue).
			Interface("panic", recovered.Value).
			Bytes("stack", recovered.Stack).
			Msg("dispatch.Dispatcher.run task panicked")
	}
	observability.RecordDispatch(queue, recovered != nil)
}
