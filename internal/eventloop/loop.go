// Package eventloop serializes callbacks onto a single goroutine.
//
// Connection events and timer expirations are all posted here, so code running
// inside a callback never needs locking against other callbacks.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"wsbeat/internal/ports"
)

// Loop runs posted callbacks one at a time, in posting order.
type Loop struct {
	mu       sync.Mutex
	pending  *queue.Queue
	timers   map[*timerTask]struct{} // armed After timers, stopped on shutdown
	stopped  bool
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Loop. Callbacks only run once Run is called.
func New() *Loop {
	return &Loop{
		pending: queue.New(),
		timers:  make(map[*timerTask]struct{}),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending.Add(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// Run executes callbacks until ctx is done or Stop is called. Callbacks still
// queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()
	for {
		if !l.drain() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-l.wake:
		}
	}
}

// Stop makes Run return after the callback in progress, if any.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.stopCh)
	})
}

// drain runs queued callbacks and reports false if the loop was stopped meanwhile.
func (l *Loop) drain() bool {
	for {
		select {
		case <-l.stopCh:
			return false
		default:
		}
		l.mu.Lock()
		if l.pending.Length() == 0 {
			l.mu.Unlock()
			return true
		}
		fn := l.pending.Remove().(func())
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) shutdown() {
	l.Stop()
	l.mu.Lock()
	l.pending = queue.New()
	timers := l.timers
	l.timers = make(map[*timerTask]struct{})
	l.mu.Unlock()

	for t := range timers {
		t.Cancel()
	}
}

// Timers returns the number of armed After timers.
func (l *Loop) Timers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) forget(t *timerTask) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time { return time.Now() }

// After schedules fn to run on the loop once d has elapsed. Timers still armed
// when the loop stops are cancelled.
func (l *Loop) After(d time.Duration, fn func()) ports.Task {
	t := &timerTask{loop: l}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		t.done.Store(true)
		return t
	}
	l.timers[t] = struct{}{}
	t.timer = time.AfterFunc(d, func() {
		l.forget(t)
		l.Post(func() {
			// a firing already queued when Cancel ran is dropped here
			if t.done.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	l.mu.Unlock()
	return t
}

// Every schedules fn to run on the loop every d until cancelled or the loop stops.
func (l *Loop) Every(d time.Duration, fn func()) ports.Task {
	t := &tickerTask{
		ticker: time.NewTicker(d),
		quit:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				l.Post(func() {
					if !t.cancelled.Load() {
						fn()
					}
				})
			case <-t.quit:
				return
			case <-l.stopCh:
				t.Cancel()
				return
			}
		}
	}()
	return t
}

type timerTask struct {
	loop  *Loop
	timer *time.Timer
	done  atomic.Bool
}

func (t *timerTask) Cancel() {
	if t.done.CompareAndSwap(false, true) {
		t.timer.Stop()
		t.loop.forget(t)
	}
}

type tickerTask struct {
	ticker    *time.Ticker
	quit      chan struct{}
	cancelled atomic.Bool
}

func (t *tickerTask) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.ticker.Stop()
		close(t.quit)
	}
}
