package main

import (
	"context"
	"math"
	"sync"
	"time"
)

// Sequence hands out request ids for one component. Ids start at 0 and are
// never reused. It is owned by the event loop and is not safe for concurrent
// use.
type Sequence struct {
	next int
}

// Next returns the next id. Running out of ids is fatal.
func (s *Sequence) Next() int {
	if s.next == math.MaxInt {
		panic("request id sequence exhausted")
	}
	id := s.next
	s.next++
	return id
}

// Poster schedules a function on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// EventLoop runs posted functions one at a time on a single goroutine. All
// correlation state lives on the loop, so it needs no locks of its own.
type EventLoop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
}

func NewEventLoop() *EventLoop {
	return &EventLoop{wake: make(chan struct{}, 1)}
}

// Post queues fn. It never blocks, and it is safe to call from the loop
// itself. It reports false once the loop has stopped.
func (l *EventLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run processes queued functions in FIFO order until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fn()
			}
		}
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *EventLoop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Debouncer coalesces bursts of triggers into one call that runs on the loop
// after a quiet window. Trigger and Stop must be called on the loop.
type Debouncer struct {
	delay time.Duration
	loop  Poster
	timer *time.Timer
	gen   uint64
}

func NewDebouncer(loop Poster, delay time.Duration) *Debouncer {
	return &Debouncer{loop: loop, delay: delay}
}

// Trigger (re)starts the window. Only the fn from the latest trigger runs.
func (d *Debouncer) Trigger(fn func()) {
	d.Stop()
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.loop.Post(func() {
			// A timer that fired just before Stop is stale.
			if gen != d.gen {
				return
			}
			d.timer = nil
			fn()
		})
	})
}

// Stop cancels a pending trigger.
func (d *Debouncer) Stop() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Active reports whether a trigger is waiting to fire.
func (d *Debouncer) Active() bool {
	return d.timer != nil
}
