package main

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_Next(t *testing.T) {
	var s Sequence
	prev := s.Next()
	assert.Equal(t, 0, prev)
	for i := 0; i < 1000; i++ {
		id := s.Next()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestSequence_Exhausted(t *testing.T) {
	s := Sequence{next: math.MaxInt - 1}
	assert.Equal(t, math.MaxInt-1, s.Next())
	assert.Panics(t, func() { s.Next() })
}

// runLoop starts l and stops it when the test ends.
func runLoop(t *testing.T, l *EventLoop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEventLoop_FIFO(t *testing.T) {
	l := NewEventLoop()
	runLoop(t, l)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_PostFromLoop(t *testing.T) {
	l := NewEventLoop()
	runLoop(t, l)

	done := make(chan struct{})
	l.Post(func() {
		// Posting from the loop must not deadlock even with many queued.
		for i := 0; i < 1000; i++ {
			l.Post(func() {})
		}
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested posts never ran")
	}
}

func TestEventLoop_PostAfterStop(t *testing.T) {
	l := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()

	require.NoError(t, l.Call(context.Background(), func() {}))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.False(t, l.Post(func() {}))
	assert.Error(t, l.Call(context.Background(), func() {}))
}

func TestEventLoop_ConcurrentPost(t *testing.T) {
	l := NewEventLoop()
	runLoop(t, l)

	count := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.Equal(t, 800, count)
}

func TestDebouncer_Coalesces(t *testing.T) {
	l := NewEventLoop()
	runLoop(t, l)

	fired := make(chan string, 10)
	d := NewDebouncer(l, 30*time.Millisecond)
	require.NoError(t, l.Call(context.Background(), func() {
		d.Trigger(func() { fired <- "first" })
		d.Trigger(func() { fired <- "second" })
		d.Trigger(func() { fired <- "third" })
		assert.True(t, d.Active())
	}))

	select {
	case got := <-fired:
		assert.Equal(t, "third", got)
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never fired")
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected extra fire %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, l.Call(context.Background(), func() {
		assert.False(t, d.Active())
	}))
}

func TestDebouncer_Stop(t *testing.T) {
	l := NewEventLoop()
	runLoop(t, l)

	fired := make(chan struct{}, 1)
	d := NewDebouncer(l, 20*time.Millisecond)
	require.NoError(t, l.Call(context.Background(), func() {
		d.Trigger(func() { fired <- struct{}{} })
		d.Stop()
		assert.False(t, d.Active())
	}))

	select {
	case <-fired:
		t.Fatal("stopped debouncer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
