// Package loop provides a small managed background loop used by every
// long-running activity in the process (relay feeders, health monitors,
// event listeners, schedule checker, video recorder).
//
// It standardizes the common boilerplate:
// - single start guard
// - context.WithCancel lifecycle
// - optional ticker ownership
// - join-with-timeout on stop
package loop

import (
	"context"
	"sync"
	"time"
)

// Loop owns one background goroutine.
//
// A Loop can be restarted after it has fully stopped; concurrent Start calls
// while running are rejected.
type Loop struct {
	name string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a named loop. The name is only used by callers for logging.
func New(name string) *Loop {
	return &Loop{name: name}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Start launches run on a new goroutine and returns true.
// Returns false if the loop is already running.
//
// tick:
// - if tick > 0, a ticker is created and its channel is passed to run
// - if tick <= 0, tickC is nil (never fires)
//
// run must return promptly once its context is cancelled.
func (l *Loop) Start(parent context.Context, tick time.Duration, run func(ctx context.Context, tickC <-chan time.Time)) bool {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return false
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running = true
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			close(done)
		}()

		var tickC <-chan time.Time
		if tick > 0 {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			tickC = ticker.C
		}
		run(ctx, tickC)
	}()
	return true
}

// Stop cancels the loop context without waiting for the goroutine to exit.
// Safe to call multiple times and before Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Join blocks until the loop goroutine has exited or the timeout elapses.
// Returns true if the goroutine exited within the timeout. A loop that was
// never started joins immediately.
func (l *Loop) Join(timeout time.Duration) bool {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StopAndJoin cancels the loop and waits for it with a bound.
func (l *Loop) StopAndJoin(timeout time.Duration) bool {
	l.Stop()
	return l.Join(timeout)
}

// IsRunning reports whether the loop goroutine is currently alive.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
