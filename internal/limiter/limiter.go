// Package limiter implements the Agent Limiter: a process-wide counted
// semaphore bounding how many agent instances may be live at once.
//
// The fairness and shutdown-rejection semantics spec.md mandates are not
// expressible through golang.org/x/sync/semaphore.Weighted (no
// FIFO-drain-with-shutdown primitive), so this is a small hand-rolled
// semaphore in the teacher's own channel-per-waiter idiom (see
// internal/permission's former Checker.Ask in the teacher repo, which
// registers a `chan Response` under a request id and blocks on select).
package limiter

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCapacity is returned by Acquire when no wait is permitted (timeout
// of exactly zero) and the limiter is at capacity. TryAcquire reports
// the same condition by returning false.
var ErrCapacity = errors.New("limiter: at capacity")

// ErrTimeout is returned by Acquire when the caller-supplied timeout
// elapses before a slot becomes available.
var ErrTimeout = errors.New("limiter: acquire timed out")

// ShutdownError is returned to any waiter rejected by ClearWaiters.
type ShutdownError struct {
	Reason string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("limiter: shutdown (%s)", e.Reason)
}

// Stats is a snapshot of the limiter's internal counters.
type Stats struct {
	Limit   int `json:"limit"`
	Current int `json:"current"`
	Waiting int `json:"waiting"`
}

type waiter struct {
	ch chan error
}

// Limiter is a FIFO-fair counted semaphore. The zero value is not usable;
// construct with New.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	current int
	waiters *list.List // of *waiter
}

// New creates a Limiter with the given capacity. capacity must be > 0.
func New(capacity int) *Limiter {
	if capacity <= 0 {
		panic("limiter: capacity must be positive")
	}
	return &Limiter{
		limit:   capacity,
		waiters: list.New(),
	}
}

// TryAcquire attempts to acquire a slot without blocking or queueing.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current < l.limit {
		l.current++
		return true
	}
	return false
}

// Acquire blocks until a slot is available, the optional timeout
// elapses, ctx is cancelled, or the waiter is rejected by ClearWaiters.
// A timeout of exactly zero rejects immediately without queueing,
// matching TryAcquire's boundary behavior (spec.md §8).
func (l *Limiter) Acquire(ctx context.Context, timeout *time.Duration) error {
	if timeout != nil && *timeout <= 0 {
		if l.TryAcquire() {
			return nil
		}
		return ErrCapacity
	}

	l.mu.Lock()
	if l.current < l.limit {
		l.current++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan error, 1)}
	elem := l.waiters.PushBack(w)
	l.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout != nil {
		timer := time.NewTimer(*timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-w.ch:
		return err
	case <-timeoutCh:
		if !l.removeWaiter(elem) && <-w.ch == nil {
			l.Release()
		}
		return ErrTimeout
	case <-ctx.Done():
		if !l.removeWaiter(elem) && <-w.ch == nil {
			l.Release()
		}
		return ctx.Err()
	}
}

// removeWaiter drops elem from the queue if it is still there and
// reports whether it did. It returns false when the waiter has already
// been resolved by Release or rejected by ClearWaiters — a waiter is
// either still queued, resolved, or rejected, never two of these at
// once. Acquire then reads that outcome and passes a handed-over slot
// on with Release, so giving up never leaks a slot.
func (l *Limiter) removeWaiter(elem *list.Element) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			l.waiters.Remove(e)
			return true
		}
	}
	return false
}

// Release gives back a slot. If a waiter is queued, the slot is handed
// directly to the head waiter — current is left unchanged, so no
// concurrent TryAcquire can observe spare capacity and steal the slot
// the waiter is about to receive.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		front.Value.(*waiter).ch <- nil
		return
	}

	if l.current > 0 {
		l.current--
	}
}

// ClearWaiters rejects every currently queued waiter with reason. It does
// not affect held slots or future Acquire calls; the Session Hub's Close
// calls this once when the process is tearing down.
func (l *Limiter) ClearWaiters(reason string) {
	l.mu.Lock()
	var waiters []*waiter
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*waiter))
	}
	l.waiters.Init()
	l.mu.Unlock()

	err := &ShutdownError{Reason: reason}
	for _, w := range waiters {
		w.ch <- err
	}
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Limit: l.limit, Current: l.current, Waiting: l.waiters.Len()}
}
