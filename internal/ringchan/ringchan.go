// Package ringchan provides a bounded, channel-backed queue with an explicit overflow policy.
package ringchan

import (
	"fmt"
	"sync/atomic"
)

// OverflowPolicy decides what happens when Send is called on a full RingChannel
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered element to make room for the new one
	DropOldest OverflowPolicy = iota
	// RejectNewest leaves the buffer untouched and refuses the new element
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// RingChannel is a bounded channel-like buffer whose producers never block.
//
// # Example
//
//	rc := ringchan.New[string](3, ringchan.RejectNewest)
//
//	// Writer: never blocks, refuses values once three are buffered.
//	for _, addr := range addrs {
//	    if !rc.Send(addr) {
//	        log.Printf("queue full, %s dropped", addr)
//	    }
//	}
//
//	// Reader: acts like a normal Go channel.
//	for v := range rc.C() {
//	    fmt.Println("got:", v)
//	}
//
// Readers can use C() for a normal <-chan T, or Receive()/TryReceive() for metric tracking.
type RingChannel[T any] struct {
	ch      chan T
	policy  OverflowPolicy
	metrics Metrics // lock-free metrics tracking
}

// New creates a RingChannel with the given capacity and overflow policy.
func New[T any](capacity int, policy OverflowPolicy) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity), policy: policy}
}

// C returns the underlying receive-only channel.
//
// WARNING: Reading from the returned channel bypasses metrics tracking.
// Use Receive() or TryReceive() if you need the Processed counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Policy returns the overflow policy the channel was created with
func (rc *RingChannel[T]) Policy() OverflowPolicy {
	return rc.policy
}

// Send inserts v according to the overflow policy and never blocks.
// It returns false only when v itself was refused (RejectNewest on a full buffer).
func (rc *RingChannel[T]) Send(v T) bool {
	if rc.policy == RejectNewest {
		if rc.TrySend(v) {
			return true
		}
		rc.metrics.addRejected()
		return false
	}
	rc.ForceSend(v)
	return true
}

// TrySend attempts to insert without blocking.
// Returns true if successful, false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest if needed.
// Returns true if an element was discarded.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false

	for {
		select {
		case rc.ch <- v:
			rc.metrics.addWritten(1)
			return dropped
		default:
			select {
			case <-rc.ch: // drop oldest
				rc.metrics.addOverwritten(1)
				dropped = true
			default:
			}
		}
	}
}

// Receive blocks until a value is available or the channel is closed.
// The ok result is false if the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addProcessed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. After this, Send panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns a snapshot of current metrics values.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Rejected:    atomic.LoadInt64(&rc.metrics.Rejected),
	}
}

// Metrics provides lock-free counters for RingChannel.
//
// All fields use atomic operations for thread-safe access
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Rejected    int64
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}

func (m *Metrics) addRejected() {
	atomic.AddInt64(&m.Rejected, 1)
}
