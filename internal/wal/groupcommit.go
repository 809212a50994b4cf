package wal

import (
	"sync"
	"time"
)

// groupCommitter batches concurrent CommitTransaction calls into a
// single fsync, per spec section 4.2's adaptive group commit: a batch
// that is still filling when group_commit_max_writers transactions
// have joined it flushes immediately; otherwise it waits for the short
// timeout, or for the long one when the previous batch filled up to
// group_commit_max_writers, before flushing whatever joined.
type groupCommitter struct {
	mu   sync.Mutex
	sync func() error

	maxWriters   int
	shortTimeout time.Duration
	longTimeout  time.Duration

	current    *batch
	lastFilled bool
}

type batch struct {
	waiters int
	done    chan error
	timer   *time.Timer
}

func newGroupCommitter(cfg Config, syncFn func() error) *groupCommitter {
	short := cfg.ShortTimeoutMicros
	if short <= 0 {
		short = 100
	}
	long := cfg.LongTimeoutMicros
	if long <= 0 {
		long = 1000
	}
	maxWriters := cfg.MaxWriters
	if maxWriters <= 0 {
		maxWriters = 8
	}
	return &groupCommitter{
		sync:         syncFn,
		maxWriters:   maxWriters,
		shortTimeout: time.Duration(short) * time.Microsecond,
		longTimeout:  time.Duration(long) * time.Microsecond,
	}
}

// commit joins the in-flight batch (starting one if none is open) and
// blocks until that batch has been fsynced.
func (gc *groupCommitter) commit() error {
	gc.mu.Lock()

	b := gc.current
	if b == nil {
		b = &batch{done: make(chan error, 1)}
		gc.current = b
		// The first writer into an empty batch becomes its leader: it
		// starts the adaptive timer that eventually flushes the
		// batch even if no one else hits maxWriters. When the
		// previous batch filled up before its timer fired, writers are
		// queueing concurrently and the long timeout lets one fsync
		// cover more of them; otherwise the short timeout keeps a lone
		// committer's latency low.
		timeout := gc.shortTimeout
		if gc.lastFilled {
			timeout = gc.longTimeout
		}
		b.timer = time.AfterFunc(timeout, func() { gc.flush(b) })
	}
	b.waiters++
	full := b.waiters >= gc.maxWriters
	if full {
		gc.lastFilled = true
	}
	gc.mu.Unlock()

	if full {
		gc.flush(b)
	}

	return <-b.done
}

// flush fsyncs the batch exactly once (idempotent against being called
// both by the timer and by a writer that filled the batch) and wakes
// every waiter.
func (gc *groupCommitter) flush(b *batch) {
	gc.mu.Lock()
	if gc.current != b {
		// Already flushed by the other trigger.
		gc.mu.Unlock()
		return
	}
	gc.current = nil
	if b.waiters < gc.maxWriters {
		gc.lastFilled = false
	}
	gc.mu.Unlock()

	b.timer.Stop()
	err := gc.sync()
	b.done <- err
	close(b.done)
}
