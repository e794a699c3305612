// Package concurrency provides the commit-serialization primitive
// devi's transaction layer builds on: a single process-wide mutex
// (commit_mu in spec.md §5) plus, in batched mode, a queue of pending
// commits with leader election so one goroutine's WAL fsync amortizes
// across many small transactions (spec.md §4.6.3).
package concurrency

import "sync"

// PendingWrite is one transaction's queued commit request. Callers
// build one, enqueue it via BatchCoordinator.Commit, and block on Wait
// until the batch leader (possibly the caller itself) has processed it.
type PendingWrite struct {
	done chan struct{}
	err  error

	// Payload carries the caller's own per-transaction commit state
	// (opaque to this package) so a ProcessBatch callback can recover
	// it from the batch slice it is handed.
	Payload interface{}
}

// NewPendingWrite returns a fresh, unqueued pending write carrying payload.
func NewPendingWrite(payload interface{}) *PendingWrite {
	return &PendingWrite{done: make(chan struct{}), Payload: payload}
}

// Wait blocks until this pending write has been processed by a batch
// leader and returns the outcome recorded for it.
func (pw *PendingWrite) Wait() error {
	<-pw.done
	return pw.err
}

// Fail records a terminal error for pw and wakes its waiter. Calling
// Fail or Succeed more than once panics, matching "once non-Active, no
// further operations are legal" for the underlying transaction.
func (pw *PendingWrite) Fail(err error) {
	pw.err = err
	close(pw.done)
}

// Succeed records a successful outcome for pw and wakes its waiter.
func (pw *PendingWrite) Succeed() { close(pw.done) }

// ProcessBatch is supplied by the caller (the txn package) and
// performs conflict detection, WAL append, and catalog update for
// every member of batch in queue order. It must call Succeed or Fail
// on each member before returning; BatchCoordinator never inspects the
// pending writes itself beyond queueing them.
type ProcessBatch func(batch []*PendingWrite)

// BatchCoordinator serializes commits and, in batched mode, elects one
// committing goroutine as the leader that drains and processes the
// queue while every other committer blocks on its own PendingWrite.
type BatchCoordinator struct {
	leaderMu sync.Mutex // commit_mu: held by whichever goroutine is leading a batch

	qmu          sync.Mutex
	queue        []*PendingWrite
	maxBatchSize int
}

// NewBatchCoordinator returns a coordinator that caps each drained
// batch at maxBatchSize pending writes (0 means unbounded).
func NewBatchCoordinator(maxBatchSize int) *BatchCoordinator {
	return &BatchCoordinator{maxBatchSize: maxBatchSize}
}

// Commit enqueues pw. The calling goroutine becomes the batch leader
// if it manages to acquire commit_mu uncontended; otherwise it waits
// on pw's own completion signal, processed by whichever goroutine did
// become leader. The leader keeps draining the queue — so it may also
// process batches on behalf of transactions that arrived after it —
// until the queue is empty, then releases commit_mu. If a committer
// enqueued after that last drain, the leader takes commit_mu again and
// drains it too, so no waiter is left without a leader.
func (bc *BatchCoordinator) Commit(pw *PendingWrite, process ProcessBatch) error {
	bc.enqueue(pw)

	led := false
	for bc.leaderMu.TryLock() {
		led = true
		for {
			batch := bc.drainBatch()
			if len(batch) == 0 {
				break
			}
			process(batch)
		}
		bc.leaderMu.Unlock()
		bc.qmu.Lock()
		pending := len(bc.queue) > 0
		bc.qmu.Unlock()
		if !pending {
			break
		}
	}
	if led {
		return pw.err
	}
	return pw.Wait()
}

// Lock acquires commit_mu directly, for single-commit mode where there
// is no queue to drain — the caller runs its own commit body while
// holding the lock and calls Unlock when done.
func (bc *BatchCoordinator) Lock() { bc.leaderMu.Lock() }

// Unlock releases commit_mu acquired via Lock.
func (bc *BatchCoordinator) Unlock() { bc.leaderMu.Unlock() }

func (bc *BatchCoordinator) enqueue(pw *PendingWrite) {
	bc.qmu.Lock()
	bc.queue = append(bc.queue, pw)
	bc.qmu.Unlock()
}

// Requeue pushes pw back to the front of the queue — used when the
// leader finds pw conflicts with an earlier member of its own batch
// and wants it retried as the first member of the next batch.
func (bc *BatchCoordinator) Requeue(pw *PendingWrite) {
	bc.qmu.Lock()
	bc.queue = append([]*PendingWrite{pw}, bc.queue...)
	bc.qmu.Unlock()
}

func (bc *BatchCoordinator) drainBatch() []*PendingWrite {
	bc.qmu.Lock()
	defer bc.qmu.Unlock()
	if len(bc.queue) == 0 {
		return nil
	}
	n := len(bc.queue)
	if bc.maxBatchSize > 0 && n > bc.maxBatchSize {
		n = bc.maxBatchSize
	}
	batch := bc.queue[:n]
	bc.queue = bc.queue[n:]
	return batch
}
