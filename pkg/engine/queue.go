package engine

import (
	"sync"

	"github.com/cuemby/rpkid/pkg/rpki"
)

// task is anything the worker pool can pop off the shared queue: a
// trust anchor to bootstrap, or a CA certificate to validate.
type task interface {
	isTask()
}

type talTask struct {
	tal   *rpki.TAL
	index int
}

func (*talTask) isTask() {}

type caTask struct {
	cert      *CaCert
	processor PubPointProcessor
	repoIndex *int
	defer_    bool
}

func (*caTask) isTask() {}

// runScope is the state shared by every worker of one validation run:
// the task queue and the set of publication points actually visited,
// which the store's post-run drain keeps and everything else expires.
type runScope struct {
	q *taskQueue

	seenMu sync.Mutex
	seen   map[string]bool
}

func newRunScope() *runScope {
	return &runScope{q: newTaskQueue(), seen: make(map[string]bool)}
}

func (rs *runScope) markSeen(manifestURI string) {
	rs.seenMu.Lock()
	rs.seen[manifestURI] = true
	rs.seenMu.Unlock()
}

// taskQueue is a multi-producer, multi-consumer work queue sized to the
// engine's needs: pushing is cheap and lock-free-adjacent (a short
// critical section), and the queue tracks how many tasks are still
// outstanding (queued or being worked on) so it can signal pop()pers
// that there is nothing left to wait for, rather than requiring a
// separate completion handshake.
type taskQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []task
	outstanding int
	closed      bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues t, counting it against outstanding. Call before the
// pushing task reports itself done, so outstanding never transiently
// drops to zero while t is still unaccounted for.
func (q *taskQueue) push(t task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.outstanding++
	q.cond.Signal()
	q.mu.Unlock()
}

// pop blocks until a task is available or the queue has been drained
// (outstanding reached zero) or aborted. ok is false in either of the
// latter two cases.
func (q *taskQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// done reports that a task popped from the queue (and not re-pushed by
// the caller) has finished processing. Once outstanding reaches zero
// every blocked pop() returns.
func (q *taskQueue) done() {
	q.mu.Lock()
	q.outstanding--
	if q.outstanding <= 0 {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// abort wakes every blocked popper immediately, used once a worker
// reports a run-fatal error so siblings stop picking up new work.
func (q *taskQueue) abort() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
