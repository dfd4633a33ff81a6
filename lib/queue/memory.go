package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrQueueStopped = errors.New("queue is stopped")

// Memory is an in-process queue backed by a priority heap and a fixed
// worker pool. Jobs with lower priority numbers are handed to workers
// first.
type Memory struct {
	log     *zap.Logger
	handler Handler
	workers int

	mu      sync.Mutex
	cond    *sync.Cond
	pending jobHeap
	seq     uint64
	stopped bool
	wg      sync.WaitGroup
}

func NewMemory(log *zap.Logger, handler Handler, workers int) *Memory {
	q := &Memory{log: log, handler: handler, workers: workers}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	q.seq++
	heap.Push(&q.pending, queued{job: job, seq: q.seq})
	q.cond.Signal()
	return nil
}

// Start launches the worker goroutines. They keep draining until Stop.
func (q *Memory) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.log.Sugar().Infow("Memory queue started", "workers", q.workers)
}

// Stop rejects further enqueues, drains what is already queued, and waits
// for the workers to finish.
func (q *Memory) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Sugar().Info("Memory queue stopped")
}

func (q *Memory) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.stopped {
			q.mu.Unlock()
			return
		}
		next := heap.Pop(&q.pending).(queued)
		q.mu.Unlock()

		if err := q.handler(ctx, next.job); err != nil {
			q.log.Sugar().Errorw("Fan-out job failed", "job_id", next.job.ID, "err", err)
		}
	}
}

type queued struct {
	job Job
	seq uint64
}

type jobHeap []queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
