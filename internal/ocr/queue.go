package ocr

import (
	"container/heap"
	"sync"

	"tallyflow/internal/domain"
)

// Queue is a capacity-bounded priority queue of pipeline jobs. Higher
// priorities dequeue first; within a priority jobs are FIFO. A full
// queue rejects enqueues, which is the orchestrator's signal to
// throttle the fetch rate.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    jobHeap
	capacity int
	closed   bool
	paused   bool
	seq      uint64
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// TryEnqueue adds a job unless the queue is full or closed.
func (q *Queue) TryEnqueue(job domain.PipelineJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.items.Len() >= q.capacity {
		return false
	}
	q.seq++
	heap.Push(&q.items, queuedJob{job: job, seq: q.seq})
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a job is available or the queue is closed.
// After Close no job is handed out, even if items remain queued; those
// jobs were never started and stay recoverable in the store. While the
// queue is paused nothing is handed out either, so workers idle at the
// job boundary.
func (q *Queue) Dequeue() (domain.PipelineJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (q.items.Len() == 0 || q.paused) && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return domain.PipelineJob{}, false
	}
	item := heap.Pop(&q.items).(queuedJob)
	return item.job, true
}

// Len reports the queued (not in-flight) job count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Pause stops dispatch. Queued jobs stay queued; enqueues still work.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts dispatch after a Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Close wakes every blocked Dequeue. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

type queuedJob struct {
	job domain.PipelineJob
	seq uint64
}

type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
