package ocr

import (
	"testing"
	"time"

	"tallyflow/internal/domain"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue(10)

	q.TryEnqueue(domain.PipelineJob{FormID: 1, Priority: domain.PriorityLow})
	q.TryEnqueue(domain.PipelineJob{FormID: 2, Priority: domain.PriorityUrgent})
	q.TryEnqueue(domain.PipelineJob{FormID: 3, Priority: domain.PriorityNormal})
	q.TryEnqueue(domain.PipelineJob{FormID: 4, Priority: domain.PriorityHigh})

	want := []int64{2, 4, 3, 1}
	for _, id := range want {
		job, ok := q.Dequeue()
		if !ok {
			t.Fatalf("unexpected queue close")
		}
		if job.FormID != id {
			t.Fatalf("expected form %d, got %d", id, job.FormID)
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue(10)

	for i := int64(1); i <= 5; i++ {
		q.TryEnqueue(domain.PipelineJob{FormID: i, Priority: domain.PriorityNormal})
	}
	for i := int64(1); i <= 5; i++ {
		job, _ := q.Dequeue()
		if job.FormID != i {
			t.Fatalf("expected FIFO order, got form %d at position %d", job.FormID, i)
		}
	}
}

func TestQueueCapacityRejects(t *testing.T) {
	q := NewQueue(2)

	if !q.TryEnqueue(domain.PipelineJob{FormID: 1}) || !q.TryEnqueue(domain.PipelineJob{FormID: 2}) {
		t.Fatalf("enqueues under capacity must succeed")
	}
	if q.TryEnqueue(domain.PipelineJob{FormID: 3}) {
		t.Fatalf("enqueue over capacity must be rejected")
	}
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}

	q.Dequeue()
	if !q.TryEnqueue(domain.PipelineJob{FormID: 3}) {
		t.Fatalf("enqueue after drain must succeed")
	}
}

func TestQueuePauseGatesDispatch(t *testing.T) {
	q := NewQueue(4)
	q.TryEnqueue(domain.PipelineJob{FormID: 1})
	q.Pause()

	// Enqueues still land while paused.
	if !q.TryEnqueue(domain.PipelineJob{FormID: 2}) {
		t.Fatalf("paused queue must still accept jobs")
	}

	got := make(chan int64, 1)
	go func() {
		job, _ := q.Dequeue()
		got <- job.FormID
	}()

	select {
	case id := <-got:
		t.Fatalf("paused queue dispatched form %d", id)
	case <-time.After(50 * time.Millisecond):
	}

	q.Resume()
	select {
	case id := <-got:
		if id != 1 {
			t.Fatalf("expected form 1 first, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("resume did not wake dequeue")
	}
}

func TestQueueCloseWakesDequeue(t *testing.T) {
	q := NewQueue(2)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	q.Close()
	if ok := <-done; ok {
		t.Fatalf("dequeue after close must report not-ok")
	}

	// Jobs left queued at close are never handed out.
	q2 := NewQueue(2)
	q2.TryEnqueue(domain.PipelineJob{FormID: 1})
	q2.Close()
	if _, ok := q2.Dequeue(); ok {
		t.Fatalf("closed queue must not dispatch remaining jobs")
	}
	if q2.TryEnqueue(domain.PipelineJob{FormID: 2}) {
		t.Fatalf("closed queue must reject enqueues")
	}
}
