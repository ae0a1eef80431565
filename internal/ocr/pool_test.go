package ocr

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"tallyflow/internal/breaker"
	"tallyflow/internal/classify"
	"tallyflow/internal/domain"
)

type scriptedEngine struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   int
}

type scriptedReply struct {
	text string
	conf float64
	err  error
}

func (e *scriptedEngine) Infer(_ context.Context, _ image.Image) (string, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.replies) == 0 {
		return "", 0, errors.New("script exhausted")
	}
	r := e.replies[0]
	e.replies = e.replies[1:]
	return r.text, r.conf, r.err
}

type blankSource struct{}

func (blankSource) FormImage(int64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 100, 100)), nil
}

var testLayout = FormLayout{
	{ID: "C01", Box: domain.Box{X: 0, Y: 0, W: 50, H: 20}},
	{ID: "C02", Box: domain.Box{X: 0, Y: 20, W: 50, H: 20}},
}

func runPool(t *testing.T, engine Engine, maxRetries int, jobs ...domain.PipelineJob) []Result {
	t.Helper()

	queue := NewQueue(16)
	results := make(chan Result, len(jobs))
	pool := NewPool(queue, engine,
		classify.New(classify.DefaultThresholds()),
		breaker.New("ocr", 100, time.Minute),
		testLayout, blankSource{},
		func(r Result) { results <- r },
		PoolConfig{Workers: 1, MaxRetries: maxRetries, InferTimeout: time.Second},
	)
	pool.Start()
	for _, job := range jobs {
		if !queue.TryEnqueue(job) {
			t.Fatalf("enqueue rejected")
		}
	}

	out := make([]Result, 0, len(jobs))
	for range jobs {
		select {
		case r := <-results:
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for results")
		}
	}
	pool.Stop()
	return out
}

func TestPoolProcessesFormIntoClassifiedCells(t *testing.T) {
	engine := &scriptedEngine{replies: []scriptedReply{
		{text: "42", conf: 0.95},
		{text: "***", conf: 0.90},
	}}

	results := runPool(t, engine, 2, domain.PipelineJob{FormID: 7, Priority: domain.PriorityNormal})
	r := results[0]
	if r.Err != nil {
		t.Fatalf("expected success, got %v", r.Err)
	}
	if len(r.Cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(r.Cells))
	}

	c1, c2 := r.Cells[0], r.Cells[1]
	if c1.CellID != "C01" || c1.Mark != domain.MarkDigit || c1.Value == nil || *c1.Value != 42 {
		t.Fatalf("unexpected first cell: %+v", c1)
	}
	if c1.FormID != 7 || c1.Box != testLayout[0].Box {
		t.Fatalf("cell metadata not attached: %+v", c1)
	}
	if c2.Mark != domain.MarkAsteriskTriple || c2.Value != nil || !c2.NeedsReview {
		t.Fatalf("unexpected second cell: %+v", c2)
	}
}

func TestPoolRequeuesTimedOutJob(t *testing.T) {
	engine := &scriptedEngine{replies: []scriptedReply{
		{err: context.DeadlineExceeded},
		{text: "8", conf: 0.95},
		{text: "-", conf: 0.95},
	}}

	results := runPool(t, engine, 2, domain.PipelineJob{FormID: 3})
	r := results[0]
	if r.Err != nil {
		t.Fatalf("expected success after requeue, got %v", r.Err)
	}
	if r.Job.Attempts != 1 {
		t.Fatalf("expected 1 retry attempt, got %d", r.Job.Attempts)
	}
	if engine.calls != 3 {
		t.Fatalf("expected 3 engine calls, got %d", engine.calls)
	}
}

func TestPoolFailsJobAfterRetryLimit(t *testing.T) {
	engine := &scriptedEngine{replies: []scriptedReply{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
	}}

	results := runPool(t, engine, 2, domain.PipelineJob{FormID: 3})
	r := results[0]
	if r.Err == nil {
		t.Fatalf("expected terminal failure")
	}
	if !errors.Is(r.Err, domain.ErrOCRTimeout) {
		t.Fatalf("expected timeout category, got %v", r.Err)
	}
	if r.Job.Attempts != 2 {
		t.Fatalf("expected attempts exhausted at 2, got %d", r.Job.Attempts)
	}
}

func TestPoolReportsNonRetryableErrorImmediately(t *testing.T) {
	engine := &scriptedEngine{replies: []scriptedReply{
		{err: errors.New("model rejected input")},
	}}

	results := runPool(t, engine, 5, domain.PipelineJob{FormID: 3})
	r := results[0]
	if r.Err == nil {
		t.Fatalf("expected failure")
	}
	if r.Job.Attempts != 0 {
		t.Fatalf("non-retryable error must not requeue, attempts=%d", r.Job.Attempts)
	}
	if engine.calls != 1 {
		t.Fatalf("expected 1 engine call, got %d", engine.calls)
	}
}
