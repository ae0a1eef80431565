package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"tallyflow/internal/breaker"
	"tallyflow/internal/classify"
	"tallyflow/internal/domain"
)

// ImageSource loads the fetched form image for a job. The orchestrator
// backs this with the store's image directory.
type ImageSource interface {
	FormImage(formID int64) (image.Image, error)
}

// Result is the terminal outcome of one job: either a full set of
// classified cells or the error that exhausted its retries. Requeues
// are internal and never reported.
type Result struct {
	Job   domain.PipelineJob
	Cells []domain.ParsedCell
	Err   error
}

type PoolConfig struct {
	Workers      int
	MaxRetries   int
	InferTimeout time.Duration
}

// Pool is the fixed-size worker pool draining the priority queue.
type Pool struct {
	queue      *Queue
	engine     Engine
	classifier *classify.Classifier
	guard      *breaker.Breaker
	layout     FormLayout
	source     ImageSource
	onResult   func(Result)
	cfg        PoolConfig
	wg         sync.WaitGroup
}

func NewPool(queue *Queue, engine Engine, classifier *classify.Classifier, guard *breaker.Breaker,
	layout FormLayout, source ImageSource, onResult func(Result), cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.InferTimeout <= 0 {
		cfg.InferTimeout = 30 * time.Second
	}
	return &Pool{
		queue:      queue,
		engine:     engine,
		classifier: classifier,
		guard:      guard,
		layout:     layout,
		source:     source,
		onResult:   onResult,
		cfg:        cfg,
	}
}

// Start launches the workers. They run until Stop.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("ocr pool started workers=%d", p.cfg.Workers)
}

// Stop closes the queue and waits for in-flight jobs to finish. Jobs
// still queued are never started.
func (p *Pool) Stop() {
	p.queue.Close()
	p.wg.Wait()
	log.Printf("ocr pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		job, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		cells, err := p.process(job)
		if err == nil {
			p.onResult(Result{Job: job, Cells: cells})
			continue
		}

		if p.shouldRequeue(err) && job.Attempts < p.cfg.MaxRetries {
			job.Attempts++
			if p.queue.TryEnqueue(job) {
				log.Printf("ocr requeue worker=%d form=%d attempt=%d err=%v", id, job.FormID, job.Attempts, err)
				continue
			}
			err = fmt.Errorf("requeue rejected (queue full): %w", err)
		}
		log.Printf("ocr job failed worker=%d form=%d attempts=%d err=%v", id, job.FormID, job.Attempts, err)
		p.onResult(Result{Job: job, Err: err})
	}
}

func (p *Pool) shouldRequeue(err error) bool {
	return errors.Is(err, domain.ErrOCRTimeout) ||
		errors.Is(err, domain.ErrTransientNetwork) ||
		errors.Is(err, breaker.ErrOpen)
}

// process runs OCR and classification over every cell region of the
// form. The job is atomic: any cell failing fails the whole job, so a
// form never ends up with a partial cell set from a crashed pass.
func (p *Pool) process(job domain.PipelineJob) ([]domain.ParsedCell, error) {
	img, err := p.source.FormImage(job.FormID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading form %d image: %v", domain.ErrPersistence, job.FormID, err)
	}

	cells := make([]domain.ParsedCell, 0, len(p.layout))
	for _, region := range p.layout {
		crop, err := CropCell(img, region.Box)
		if err != nil {
			return nil, fmt.Errorf("form %d: %w", job.FormID, err)
		}

		var text string
		var confidence float64
		err = p.guard.Do(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InferTimeout)
			defer cancel()
			var inferErr error
			text, confidence, inferErr = p.engine.Infer(ctx, crop)
			if errors.Is(inferErr, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", domain.ErrOCRTimeout, inferErr)
			}
			return inferErr
		})
		if err != nil {
			return nil, fmt.Errorf("form %d cell %s: %w", job.FormID, region.ID, err)
		}

		cell := p.classifier.Classify(text, confidence)
		cell.FormID = job.FormID
		cell.CellID = region.ID
		cell.Box = region.Box
		cells = append(cells, cell)
	}
	return cells, nil
}
