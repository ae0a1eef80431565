// Package pipeline is the ingestion orchestrator: it registers forms
// the scraper discovers, dispatches OCR jobs through the worker pool,
// routes flagged cells into the review queue and drives every form to
// VALIDATED or FAILED. It is the only component with start/stop/pause
// control semantics.
package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tallyflow/internal/breaker"
	"tallyflow/internal/classify"
	"tallyflow/internal/domain"
	"tallyflow/internal/ocr"
	"tallyflow/internal/review"
	"tallyflow/internal/scrape"
	"tallyflow/internal/storage/sqlite"
)

// State is the orchestrator lifecycle. Transitions are cooperative:
// pause and stop take effect at job boundaries, never mid-job.
type State string

const (
	StateStopped  State = "STOPPED"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateDraining State = "DRAINING"
)

// ErrBackpressure signals a full OCR queue. The caller should throttle
// its fetch rate and retry later; the form stays FETCHED in the store.
var ErrBackpressure = errors.New("ocr queue at capacity")

// FailureNotifier reports forms that exhausted their retries.
type FailureNotifier interface {
	FormFailed(form domain.FormRecord, reason string) error
}

type Config struct {
	ImageDir      string
	QueueCapacity int
	Workers       int
	MaxRetries    int
	InferTimeout  int // seconds
}

// Orchestrator owns the job queue and worker pool and serializes all
// form status transitions.
type Orchestrator struct {
	db       *sql.DB
	queue    *ocr.Queue
	pool     *ocr.Pool
	reviews  *review.Queue
	notifier FailureNotifier
	metrics  *Metrics
	cfg      Config

	mu       sync.Mutex
	state    State
	inflight map[int64]bool
}

func New(db *sql.DB, engine ocr.Engine, classifier *classify.Classifier, guard *breaker.Breaker,
	layout ocr.FormLayout, reviews *review.Queue, notifier FailureNotifier, metrics *Metrics, cfg Config) *Orchestrator {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 64
	}
	o := &Orchestrator{
		db:       db,
		reviews:  reviews,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		state:    StateStopped,
		inflight: make(map[int64]bool),
	}
	o.queue = ocr.NewQueue(cfg.QueueCapacity)
	o.pool = ocr.NewPool(o.queue, engine, classifier, guard, layout, o, o.handleResult, ocr.PoolConfig{
		Workers:      cfg.Workers,
		MaxRetries:   cfg.MaxRetries,
		InferTimeout: secondsOrDefault(cfg.InferTimeout),
	})
	reviews.SetOnApplied(o.onCorrectionApplied)
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start launches the worker pool and re-enqueues forms a previous run
// left FETCHED, so a restart never strands work.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is %s, cannot start", o.state)
	}
	o.state = StateRunning
	o.mu.Unlock()

	o.pool.Start()
	log.Printf("pipeline started workers=%d queue_capacity=%d", o.cfg.Workers, o.cfg.QueueCapacity)

	pending, err := sqlite.ListFormsByStatus(o.db, domain.FormFetched)
	if err != nil {
		return fmt.Errorf("%w: listing fetched forms: %v", domain.ErrPersistence, err)
	}
	for _, form := range pending {
		if _, err := o.Enqueue(form.ID, domain.PriorityNormal); err != nil && !errors.Is(err, ErrBackpressure) {
			log.Printf("pipeline recovery enqueue failed form=%d err=%v", form.ID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("pipeline recovered forms=%d", len(pending))
	}
	return nil
}

// Pause stops new dispatch. In-flight jobs finish; queued jobs wait.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return fmt.Errorf("orchestrator is %s, cannot pause", o.state)
	}
	o.state = StatePaused
	o.queue.Pause()
	log.Printf("pipeline paused queued=%d", o.queue.Len())
	return nil
}

// Resume restarts dispatch after a Pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePaused {
		return fmt.Errorf("orchestrator is %s, cannot resume", o.state)
	}
	o.state = StateRunning
	o.queue.Resume()
	log.Printf("pipeline resumed queued=%d", o.queue.Len())
	return nil
}

// Stop drains in-flight jobs and halts. Jobs still queued are never
// started; they stay FETCHED in the store and are recovered on the
// next Start.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is %s, cannot stop", o.state)
	}
	o.state = StateDraining
	o.mu.Unlock()

	log.Printf("pipeline draining queued=%d", o.queue.Len())
	o.pool.Stop()

	o.mu.Lock()
	o.state = StateStopped
	o.inflight = make(map[int64]bool)
	o.mu.Unlock()
	log.Printf("pipeline stopped")
	return nil
}

// RegisterForm records a scraped station form: the image lands on disk,
// the FormRecord becomes FETCHED and an OCR job is enqueued. Already
// known stations are re-enqueued idempotently rather than duplicated.
func (o *Orchestrator) RegisterForm(zone domain.Zone, img scrape.StationImage) error {
	form, err := sqlite.GetFormByStation(o.db, zone, img.Station)
	if errors.Is(err, sql.ErrNoRows) {
		form = domain.FormRecord{
			Department:   zone.Department,
			Municipality: zone.Municipality,
			Station:      img.Station,
			Status:       domain.FormPending,
		}
		form.ID, err = sqlite.InsertForm(o.db, form)
		if err != nil {
			return fmt.Errorf("%w: inserting form for station %s: %v", domain.ErrPersistence, img.Station, err)
		}
		o.count("fetched", o.metrics.Fetched)
	} else if err != nil {
		return fmt.Errorf("%w: looking up station %s: %v", domain.ErrPersistence, img.Station, err)
	} else if form.Status == domain.FormValidated || form.Status == domain.FormNeedsReview {
		// Already interpreted; a re-scrape must not reset review state.
		return nil
	}

	path := filepath.Join(o.cfg.ImageDir, fmt.Sprintf("form-%d.png", form.ID))
	if err := os.WriteFile(path, img.Image, 0o644); err != nil {
		return fmt.Errorf("%w: writing form %d image: %v", domain.ErrPersistence, form.ID, err)
	}
	if err := sqlite.SetFormImagePath(o.db, form.ID, path); err != nil {
		return fmt.Errorf("%w: recording form %d image path: %v", domain.ErrPersistence, form.ID, err)
	}
	if err := sqlite.UpdateFormStatus(o.db, form.ID, domain.FormFetched, ""); err != nil {
		return fmt.Errorf("%w: marking form %d fetched: %v", domain.ErrPersistence, form.ID, err)
	}

	_, err = o.Enqueue(form.ID, domain.PriorityNormal)
	if errors.Is(err, ErrBackpressure) {
		// The form is durable; recovery picks it up once the queue drains.
		log.Printf("pipeline backpressure form=%d left fetched", form.ID)
		return nil
	}
	return err
}

// Enqueue is idempotent: forms already queued, in flight or terminal
// are a no-op. Returns whether a job was actually queued.
func (o *Orchestrator) Enqueue(formID int64, priority domain.Priority) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning && o.state != StatePaused {
		return false, fmt.Errorf("orchestrator is %s, not accepting jobs", o.state)
	}
	if o.inflight[formID] {
		return false, nil
	}

	form, err := sqlite.GetForm(o.db, formID)
	if err != nil {
		return false, fmt.Errorf("form %d: %w", formID, err)
	}
	if form.Status.Terminal() || form.Status == domain.FormNeedsReview {
		return false, nil
	}

	if !o.queue.TryEnqueue(domain.PipelineJob{FormID: formID, Priority: priority}) {
		return false, ErrBackpressure
	}
	o.inflight[formID] = true
	o.metrics.QueueDepth.Set(float64(o.queue.Len()))
	return true, nil
}

// FormImage loads the fetched image for an OCR job.
func (o *Orchestrator) FormImage(formID int64) (image.Image, error) {
	form, err := sqlite.GetForm(o.db, formID)
	if err != nil {
		return nil, fmt.Errorf("form %d: %w", formID, err)
	}
	data, err := os.ReadFile(form.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("reading form %d image: %w", formID, err)
	}
	return ocr.DecodeForm(data)
}

// ListFailed returns failed forms with their recorded reasons.
func (o *Orchestrator) ListFailed() ([]domain.FormRecord, error) {
	return sqlite.ListFormsByStatus(o.db, domain.FormFailed)
}

// Retry is the manual affordance for a FAILED form: back to FETCHED
// and queued at high priority.
func (o *Orchestrator) Retry(formID int64) error {
	form, err := sqlite.GetForm(o.db, formID)
	if err != nil {
		return fmt.Errorf("form %d: %w", formID, err)
	}
	if form.Status != domain.FormFailed {
		return fmt.Errorf("form %d is %s, only failed forms can be retried", formID, form.Status)
	}
	if err := sqlite.UpdateFormStatus(o.db, formID, domain.FormFetched, ""); err != nil {
		return fmt.Errorf("%w: resetting form %d: %v", domain.ErrPersistence, formID, err)
	}
	queued, err := o.Enqueue(formID, domain.PriorityHigh)
	if err != nil {
		return err
	}
	log.Printf("pipeline manual retry form=%d queued=%t", formID, queued)
	return nil
}

// Counters is the observable pipeline snapshot, durable across
// restarts.
type Counters struct {
	Fetched      int64
	OCRCompleted int64
	Validated    int64
	Failed       int64
	InReview     int64
	QueueDepth   int
}

func (o *Orchestrator) Snapshot() (Counters, error) {
	stored, err := sqlite.GetCounters(o.db)
	if err != nil {
		return Counters{}, fmt.Errorf("%w: reading counters: %v", domain.ErrPersistence, err)
	}
	return Counters{
		Fetched:      stored["fetched"],
		OCRCompleted: stored["ocr_completed"],
		Validated:    stored["validated"],
		Failed:       stored["failed"],
		InReview:     stored["in_review"],
		QueueDepth:   o.queue.Len(),
	}, nil
}

// handleResult is the pool's completion callback. A successful job
// persists its cell set and either validates the form or escalates the
// flagged cells; a failed job marks the form FAILED with its reason.
func (o *Orchestrator) handleResult(res ocr.Result) {
	o.mu.Lock()
	delete(o.inflight, res.Job.FormID)
	o.mu.Unlock()
	o.metrics.QueueDepth.Set(float64(o.queue.Len()))

	if res.Err != nil {
		o.failForm(res.Job.FormID, res.Err)
		return
	}

	formID := res.Job.FormID
	if err := sqlite.ReplaceCells(o.db, formID, res.Cells); err != nil {
		o.failForm(formID, fmt.Errorf("%w: persisting cells: %v", domain.ErrPersistence, err))
		return
	}
	o.count("ocr_completed", o.metrics.OCRCompleted)

	flagged := 0
	for _, cell := range res.Cells {
		if !cell.NeedsReview {
			continue
		}
		flagged++
		_, _, err := o.reviews.Enqueue(domain.ReviewItem{
			FormID:        formID,
			CellID:        cell.CellID,
			Priority:      reviewPriority(cell.Severity),
			Reason:        escalationReason(cell),
			RawText:       cell.RawText,
			ProposedValue: cell.Value,
		})
		if err != nil {
			log.Printf("pipeline review enqueue failed form=%d cell=%s err=%v", formID, cell.CellID, err)
		}
	}

	if flagged == 0 {
		if err := sqlite.UpdateFormStatus(o.db, formID, domain.FormValidated, ""); err != nil {
			log.Printf("pipeline validate failed form=%d err=%v", formID, err)
			return
		}
		o.count("validated", o.metrics.Validated)
		log.Printf("pipeline validated form=%d cells=%d", formID, len(res.Cells))
		return
	}

	prior, priorErr := sqlite.GetForm(o.db, formID)
	if err := sqlite.UpdateFormStatus(o.db, formID, domain.FormNeedsReview, ""); err != nil {
		log.Printf("pipeline mark needs_review failed form=%d err=%v", formID, err)
		return
	}
	// A form already counted in review must not inflate the gauge when a
	// later OCR pass flags it again.
	if priorErr != nil || prior.Status != domain.FormNeedsReview {
		o.gauge("in_review", 1)
	}
	log.Printf("pipeline needs review form=%d flagged=%d of=%d", formID, flagged, len(res.Cells))
}

// onCorrectionApplied re-checks the owning form after every approved
// correction; once no cell needs review the form resumes to VALIDATED.
func (o *Orchestrator) onCorrectionApplied(item domain.ReviewItem) {
	remaining, err := sqlite.CountCellsNeedingReview(o.db, item.FormID)
	if err != nil {
		log.Printf("pipeline post-correction check failed form=%d err=%v", item.FormID, err)
		return
	}
	if remaining > 0 {
		log.Printf("pipeline correction applied form=%d cell=%s remaining=%d", item.FormID, item.CellID, remaining)
		return
	}
	if err := sqlite.UpdateFormStatus(o.db, item.FormID, domain.FormValidated, ""); err != nil {
		log.Printf("pipeline post-correction validate failed form=%d err=%v", item.FormID, err)
		return
	}
	o.count("validated", o.metrics.Validated)
	o.gauge("in_review", -1)
	log.Printf("pipeline validated after review form=%d", item.FormID)
}

func (o *Orchestrator) failForm(formID int64, cause error) {
	retries, err := sqlite.IncrementFormRetry(o.db, formID)
	if err != nil {
		log.Printf("pipeline retry increment failed form=%d err=%v", formID, err)
	}
	if err := sqlite.UpdateFormStatus(o.db, formID, domain.FormFailed, cause.Error()); err != nil {
		log.Printf("pipeline mark failed form=%d err=%v", formID, err)
		return
	}
	o.count("failed", o.metrics.Failed)
	log.Printf("pipeline form failed form=%d retries=%d err=%v", formID, retries, cause)

	if o.notifier != nil {
		form, err := sqlite.GetForm(o.db, formID)
		if err == nil {
			if nErr := o.notifier.FormFailed(form, cause.Error()); nErr != nil {
				log.Printf("pipeline failure notify failed form=%d err=%v", formID, nErr)
			}
		}
	}
}

func (o *Orchestrator) count(name string, c interface{ Inc() }) {
	if err := sqlite.IncrCounter(o.db, name, 1); err != nil {
		log.Printf("pipeline counter %s increment failed err=%v", name, err)
	}
	c.Inc()
}

func (o *Orchestrator) gauge(name string, delta int64) {
	if err := sqlite.IncrCounter(o.db, name, delta); err != nil {
		log.Printf("pipeline counter %s adjust failed err=%v", name, err)
	}
	o.metrics.InReview.Add(float64(delta))
}

func reviewPriority(s domain.Severity) domain.Priority {
	switch s {
	case domain.SeverityCritical:
		return domain.PriorityUrgent
	case domain.SeverityHigh:
		return domain.PriorityHigh
	case domain.SeverityMedium:
		return domain.PriorityNormal
	}
	return domain.PriorityLow
}

func escalationReason(cell domain.ParsedCell) string {
	return fmt.Sprintf("%s mark (%s severity, confidence %.2f)", cell.Mark, cell.Severity, cell.Confidence)
}

func secondsOrDefault(s int) time.Duration {
	if s <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s) * time.Second
}
