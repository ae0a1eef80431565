package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tallyflow/internal/breaker"
	"tallyflow/internal/classify"
	"tallyflow/internal/domain"
	"tallyflow/internal/ocr"
	"tallyflow/internal/review"
	"tallyflow/internal/scrape"
	"tallyflow/internal/storage/sqlite"
)

// scriptedEngine returns canned replies in order, cycling when it runs
// out. A set failure error takes precedence until cleared.
type scriptedEngine struct {
	mu      sync.Mutex
	replies []string
	calls   int
	fail    error
}

func (e *scriptedEngine) Infer(_ context.Context, _ image.Image) (string, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return "", 0, e.fail
	}
	reply := e.replies[e.calls%len(e.replies)]
	e.calls++
	return reply, 0.95, nil
}

func (e *scriptedEngine) setFail(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

var testLayout = ocr.FormLayout{
	{ID: "C01", Box: domain.Box{X: 10, Y: 10, W: 40, H: 20}},
	{ID: "C02", Box: domain.Box{X: 10, Y: 40, W: 40, H: 20}},
}

func testFormPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test form: %v", err)
	}
	return buf.Bytes()
}

func newTestOrchestrator(t *testing.T, engine ocr.Engine, capacity int) (*Orchestrator, *sql.DB, *review.Queue) {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "pipeline-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reviews := review.New(db, nil, time.Hour)
	o := New(db, engine, classify.New(classify.DefaultThresholds()), breaker.New("ocr", 100, time.Second),
		testLayout, reviews, nil, NewMetrics(nil), Config{
			ImageDir:      t.TempDir(),
			QueueCapacity: capacity,
			Workers:       2,
			MaxRetries:    1,
			InferTimeout:  5,
		})
	t.Cleanup(func() {
		if o.State() != StateStopped {
			_ = o.Stop()
		}
	})
	return o, db, reviews
}

func waitForStatus(t *testing.T, db *sql.DB, formID int64, want domain.FormStatus) domain.FormRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var form domain.FormRecord
	for time.Now().Before(deadline) {
		var err error
		form, err = sqlite.GetForm(db, formID)
		if err != nil {
			t.Fatalf("GetForm failed: %v", err)
		}
		if form.Status == want {
			return form
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("form %d never reached %s, last status %s (%s)", formID, want, form.Status, form.FailureReason)
	return form
}

func TestRegisterFormRunsToValidated(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"42", "17"}}
	o, db, _ := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	zone := domain.Zone{Department: "ANT", Municipality: "MED"}
	if err := o.RegisterForm(zone, scrape.StationImage{Station: "001", Image: testFormPNG(t)}); err != nil {
		t.Fatalf("RegisterForm failed: %v", err)
	}

	form, err := sqlite.GetFormByStation(db, zone, "001")
	if err != nil {
		t.Fatalf("form not registered: %v", err)
	}
	waitForStatus(t, db, form.ID, domain.FormValidated)

	cells, err := sqlite.GetCells(db, form.ID)
	if err != nil || len(cells) != 2 {
		t.Fatalf("expected 2 cells, got %d err=%v", len(cells), err)
	}
	if cells[0].Value == nil || *cells[0].Value != 42 {
		t.Fatalf("unexpected first cell: %+v", cells[0])
	}

	snap, err := o.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Fetched != 1 || snap.OCRCompleted != 1 || snap.Validated != 1 || snap.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"1"}}
	o, db, _ := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := o.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	formID, err := sqlite.InsertForm(db, domain.FormRecord{
		Department: "ANT", Municipality: "MED", Station: "002", Status: domain.FormFetched,
	})
	if err != nil {
		t.Fatalf("InsertForm failed: %v", err)
	}

	queued, err := o.Enqueue(formID, domain.PriorityNormal)
	if err != nil || !queued {
		t.Fatalf("first enqueue: queued=%v err=%v", queued, err)
	}
	before, _ := o.Snapshot()

	queued, err = o.Enqueue(formID, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if queued {
		t.Fatalf("re-enqueue of a queued form must be a no-op")
	}
	after, _ := o.Snapshot()
	if after.QueueDepth != before.QueueDepth {
		t.Fatalf("queue depth changed %d -> %d", before.QueueDepth, after.QueueDepth)
	}
}

func TestBackpressureWhenQueueFull(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"1"}}
	o, db, _ := newTestOrchestrator(t, engine, 1)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := o.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	var ids []int64
	for i := 0; i < 2; i++ {
		id, err := sqlite.InsertForm(db, domain.FormRecord{
			Department: "ANT", Municipality: "MED", Station: fmt.Sprintf("0%d", i), Status: domain.FormFetched,
		})
		if err != nil {
			t.Fatalf("InsertForm failed: %v", err)
		}
		ids = append(ids, id)
	}

	if _, err := o.Enqueue(ids[0], domain.PriorityNormal); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if _, err := o.Enqueue(ids[1], domain.PriorityNormal); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestFlaggedCellsEscalateAndCorrectionValidates(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"42", "***"}}
	o, db, reviews := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	zone := domain.Zone{Department: "ANT", Municipality: "MED"}
	if err := o.RegisterForm(zone, scrape.StationImage{Station: "003", Image: testFormPNG(t)}); err != nil {
		t.Fatalf("RegisterForm failed: %v", err)
	}
	form, _ := sqlite.GetFormByStation(db, zone, "003")
	waitForStatus(t, db, form.ID, domain.FormNeedsReview)

	pending, err := reviews.List(domain.ReviewPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 review item, got %d err=%v", len(pending), err)
	}
	item := pending[0]
	if item.FormID != form.ID || item.Priority != domain.PriorityUrgent {
		t.Fatalf("unexpected review item: %+v", item)
	}

	if err := reviews.Assign(item.ID, "maria"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if _, err := reviews.ApplyCorrection(item.ID, 7, "maria"); err != nil {
		t.Fatalf("ApplyCorrection failed: %v", err)
	}
	waitForStatus(t, db, form.ID, domain.FormValidated)

	cells, _ := sqlite.GetCells(db, form.ID)
	for _, c := range cells {
		if c.CellID == item.CellID && (c.Value == nil || *c.Value != 7) {
			t.Fatalf("correction did not reach cell: %+v", c)
		}
	}
}

func TestRejectedReviewReEscalatesUntilCorrected(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"42", "***"}}
	o, db, reviews := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	zone := domain.Zone{Department: "ANT", Municipality: "MED"}
	if err := o.RegisterForm(zone, scrape.StationImage{Station: "006", Image: testFormPNG(t)}); err != nil {
		t.Fatalf("RegisterForm failed: %v", err)
	}
	form, _ := sqlite.GetFormByStation(db, zone, "006")
	waitForStatus(t, db, form.ID, domain.FormNeedsReview)

	pending, err := reviews.List(domain.ReviewPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 review item, got %d err=%v", len(pending), err)
	}
	first := pending[0]

	// A rejection must not strand the form: a replacement item for the
	// same cell goes back to pending on its own.
	if err := reviews.Reject(first.ID, "maria", "cannot read the scan"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	pending, err = reviews.List(domain.ReviewPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected replacement item after reject, got %d err=%v", len(pending), err)
	}
	replacement := pending[0]
	if replacement.ID == first.ID || replacement.CellID != first.CellID {
		t.Fatalf("unexpected replacement: first=%+v replacement=%+v", first, replacement)
	}
	form, _ = sqlite.GetForm(db, form.ID)
	if form.Status != domain.FormNeedsReview {
		t.Fatalf("form must stay in review after rejection, got %s", form.Status)
	}

	// Correcting the replacement finishes the form.
	if _, err := reviews.ApplyCorrection(replacement.ID, 9, "pedro"); err != nil {
		t.Fatalf("ApplyCorrection failed: %v", err)
	}
	waitForStatus(t, db, form.ID, domain.FormValidated)

	snap, err := o.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.InReview != 0 {
		t.Fatalf("expected in_review 0 after validation, got %d", snap.InReview)
	}
}

func TestInReviewCountsEachFormOnce(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"42", "***"}}
	o, db, _ := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	zone := domain.Zone{Department: "ANT", Municipality: "MED"}
	if err := o.RegisterForm(zone, scrape.StationImage{Station: "007", Image: testFormPNG(t)}); err != nil {
		t.Fatalf("RegisterForm failed: %v", err)
	}
	form, _ := sqlite.GetFormByStation(db, zone, "007")
	waitForStatus(t, db, form.ID, domain.FormNeedsReview)

	// A later OCR pass flagging the same form again must not inflate
	// the gauge.
	o.handleResult(ocr.Result{
		Job: domain.PipelineJob{FormID: form.ID},
		Cells: []domain.ParsedCell{{
			FormID: form.ID, CellID: "C02", RawText: "***",
			Mark: domain.MarkAsteriskTriple, Severity: domain.SeverityCritical, NeedsReview: true,
		}},
	})

	snap, err := o.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.InReview != 1 {
		t.Fatalf("expected in_review 1, got %d", snap.InReview)
	}
}

func TestFailedFormIsListedAndRetryable(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"42", "17"}}
	engine.setFail(errors.New("model rejected the image"))
	o, db, _ := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	zone := domain.Zone{Department: "ANT", Municipality: "MED"}
	if err := o.RegisterForm(zone, scrape.StationImage{Station: "004", Image: testFormPNG(t)}); err != nil {
		t.Fatalf("RegisterForm failed: %v", err)
	}
	form, _ := sqlite.GetFormByStation(db, zone, "004")
	failed := waitForStatus(t, db, form.ID, domain.FormFailed)
	if failed.FailureReason == "" {
		t.Fatalf("failed form must record a reason")
	}

	listed, err := o.ListFailed()
	if err != nil || len(listed) != 1 || listed[0].ID != form.ID {
		t.Fatalf("unexpected failed list: %+v err=%v", listed, err)
	}

	engine.setFail(nil)
	if err := o.Retry(form.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitForStatus(t, db, form.ID, domain.FormValidated)
}

func TestStopDrainsAndLeavesQueuedFormsRecoverable(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"42", "17"}}
	o, db, _ := newTestOrchestrator(t, engine, 8)
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := o.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	formID, err := sqlite.InsertForm(db, domain.FormRecord{
		Department: "ANT", Municipality: "MED", Station: "005", Status: domain.FormFetched,
	})
	if err != nil {
		t.Fatalf("InsertForm failed: %v", err)
	}
	if _, err := o.Enqueue(formID, domain.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Stopping while paused drains without running the queued job.
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if o.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %s", o.State())
	}
	form, _ := sqlite.GetForm(db, formID)
	if form.Status != domain.FormFetched {
		t.Fatalf("undispatched form must stay FETCHED, got %s", form.Status)
	}
}
