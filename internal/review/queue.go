// Package review is the human-in-the-loop queue. Classifier output the
// pipeline cannot trust lands here; reviewers assign themselves items,
// apply corrections or reject, and every decision leaves an append-only
// audit entry. The queue is durable: review decisions survive restarts.
package review

import (
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tallyflow/internal/domain"
	"tallyflow/internal/storage/sqlite"
)

// Notifier is the escalation collaborator. Expired items are reported
// exactly once.
type Notifier interface {
	ReviewExpired(item domain.ReviewItem) error
}

// Queue coordinates review items. Status transitions run under one
// lock; the store underneath makes them durable.
type Queue struct {
	db       *sql.DB
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time

	mu sync.Mutex

	// onApplied, when set, propagates an approved correction back into
	// the pipeline so the owning form can resume toward VALIDATED.
	onApplied func(item domain.ReviewItem)
}

func New(db *sql.DB, notifier Notifier, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Queue{
		db:       db,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetOnApplied registers the pipeline's correction hook.
func (q *Queue) SetOnApplied(fn func(item domain.ReviewItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onApplied = fn
}

// Enqueue adds an item unless the (form, cell) key already has an open
// one. Returns the stored item and whether it was newly created.
func (q *Queue) Enqueue(item domain.ReviewItem) (domain.ReviewItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(item)
}

func (q *Queue) enqueueLocked(item domain.ReviewItem) (domain.ReviewItem, bool, error) {
	existing, found, err := sqlite.GetOpenReviewItem(q.db, item.FormID, item.CellID)
	if err != nil {
		return domain.ReviewItem{}, false, fmt.Errorf("%w: checking open item: %v", domain.ErrPersistence, err)
	}
	if found {
		return existing, false, nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = domain.ReviewPending
	if err := sqlite.InsertReviewItem(q.db, item); err != nil {
		return domain.ReviewItem{}, false, fmt.Errorf("%w: inserting review item: %v", domain.ErrPersistence, err)
	}
	if err := q.audit(item.ID, "pipeline", domain.AuditActionCreate, "", item.Reason); err != nil {
		return domain.ReviewItem{}, false, err
	}
	log.Printf("review enqueued item=%s form=%d cell=%s priority=%s reason=%q",
		item.ID, item.FormID, item.CellID, item.Priority, item.Reason)
	return item, true, nil
}

// List returns items in one status, highest priority first.
func (q *Queue) List(status domain.ReviewStatus) ([]domain.ReviewItem, error) {
	return sqlite.ListReviewItems(q.db, status)
}

// Get returns one item by id.
func (q *Queue) Get(id string) (domain.ReviewItem, error) {
	return sqlite.GetReviewItem(q.db, id)
}

// AuditTrail returns the item's append-only history.
func (q *Queue) AuditTrail(id string) ([]domain.AuditEntry, error) {
	return sqlite.ListAuditEntries(q.db, id)
}

// Assign moves PENDING -> ASSIGNED. Fails when the item is already
// assigned or resolved.
func (q *Queue) Assign(id, reviewer string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := sqlite.GetReviewItem(q.db, id)
	if err != nil {
		return fmt.Errorf("review item %s: %w", id, err)
	}
	if item.Status != domain.ReviewPending {
		return fmt.Errorf("review item %s is %s, not assignable", id, item.Status)
	}
	if err := sqlite.UpdateReviewStatus(q.db, id, domain.ReviewAssigned, reviewer); err != nil {
		return fmt.Errorf("%w: assigning item: %v", domain.ErrPersistence, err)
	}
	return q.audit(id, reviewer, domain.AuditActionAssign, string(domain.ReviewPending), string(domain.ReviewAssigned))
}

// ApplyCorrection records the reviewer's value: item -> APPROVED, an
// audit entry with before/after, the value written into the owning
// cell, and a labeled training pair emitted. This is the only path
// that may give a valueless mark a number.
func (q *Queue) ApplyCorrection(id string, value int, reviewer string) (domain.ReviewItem, error) {
	if value < 0 || value > 999 {
		return domain.ReviewItem{}, fmt.Errorf("corrected value %d out of range 0-999", value)
	}

	q.mu.Lock()
	item, err := sqlite.GetReviewItem(q.db, id)
	if err != nil {
		q.mu.Unlock()
		return domain.ReviewItem{}, fmt.Errorf("review item %s: %w", id, err)
	}
	if !item.Status.Open() {
		q.mu.Unlock()
		return domain.ReviewItem{}, fmt.Errorf("review item %s is %s, not correctable", id, item.Status)
	}

	before := formatValue(item.ProposedValue)
	if err := sqlite.SetReviewCorrectedValue(q.db, id, value); err != nil {
		q.mu.Unlock()
		return domain.ReviewItem{}, fmt.Errorf("%w: storing correction: %v", domain.ErrPersistence, err)
	}
	if err := sqlite.UpdateReviewStatus(q.db, id, domain.ReviewApproved, reviewer); err != nil {
		q.mu.Unlock()
		return domain.ReviewItem{}, fmt.Errorf("%w: approving item: %v", domain.ErrPersistence, err)
	}
	if err := q.audit(id, reviewer, domain.AuditActionApprove, before, strconv.Itoa(value)); err != nil {
		q.mu.Unlock()
		return domain.ReviewItem{}, err
	}
	if err := sqlite.SetCellValue(q.db, item.FormID, item.CellID, value); err != nil {
		q.mu.Unlock()
		return domain.ReviewItem{}, fmt.Errorf("%w: propagating correction to cell: %v", domain.ErrPersistence, err)
	}
	if err := sqlite.InsertTrainingPair(q.db, domain.TrainingPair{
		RawText:        item.RawText,
		Mark:           markOf(q.db, item),
		CorrectedValue: value,
	}); err != nil {
		log.Printf("review training pair insert failed item=%s err=%v", id, err)
	}

	item.Status = domain.ReviewApproved
	item.Assignee = reviewer
	item.CorrectedValue = domain.IntPtr(value)
	onApplied := q.onApplied
	q.mu.Unlock()

	log.Printf("review approved item=%s form=%d cell=%s value=%d reviewer=%s",
		id, item.FormID, item.CellID, value, reviewer)
	if onApplied != nil {
		onApplied(item)
	}
	return item, nil
}

// Reject closes the item without a value. The cell stays unresolved
// and flagged, so a fresh item for the same key is enqueued immediately;
// the form can only validate once some later reviewer corrects it.
func (q *Queue) Reject(id, reviewer, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := sqlite.GetReviewItem(q.db, id)
	if err != nil {
		return fmt.Errorf("review item %s: %w", id, err)
	}
	if !item.Status.Open() {
		return fmt.Errorf("review item %s is %s, not rejectable", id, item.Status)
	}
	if err := sqlite.UpdateReviewStatus(q.db, id, domain.ReviewRejected, reviewer); err != nil {
		return fmt.Errorf("%w: rejecting item: %v", domain.ErrPersistence, err)
	}
	log.Printf("review rejected item=%s form=%d cell=%s reviewer=%s reason=%q",
		id, item.FormID, item.CellID, reviewer, reason)
	if err := q.audit(id, reviewer, domain.AuditActionReject, string(item.Status), string(domain.ReviewRejected)); err != nil {
		return err
	}

	_, created, err := q.enqueueLocked(domain.ReviewItem{
		FormID:        item.FormID,
		CellID:        item.CellID,
		Priority:      item.Priority,
		Reason:        fmt.Sprintf("re-escalated after rejection: %s", reason),
		RawText:       item.RawText,
		ProposedValue: item.ProposedValue,
	})
	if err != nil {
		return fmt.Errorf("re-escalating form %d cell %s: %w", item.FormID, item.CellID, err)
	}
	if created {
		log.Printf("review re-escalated form=%d cell=%s after rejection", item.FormID, item.CellID)
	}
	return nil
}

// ExpireStale transitions items open past the TTL to EXPIRED and
// reports each to the escalation collaborator exactly once. Returns
// how many items were newly expired.
func (q *Queue) ExpireStale() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.ttl)
	stale, err := sqlite.ListStaleReviewItems(q.db, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: listing stale items: %v", domain.ErrPersistence, err)
	}

	expired := 0
	for _, item := range stale {
		if err := sqlite.UpdateReviewStatus(q.db, item.ID, domain.ReviewExpired, item.Assignee); err != nil {
			return expired, fmt.Errorf("%w: expiring item %s: %v", domain.ErrPersistence, item.ID, err)
		}
		if err := q.audit(item.ID, "system", domain.AuditActionExpire, string(item.Status), string(domain.ReviewExpired)); err != nil {
			return expired, err
		}
		expired++

		first, err := sqlite.MarkReviewEscalated(q.db, item.ID)
		if err != nil {
			return expired, fmt.Errorf("%w: marking escalation: %v", domain.ErrPersistence, err)
		}
		if first && q.notifier != nil {
			item.Status = domain.ReviewExpired
			if err := q.notifier.ReviewExpired(item); err != nil {
				log.Printf("review escalation notify failed item=%s err=%v", item.ID, err)
			}
		}
	}
	if expired > 0 {
		log.Printf("review expired items=%d ttl=%s", expired, q.ttl)
	}
	return expired, nil
}

func (q *Queue) audit(itemID, actor, action, before, after string) error {
	err := sqlite.InsertAuditEntry(q.db, domain.AuditEntry{
		ItemID: itemID,
		Actor:  actor,
		Action: action,
		Before: before,
		After:  after,
	})
	if err != nil {
		return fmt.Errorf("%w: writing audit entry: %v", domain.ErrPersistence, err)
	}
	return nil
}

func formatValue(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// markOf recovers the cell's mark type for the training pair label.
func markOf(db *sql.DB, item domain.ReviewItem) domain.MarkType {
	cells, err := sqlite.GetCells(db, item.FormID)
	if err != nil {
		return domain.MarkUnclear
	}
	for _, c := range cells {
		if c.CellID == item.CellID {
			return c.Mark
		}
	}
	return domain.MarkUnclear
}
