package sqlite

import (
	"database/sql"
	"time"

	"tallyflow/internal/domain"
)

func InsertReviewItem(db *sql.DB, item domain.ReviewItem) error {
	_, err := db.Exec(
		`INSERT INTO review_items (id, form_id, cell_id, priority, reason, status, assignee, raw_text, proposed_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.FormID, item.CellID, int(item.Priority), item.Reason,
		string(item.Status), item.Assignee, item.RawText, nullableInt(item.ProposedValue),
	)
	return err
}

func GetReviewItem(db *sql.DB, id string) (domain.ReviewItem, error) {
	row := db.QueryRow(reviewSelect+` WHERE id = ?`, id)
	return scanReviewItem(row.Scan)
}

// GetOpenReviewItem returns the open (PENDING or ASSIGNED) item for a
// cell, if any. At most one exists per key.
func GetOpenReviewItem(db *sql.DB, formID int64, cellID string) (domain.ReviewItem, bool, error) {
	row := db.QueryRow(
		reviewSelect+` WHERE form_id = ? AND cell_id = ? AND status IN ('PENDING', 'ASSIGNED')`,
		formID, cellID)
	item, err := scanReviewItem(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ReviewItem{}, false, nil
	}
	if err != nil {
		return domain.ReviewItem{}, false, err
	}
	return item, true, nil
}

func ListReviewItems(db *sql.DB, status domain.ReviewStatus) ([]domain.ReviewItem, error) {
	rows, err := db.Query(
		reviewSelect+` WHERE status = ? ORDER BY priority DESC, created_at, id`,
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReviewItems(rows)
}

// ListStaleReviewItems returns open items untouched since before the
// cutoff, oldest first.
func ListStaleReviewItems(db *sql.DB, cutoff time.Time) ([]domain.ReviewItem, error) {
	rows, err := db.Query(
		reviewSelect+` WHERE status IN ('PENDING', 'ASSIGNED') AND updated_at < ? ORDER BY updated_at, id`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReviewItems(rows)
}

func UpdateReviewStatus(db *sql.DB, id string, status domain.ReviewStatus, assignee string) error {
	_, err := db.Exec(
		`UPDATE review_items SET status = ?, assignee = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), assignee, id)
	return err
}

func SetReviewCorrectedValue(db *sql.DB, id string, value int) error {
	_, err := db.Exec(
		`UPDATE review_items SET corrected_value = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		value, id)
	return err
}

// MarkReviewEscalated flips the escalated flag; returns false when it
// was already set, so expiry reporting happens exactly once.
func MarkReviewEscalated(db *sql.DB, id string) (bool, error) {
	res, err := db.Exec(`UPDATE review_items SET escalated = 1 WHERE id = ? AND escalated = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const reviewSelect = `SELECT id, form_id, cell_id, priority, reason, status, assignee, raw_text, proposed_value, corrected_value, escalated, created_at, updated_at FROM review_items`

func scanReviewItem(scan func(...any) error) (domain.ReviewItem, error) {
	var item domain.ReviewItem
	var priority, escalated int
	var status string
	var proposed, corrected sql.NullInt64
	err := scan(&item.ID, &item.FormID, &item.CellID, &priority, &item.Reason, &status,
		&item.Assignee, &item.RawText, &proposed, &corrected, &escalated,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	item.Priority = domain.Priority(priority)
	item.Status = domain.ReviewStatus(status)
	if proposed.Valid {
		item.ProposedValue = domain.IntPtr(int(proposed.Int64))
	}
	if corrected.Valid {
		item.CorrectedValue = domain.IntPtr(int(corrected.Int64))
	}
	item.Escalated = escalated != 0
	return item, nil
}

func scanReviewItems(rows *sql.Rows) ([]domain.ReviewItem, error) {
	var items []domain.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- audit log (append-only) ---

func InsertAuditEntry(db *sql.DB, e domain.AuditEntry) error {
	_, err := db.Exec(
		`INSERT INTO audit_log (item_id, actor, action, before, after) VALUES (?, ?, ?, ?, ?)`,
		e.ItemID, e.Actor, e.Action, e.Before, e.After)
	return err
}

func ListAuditEntries(db *sql.DB, itemID string) ([]domain.AuditEntry, error) {
	rows, err := db.Query(
		`SELECT id, item_id, actor, action, before, after, at FROM audit_log WHERE item_id = ? ORDER BY id`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Actor, &e.Action, &e.Before, &e.After, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- training pairs ---

func InsertTrainingPair(db *sql.DB, p domain.TrainingPair) error {
	_, err := db.Exec(
		`INSERT INTO training_pairs (raw_text, mark, corrected_value) VALUES (?, ?, ?)`,
		p.RawText, string(p.Mark), p.CorrectedValue)
	return err
}

func ListTrainingPairs(db *sql.DB) ([]domain.TrainingPair, error) {
	rows, err := db.Query(`SELECT id, raw_text, mark, corrected_value, corrected_at FROM training_pairs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []domain.TrainingPair
	for rows.Next() {
		var p domain.TrainingPair
		var mark string
		if err := rows.Scan(&p.ID, &p.RawText, &mark, &p.CorrectedValue, &p.CorrectedAt); err != nil {
			return nil, err
		}
		p.Mark = domain.MarkType(mark)
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
