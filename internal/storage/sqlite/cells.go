package sqlite

import (
	"database/sql"
	"strconv"
	"strings"

	"tallyflow/internal/domain"
)

// ReplaceCells writes one OCR pass worth of parsed cells for a form,
// replacing any previous pass atomically.
func ReplaceCells(db *sql.DB, formID int64, cells []domain.ParsedCell) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cells WHERE form_id = ?`, formID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO cells (form_id, cell_id, value, raw_text, mark, confidence, severity, needs_review, alternatives, box_x, box_y, box_w, box_h)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cells {
		_, err := stmt.Exec(
			formID, c.CellID, nullableInt(c.Value), c.RawText, string(c.Mark),
			c.Confidence, int(c.Severity), boolToInt(c.NeedsReview),
			encodeAlternatives(c.Alternatives), c.Box.X, c.Box.Y, c.Box.W, c.Box.H,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func GetCells(db *sql.DB, formID int64) ([]domain.ParsedCell, error) {
	rows, err := db.Query(
		`SELECT form_id, cell_id, value, raw_text, mark, confidence, severity, needs_review, alternatives, box_x, box_y, box_w, box_h
		 FROM cells WHERE form_id = ? ORDER BY cell_id`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []domain.ParsedCell
	for rows.Next() {
		var c domain.ParsedCell
		var value sql.NullInt64
		var mark string
		var severity, needsReview int
		var alternatives string
		err := rows.Scan(&c.FormID, &c.CellID, &value, &c.RawText, &mark, &c.Confidence,
			&severity, &needsReview, &alternatives, &c.Box.X, &c.Box.Y, &c.Box.W, &c.Box.H)
		if err != nil {
			return nil, err
		}
		if value.Valid {
			c.Value = domain.IntPtr(int(value.Int64))
		}
		c.Mark = domain.MarkType(mark)
		c.Severity = domain.Severity(severity)
		c.NeedsReview = needsReview != 0
		c.Alternatives = decodeAlternatives(alternatives)
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// SetCellValue writes a reviewed value into one cell and clears its
// review flag. Only the review correction path calls this; automated
// stages go through ReplaceCells.
func SetCellValue(db *sql.DB, formID int64, cellID string, value int) error {
	_, err := db.Exec(
		`UPDATE cells SET value = ?, needs_review = 0 WHERE form_id = ? AND cell_id = ?`,
		value, formID, cellID)
	return err
}

// CountCellsNeedingReview reports how many cells on a form still await
// a reviewer decision.
func CountCellsNeedingReview(db *sql.DB, formID int64) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM cells WHERE form_id = ? AND needs_review = 1`, formID).Scan(&count)
	return count, err
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeAlternatives(alts []int) string {
	if len(alts) == 0 {
		return ""
	}
	parts := make([]string, len(alts))
	for i, v := range alts {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func decodeAlternatives(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
