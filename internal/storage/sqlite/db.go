// Package sqlite is the durable store for forms, parsed cells, review
// items, audit entries, training pairs and pipeline counters. Review
// decisions and audit entries are safety-critical, so everything that
// must survive a process restart lives here rather than in memory.
package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"tallyflow/internal/domain"
)

func InitDB(path string) (*sql.DB, error) {
	// Busy timeout covers concurrent OCR workers writing cell sets.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS forms (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		department     TEXT NOT NULL,
		municipality   TEXT NOT NULL,
		station        TEXT NOT NULL,
		image_path     TEXT DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'PENDING',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT DEFAULT '',
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(department, municipality, station)
	);
	CREATE INDEX IF NOT EXISTS idx_forms_status ON forms(status);
	CREATE INDEX IF NOT EXISTS idx_forms_zone ON forms(department, municipality);

	CREATE TABLE IF NOT EXISTS cells (
		form_id      INTEGER NOT NULL,
		cell_id      TEXT NOT NULL,
		value        INTEGER,
		raw_text     TEXT NOT NULL DEFAULT '',
		mark         TEXT NOT NULL,
		confidence   REAL NOT NULL DEFAULT 0,
		severity     INTEGER NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		alternatives TEXT NOT NULL DEFAULT '',
		box_x        INTEGER NOT NULL DEFAULT 0,
		box_y        INTEGER NOT NULL DEFAULT 0,
		box_w        INTEGER NOT NULL DEFAULT 0,
		box_h        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (form_id, cell_id)
	);

	CREATE TABLE IF NOT EXISTS review_items (
		id              TEXT PRIMARY KEY,
		form_id         INTEGER NOT NULL,
		cell_id         TEXT NOT NULL,
		priority        INTEGER NOT NULL DEFAULT 1,
		reason          TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'PENDING',
		assignee        TEXT DEFAULT '',
		raw_text        TEXT DEFAULT '',
		proposed_value  INTEGER,
		corrected_value INTEGER,
		escalated       INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_review_status ON review_items(status);
	CREATE INDEX IF NOT EXISTS idx_review_key ON review_items(form_id, cell_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		actor   TEXT NOT NULL,
		action  TEXT NOT NULL,
		before  TEXT DEFAULT '',
		after   TEXT DEFAULT '',
		at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_item ON audit_log(item_id);

	CREATE TABLE IF NOT EXISTS training_pairs (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_text        TEXT NOT NULL,
		mark            TEXT NOT NULL,
		corrected_value INTEGER NOT NULL,
		corrected_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// --- forms ---

func InsertForm(db *sql.DB, f domain.FormRecord) (int64, error) {
	status := f.Status
	if status == "" {
		status = domain.FormPending
	}
	res, err := db.Exec(
		`INSERT INTO forms (department, municipality, station, image_path, status)
		 VALUES (?, ?, ?, ?, ?)`,
		f.Department, f.Municipality, f.Station, f.ImagePath, string(status),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetForm(db *sql.DB, id int64) (domain.FormRecord, error) {
	row := db.QueryRow(
		`SELECT id, department, municipality, station, image_path, status, retry_count, failure_reason, created_at, updated_at
		 FROM forms WHERE id = ?`, id)
	return scanForm(row)
}

// GetFormByStation looks a form up by its natural key, used to keep
// scraper registration idempotent.
func GetFormByStation(db *sql.DB, zone domain.Zone, station string) (domain.FormRecord, error) {
	row := db.QueryRow(
		`SELECT id, department, municipality, station, image_path, status, retry_count, failure_reason, created_at, updated_at
		 FROM forms WHERE department = ? AND municipality = ? AND station = ?`,
		zone.Department, zone.Municipality, station)
	return scanForm(row)
}

func scanForm(row *sql.Row) (domain.FormRecord, error) {
	var f domain.FormRecord
	var status string
	err := row.Scan(&f.ID, &f.Department, &f.Municipality, &f.Station, &f.ImagePath,
		&status, &f.RetryCount, &f.FailureReason, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return domain.FormRecord{}, err
	}
	f.Status = domain.FormStatus(status)
	return f, nil
}

func UpdateFormStatus(db *sql.DB, id int64, status domain.FormStatus, failureReason string) error {
	_, err := db.Exec(
		`UPDATE forms SET status = ?, failure_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), failureReason, id)
	return err
}

func SetFormImagePath(db *sql.DB, id int64, path string) error {
	_, err := db.Exec(
		`UPDATE forms SET image_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		path, id)
	return err
}

func IncrementFormRetry(db *sql.DB, id int64) (int, error) {
	_, err := db.Exec(`UPDATE forms SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRow(`SELECT retry_count FROM forms WHERE id = ?`, id).Scan(&count)
	return count, err
}

func ListFormsByStatus(db *sql.DB, status domain.FormStatus) ([]domain.FormRecord, error) {
	rows, err := db.Query(
		`SELECT id, department, municipality, station, image_path, status, retry_count, failure_reason, created_at, updated_at
		 FROM forms WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forms []domain.FormRecord
	for rows.Next() {
		var f domain.FormRecord
		var st string
		if err := rows.Scan(&f.ID, &f.Department, &f.Municipality, &f.Station, &f.ImagePath,
			&st, &f.RetryCount, &f.FailureReason, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Status = domain.FormStatus(st)
		forms = append(forms, f)
	}
	return forms, rows.Err()
}

// --- counters ---

func IncrCounter(db *sql.DB, name string, delta int64) error {
	_, err := db.Exec(
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`,
		name, delta)
	return err
}

func GetCounters(db *sql.DB) (map[string]int64, error) {
	rows, err := db.Query(`SELECT name, value FROM counters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}
