package domain

import "time"

// FormStatus tracks a tally sheet through the pipeline.
type FormStatus string

const (
	FormPending     FormStatus = "PENDING"
	FormFetched     FormStatus = "FETCHED"
	FormOCRDone     FormStatus = "OCR_DONE"
	FormNeedsReview FormStatus = "NEEDS_REVIEW"
	FormValidated   FormStatus = "VALIDATED"
	FormFailed      FormStatus = "FAILED"
)

// Terminal reports whether the status ends the form's lifecycle.
func (s FormStatus) Terminal() bool {
	return s == FormValidated || s == FormFailed
}

// FormRecord identifies one polling-station tally sheet.
type FormRecord struct {
	ID            int64
	Department    string
	Municipality  string
	Station       string
	ImagePath     string
	Status        FormStatus
	RetryCount    int
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Zone is the scraper's batching unit (department + municipality).
type Zone struct {
	Department   string `yaml:"department"`
	Municipality string `yaml:"municipality"`
}

func (z Zone) String() string {
	return z.Department + "/" + z.Municipality
}
