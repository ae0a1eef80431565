package domain

import "time"

// ReviewStatus tracks one review item through the HITL workflow.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewAssigned ReviewStatus = "ASSIGNED"
	ReviewApproved ReviewStatus = "APPROVED"
	ReviewRejected ReviewStatus = "REJECTED"
	ReviewExpired  ReviewStatus = "EXPIRED"
)

// Open reports whether the item still needs a reviewer decision.
func (s ReviewStatus) Open() bool {
	return s == ReviewPending || s == ReviewAssigned
}

// ReviewItem is one cell escalated for human confirmation. At most one
// open item exists per (FormID, CellID).
type ReviewItem struct {
	ID             string
	FormID         int64
	CellID         string
	Priority       Priority
	Reason         string
	Status         ReviewStatus
	Assignee       string
	RawText        string
	ProposedValue  *int
	CorrectedValue *int
	Escalated      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Audit actions recorded against review items.
const (
	AuditActionCreate  = "create"
	AuditActionAssign  = "assign"
	AuditActionApprove = "approve"
	AuditActionReject  = "reject"
	AuditActionExpire  = "expire"
)

// AuditEntry is one append-only record of a review action. Entries are
// never updated or deleted.
type AuditEntry struct {
	ID     int64
	ItemID string
	Actor  string
	Action string
	Before string
	After  string
	At     time.Time
}

// TrainingPair is a labeled (raw OCR text, human-corrected value) example
// emitted by approved corrections, for downstream model improvement.
type TrainingPair struct {
	ID             int64
	RawText        string
	Mark           MarkType
	CorrectedValue int
	CorrectedAt    time.Time
}
