package domain

import "time"

// Priority orders pipeline jobs and review items. Higher values are
// served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	}
	return "UNKNOWN"
}

// PipelineJob is one queued unit of OCR work.
type PipelineJob struct {
	FormID     int64
	Priority   Priority
	Attempts   int
	EnqueuedAt time.Time
}
