// Package ocr drains a priority queue of form jobs through a bounded
// worker pool. Each worker crops the configured cell regions out of the
// form image, runs the injected OCR capability on every region, and
// hands the raw readings to the classifier.
package ocr

import (
	"context"
	"image"

	"tallyflow/internal/domain"
)

// Engine is the injected OCR capability. Implementations live under
// internal/integrations; the pool treats them as a black box behind a
// circuit breaker.
type Engine interface {
	// Infer reads one cell region and returns the transcription plus a
	// confidence in [0,1].
	Infer(ctx context.Context, img image.Image) (text string, confidence float64, err error)
}

// CellRegion names one vote-count cell and its pixel box on the form.
type CellRegion struct {
	ID  string     `yaml:"id"`
	Box domain.Box `yaml:"box"`
}

// FormLayout is the cell grid of the tally sheet, configured rather
// than hardcoded since the form template varies by election.
type FormLayout []CellRegion

// DefaultFormLayout covers the candidate-count column of the standard
// sheet: twelve rows of 160x48 cells.
func DefaultFormLayout() FormLayout {
	layout := make(FormLayout, 0, 12)
	for i := 0; i < 12; i++ {
		layout = append(layout, CellRegion{
			ID:  cellID(i),
			Box: domain.Box{X: 520, Y: 210 + i*56, W: 160, H: 48},
		})
	}
	return layout
}

func cellID(i int) string {
	const digits = "0123456789"
	return "C" + string(digits[(i+1)/10]) + string(digits[(i+1)%10])
}
