package ocr

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"tallyflow/internal/domain"
)

// DecodeForm decodes a fetched form image (PNG or JPEG).
func DecodeForm(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding form image: %w", err)
	}
	return img, nil
}

// CropCell cuts one cell region out of the form image. Boxes that fall
// partially outside the form are clamped by imaging.Crop; a fully
// out-of-bounds box is an error since it means the layout does not
// match the scanned template.
func CropCell(img image.Image, box domain.Box) (image.Image, error) {
	rect := image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H)
	if !rect.Overlaps(img.Bounds()) {
		return nil, fmt.Errorf("cell box %v outside form bounds %v", rect, img.Bounds())
	}
	return imaging.Crop(img, rect), nil
}
