// Package tesseract implements the OCR capability with a local
// Tesseract install via gosseract. Useful for bulk runs where the
// vision-LLM engine would be too slow or expensive.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// whitelist restricts recognition to the electoral transcription
// vocabulary; everything else on a cell crop is noise.
const whitelist = "0123456789-*Xx~>? "

// Engine runs one gosseract client per call; clients are cheap next to
// recognition itself and are not safe for concurrent reuse.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"spa"}
	}
	return &Engine{
		languages:     languages,
		clientFactory: gosseract.NewClient,
	}
}

func (e *Engine) Infer(ctx context.Context, img image.Image) (string, float64, error) {
	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", 0, fmt.Errorf("encoding cell image: %w", err)
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}
	if err := c.SetLanguage(e.languages...); err != nil {
		return "", 0, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return "", 0, fmt.Errorf("set page seg mode: %w", err)
	}
	if err := c.SetWhitelist(whitelist); err != nil {
		return "", 0, fmt.Errorf("set whitelist: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", 0, fmt.Errorf("recognize text: %w", err)
	}

	return strings.TrimSpace(text), wordConfidence(c), nil
}

// wordConfidence averages tesseract's per-word confidences down to the
// [0,1] scale the classifier expects.
func wordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
