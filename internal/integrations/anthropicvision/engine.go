// Package anthropicvision implements the OCR capability with a vision
// LLM. The model is asked to transcribe one cell crop into the
// electoral transcription vocabulary and to self-report a confidence.
package anthropicvision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-sonnet-4-5-20250929"

const systemPrompt = `You transcribe single cells cut from handwritten electoral tally sheets.
Reply with exactly one JSON object: {"text": "...", "confidence": 0.0-1.0}.
Transcription vocabulary for "text":
- a 1-3 digit number, e.g. "42"
- "" when the cell is blank
- "-", "--" or "---" for dash marks
- "*", "**" or "***" for asterisk marks
- "X" (optionally around digits, e.g. "12X") for crossed-out content
- "OLD->NEW" (e.g. "15->18") when a number was overwritten
- "~N~" or "~N~ M" for struck-through content, with the rewrite if legible
- "?" for illegible content, or a digit prefix plus "?" (e.g. "1?") when only part is legible
Confidence reflects how certain you are of the transcription. Never guess a number you cannot read.`

type inferResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Engine calls the Anthropic Messages API with the cell image attached.
type Engine struct {
	client anthropic.Client
	model  string
}

func New(apiKey, model string) *Engine {
	if model == "" {
		model = defaultModel
	}
	return &Engine{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (e *Engine) Infer(ctx context.Context, img image.Image) (string, float64, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", 0, fmt.Errorf("encoding cell image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 128,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/png", encoded),
				anthropic.NewTextBlock("Transcribe this cell."),
			),
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("anthropic vision call: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return parseInferResponse(block.Text)
		}
	}
	return "", 0, fmt.Errorf("no text content in anthropic response")
}

func parseInferResponse(responseText string) (string, float64, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var parsed inferResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		return "", 0, fmt.Errorf("parsing vision response: %w (response: %s)", err, responseText)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		log.Printf("ocr anthropic clamping confidence=%f", parsed.Confidence)
		if parsed.Confidence < 0 {
			parsed.Confidence = 0
		} else {
			parsed.Confidence = 1
		}
	}
	return strings.TrimSpace(parsed.Text), parsed.Confidence, nil
}
