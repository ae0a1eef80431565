// Package classify turns raw OCR text plus confidence into a typed
// ParsedCell. It is pure: no I/O, no clock, no state beyond the
// configured thresholds.
//
// The OCR engines are prompted/normalized to a small transcription
// vocabulary for non-digit handwriting:
//
//	""              nothing written in the cell
//	"-" .. "---"    explicit zero marks
//	"*" .. "***"    asterisk marks of escalating concern
//	"X" / "12X"     crossed-out content
//	"15->18"        overwrite, original then corrected value
//	"~15~" / "~15~ 18"  strikethrough, optionally with a rewrite
//	"?" / "1?"      illegible or partially legible content
//
// Anything outside the vocabulary is UNCLEAR.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"tallyflow/internal/domain"
)

// Thresholds hold the configured confidence bands and the severity at
// which a cell is escalated for review.
type Thresholds struct {
	High           float64         // full-trust digit confidence
	Low            float64         // below this even a clean digit is UNCLEAR
	ReviewSeverity domain.Severity // escalate at or above this severity
}

// DefaultThresholds match the config defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.85, Low: 0.50, ReviewSeverity: domain.SeverityMedium}
}

// Classifier applies the electoral alphabet rule chain.
type Classifier struct {
	t Thresholds
}

func New(t Thresholds) *Classifier {
	if t.High == 0 {
		t = DefaultThresholds()
	}
	return &Classifier{t: t}
}

var (
	digitRe     = regexp.MustCompile(`^\d{1,3}$`)
	dashRe      = regexp.MustCompile(`^-{1,3}$`)
	asteriskRe  = regexp.MustCompile(`^\*{1,3}$`)
	crossedRe   = regexp.MustCompile(`^(\d{0,3})[Xx]+(\d{0,3})$`)
	overwriteRe = regexp.MustCompile(`^(\d{1,3})\s*->\s*(\d{0,3})$`)
	struckRe    = regexp.MustCompile(`^~[^~]*~\s*(\d{0,3})$`)
	partialRe   = regexp.MustCompile(`^(\d{1,2})\?$`)
)

// Classify maps one cell's raw OCR output to a typed result. Rules are
// ordered; the first match wins. Every non-digit rule leaves Value nil
// (or an explicit zero for DASH/EMPTY) — a nil Value can only be filled
// by an audited review correction downstream.
func (c *Classifier) Classify(raw string, confidence float64) domain.ParsedCell {
	cell := domain.ParsedCell{
		RawText:    raw,
		Confidence: confidence,
	}
	raw = strings.TrimSpace(raw)

	switch {
	// Rule 1: clean 1-3 digit count.
	case digitRe.MatchString(raw) && confidence >= c.t.High:
		v, _ := strconv.Atoi(raw)
		cell.Mark = domain.MarkDigit
		cell.Value = domain.IntPtr(v)
		cell.Severity = domain.SeverityNone

	case digitRe.MatchString(raw) && confidence >= c.t.Low:
		v, _ := strconv.Atoi(raw)
		cell.Mark = domain.MarkDigit
		cell.Value = domain.IntPtr(v)
		cell.Severity = domain.SeverityLow

	// Rule 2: dash marks are an explicit zero.
	case dashRe.MatchString(raw):
		cell.Mark = domain.MarkDash
		cell.Value = domain.IntPtr(0)
		cell.Severity = domain.SeverityNone

	// Rule 3: nothing written is an implicit zero, flagged for audit.
	case raw == "":
		cell.Mark = domain.MarkEmpty
		cell.Value = domain.IntPtr(0)
		cell.Severity = domain.SeverityLow

	// Rule 4: asterisk marks. Triple blocks automatic acceptance.
	case asteriskRe.MatchString(raw):
		switch len(raw) {
		case 1:
			cell.Mark = domain.MarkAsteriskSingle
			cell.Severity = domain.SeverityLow
		case 2:
			cell.Mark = domain.MarkAsteriskDouble
			cell.Severity = domain.SeverityMedium
		default:
			cell.Mark = domain.MarkAsteriskTriple
			cell.Severity = domain.SeverityCritical
		}

	// Rule 5: corrected handwriting.
	case overwriteRe.MatchString(raw):
		m := overwriteRe.FindStringSubmatch(raw)
		cell.Mark = domain.MarkOverwrite
		if m[2] != "" && confidence >= c.t.Low {
			v, _ := strconv.Atoi(m[2])
			cell.Value = domain.IntPtr(v)
			cell.Severity = domain.SeverityMedium
		} else {
			cell.Severity = domain.SeverityHigh
		}

	case struckRe.MatchString(raw):
		m := struckRe.FindStringSubmatch(raw)
		cell.Mark = domain.MarkStrikethrough
		if m[1] != "" && confidence >= c.t.Low {
			v, _ := strconv.Atoi(m[1])
			cell.Value = domain.IntPtr(v)
			cell.Severity = domain.SeverityMedium
		} else {
			cell.Severity = domain.SeverityHigh
		}

	case crossedRe.MatchString(raw):
		cell.Mark = domain.MarkCrossed
		cell.Severity = domain.SeverityHigh

	// Rule 6: everything else.
	case raw == "?" || raw == "??" || raw == "???":
		cell.Mark = domain.MarkIllegible
		cell.Severity = domain.SeverityHigh

	case partialRe.MatchString(raw):
		m := partialRe.FindStringSubmatch(raw)
		cell.Mark = domain.MarkPartial
		cell.Severity = domain.SeverityHigh
		cell.Alternatives = partialCandidates(m[1])

	default:
		cell.Mark = domain.MarkUnclear
		cell.Severity = domain.SeverityHigh
		cell.Alternatives = confusionCandidates(raw)
	}

	cell.NeedsReview = c.needsReview(cell)
	return cell
}

// needsReview escalates when severity crosses the configured band, and
// always when the mark carries no value: a valueless cell can never
// become data without a reviewer.
func (c *Classifier) needsReview(cell domain.ParsedCell) bool {
	if cell.Value == nil {
		return true
	}
	return cell.Severity >= c.t.ReviewSeverity
}

// confusables lists the digit shapes most often misread for each other
// on handwritten tally sheets.
var confusables = map[rune][]rune{
	'0': {'8', '6'},
	'1': {'7'},
	'3': {'8'},
	'4': {'9'},
	'5': {'6'},
	'6': {'5', '0'},
	'7': {'1'},
	'8': {'3', '0'},
	'9': {'4'},
}

// confusionCandidates ranks plausible digit readings of an unclear
// string: the literal digits first, then single-position confusable
// substitutions.
func confusionCandidates(raw string) []int {
	digits := make([]rune, 0, len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 || len(digits) > 3 {
		return nil
	}

	var out []int
	seen := map[int]bool{}
	add := func(rs []rune) {
		v, err := strconv.Atoi(string(rs))
		if err != nil || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	add(digits)
	for i, d := range digits {
		for _, alt := range confusables[d] {
			candidate := append(append([]rune{}, digits[:i]...), alt)
			candidate = append(candidate, digits[i+1:]...)
			add(candidate)
		}
	}
	return out
}

// partialCandidates expands a truncated reading like "1?" into the ten
// completions 10..19.
func partialCandidates(prefix string) []int {
	base, err := strconv.Atoi(prefix)
	if err != nil {
		return nil
	}
	out := make([]int, 0, 10)
	for d := 0; d <= 9; d++ {
		v := base*10 + d
		if v <= 999 {
			out = append(out, v)
		}
	}
	return out
}
