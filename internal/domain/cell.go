package domain

// MarkType is the closed set of interpretations for one handwritten cell.
// The classifier's rule chain switches over these; adding a member means
// updating every switch that consumes it.
type MarkType string

const (
	MarkDigit          MarkType = "DIGIT"
	MarkAsteriskSingle MarkType = "ASTERISK_SINGLE"
	MarkAsteriskDouble MarkType = "ASTERISK_DOUBLE"
	MarkAsteriskTriple MarkType = "ASTERISK_TRIPLE"
	MarkDash           MarkType = "DASH"
	MarkEmpty          MarkType = "EMPTY"
	MarkCrossed        MarkType = "CROSSED"
	MarkOverwrite      MarkType = "OVERWRITE"
	MarkStrikethrough  MarkType = "STRIKETHROUGH"
	MarkIllegible      MarkType = "ILLEGIBLE"
	MarkPartial        MarkType = "PARTIAL"
	MarkUnclear        MarkType = "UNCLEAR"
)

// Severity ranks how urgently a parsed cell needs human attention.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Box is the pixel region of a cell on the form image.
type Box struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// ParsedCell is the classifier's interpretation of one vote-count cell.
//
// Value is nil for every non-digit mark. A nil Value can only become a
// number through an audited review correction; no automated stage is
// allowed to fill it in. This is what keeps an illegible triple-asterisk
// from silently turning into a zero.
type ParsedCell struct {
	FormID       int64
	CellID       string
	Value        *int
	RawText      string
	Mark         MarkType
	Confidence   float64
	Severity     Severity
	NeedsReview  bool
	Alternatives []int
	Box          Box
}

// IntPtr is a convenience for building optional cell values.
func IntPtr(v int) *int { return &v }
