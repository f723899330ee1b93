// Package numparse turns raw OCR text into validated power values.
// The vision oracle is unreliable in both directions: it drops digits,
// invents digits, and confuses glyphs. Everything it returns passes
// through Parse before being trusted anywhere else in the pipeline.
package numparse

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Rejection reasons returned in Result.Reason.
const (
	ReasonParseFailed        = "parse-failed"
	ReasonBadGrouping        = "bad-grouping"
	ReasonTrailingExtraDigit = "trailing-extra-digit"
	ReasonOutlier            = "outlier"
)

// Plausible power values are 6-12 decimal digits.
const (
	minDigits = 6
	maxDigits = 12
)

// outlierRatio is how far above the page median a pre-correction value
// must sit before a defective reading is rejected instead of corrected.
const outlierRatio = 8.0

// Options tune a single Parse call.
type Options struct {
	// PageMedian, when >0, enables the median sanity check: a value whose
	// pre-correction reading is more than outlierRatio times the median
	// AND exhibited a correction-worthy defect is rejected outright.
	PageMedian float64

	// AllowOutliers disables the median check.
	AllowOutliers bool
}

// Result is the outcome of parsing one raw value. Parse is total: every
// input produces a Result and no input panics.
type Result struct {
	Value     int64
	Valid     bool
	Corrected bool
	Reason    string
}

func rejected(reason string) Result {
	return Result{Reason: reason}
}

var suffixRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([KMBkmb])$`)

// ocrReplacer fixes glyph confusions and strips invisible whitespace the
// oracle habitually injects.
var ocrReplacer = strings.NewReplacer(
	"O", "0", "o", "0",
	"l", "1", "I", "1",
	"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "",
	"\u00a0", " ", "\u2009", " ",
	"\uff0c", ",", "\u3002", ".",
)

// ParseValue accepts the loosely typed value field of an oracle row
// (JSON number or string) and routes it through Parse.
func ParseValue(v any, opts Options) Result {
	switch t := v.(type) {
	case nil:
		return rejected(ReasonParseFailed)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return rejected(ReasonParseFailed)
		}
		return Result{Value: int64(math.Floor(t)), Valid: true}
	case int:
		if t < 0 {
			return rejected(ReasonParseFailed)
		}
		return Result{Value: int64(t), Valid: true}
	case int64:
		if t < 0 {
			return rejected(ReasonParseFailed)
		}
		return Result{Value: t, Valid: true}
	case string:
		return Parse(t, opts)
	default:
		return rejected(ReasonParseFailed)
	}
}

// Parse interprets one raw OCR string as a power value.
//
// Pipeline: normalize glyph confusions, try K/M/B suffix notation (trusted
// as-is), then require a 6-12 digit grouped number and run the
// anti-inflation corrections on it. With a page median supplied, wildly
// implausible defective readings are rejected rather than corrected.
func Parse(raw string, opts Options) Result {
	s := strings.TrimSpace(ocrReplacer.Replace(raw))
	if s == "" {
		return rejected(ReasonParseFailed)
	}

	if m := suffixRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return rejected(ReasonParseFailed)
		}
		var mult float64
		switch strings.ToUpper(m[2]) {
		case "K":
			mult = 1e3
		case "M":
			mult = 1e6
		case "B":
			mult = 1e9
		}
		// Suffix values come from the game's own abbreviated display and
		// are trusted without further correction.
		return Result{Value: int64(math.Floor(n * mult)), Valid: true}
	}

	digits, ok := stripSeparators(s)
	if !ok || len(digits) < minDigits || len(digits) > maxDigits {
		return rejected(ReasonParseFailed)
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return rejected(ReasonParseFailed)
	}
	preCorrection := value

	corrected := false
	reason := ""

	// A correctly comma-grouped value is structurally validated by its own
	// grouping and is never second-guessed. Corrections only apply to
	// malformed groupings and bare digit runs.
	if !isWellGrouped(s) {
		if fixed, ok := fixBadGrouping(s); ok && fixed < value {
			value = fixed
			corrected = true
			reason = ReasonBadGrouping
		} else if fixed, ok := fixTrailingExtraDigit(digits); ok {
			value = fixed
			corrected = true
			reason = ReasonTrailingExtraDigit
		}
	}

	// The median check only fires on readings that independently showed a
	// correction-worthy defect. A plausible-looking but wrong value with
	// clean grouping sails through; see the known blind spot in DESIGN.md.
	if corrected && !opts.AllowOutliers && opts.PageMedian > 0 {
		if float64(preCorrection)/opts.PageMedian > outlierRatio {
			return rejected(ReasonOutlier)
		}
	}

	return Result{Value: value, Valid: true, Corrected: corrected, Reason: reason}
}

// isWellGrouped reports whether s is a comma-grouped number with a 1-3
// digit lead group and exactly three digits in every following group.
func isWellGrouped(s string) bool {
	if !strings.Contains(s, ",") {
		return false
	}
	groups := strings.Split(s, ",")
	if len(groups[0]) < 1 || len(groups[0]) > 3 || !allDigits(groups[0]) {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 || !allDigits(g) {
			return false
		}
	}
	return true
}

// stripSeparators removes digit-group separators and reports whether the
// remainder is pure digits.
func stripSeparators(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',' || r == '.' || r == ' ':
			// separator, skip
		default:
			return "", false
		}
	}
	return b.String(), b.Len() > 0
}

// fixBadGrouping handles the oracle reading an extra digit into the final
// comma group (e.g. "1,234,5678"). Every group after the first must be
// exactly three digits; when the final group has four, the trailing digit
// is dropped and the smaller re-parse is accepted.
func fixBadGrouping(s string) (int64, bool) {
	if !strings.Contains(s, ",") {
		return 0, false
	}
	groups := strings.Split(s, ",")
	if len(groups) < 2 {
		return 0, false
	}
	malformed := false
	for _, g := range groups[1:] {
		if len(g) != 3 || !allDigits(g) {
			malformed = true
		}
	}
	if !malformed || !allDigits(groups[0]) {
		return 0, false
	}
	last := groups[len(groups)-1]
	if len(last) != 4 {
		return 0, false
	}
	groups[len(groups)-1] = last[:3]
	digits := strings.Join(groups, "")
	if len(digits) < minDigits || len(digits) > maxDigits {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// fixTrailingExtraDigit handles the oracle doubling the final digit of a
// large value. A repeated last digit pair (or any pair drawn from 0/8,
// the two glyphs it doubles most) on a >=9 digit value drops the last
// digit.
func fixTrailingExtraDigit(digits string) (int64, bool) {
	if len(digits) < 9 {
		return 0, false
	}
	a := digits[len(digits)-2]
	b := digits[len(digits)-1]
	zeroOrEight := func(c byte) bool { return c == '0' || c == '8' }
	if a != b && !(zeroOrEight(a) && zeroOrEight(b)) {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v / 10, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
