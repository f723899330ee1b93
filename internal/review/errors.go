package review

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for session lookup and commit preconditions.
var (
	ErrSessionNotFound = errors.New("review session not found")
	ErrSessionExpired  = errors.New("review session expired")
	ErrNoMetricRows    = errors.New("no metric rows assembled")
)

// StateError reports an action attempted in a state that does not allow
// it, for example boosting before any preview exists.
type StateError struct {
	State  State
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Action, e.State)
}

// CoverageError blocks a commit that would silently drop known members.
// It carries the missing names so the caller can render the remediation
// options (boost, manual fix, force) without another storage round-trip.
type CoverageError struct {
	CoveragePct float64
	Missing     []string
	PriorCount  int
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("coverage %.2f%%: %d of %d known members missing (%s)",
		e.CoveragePct, len(e.Missing), e.PriorCount, strings.Join(e.Missing, ", "))
}

// InsufficientRowsError blocks a commit with too few merged rows to be a
// plausible roster capture.
type InsufficientRowsError struct {
	Rows int
	Min  int
}

func (e *InsufficientRowsError) Error() string {
	return fmt.Sprintf("only %d rows assembled, need at least %d", e.Rows, e.Min)
}

// BoostExhaustedError rejects an OCR boost past the per-session cap.
type BoostExhaustedError struct {
	Used int
	Max  int
}

func (e *BoostExhaustedError) Error() string {
	return fmt.Sprintf("boost limit reached (%d of %d used)", e.Used, e.Max)
}

// FixParseError reports one rejected manual-correction line.
type FixParseError struct {
	Line   string
	Detail string
}

func (e *FixParseError) Error() string {
	return fmt.Sprintf("cannot apply fix %q: %s", e.Line, e.Detail)
}
