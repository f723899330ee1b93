package review

import (
	"time"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/config"
)

// Policy holds the QA thresholds for one guild's review sessions. It is
// injected at session start so guilds can be tuned independently.
type Policy struct {
	// SuspiciousJumpPct flags members whose absolute total change versus
	// last week exceeds this percentage.
	SuspiciousJumpPct float64

	// ConfidenceFloor flags rows the extractor was less sure about.
	ConfidenceFloor float64

	// MinRows is the minimum merged row count required to commit.
	MinRows int

	// MaxBoosts caps OCR re-extraction passes per session.
	MaxBoosts int

	// TTL bounds session lifetime; expiry discards all in-memory state.
	TTL time.Duration
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return PolicyFrom(config.Default().Review)
}

// PolicyFrom converts a review config block into a Policy.
func PolicyFrom(rc config.ReviewConfig) Policy {
	return Policy{
		SuspiciousJumpPct: rc.SuspiciousJumpPct,
		ConfidenceFloor:   rc.ConfidenceFloor,
		MinRows:           rc.MinRows,
		MaxBoosts:         rc.MaxBoosts,
		TTL:               rc.TTL(),
	}
}
