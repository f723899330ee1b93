// Package vision extracts per-member power rows from roster screenshots.
//
// The vision model is an untrusted oracle: it returns text that must be
// strict JSON, and every numeric value it reports is independently
// sanity-checked by the numeric parser before acceptance.
package vision

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

// Image is one screenshot handed to the oracle.
type Image struct {
	Data []byte
	MIME string
}

// Oracle is a single vision model. Extract returns the raw response text
// for one screenshot; the extractor owns all validation.
type Oracle interface {
	// Name identifies the model for provenance and logging.
	Name() string
	Extract(ctx context.Context, img Image, instruction string) (string, error)
}

// ErrInvalidResponse marks an oracle reply that was not the demanded
// strict JSON. It aborts extraction for that image; it is never coerced.
var ErrInvalidResponse = errors.New("invalid oracle response")

// Transient reports whether an oracle error is worth retrying: HTTP
// 429/500/502/503/504 or explicit rate-limit signaling. Everything else
// propagates immediately.
func Transient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted")
}
