package vision

import (
	"strconv"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
)

// reconcile merges the strong and weak model row sets for one screenshot.
//
// A member seen by both models has its two values reconciled digit by
// digit. A member seen by only one model is kept with discounted
// confidence; the discount is asymmetric because the strong model is the
// fallback source of truth.
func reconcile(strong, weak *Extraction, preferStrong bool) *Extraction {
	out := &Extraction{Metric: strong.Metric, Rows: make(map[string]*types.MetricRow, len(strong.Rows))}

	for key, sr := range strong.Rows {
		wr, inBoth := weak.Rows[key]
		row := &types.MetricRow{
			CanonicalKey: key,
			DisplayName:  sr.DisplayName,
			Value:        sr.Value,
			Confidence:   sr.Confidence,
		}
		row.MergeProvenance(sr.Provenance)

		if !inBoth {
			row.Confidence = sr.Confidence * strongOnlyDiscount
			out.Rows[key] = row
			continue
		}

		row.MergeProvenance(wr.Provenance)
		value, disagreed := reconcileDigits(sr.Value, wr.Value, preferStrong)
		row.Value = value
		if disagreed {
			// A value was produced, but it still needs review.
			row.Disagreement = true
			row.Confidence = disagreementConfCap
		} else if wr.Confidence > row.Confidence {
			row.Confidence = wr.Confidence
		}
		out.Rows[key] = row
	}

	for key, wr := range weak.Rows {
		if _, ok := strong.Rows[key]; ok {
			continue
		}
		row := &types.MetricRow{
			CanonicalKey: key,
			DisplayName:  wr.DisplayName,
			Value:        wr.Value,
			Confidence:   wr.Confidence * weakOnlyDiscount,
		}
		row.MergeProvenance(wr.Provenance)
		out.Rows[key] = row
	}

	return out
}

// reconcileDigits merges two readings of the same number digit by digit,
// right-aligned and zero-padded to equal width. Agreeing positions are
// kept; disagreeing positions take the preferred model's digit.
func reconcileDigits(preferred, other int64, preferFirst bool) (value int64, disagreed bool) {
	if !preferFirst {
		preferred, other = other, preferred
	}
	a := strconv.FormatInt(preferred, 10)
	b := strconv.FormatInt(other, 10)
	for len(a) < len(b) {
		a = "0" + a
	}
	for len(b) < len(a) {
		b = "0" + b
	}

	merged := make([]byte, len(a))
	for i := range a {
		merged[i] = a[i]
		if a[i] != b[i] {
			disagreed = true
		}
	}

	v, err := strconv.ParseInt(string(merged), 10, 64)
	if err != nil {
		// Unreachable for two valid decimal inputs; keep the preferred
		// reading rather than failing the row.
		return preferred, true
	}
	return v, disagreed
}
