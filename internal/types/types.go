// Package types holds the small shared vocabulary of the ingestion
// pipeline: metric kinds, merged rows and actor identity. Kept separate so
// vision, review and snapshot packages can share them without cycles.
package types

// MetricKind identifies which roster column a value belongs to.
type MetricKind string

const (
	MetricSim   MetricKind = "sim"
	MetricTotal MetricKind = "total"
)

// Valid reports whether k is one of the known metric kinds.
func (k MetricKind) Valid() bool {
	return k == MetricSim || k == MetricTotal
}

// AllMetricKinds lists the kinds in stable order.
func AllMetricKinds() []MetricKind {
	return []MetricKind{MetricSim, MetricTotal}
}

// MetricRow is one member's value for one metric kind, as assembled from
// screenshots and manual corrections. Provenance records which sources
// (screenshot index, model, "manual") contributed to the row.
type MetricRow struct {
	CanonicalKey string
	DisplayName  string
	Value        int64
	Confidence   float64
	Disagreement bool
	Provenance   map[string]struct{}
}

// AddProvenance unions a source tag into the row.
func (r *MetricRow) AddProvenance(src string) {
	if r.Provenance == nil {
		r.Provenance = make(map[string]struct{})
	}
	r.Provenance[src] = struct{}{}
}

// MergeProvenance unions all of other's sources into the row.
func (r *MetricRow) MergeProvenance(other map[string]struct{}) {
	for src := range other {
		r.AddProvenance(src)
	}
}

// Actor is the identity that initiated a review session. Privileged
// actors may force-commit past the coverage guard.
type Actor struct {
	ID           string
	IsPrivileged bool
}
