// Package review implements the QA-gated review session: screenshots are
// merged into a pending change set, guard signals are computed against
// last week's view, and nothing touches durable storage until commit.
package review

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/snapshot"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/vision"
)

// State is a review session lifecycle state.
type State string

const (
	StateCollecting    State = "collecting"
	StatePreviewed     State = "previewed"
	StateOcrBoosting   State = "ocr-boosting"
	StateManualEditing State = "manual-editing"
	StateCommitting    State = "committing"
	StateCommitted     State = "committed"
	StateCancelled     State = "cancelled"
	StateExpired       State = "expired"
)

func (s State) terminal() bool {
	return s == StateCommitted || s == StateCancelled || s == StateExpired
}

// Suspect is one member whose week-over-week total change exceeds the
// suspicious-jump threshold.
type Suspect struct {
	CanonicalKey string
	DisplayName  string
	Previous     int64
	Current      int64
	ChangePct    float64
}

// QA is the guard signal set computed from the merged rows against last
// week's latest view. All name lists are sorted for stable rendering.
type QA struct {
	Missing       []string // display names present last week, absent now
	New           []string // display names absent last week
	Suspicious    []Suspect
	LowConfidence []string
	CoveragePct   float64
	PriorCount    int
	Rows          int
}

// Session accumulates one pending change set. All mutation goes through
// the Manager, which holds the lock across state checks and transitions.
type Session struct {
	ID         string
	GuildID    string
	Actor      types.Actor
	Forced     types.MetricKind // empty lets the oracle classify each image
	Notes      string
	SnapshotAt time.Time

	mu        sync.Mutex
	state     State
	policy    Policy
	images    []vision.Image
	rows      map[types.MetricKind]map[string]*types.MetricRow
	prior     []snapshot.LatestRow // last week's view at session start
	qa        QA
	boosts    int
	aliases   map[string]int64 // discovered alias key -> member, persisted on commit
	expiresAt time.Time
}

func newSession(guildID string, actor types.Actor, forced types.MetricKind, notes string, at time.Time, prior []snapshot.LatestRow, policy Policy) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		Actor:      actor,
		Forced:     forced,
		Notes:      notes,
		SnapshotAt: at,
		state:      StateCollecting,
		policy:     policy,
		rows:       make(map[types.MetricKind]map[string]*types.MetricRow),
		prior:      prior,
		aliases:    make(map[string]int64),
		expiresAt:  time.Now().Add(policy.TTL),
	}
	s.recomputeQA()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QA returns the most recently computed guard signals.
func (s *Session) QA() QA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qa
}

// BoostsUsed returns how many OCR boosts the session has consumed.
func (s *Session) BoostsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boosts
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.expiresAt)
}

// merge folds one extraction into the per-metric row maps. Conflicting
// rows keep the higher value and higher confidence and union provenance,
// so merging is commutative and repeat merges are harmless.
func (s *Session) merge(ex *vision.Extraction) {
	kind := ex.Metric
	if s.rows[kind] == nil {
		s.rows[kind] = make(map[string]*types.MetricRow)
	}
	for key, row := range ex.Rows {
		existing, ok := s.rows[kind][key]
		if !ok {
			cp := *row
			cp.Provenance = nil
			cp.MergeProvenance(row.Provenance)
			s.rows[kind][key] = &cp
			continue
		}
		if row.Value > existing.Value {
			existing.Value = row.Value
			existing.DisplayName = row.DisplayName
		}
		if row.Confidence > existing.Confidence {
			existing.Confidence = row.Confidence
		}
		existing.Disagreement = existing.Disagreement || row.Disagreement
		existing.MergeProvenance(row.Provenance)
	}
}

// applyFix overwrites a row with a human-supplied value. Unlike merge it
// replaces rather than maxes, since a correction may lower an inflated
// reading.
func (s *Session) applyFix(kind types.MetricKind, key, displayName string, value int64) {
	if s.rows[kind] == nil {
		s.rows[kind] = make(map[string]*types.MetricRow)
	}
	row, ok := s.rows[kind][key]
	if !ok {
		row = &types.MetricRow{CanonicalKey: key, DisplayName: displayName}
		s.rows[kind][key] = row
	}
	row.Value = value
	row.Confidence = 1.0
	row.Disagreement = false
	if displayName != "" {
		row.DisplayName = displayName
	}
	row.AddProvenance("manual")
}

// presentKinds lists the metric kinds with at least one merged row.
func (s *Session) presentKinds() []types.MetricKind {
	var out []types.MetricKind
	for _, k := range types.AllMetricKinds() {
		if len(s.rows[k]) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// recomputeQA rebuilds the guard signals from scratch. Run after every
// change to the merged set.
func (s *Session) recomputeQA() {
	merged := make(map[string]*types.MetricRow) // union across kinds, any row per key
	rowCount := 0
	for _, kindRows := range s.rows {
		for key, row := range kindRows {
			rowCount++
			if _, ok := merged[key]; !ok {
				merged[key] = row
			}
		}
	}

	qa := QA{Rows: rowCount, PriorCount: len(s.prior), CoveragePct: 100}

	priorByKey := make(map[string]snapshot.LatestRow, len(s.prior))
	for _, pr := range s.prior {
		priorByKey[pr.CanonicalKey] = pr
		if _, ok := merged[pr.CanonicalKey]; !ok {
			qa.Missing = append(qa.Missing, pr.DisplayName)
		}
	}
	for key, row := range merged {
		if _, ok := priorByKey[key]; !ok {
			qa.New = append(qa.New, row.DisplayName)
		}
	}

	if totals := s.rows[types.MetricTotal]; totals != nil {
		for key, row := range totals {
			pr, ok := priorByKey[key]
			if !ok || pr.Total == nil || *pr.Total == 0 {
				continue
			}
			pct := float64(row.Value-*pr.Total) / float64(*pr.Total) * 100
			if math.Abs(pct) > s.policy.SuspiciousJumpPct {
				qa.Suspicious = append(qa.Suspicious, Suspect{
					CanonicalKey: key,
					DisplayName:  row.DisplayName,
					Previous:     *pr.Total,
					Current:      row.Value,
					ChangePct:    math.Round(pct*100) / 100,
				})
			}
		}
	}

	lowSeen := make(map[string]struct{})
	for _, kindRows := range s.rows {
		for key, row := range kindRows {
			if row.Confidence >= s.policy.ConfidenceFloor {
				continue
			}
			if _, dup := lowSeen[key]; dup {
				continue
			}
			lowSeen[key] = struct{}{}
			qa.LowConfidence = append(qa.LowConfidence, row.DisplayName)
		}
	}

	if len(s.prior) > 0 {
		pct := (1 - float64(len(qa.Missing))/float64(len(s.prior))) * 100
		qa.CoveragePct = math.Round(pct*100) / 100
	}

	sort.Strings(qa.Missing)
	sort.Strings(qa.New)
	sort.Strings(qa.LowConfidence)
	sort.Slice(qa.Suspicious, func(i, j int) bool {
		return qa.Suspicious[i].CanonicalKey < qa.Suspicious[j].CanonicalKey
	})
	s.qa = qa
}

// boostTargets lists the display names eligible for OCR boost: members
// missing from the merge plus members read with low confidence.
func (s *Session) boostTargets() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range s.qa.Missing {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for _, name := range s.qa.LowConfidence {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Rows returns a copy of the merged rows for one metric kind, sorted by
// canonical key.
func (s *Session) Rows(kind types.MetricKind) []types.MetricRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.MetricRow, 0, len(s.rows[kind]))
	for _, row := range s.rows[kind] {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalKey < out[j].CanonicalKey })
	return out
}
