package review

import (
	"testing"
	"time"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/snapshot"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/vision"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.TTL = time.Hour
	return p
}

func extraction(kind types.MetricKind, values map[string]int64, conf float64) *vision.Extraction {
	ex := &vision.Extraction{Metric: kind, Rows: make(map[string]*types.MetricRow)}
	for name, v := range values {
		row := &types.MetricRow{CanonicalKey: name, DisplayName: name, Value: v, Confidence: conf}
		row.AddProvenance("test")
		ex.Rows[name] = row
	}
	return ex
}

func priorView(totals map[string]int64) []snapshot.LatestRow {
	var out []snapshot.LatestRow
	var id int64
	for name, total := range totals {
		id++
		t := total
		out = append(out, snapshot.LatestRow{
			MemberID:     id,
			DisplayName:  name,
			CanonicalKey: name,
			Total:        &t,
		})
	}
	return out
}

func TestMergeKeepsHigherValueAndConfidence(t *testing.T) {
	s := newSession("g", types.Actor{ID: "a"}, "", "", time.Now(), nil, testPolicy())

	s.merge(extraction(types.MetricSim, map[string]int64{"alice": 1000000}, 0.9))
	s.merge(extraction(types.MetricSim, map[string]int64{"alice": 1200000}, 0.8))

	rows := s.Rows(types.MetricSim)
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Value != 1200000 || rows[0].Confidence != 0.9 {
		t.Errorf("merge result = %+v", rows[0])
	}
	if _, ok := rows[0].Provenance["test"]; !ok {
		t.Error("provenance lost in merge")
	}
}

func TestCoverageGuardSignals(t *testing.T) {
	prior := priorView(map[string]int64{
		"m1": 100, "m2": 100, "m3": 100, "m4": 100, "m5": 100,
		"m6": 100, "m7": 100, "m8": 100, "m9": 100, "m10": 100,
	})
	s := newSession("g", types.Actor{ID: "a"}, "", "", time.Now(), prior, testPolicy())

	eight := map[string]int64{
		"m1": 110, "m2": 110, "m3": 110, "m4": 110,
		"m5": 110, "m6": 110, "m7": 110, "m8": 110,
	}
	s.merge(extraction(types.MetricTotal, eight, 0.95))
	s.recomputeQA()

	if s.qa.CoveragePct != 80 {
		t.Errorf("coverage = %v, want 80", s.qa.CoveragePct)
	}
	if len(s.qa.Missing) != 2 {
		t.Errorf("missing = %v", s.qa.Missing)
	}

	s.merge(extraction(types.MetricTotal, map[string]int64{"m9": 110, "m10": 110}, 0.95))
	s.recomputeQA()
	if s.qa.CoveragePct != 100 || len(s.qa.Missing) != 0 {
		t.Errorf("full coverage not reached: %+v", s.qa)
	}
}

func TestQASuspiciousAndNew(t *testing.T) {
	prior := priorView(map[string]int64{"steady": 1000000, "spiker": 1000000})
	s := newSession("g", types.Actor{ID: "a"}, "", "", time.Now(), prior, testPolicy())

	s.merge(extraction(types.MetricTotal, map[string]int64{
		"steady": 1100000, // +10%
		"spiker": 2000000, // +100%, over the 85% threshold
		"rookie": 500000,
	}, 0.95))
	s.recomputeQA()

	if len(s.qa.Suspicious) != 1 || s.qa.Suspicious[0].CanonicalKey != "spiker" {
		t.Fatalf("suspicious = %+v", s.qa.Suspicious)
	}
	if got := s.qa.Suspicious[0].ChangePct; got != 100 {
		t.Errorf("change pct = %v", got)
	}
	if len(s.qa.New) != 1 || s.qa.New[0] != "rookie" {
		t.Errorf("new = %v", s.qa.New)
	}
}

func TestQALowConfidence(t *testing.T) {
	s := newSession("g", types.Actor{ID: "a"}, "", "", time.Now(), nil, testPolicy())
	s.merge(extraction(types.MetricSim, map[string]int64{"clear": 1000000}, 0.95))
	s.merge(extraction(types.MetricSim, map[string]int64{"blurry": 1000000}, 0.5))
	s.recomputeQA()

	if len(s.qa.LowConfidence) != 1 || s.qa.LowConfidence[0] != "blurry" {
		t.Errorf("low confidence = %v", s.qa.LowConfidence)
	}
	if s.qa.CoveragePct != 100 {
		t.Errorf("no prior snapshot should mean full coverage, got %v", s.qa.CoveragePct)
	}
}

func TestApplyFixOverwrites(t *testing.T) {
	s := newSession("g", types.Actor{ID: "a"}, "", "", time.Now(), nil, testPolicy())
	s.merge(extraction(types.MetricTotal, map[string]int64{"alice": 2180102088}, 0.6))

	// The fix lowers the inflated reading; a max-merge would refuse it.
	s.applyFix(types.MetricTotal, "alice", "Alice", 218010208)
	s.recomputeQA()

	rows := s.Rows(types.MetricTotal)
	if rows[0].Value != 218010208 || rows[0].Confidence != 1.0 {
		t.Errorf("fix not applied: %+v", rows[0])
	}
	if _, ok := rows[0].Provenance["manual"]; !ok {
		t.Error("manual provenance missing")
	}
	if len(s.qa.LowConfidence) != 0 {
		t.Errorf("fixed row still low confidence: %v", s.qa.LowConfidence)
	}
}

func TestBoostTargets(t *testing.T) {
	prior := priorView(map[string]int64{"gone": 100, "here": 100})
	s := newSession("g", types.Actor{ID: "a"}, "", "", time.Now(), prior, testPolicy())
	s.merge(extraction(types.MetricTotal, map[string]int64{"here": 110}, 0.95))
	s.merge(extraction(types.MetricTotal, map[string]int64{"fuzzy": 120}, 0.4))
	s.recomputeQA()

	targets := s.boostTargets()
	if len(targets) != 2 || targets[0] != "fuzzy" || targets[1] != "gone" {
		t.Errorf("targets = %v", targets)
	}
}

func TestParseFixLine(t *testing.T) {
	cases := []struct {
		line  string
		name  string
		kind  types.MetricKind
		value string
		ok    bool
	}{
		{"John Doe = 218,010,208", "John Doe", "", "218,010,208", true},
		{"John Doe, total=3.5M", "John Doe", types.MetricTotal, "3.5M", true},
		{"Ann, Lee, sim = 1200000", "Ann, Lee", types.MetricSim, "1200000", true},
		{"Ann, Lee = 1200000", "Ann, Lee", "", "1200000", true}, // comma without a metric stays in the name
		{"no equals sign", "", "", "", false},
		{"= 123", "", "", "", false},
	}
	for _, c := range cases {
		name, kind, value, err := parseFixLine(c.line)
		if c.ok != (err == nil) {
			t.Errorf("parseFixLine(%q) err = %v", c.line, err)
			continue
		}
		if !c.ok {
			continue
		}
		if name != c.name || kind != c.kind || value != c.value {
			t.Errorf("parseFixLine(%q) = (%q, %q, %q)", c.line, name, kind, value)
		}
	}
}
