package vision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/retry"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
)

type fakeOracle struct {
	name     string
	response string
	err      error
	calls    atomic.Int32
}

func (f *fakeOracle) Name() string { return f.name }

func (f *fakeOracle) Extract(_ context.Context, _ Image, _ string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return cfg
}

func TestExtract_SingleModel(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{
		"metric": "total",
		"rows": [
			{"name": "🐌 Alice [Officer]", "value": "218,010,208", "confidence": 0.95},
			{"name": "Bob", "value": "3.5M", "confidence": 0.9},
			{"name": "Mallory", "value": "garbage", "confidence": 0.5}
		]
	}`}
	e := NewExtractor(strong, nil, nil, testConfig(), zap.NewNop())

	ex, err := e.Extract(context.Background(), Image{}, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ex.Metric != types.MetricTotal {
		t.Errorf("metric = %s", ex.Metric)
	}
	if len(ex.Rows) != 2 {
		t.Fatalf("rows = %d, want 2 (unparseable row dropped)", len(ex.Rows))
	}
	if ex.Rows["alice"].Value != 218010208 {
		t.Errorf("alice = %d", ex.Rows["alice"].Value)
	}
	if ex.Rows["bob"].Value != 3500000 {
		t.Errorf("bob = %d", ex.Rows["bob"].Value)
	}
}

func TestExtract_ForcedMetricOverrides(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{"metric":"total","rows":[{"name":"Alice","value":1000000,"confidence":1}]}`}
	e := NewExtractor(strong, nil, nil, testConfig(), zap.NewNop())

	ex, err := e.Extract(context.Background(), Image{}, types.MetricSim)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Metric != types.MetricSim {
		t.Errorf("forced metric ignored: %s", ex.Metric)
	}
}

func TestExtract_MalformedJSONIsFatal(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: "I think the metric is total and Alice has 218010208"}
	e := NewExtractor(strong, nil, nil, testConfig(), zap.NewNop())

	_, err := e.Extract(context.Background(), Image{}, "")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("got %v, want ErrInvalidResponse", err)
	}
}

func TestExtract_UnknownMetricIsFatal(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{"metric":"power","rows":[]}`}
	e := NewExtractor(strong, nil, nil, testConfig(), zap.NewNop())

	_, err := e.Extract(context.Background(), Image{}, "")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("got %v, want ErrInvalidResponse", err)
	}
}

func TestExtract_DedupesWithinCall(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{
		"metric": "sim",
		"rows": [
			{"name": "Alice", "value": 1000000, "confidence": 0.6},
			{"name": "🐌 Alice", "value": 1200000, "confidence": 0.5}
		]
	}`}
	e := NewExtractor(strong, nil, nil, testConfig(), zap.NewNop())

	ex, err := e.Extract(context.Background(), Image{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(ex.Rows))
	}
	got := ex.Rows["alice"]
	if got.Value != 1200000 || got.Confidence != 0.6 {
		t.Errorf("dedupe should keep higher value and higher confidence, got %+v", got)
	}
}

func TestExtract_EnsembleReconciles(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{"metric":"total","rows":[{"name":"Alice","value":"218010218","confidence":0.95}]}`}
	weak := &fakeOracle{name: "weak", response: `{"metric":"total","rows":[{"name":"Alice","value":"218010208","confidence":0.95}]}`}
	e := NewExtractor(strong, weak, nil, testConfig(), zap.NewNop())

	ex, err := e.Extract(context.Background(), Image{}, "")
	if err != nil {
		t.Fatal(err)
	}
	got := ex.Rows["alice"]
	if got.Value != 218010218 {
		t.Errorf("strong digits should win: %d", got.Value)
	}
	if !got.Disagreement || got.Confidence != disagreementConfCap {
		t.Errorf("disagreement not flagged: %+v", got)
	}
	if strong.calls.Load() != 1 || weak.calls.Load() != 1 {
		t.Errorf("both models should be called once: %d/%d", strong.calls.Load(), weak.calls.Load())
	}
}

func TestExtract_WeakFailureDegradesToSingleModel(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{"metric":"total","rows":[{"name":"Alice","value":1000000,"confidence":0.9}]}`}
	weak := &fakeOracle{name: "weak", err: errors.New("boom")}
	e := NewExtractor(strong, weak, nil, testConfig(), zap.NewNop())

	ex, err := e.Extract(context.Background(), Image{}, "")
	if err != nil {
		t.Fatalf("weak failure must not be fatal: %v", err)
	}
	// No ensemble ran, so no single-source discount applies.
	if got := ex.Rows["alice"].Confidence; got != 0.9 {
		t.Errorf("confidence = %v, want 0.9", got)
	}
}

func TestExtract_StrongFailureIsFatal(t *testing.T) {
	strong := &fakeOracle{name: "strong", err: errors.New("auth denied")}
	weak := &fakeOracle{name: "weak", response: `{"metric":"total","rows":[]}`}
	e := NewExtractor(strong, weak, nil, testConfig(), zap.NewNop())

	if _, err := e.Extract(context.Background(), Image{}, ""); err == nil {
		t.Fatal("strong model failure must be fatal")
	}
	// Non-transient errors are not retried.
	if strong.calls.Load() != 1 {
		t.Errorf("fatal error retried: %d calls", strong.calls.Load())
	}
}

func TestExtractAll_Bounded(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{"metric":"sim","rows":[{"name":"Alice","value":1000000,"confidence":1}]}`}

	cfg := testConfig()
	cfg.MaxConcurrent = 2
	e := NewExtractor(strong, nil, nil, cfg, zap.NewNop())

	imgs := make([]Image, 5)
	out, err := e.ExtractAll(context.Background(), imgs, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("results = %d", len(out))
	}
	for i, ex := range out {
		if ex == nil || len(ex.Rows) != 1 {
			t.Errorf("result %d missing rows: %+v", i, ex)
		}
	}
	if strong.calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", strong.calls.Load())
	}
}

func TestBoost_UsesBoostOracle(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{"metric":"total","rows":[]}`}
	boost := &fakeOracle{name: "boost", response: `{"metric":"total","rows":[{"name":"Gone Member","value":"108,000,000","confidence":0.9}]}`}
	e := NewExtractor(strong, nil, boost, testConfig(), zap.NewNop())

	out, err := e.Boost(context.Background(), make([]Image, 1), "", []string{"Gone Member"})
	if err != nil {
		t.Fatalf("boost: %v", err)
	}
	if boost.calls.Load() != 1 || strong.calls.Load() != 0 {
		t.Errorf("boost oracle not used: boost=%d strong=%d", boost.calls.Load(), strong.calls.Load())
	}
	if _, ok := out[0].Rows["gone member"]; !ok {
		t.Errorf("boost rows = %+v", out[0].Rows)
	}
}

func TestBoost_DropsUntargetedRows(t *testing.T) {
	strong := &fakeOracle{name: "strong", response: `{
		"metric": "total",
		"rows": [
			{"name": "Gone Member", "value": "108,000,000", "confidence": 0.9},
			{"name": "Bystander", "value": "999,000,000", "confidence": 0.9}
		]
	}`}
	e := NewExtractor(strong, nil, nil, testConfig(), zap.NewNop())

	out, err := e.Boost(context.Background(), make([]Image, 1), "", []string{"🐌 Gone Member"})
	if err != nil {
		t.Fatalf("boost: %v", err)
	}
	if len(out[0].Rows) != 1 {
		t.Fatalf("rows = %d, want only the targeted member", len(out[0].Rows))
	}
	if _, ok := out[0].Rows["gone member"]; !ok {
		t.Errorf("targeted member dropped: %+v", out[0].Rows)
	}
}

func TestTransient(t *testing.T) {
	if !Transient(fmt.Errorf("wrapped: %w", errors.New("rate limit exceeded (429)"))) {
		t.Error("rate-limit text not classified transient")
	}
	if Transient(errors.New("invalid api key")) {
		t.Error("auth error classified transient")
	}
}
