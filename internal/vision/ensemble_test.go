package vision

import (
	"testing"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
)

func TestReconcileDigits(t *testing.T) {
	cases := []struct {
		strong, weak int64
		want         int64
		disagreed    bool
	}{
		{218010218, 218010208, 218010218, true}, // one position differs, strong wins
		{218010208, 218010208, 218010208, false},
		{1234567, 123456, 1234567, true}, // width mismatch zero-pads the short reading
		{100, 900, 100, true},
	}
	for _, c := range cases {
		got, disagreed := reconcileDigits(c.strong, c.weak, true)
		if got != c.want || disagreed != c.disagreed {
			t.Errorf("reconcileDigits(%d, %d) = (%d, %v), want (%d, %v)",
				c.strong, c.weak, got, disagreed, c.want, c.disagreed)
		}
	}
}

func TestReconcileDigits_PreferWeak(t *testing.T) {
	got, disagreed := reconcileDigits(218010218, 218010208, false)
	if got != 218010208 || !disagreed {
		t.Errorf("policy flip ignored: got (%d, %v)", got, disagreed)
	}
}

func row(key string, value int64, conf float64, model string) *types.MetricRow {
	r := &types.MetricRow{CanonicalKey: key, DisplayName: key, Value: value, Confidence: conf}
	r.AddProvenance(model)
	return r
}

func TestReconcile(t *testing.T) {
	strong := &Extraction{Metric: types.MetricTotal, Rows: map[string]*types.MetricRow{
		"agreed":     row("agreed", 218010208, 0.95, "strong"),
		"disagreed":  row("disagreed", 218010218, 0.95, "strong"),
		"stronghold": row("stronghold", 5000000, 0.8, "strong"),
	}}
	weak := &Extraction{Metric: types.MetricTotal, Rows: map[string]*types.MetricRow{
		"agreed":    row("agreed", 218010208, 0.99, "weak"),
		"disagreed": row("disagreed", 218010208, 0.9, "weak"),
		"weakling":  row("weakling", 7000000, 0.9, "weak"),
	}}

	out := reconcile(strong, weak, true)
	if len(out.Rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(out.Rows))
	}

	agreed := out.Rows["agreed"]
	if agreed.Disagreement || agreed.Value != 218010208 {
		t.Errorf("agreed row mangled: %+v", agreed)
	}
	if agreed.Confidence != 0.99 {
		t.Errorf("agreement should keep the higher confidence, got %v", agreed.Confidence)
	}
	if _, ok := agreed.Provenance["weak"]; !ok {
		t.Error("agreed row lost weak provenance")
	}

	disagreed := out.Rows["disagreed"]
	if !disagreed.Disagreement || disagreed.Value != 218010218 {
		t.Errorf("disagreement resolution wrong: %+v", disagreed)
	}
	if disagreed.Confidence != disagreementConfCap {
		t.Errorf("disagreement confidence = %v, want %v", disagreed.Confidence, disagreementConfCap)
	}

	if c := out.Rows["stronghold"].Confidence; c != 0.8*strongOnlyDiscount {
		t.Errorf("strong-only discount = %v", c)
	}
	if c := out.Rows["weakling"].Confidence; c != 0.9*weakOnlyDiscount {
		t.Errorf("weak-only discount = %v", c)
	}
}
