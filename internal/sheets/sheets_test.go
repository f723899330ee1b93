package sheets

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/snapshot"
)

func TestCSVMirrorOverwrites(t *testing.T) {
	dir := t.TempDir()
	m := NewCSVMirror(dir, zap.NewNop())

	sim, total := int64(1000000), int64(2000000)
	pct := 10.5
	at := time.Date(2026, time.August, 21, 12, 0, 0, 0, time.UTC)
	rows := []snapshot.LatestRow{
		{DisplayName: "Alice", CanonicalKey: "alice", Sim: &sim, Total: &total, TotalPct: &pct, SnapshotAt: at},
		{DisplayName: "Bob", CanonicalKey: "bob", SnapshotAt: at},
	}

	if err := m.PushLatest(context.Background(), "guild-1", rows); err != nil {
		t.Fatalf("push: %v", err)
	}
	// A second push replaces the file rather than appending.
	if err := m.PushLatest(context.Background(), "guild-1", rows[:1]); err != nil {
		t.Fatalf("second push: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "guild-1.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want header plus one row", len(recs))
	}
	got := recs[1]
	if got[0] != "Alice" || got[1] != "1000000" || got[2] != "2000000" || got[6] != "10.50" {
		t.Errorf("row = %v", got)
	}
}
