// Package sheets mirrors the latest view to an external tabular sink.
// The mirror is strictly downstream: the snapshot store is the source of
// truth and a push failure never affects a committed snapshot.
package sheets

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/snapshot"
)

// Mirror receives the full latest view for a guild after each commit.
type Mirror interface {
	PushLatest(ctx context.Context, guildID string, rows []snapshot.LatestRow) error
}

// CSVMirror writes one CSV file per guild into a directory, overwriting
// the previous export.
type CSVMirror struct {
	dir string
	log *zap.Logger
}

// NewCSVMirror creates a mirror exporting into dir.
func NewCSVMirror(dir string, log *zap.Logger) *CSVMirror {
	return &CSVMirror{dir: dir, log: log}
}

// PushLatest rewrites the guild's export file from the given rows.
func (m *CSVMirror) PushLatest(_ context.Context, guildID string, rows []snapshot.LatestRow) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("export dir: %w", err)
	}
	path := filepath.Join(m.dir, guildID+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export create: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"member", "sim", "total", "prev_sim", "prev_total", "sim_pct", "total_pct", "snapshot_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("export write: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.DisplayName,
			fmtInt(r.Sim),
			fmtInt(r.Total),
			fmtInt(r.PrevSim),
			fmtInt(r.PrevTotal),
			fmtPct(r.SimPct),
			fmtPct(r.TotalPct),
			r.SnapshotAt.Format("2006-01-02"),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("export write: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export flush: %w", err)
	}
	m.log.Info("latest view exported",
		zap.String("guild_id", guildID),
		zap.String("path", path),
		zap.Int("rows", len(rows)))
	return nil
}

func fmtInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func fmtPct(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// LogMirror records pushes without writing anywhere. Used when no export
// directory is configured.
type LogMirror struct {
	log *zap.Logger
}

// NewLogMirror creates a no-op mirror.
func NewLogMirror(log *zap.Logger) *LogMirror {
	return &LogMirror{log: log}
}

// PushLatest logs the push and discards the rows.
func (m *LogMirror) PushLatest(_ context.Context, guildID string, rows []snapshot.LatestRow) error {
	m.log.Debug("sheet mirror disabled, skipping push",
		zap.String("guild_id", guildID),
		zap.Int("rows", len(rows)))
	return nil
}
