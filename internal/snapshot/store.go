// Package snapshot persists ingestion events and maintains the derived
// latest view with week-over-week deltas.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
)

// Sentinel errors surfaced to callers; none are retried automatically.
var (
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrConcurrentRecompute = errors.New("recompute already running for guild")
	ErrRollbackUnavailable = errors.New("rollback unavailable: only one snapshot exists")
	ErrDuplicateMetric     = errors.New("duplicate metric kind for member in snapshot")
)

// The previous snapshot is the nearest one 6-8 days earlier; a tolerance
// window rather than an exact 7-day match, to absorb irregular cadences.
const (
	prevWindowMin = 6 * 24 * time.Hour
	prevWindowMax = 8 * 24 * time.Hour
)

// Snapshot is one immutable ingestion event.
type Snapshot struct {
	ID         string
	GuildID    string
	CreatedBy  string
	SnapshotAt time.Time
	Notes      string
}

// MetricEntry is one (member, kind, value) row to append. A nil value
// records that the member was observed but the number was unparseable.
type MetricEntry struct {
	MemberID int64
	Metric   types.MetricKind
	Value    *int64
}

// LatestRow is one member's row in the materialized latest view.
type LatestRow struct {
	MemberID     int64
	DisplayName  string
	CanonicalKey string
	Sim          *int64
	Total        *int64
	PrevSim      *int64
	PrevTotal    *int64
	SimPct       *float64
	TotalPct     *float64
	SnapshotAt   time.Time
}

// Store appends snapshots and rebuilds the latest view.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	mu     sync.Mutex
	guilds map[string]*sync.Mutex
}

// New creates a snapshot Store on an open store database.
func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, guilds: make(map[string]*sync.Mutex)}
}

func (s *Store) guildLock(guildID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.guilds[guildID]
	if !ok {
		m = &sync.Mutex{}
		s.guilds[guildID] = m
	}
	return m
}

// Create appends a new immutable snapshot row.
func (s *Store) Create(ctx context.Context, guildID, createdBy, notes string, at time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		CreatedBy:  createdBy,
		SnapshotAt: at.UTC().Truncate(time.Second),
		Notes:      notes,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, guild_id, created_by, snapshot_at, notes) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.GuildID, snap.CreatedBy, snap.SnapshotAt.Unix(), snap.Notes)
	if err != nil {
		return nil, fmt.Errorf("snapshot insert failed: %w", err)
	}
	s.log.Info("snapshot created",
		zap.String("guild_id", guildID),
		zap.String("snapshot_id", snap.ID),
		zap.Time("snapshot_at", snap.SnapshotAt))
	return snap, nil
}

// InsertMetrics appends metric rows for a snapshot. More than one value
// for the same (member, kind) is an invariant violation and fails the
// whole batch.
func (s *Store) InsertMetrics(ctx context.Context, snapshotID string, entries []MetricEntry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metric insert begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertMetricsTx(ctx, tx, snapshotID, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metric insert commit: %w", err)
	}
	return nil
}

// CreateWithMetrics appends a snapshot together with its metric rows in
// one transaction. A failure anywhere in the batch leaves no orphan
// snapshot behind, so a commit retry cannot produce two snapshots at the
// same (guild, snapshotAt).
func (s *Store) CreateWithMetrics(ctx context.Context, guildID, createdBy, notes string, at time.Time, entries []MetricEntry) (*Snapshot, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		CreatedBy:  createdBy,
		SnapshotAt: at.UTC().Truncate(time.Second),
		Notes:      notes,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot insert begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, guild_id, created_by, snapshot_at, notes) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.GuildID, snap.CreatedBy, snap.SnapshotAt.Unix(), snap.Notes); err != nil {
		return nil, fmt.Errorf("snapshot insert failed: %w", err)
	}
	if err := insertMetricsTx(ctx, tx, snap.ID, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("snapshot insert commit: %w", err)
	}

	s.log.Info("snapshot created",
		zap.String("guild_id", guildID),
		zap.String("snapshot_id", snap.ID),
		zap.Time("snapshot_at", snap.SnapshotAt),
		zap.Int("metric_rows", len(entries)))
	return snap, nil
}

// Discard deletes a snapshot by ID, cascading its metrics. Used to back
// out a snapshot whose follow-up recompute failed.
func (s *Store) Discard(ctx context.Context, snapshotID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, snapshotID); err != nil {
		return fmt.Errorf("snapshot delete failed: %w", err)
	}
	return nil
}

func validateEntries(entries []MetricEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.Metric.Valid() {
			return fmt.Errorf("unknown metric kind %q", e.Metric)
		}
		k := fmt.Sprintf("%d/%s", e.MemberID, e.Metric)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: member %d kind %s", ErrDuplicateMetric, e.MemberID, e.Metric)
		}
		seen[k] = struct{}{}
	}
	return nil
}

func insertMetricsTx(ctx context.Context, tx *sql.Tx, snapshotID string, entries []MetricEntry) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (snapshot_id, member_id, metric, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("metric insert prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var v any
		if e.Value != nil {
			v = *e.Value
		}
		if _, err := stmt.ExecContext(ctx, snapshotID, e.MemberID, string(e.Metric), v); err != nil {
			return fmt.Errorf("metric insert failed: %w", err)
		}
	}
	return nil
}

// RecomputeLatest rebuilds the latest view for a guild anchored at the
// snapshot with the given logical timestamp. The rebuild is all or
// nothing: the view is deleted and re-inserted inside one transaction,
// and any failure leaves the prior view intact.
//
// Two concurrent recomputes for the same guild conflict rather than
// racing; the loser gets ErrConcurrentRecompute.
func (s *Store) RecomputeLatest(ctx context.Context, guildID string, at time.Time) error {
	lock := s.guildLock(guildID)
	if !lock.TryLock() {
		return ErrConcurrentRecompute
	}
	defer lock.Unlock()

	at = at.UTC().Truncate(time.Second)

	var currentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM snapshots WHERE guild_id = ? AND snapshot_at = ?`,
		guildID, at.Unix()).Scan(&currentID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: guild %s at %s", ErrSnapshotNotFound, guildID, at)
	}
	if err != nil {
		return fmt.Errorf("snapshot lookup failed: %w", err)
	}

	var prevID string
	var prevAt int64
	hasPrev := true
	err = s.db.QueryRowContext(ctx,
		`SELECT id, snapshot_at FROM snapshots
		 WHERE guild_id = ? AND snapshot_at >= ? AND snapshot_at <= ?
		 ORDER BY snapshot_at DESC LIMIT 1`,
		guildID, at.Add(-prevWindowMax).Unix(), at.Add(-prevWindowMin).Unix()).Scan(&prevID, &prevAt)
	if errors.Is(err, sql.ErrNoRows) {
		hasPrev = false
	} else if err != nil {
		return fmt.Errorf("previous snapshot lookup failed: %w", err)
	}

	current, err := s.snapshotValues(ctx, currentID)
	if err != nil {
		return err
	}
	var previous map[int64]memberValues
	if hasPrev {
		if previous, err = s.snapshotValues(ctx, prevID); err != nil {
			return err
		}
	}

	rows := buildLatest(current, previous, at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recompute begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM latest_view WHERE guild_id = ?`, guildID); err != nil {
		return fmt.Errorf("latest view delete failed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO latest_view
		 (guild_id, member_id, display_name, canonical_key, sim, total, prev_sim, prev_total, sim_pct, total_pct, snapshot_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("latest view prepare failed: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, guildID, r.MemberID, r.DisplayName, r.CanonicalKey,
			optInt(r.Sim), optInt(r.Total), optInt(r.PrevSim), optInt(r.PrevTotal),
			optFloat(r.SimPct), optFloat(r.TotalPct), r.SnapshotAt.Unix()); err != nil {
			return fmt.Errorf("latest view insert failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recompute commit: %w", err)
	}

	s.log.Info("latest view rebuilt",
		zap.String("guild_id", guildID),
		zap.Int("members", len(rows)),
		zap.Bool("has_previous", hasPrev))
	return nil
}

type memberValues struct {
	displayName  string
	canonicalKey string
	sim          *int64
	total        *int64
}

func (s *Store) snapshotValues(ctx context.Context, snapshotID string) (map[int64]memberValues, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.member_id, mem.display_name, mem.canonical_key, m.metric, m.value
		 FROM metrics m JOIN members mem ON mem.id = m.member_id
		 WHERE m.snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("metric query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]memberValues)
	for rows.Next() {
		var memberID int64
		var display, key, metric string
		var value sql.NullInt64
		if err := rows.Scan(&memberID, &display, &key, &metric, &value); err != nil {
			return nil, fmt.Errorf("metric scan failed: %w", err)
		}
		mv := out[memberID]
		mv.displayName = display
		mv.canonicalKey = key
		if value.Valid {
			v := value.Int64
			switch types.MetricKind(metric) {
			case types.MetricSim:
				mv.sim = &v
			case types.MetricTotal:
				mv.total = &v
			}
		}
		out[memberID] = mv
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metric scan failed: %w", err)
	}
	return out, nil
}

func buildLatest(current, previous map[int64]memberValues, at time.Time) []LatestRow {
	out := make([]LatestRow, 0, len(current))
	for memberID, cur := range current {
		row := LatestRow{
			MemberID:     memberID,
			DisplayName:  cur.displayName,
			CanonicalKey: cur.canonicalKey,
			Sim:          cur.sim,
			Total:        cur.total,
			SnapshotAt:   at,
		}
		if prev, ok := previous[memberID]; ok {
			row.PrevSim = prev.sim
			row.PrevTotal = prev.total
			row.SimPct = pctChange(cur.sim, prev.sim)
			row.TotalPct = pctChange(cur.total, prev.total)
		}
		out = append(out, row)
	}
	// Deterministic order so repeated recomputes are byte-identical.
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalKey < out[j].CanonicalKey })
	return out
}

// pctChange computes (cur-prev)/prev*100 rounded to two decimals; nil
// when the previous value is absent or zero.
func pctChange(cur, prev *int64) *float64 {
	if cur == nil || prev == nil || *prev == 0 {
		return nil
	}
	pct := math.Round(float64(*cur-*prev)/float64(*prev)*100*100) / 100
	return &pct
}

func optInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Latest reads the materialized view for a guild in canonical-key order.
func (s *Store) Latest(ctx context.Context, guildID string) ([]LatestRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, display_name, canonical_key, sim, total, prev_sim, prev_total, sim_pct, total_pct, snapshot_at
		 FROM latest_view WHERE guild_id = ? ORDER BY canonical_key`, guildID)
	if err != nil {
		return nil, fmt.Errorf("latest view query failed: %w", err)
	}
	defer rows.Close()

	var out []LatestRow
	for rows.Next() {
		var r LatestRow
		var sim, total, prevSim, prevTotal sql.NullInt64
		var simPct, totalPct sql.NullFloat64
		var atUnix int64
		if err := rows.Scan(&r.MemberID, &r.DisplayName, &r.CanonicalKey,
			&sim, &total, &prevSim, &prevTotal, &simPct, &totalPct, &atUnix); err != nil {
			return nil, fmt.Errorf("latest view scan failed: %w", err)
		}
		r.Sim = nullInt(sim)
		r.Total = nullInt(total)
		r.PrevSim = nullInt(prevSim)
		r.PrevTotal = nullInt(prevTotal)
		r.SimPct = nullFloat(simPct)
		r.TotalPct = nullFloat(totalPct)
		r.SnapshotAt = time.Unix(atUnix, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest view scan failed: %w", err)
	}
	return out, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Rollback deletes the most recent snapshot for a guild (its metrics
// cascade) and rebuilds the latest view anchored at the snapshot
// immediately prior. Rolling back the only snapshot is rejected.
func (s *Store) Rollback(ctx context.Context, guildID string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, snapshot_at FROM snapshots WHERE guild_id = ? ORDER BY snapshot_at DESC, created_at DESC LIMIT 2`,
		guildID)
	if err != nil {
		return fmt.Errorf("snapshot list failed: %w", err)
	}
	defer rows.Close()

	type snapRef struct {
		id string
		at int64
	}
	var refs []snapRef
	for rows.Next() {
		var ref snapRef
		if err := rows.Scan(&ref.id, &ref.at); err != nil {
			return fmt.Errorf("snapshot scan failed: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("snapshot scan failed: %w", err)
	}

	if len(refs) == 0 {
		return fmt.Errorf("%w: guild %s has no snapshots", ErrSnapshotNotFound, guildID)
	}
	if len(refs) < 2 {
		return ErrRollbackUnavailable
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, refs[0].id); err != nil {
		return fmt.Errorf("snapshot delete failed: %w", err)
	}
	s.log.Warn("snapshot rolled back",
		zap.String("guild_id", guildID),
		zap.String("snapshot_id", refs[0].id))

	return s.RecomputeLatest(ctx, guildID, time.Unix(refs[1].at, 0).UTC())
}

// MostRecentAt returns the logical timestamp of the most recent snapshot
// for a guild, if any.
func (s *Store) MostRecentAt(ctx context.Context, guildID string) (time.Time, bool, error) {
	var atUnix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_at FROM snapshots WHERE guild_id = ? ORDER BY snapshot_at DESC LIMIT 1`,
		guildID).Scan(&atUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("snapshot lookup failed: %w", err)
	}
	return time.Unix(atUnix, 0).UTC(), true, nil
}
