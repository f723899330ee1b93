package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/canonical"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/numparse"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/roster"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/sheets"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/snapshot"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/vision"
)

// Extractor is the slice of the vision extractor the manager needs.
type Extractor interface {
	ExtractAll(ctx context.Context, imgs []vision.Image, forced types.MetricKind) ([]*vision.Extraction, error)
	Boost(ctx context.Context, imgs []vision.Image, forced types.MetricKind, targets []string) ([]*vision.Extraction, error)
}

// Manager drives review sessions through their lifecycle and runs the
// commit pipeline. It is the only component that turns session state into
// durable writes.
type Manager struct {
	store     Store
	snaps     *snapshot.Store
	resolver  *roster.Resolver
	extractor Extractor
	mirror    sheets.Mirror
	policyFor func(guildID string) Policy
	log       *zap.Logger
}

// NewManager wires the manager. policyFor may be nil to use defaults
// everywhere.
func NewManager(store Store, snaps *snapshot.Store, resolver *roster.Resolver, extractor Extractor, mirror sheets.Mirror, policyFor func(string) Policy, log *zap.Logger) *Manager {
	if policyFor == nil {
		policyFor = func(string) Policy { return DefaultPolicy() }
	}
	return &Manager{
		store:     store,
		snaps:     snaps,
		resolver:  resolver,
		extractor: extractor,
		mirror:    mirror,
		policyFor: policyFor,
		log:       log,
	}
}

// Start opens a session for a guild. Last week's latest view is loaded
// once here; every QA recompute in the session compares against it.
func (m *Manager) Start(ctx context.Context, guildID string, actor types.Actor, forced types.MetricKind, notes string, at time.Time) (*Session, error) {
	if forced != "" && !forced.Valid() {
		return nil, fmt.Errorf("unknown metric kind %q", forced)
	}
	prior, err := m.snaps.Latest(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("prior view load failed: %w", err)
	}
	s := newSession(guildID, actor, forced, notes, at.UTC().Truncate(time.Second), prior, m.policyFor(guildID))
	m.store.Put(s)
	m.log.Info("review session started",
		zap.String("session_id", s.ID),
		zap.String("guild_id", guildID),
		zap.String("actor", actor.ID),
		zap.Int("prior_members", len(prior)))
	return s, nil
}

// get fetches a live session, expiring it on access if its TTL has
// passed.
func (m *Manager) get(id string) (*Session, error) {
	s, ok := m.store.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	if !s.state.terminal() && s.expired(time.Now()) {
		s.state = StateExpired
		s.mu.Unlock()
		m.store.Evict(id)
		return nil, ErrSessionExpired
	}
	s.mu.Unlock()
	return s, nil
}

// Attach extracts the given screenshots and merges their rows into the
// session, then recomputes QA and moves to Previewed.
func (m *Manager) Attach(ctx context.Context, sessionID string, imgs []vision.Image) (QA, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return QA{}, err
	}
	s.mu.Lock()
	if s.state != StateCollecting && s.state != StatePreviewed {
		defer s.mu.Unlock()
		return QA{}, &StateError{State: s.state, Action: "attach screenshots"}
	}
	forced := s.Forced
	s.mu.Unlock()

	extractions, err := m.extractor.ExtractAll(ctx, imgs, forced)
	if err != nil {
		return QA{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, imgs...)
	for _, ex := range extractions {
		s.merge(ex)
	}
	s.recomputeQA()
	s.state = StatePreviewed
	m.log.Info("screenshots merged",
		zap.String("session_id", s.ID),
		zap.Int("screenshots", len(imgs)),
		zap.Int("rows", s.qa.Rows),
		zap.Float64("coverage_pct", s.qa.CoveragePct))
	return s.qa, nil
}

// Boost re-extracts every attached screenshot in the stricter slow mode,
// targeting the members that are missing or low-confidence. Capped per
// session.
func (m *Manager) Boost(ctx context.Context, sessionID string) (QA, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return QA{}, err
	}
	s.mu.Lock()
	if s.state != StatePreviewed {
		defer s.mu.Unlock()
		return QA{}, &StateError{State: s.state, Action: "boost"}
	}
	if s.boosts >= s.policy.MaxBoosts {
		defer s.mu.Unlock()
		return QA{}, &BoostExhaustedError{Used: s.boosts, Max: s.policy.MaxBoosts}
	}
	targets := s.boostTargets()
	if len(targets) == 0 {
		defer s.mu.Unlock()
		return s.qa, nil
	}
	s.state = StateOcrBoosting
	s.boosts++
	imgs := s.images
	forced := s.Forced
	s.mu.Unlock()

	extractions, err := m.extractor.Boost(ctx, imgs, forced, targets)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StatePreviewed
	if err != nil {
		// The boost attempt is still spent; the session stays reviewable.
		return s.qa, fmt.Errorf("boost extraction failed: %w", err)
	}
	for _, ex := range extractions {
		s.merge(ex)
	}
	s.recomputeQA()
	m.log.Info("ocr boost applied",
		zap.String("session_id", s.ID),
		zap.Int("targets", len(targets)),
		zap.Int("boosts_used", s.boosts))
	return s.qa, nil
}

// ApplyFixes parses free-text correction lines and overwrites the
// matching rows at confidence 1.0. Lines look like "Name = value" or
// "Name, metric=value"; names are matched against known members with the
// fuzzy resolver before falling back to a fresh canonical key.
func (m *Manager) ApplyFixes(ctx context.Context, sessionID, text string) (QA, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return QA{}, err
	}
	s.mu.Lock()
	if s.state != StatePreviewed {
		defer s.mu.Unlock()
		return QA{}, &StateError{State: s.state, Action: "apply manual fixes"}
	}
	s.state = StateManualEditing

	type fix struct {
		kind  types.MetricKind
		key   string
		name  string
		value int64
	}
	var fixes []fix
	var parseErr error
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, kind, rawValue, err := parseFixLine(line)
		if err != nil {
			parseErr = err
			break
		}
		if kind == "" {
			kind, err = s.defaultKind()
			if err != nil {
				parseErr = &FixParseError{Line: line, Detail: err.Error()}
				break
			}
		}
		result := numparse.Parse(rawValue, numparse.Options{})
		if !result.Valid {
			parseErr = &FixParseError{Line: line, Detail: "unparseable value (" + result.Reason + ")"}
			break
		}
		key := canonical.Key(name)
		if key == "" {
			parseErr = &FixParseError{Line: line, Detail: "name canonicalizes to nothing"}
			break
		}
		// Prefer an existing member's key so the fix lands on the row the
		// QA signals flagged.
		s.mu.Unlock()
		memberID, matched, ok, lookupErr := m.resolver.FindLikely(ctx, s.GuildID, name)
		s.mu.Lock()
		if lookupErr != nil {
			parseErr = fmt.Errorf("member lookup failed: %w", lookupErr)
			break
		}
		if ok && matched != key {
			// The fix spelled a known member differently; remember the new
			// key as a discovered alias so future screenshots resolve it.
			s.aliases[key] = memberID
		}
		if ok {
			key = matched
		}
		fixes = append(fixes, fix{kind: kind, key: key, name: name, value: result.Value})
	}

	defer s.mu.Unlock()
	s.state = StatePreviewed
	if parseErr != nil {
		return s.qa, parseErr
	}
	for _, f := range fixes {
		s.applyFix(f.kind, f.key, f.name, f.value)
	}
	s.recomputeQA()
	m.log.Info("manual fixes applied",
		zap.String("session_id", s.ID),
		zap.Int("fixes", len(fixes)))
	return s.qa, nil
}

// defaultKind picks the metric kind for a fix line that does not name
// one. Unambiguous only when a single kind is in play.
func (s *Session) defaultKind() (types.MetricKind, error) {
	if s.Forced != "" {
		return s.Forced, nil
	}
	kinds := s.presentKinds()
	if len(kinds) == 1 {
		return kinds[0], nil
	}
	return "", fmt.Errorf("metric kind is ambiguous, write \"Name, sim=...\" or \"Name, total=...\"")
}

// parseFixLine splits one correction line. The metric kind is optional.
func parseFixLine(line string) (name string, kind types.MetricKind, value string, err error) {
	eq := strings.LastIndex(line, "=")
	if eq < 0 {
		return "", "", "", &FixParseError{Line: line, Detail: "missing '='"}
	}
	lhs := strings.TrimSpace(line[:eq])
	value = strings.TrimSpace(line[eq+1:])
	if lhs == "" || value == "" {
		return "", "", "", &FixParseError{Line: line, Detail: "missing name or value"}
	}
	if comma := strings.LastIndex(lhs, ","); comma >= 0 {
		if k := types.MetricKind(strings.ToLower(strings.TrimSpace(lhs[comma+1:]))); k.Valid() {
			return strings.TrimSpace(lhs[:comma]), k, value, nil
		}
	}
	return lhs, "", value, nil
}

// Commit validates the guards and runs the durable pipeline:
// discovered-alias persist, member upsert, snapshot+metric insert in
// one transaction, latest recompute, best-effort sheet push. Once the writes
// begin the operation runs to completion or surfaces the storage error
// unmodified; a failed commit reverts the session to Previewed with no
// snapshot left behind.
func (m *Manager) Commit(ctx context.Context, sessionID string, force bool) (*snapshot.Snapshot, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state != StatePreviewed {
		defer s.mu.Unlock()
		return nil, &StateError{State: s.state, Action: "commit"}
	}
	if force && !s.Actor.IsPrivileged {
		defer s.mu.Unlock()
		return nil, fmt.Errorf("actor %s is not allowed to force-commit", s.Actor.ID)
	}
	if s.qa.Rows == 0 {
		defer s.mu.Unlock()
		return nil, ErrNoMetricRows
	}
	if s.qa.Rows < s.policy.MinRows {
		defer s.mu.Unlock()
		return nil, &InsufficientRowsError{Rows: s.qa.Rows, Min: s.policy.MinRows}
	}
	if s.qa.PriorCount > 0 && s.qa.CoveragePct < 100 && !force {
		defer s.mu.Unlock()
		return nil, &CoverageError{
			CoveragePct: s.qa.CoveragePct,
			Missing:     append([]string(nil), s.qa.Missing...),
			PriorCount:  s.qa.PriorCount,
		}
	}
	// Hold the write phase exclusively: a concurrent Commit, Attach or
	// fix sees this state and is rejected instead of racing the pipeline.
	s.state = StateCommitting
	aliases := make(map[string]int64, len(s.aliases))
	for k, v := range s.aliases {
		aliases[k] = v
	}
	s.mu.Unlock()

	snap, err := m.runCommit(ctx, s, aliases)
	if err != nil {
		s.mu.Lock()
		s.state = StatePreviewed
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.state = StateCommitted
	s.mu.Unlock()
	m.store.Evict(s.ID)

	m.log.Info("session committed",
		zap.String("session_id", s.ID),
		zap.String("guild_id", s.GuildID),
		zap.String("snapshot_id", snap.ID),
		zap.Bool("forced", force))

	m.pushMirror(ctx, s.GuildID)
	return snap, nil
}

// runCommit executes the durable pipeline. The snapshot and its metrics
// land in one transaction; if the follow-up recompute fails the snapshot
// is discarded again so a retry starts from a clean slate.
func (m *Manager) runCommit(ctx context.Context, s *Session, aliases map[string]int64) (*snapshot.Snapshot, error) {
	// Aliases land before the member upsert so a fixed spelling resolves
	// to the existing member instead of minting a duplicate.
	for aliasKey, memberID := range aliases {
		if err := m.resolver.AddAlias(ctx, s.GuildID, aliasKey, memberID); err != nil {
			return nil, fmt.Errorf("alias persist failed for %q: %w", aliasKey, err)
		}
	}
	entries, err := m.assembleEntries(ctx, s)
	if err != nil {
		return nil, err
	}

	snap, err := m.snaps.CreateWithMetrics(ctx, s.GuildID, s.Actor.ID, s.Notes, s.SnapshotAt, entries)
	if err != nil {
		return nil, err
	}
	if err := m.snaps.RecomputeLatest(ctx, s.GuildID, snap.SnapshotAt); err != nil {
		if derr := m.snaps.Discard(ctx, snap.ID); derr != nil {
			m.log.Error("orphan snapshot left behind after failed recompute",
				zap.String("snapshot_id", snap.ID), zap.Error(derr))
		}
		return nil, err
	}
	return snap, nil
}

// assembleEntries upserts every merged row's member and builds the metric
// batch. Two keys aliasing to one member collapse to a single entry per
// kind, keeping the higher value.
func (m *Manager) assembleEntries(ctx context.Context, s *Session) ([]snapshot.MetricEntry, error) {
	s.mu.Lock()
	rowsByKind := make(map[types.MetricKind][]types.MetricRow)
	for _, kind := range s.presentKinds() {
		for _, row := range s.rows[kind] {
			rowsByKind[kind] = append(rowsByKind[kind], *row)
		}
	}
	guildID, at := s.GuildID, s.SnapshotAt
	s.mu.Unlock()

	byMember := make(map[int64]map[types.MetricKind]int64)
	for kind, rows := range rowsByKind {
		for _, row := range rows {
			memberID, err := m.resolver.ResolveOrCreate(ctx, guildID, row.DisplayName, at)
			if err != nil {
				return nil, fmt.Errorf("member upsert failed for %q: %w", row.DisplayName, err)
			}
			if byMember[memberID] == nil {
				byMember[memberID] = make(map[types.MetricKind]int64)
			}
			if v, ok := byMember[memberID][kind]; !ok || row.Value > v {
				byMember[memberID][kind] = row.Value
			}
		}
	}

	var entries []snapshot.MetricEntry
	for memberID, kinds := range byMember {
		for kind, value := range kinds {
			v := value
			entries = append(entries, snapshot.MetricEntry{MemberID: memberID, Metric: kind, Value: &v})
		}
	}
	return entries, nil
}

// pushMirror sends the fresh latest view downstream. Failures are logged
// and swallowed; the committed snapshot is the source of truth.
func (m *Manager) pushMirror(ctx context.Context, guildID string) {
	if m.mirror == nil {
		return
	}
	rows, err := m.snaps.Latest(ctx, guildID)
	if err != nil {
		m.log.Error("mirror push skipped, latest view read failed",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	if err := m.mirror.PushLatest(ctx, guildID, rows); err != nil {
		m.log.Error("mirror push failed",
			zap.String("guild_id", guildID), zap.Error(err))
	}
}

// Cancel discards a session. Safe at any point before commit; nothing
// durable has happened yet.
func (m *Manager) Cancel(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state.terminal() {
		defer s.mu.Unlock()
		return &StateError{State: s.state, Action: "cancel"}
	}
	s.state = StateCancelled
	s.mu.Unlock()
	m.store.Evict(sessionID)
	m.log.Info("session cancelled", zap.String("session_id", sessionID))
	return nil
}
