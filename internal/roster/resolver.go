// Package roster maps canonical keys to durable member identities.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/canonical"
)

// Resolver resolves display names to member IDs, creating members on
// first observation. Members are never hard-deleted, only superseded.
type Resolver struct {
	db  *sql.DB
	log *zap.Logger
}

// NewResolver creates a Resolver on an open store database.
func NewResolver(db *sql.DB, log *zap.Logger) *Resolver {
	return &Resolver{db: db, log: log}
}

// ResolveOrCreate returns the member ID for a display name, creating the
// member if neither its canonical key nor any alias is known. Display
// name and last-seen time are refreshed on every observation, so the call
// is idempotent.
//
// Resolution order: exact member key, exact alias, create.
func (r *Resolver) ResolveOrCreate(ctx context.Context, guildID, displayName string, seenAt time.Time) (int64, error) {
	key := canonical.Key(displayName)
	if key == "" {
		return 0, fmt.Errorf("display name %q canonicalizes to empty key", displayName)
	}

	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM members WHERE guild_id = ? AND canonical_key = ?`,
		guildID, key).Scan(&id)
	switch {
	case err == nil:
		return id, r.touch(ctx, id, displayName, seenAt)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("member lookup failed: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT member_id FROM aliases WHERE guild_id = ? AND alias_key = ?`,
		guildID, key).Scan(&id)
	switch {
	case err == nil:
		return id, r.touch(ctx, id, displayName, seenAt)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("alias lookup failed: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO members (guild_id, canonical_key, display_name, last_seen_at) VALUES (?, ?, ?, ?)`,
		guildID, key, displayName, seenAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("member insert failed: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("member insert id: %w", err)
	}
	r.log.Debug("member created",
		zap.String("guild_id", guildID),
		zap.String("canonical_key", key),
		zap.Int64("member_id", id))
	return id, nil
}

func (r *Resolver) touch(ctx context.Context, id int64, displayName string, seenAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE members SET display_name = ?, last_seen_at = ? WHERE id = ?`,
		displayName, seenAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("member update failed: %w", err)
	}
	return nil
}

// Lookup resolves an already-canonical key without creating anything.
func (r *Resolver) Lookup(ctx context.Context, guildID, key string) (int64, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM members WHERE guild_id = ? AND canonical_key = ?`,
		guildID, key).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("member lookup failed: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT member_id FROM aliases WHERE guild_id = ? AND alias_key = ?`,
		guildID, key).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("alias lookup failed: %w", err)
	}
	return 0, false, nil
}

// AddAlias records an additional canonical key for an existing member.
// The (guild, alias) pair is unique; an alias colliding with an existing
// member key or alias is rejected by the store constraints.
func (r *Resolver) AddAlias(ctx context.Context, guildID, aliasKey string, memberID int64) error {
	if aliasKey == "" {
		return fmt.Errorf("empty alias key")
	}
	// A key must never resolve to two different members.
	var existing int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM members WHERE guild_id = ? AND canonical_key = ?`,
		guildID, aliasKey).Scan(&existing)
	if err == nil && existing != memberID {
		return fmt.Errorf("alias %q already names a different member", aliasKey)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alias collision check failed: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO aliases (guild_id, alias_key, member_id) VALUES (?, ?, ?)
		 ON CONFLICT(guild_id, alias_key) DO NOTHING`,
		guildID, aliasKey, memberID)
	if err != nil {
		return fmt.Errorf("alias insert failed: %w", err)
	}
	return nil
}

// FindLikely fuzzy-matches free text against existing canonical keys,
// preferring the most recently seen member. Used only to assist manual
// corrections; automatic commit decisions never rely on it.
func (r *Resolver) FindLikely(ctx context.Context, guildID, text string) (int64, string, bool, error) {
	query := canonical.Key(text)
	if query == "" {
		return 0, "", false, nil
	}

	// Exact resolution first; fuzzy only as a fallback.
	if id, ok, err := r.Lookup(ctx, guildID, query); err != nil || ok {
		return id, query, ok, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, canonical_key FROM members WHERE guild_id = ? ORDER BY last_seen_at DESC`,
		guildID)
	if err != nil {
		return 0, "", false, fmt.Errorf("member scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return 0, "", false, fmt.Errorf("member scan failed: %w", err)
		}
		if containsTokens(key, query) {
			return id, key, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, "", false, fmt.Errorf("member scan failed: %w", err)
	}
	return 0, "", false, nil
}

// containsTokens reports whether every token of the query appears as a
// substring of some token of the candidate key.
func containsTokens(key, query string) bool {
	if strings.Contains(key, query) {
		return true
	}
	keyTokens := strings.Fields(key)
	for _, qt := range strings.Fields(query) {
		found := false
		for _, kt := range keyTokens {
			if strings.Contains(kt, qt) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
