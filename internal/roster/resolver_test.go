package roster

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveOrCreate_Idempotent(t *testing.T) {
	r := NewResolver(testDB(t), zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	id1, err := r.ResolveOrCreate(ctx, "g1", "John Doe", now)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	id2, err := r.ResolveOrCreate(ctx, "g1", "🐌 John   Doe [Officer]", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("decorated name created duplicate member: %d vs %d", id1, id2)
	}

	// Same name in another guild is a different member.
	id3, err := r.ResolveOrCreate(ctx, "g2", "John Doe", now)
	if err != nil {
		t.Fatalf("other guild resolve: %v", err)
	}
	if id3 == id1 {
		t.Error("members leaked across guilds")
	}
}

func TestResolveOrCreate_UpdatesDisplayName(t *testing.T) {
	db := testDB(t)
	r := NewResolver(db, zap.NewNop())
	ctx := context.Background()

	id, err := r.ResolveOrCreate(ctx, "g1", "John Doe", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ResolveOrCreate(ctx, "g1", "John Doe 🐌", time.Now()); err != nil {
		t.Fatal(err)
	}

	var display string
	if err := db.QueryRow(`SELECT display_name FROM members WHERE id = ?`, id).Scan(&display); err != nil {
		t.Fatal(err)
	}
	if display != "John Doe 🐌" {
		t.Errorf("display name not refreshed: %q", display)
	}
}

func TestAliasResolution(t *testing.T) {
	r := NewResolver(testDB(t), zap.NewNop())
	ctx := context.Background()

	id, err := r.ResolveOrCreate(ctx, "g1", "John Doe", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.AddAlias(ctx, "g1", "johnny d", id); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}

	got, err := r.ResolveOrCreate(ctx, "g1", "Johnny D", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("alias resolved to %d, want %d", got, id)
	}

	// Alias pointing at someone else's key is rejected.
	other, err := r.ResolveOrCreate(ctx, "g1", "Jane Roe", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.AddAlias(ctx, "g1", "john doe", other); err == nil {
		t.Error("alias shadowing an existing member key was accepted")
	}
}

func TestFindLikely(t *testing.T) {
	r := NewResolver(testDB(t), zap.NewNop())
	ctx := context.Background()

	old, err := r.ResolveOrCreate(ctx, "g1", "Snail Johnson", time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	recent, err := r.ResolveOrCreate(ctx, "g1", "Snail Smith", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	// Ambiguous fragment matches the most recently seen member.
	id, _, ok, err := r.FindLikely(ctx, "g1", "snail")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != recent {
		t.Errorf("FindLikely(snail) = %d ok=%v, want %d", id, ok, recent)
	}

	id, _, ok, err = r.FindLikely(ctx, "g1", "johnson")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != old {
		t.Errorf("FindLikely(johnson) = %d ok=%v, want %d", id, ok, old)
	}

	if _, _, ok, _ = r.FindLikely(ctx, "g1", "nobody here"); ok {
		t.Error("FindLikely matched nonexistent member")
	}
}
