package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 85.0, cfg.Review.SuspiciousJumpPct)
	assert.Equal(t, 0.70, cfg.Review.ConfidenceFloor)
	assert.Equal(t, 15*time.Minute, cfg.Review.TTL())
	assert.Equal(t, "gemini-2.5-pro", cfg.Vision.Model)
}

func TestLoad_FileAndGuildOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slimy.yaml")
	data := `
database:
  path: /tmp/x.db
review:
  suspicious_jump_pct: 50
guild_overrides:
  "guild-a":
    confidence_floor: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, 50.0, cfg.Review.SuspiciousJumpPct)

	r := cfg.ReviewFor("guild-a")
	assert.Equal(t, 0.9, r.ConfidenceFloor, "guild override applied")
	assert.Equal(t, 50.0, r.SuspiciousJumpPct, "base threshold kept under override")

	def := cfg.ReviewFor("other")
	assert.Equal(t, 0.70, def.ConfidenceFloor, "unrelated guild unaffected")
}

func TestLoad_EnvOverridesAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "sk-test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Vision.APIKey)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slimy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("review: ["), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
