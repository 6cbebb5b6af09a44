package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/parity"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quiver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	for _, c := range AllChecks {
		assert.True(t, cfg.Wants(c))
	}
}

func TestLoadOverlay(t *testing.T) {
	path := writeConfig(t, `
testdata_dir: /data/fixtures
checks: [hub]
hub:
  init_seed: 7
  logits_tolerance:
    abs: 1e-5
t5x:
  tolerance:
    rel: 0.01
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/fixtures", cfg.TestdataDir)
	assert.True(t, cfg.Wants("hub"))
	assert.False(t, cfg.Wants("tied"))
	assert.Equal(t, uint64(7), cfg.Hub.InitSeed)
	assert.Equal(t, 1e-5, cfg.Hub.LogitsTolerance.Abs)
	// Unset fields keep their defaults, including siblings in nested blocks.
	assert.Equal(t, parity.DefaultHubOptions().LogitsTolerance.Rel, cfg.Hub.LogitsTolerance.Rel)
	assert.Equal(t, parity.DefaultHubOptions().VocabSize, cfg.Hub.VocabSize)
	assert.Equal(t, 0.01, cfg.T5X.Tolerance.Rel)
	assert.Equal(t, parity.DefaultT5XOptions().Tolerance.Abs, cfg.T5X.Tolerance.Abs)
	assert.Equal(t, parity.DefaultTiedHeadOptions(), cfg.TiedHead)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "hub:\n  no_such_field: 1\n"))
	assert.ErrorContains(t, err, "no_such_field")

	_, err = Load(writeConfig(t, "checks: [tied, bogus]\n"))
	assert.ErrorContains(t, err, `unknown check "bogus"`)

	_, err = Load(writeConfig(t, "checks: []\n"))
	assert.ErrorContains(t, err, "no checks selected")

	_, err = Load(writeConfig(t, "tied_head:\n  hidden_dim: 10\n  num_heads: 4\n"))
	assert.ErrorContains(t, err, "not divisible")

	_, err = Load(writeConfig(t, "hub:\n  batch_size: 0\n"))
	assert.ErrorContains(t, err, "hub.batch_size must be positive")
}
