package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dinecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
httpAddr: ":9999"
sweepBatchSize: 25
freshFor: 20m
publisher: kafka
`), 0o644))

	t.Setenv("DINECACHE_PUBLISHER", "file")
	t.Setenv("DINECACHE_CHECK_EVERY", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 25, cfg.SweepBatchSize)
	assert.Equal(t, 20*time.Minute, cfg.FreshFor.Duration)
	assert.Equal(t, "file", cfg.Publisher)
	assert.Equal(t, time.Minute, cfg.CheckEvery.Duration)
	// untouched defaults
	assert.Equal(t, 2*time.Minute, cfg.AggregationTTL.Duration)
	assert.Equal(t, 7*24*time.Hour, cfg.SweepThreshold.Duration)
}

func TestApplyEnv_BadDuration(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, func(k string) (string, bool) {
		if k == "DINECACHE_FRESH_FOR" {
			return "soon", true
		}
		return "", false
	})
	require.Error(t, err)
}
