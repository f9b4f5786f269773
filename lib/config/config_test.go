package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Load([]byte(``))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	cfg, err := Load([]byte("threads: 8\nnamespace: custom\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Threads)
	assert.Equal(t, "custom", cfg.Namespace)
	assert.Equal(t, Default().MaxBatchSize, cfg.MaxBatchSize)
}

func TestLoadRejectsInvalidThreads(t *testing.T) {
	_, err := Load([]byte("threads: 0\n"))
	assert.Error(t, err)
}

func TestLoadRejectsEmptyNamespace(t *testing.T) {
	_, err := Load([]byte("namespace: \"\"\n"))
	assert.Error(t, err)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load([]byte("update_interval: 30s\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.UpdateInterval.Duration())
}
