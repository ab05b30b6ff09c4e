package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
store:
  backend: badger
  path: /var/lib/engine
distance:
  gamma: 0.5
  weights:
    action: 2
clustering:
  default_threshold: 0.15
  schedule: "@every 10m"
retry:
  initial_backoff: 20ms
  max_backoff: 1s
trajectory:
  relabel_threshold: 2.5
log:
  format: json
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/engine.graph.db", cfg.Store.GraphDBPath())
	assert.Equal(t, 0.5, cfg.Distance.Gamma)
	assert.Equal(t, 2.0, cfg.Distance.Weights.Action)
	assert.Equal(t, 1.0, cfg.Distance.Weights.Reward, "unset keys keep defaults")
	assert.Equal(t, 0.15, cfg.Clustering.DefaultThreshold)
	assert.Equal(t, "@every 10m", cfg.Clustering.Schedule)
	assert.Equal(t, 20*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 2.5, cfg.Trajectory.RelabelThreshold)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "store:\n  path: from-file.db\n")
	t.Setenv("TRANSFER_DB", "from-env.db")
	t.Setenv("REFMODEL_ADDR", "localhost:50070")
	t.Setenv("TRANSFER_RELABEL_THRESHOLD", "3")
	t.Setenv("TRANSFER_METRICS_ENABLED", "true")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
	assert.Equal(t, "localhost:50070", cfg.ReferenceModel.Addr)
	assert.Equal(t, 3.0, cfg.Trajectory.RelabelThreshold)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "distance:\n  gama: 0.5\n"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"backend":   "store:\n  backend: postgres\n",
		"gamma":     "distance:\n  gamma: 1.5\n",
		"threshold": "clustering:\n  default_threshold: 0\n",
		"retry":     "retry:\n  initial_backoff: 2s\n  max_backoff: 1s\n",
		"log level": "log:\n  level: loud\n",
		"relabel":   "trajectory:\n  relabel_threshold: -1\n",
		"schedule":  "clustering:\n  schedule: \"every tuesday\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
