package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8091", cfg.Listen)
	assert.Equal(t, ":memory:", cfg.MemoryPath)
	assert.Equal(t, "team.yaml", cfg.TeamFile)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
team_file: /etc/fieldwork/team.yaml
memory_path: /var/lib/fieldwork/memory.db
otlp_endpoint: collector:4318
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/etc/fieldwork/team.yaml", cfg.TeamFile)
	assert.Equal(t, "/var/lib/fieldwork/memory.db", cfg.MemoryPath)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644))

	t.Setenv("FIELDWORK_LISTEN", ":9999")
	t.Setenv("FIELDWORK_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "from-env", cfg.Secret)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
