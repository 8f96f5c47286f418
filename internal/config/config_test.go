package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
[http]
listen = "0.0.0.0:9000"

[tracker]
product_name = "Demo"
client_id = "id"
client_secret = "secret"
timeout = "5s"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.HTTP.Listen)
	assert.Equal(t, "Demo", cfg.Tracker.ProductName)
	assert.Equal(t, 5*time.Second, cfg.Tracker.Timeout)

	// Defaults.
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "https://open.worktile.com", cfg.Tracker.APIURL)
	assert.False(t, cfg.Tracker.InsecureSkipVerify)
	assert.Equal(t, "svnlook", cfg.SVN.Svnlook)
	assert.Equal(t, "gbk", cfg.SVN.Encoding)
	assert.Equal(t, "trunk", cfg.SVN.DefaultBranch)
	assert.Equal(t, "data/journal", cfg.Journal.Path)
	assert.Equal(t, 256, cfg.Journal.CacheSize)
	assert.Equal(t, "data/spool", cfg.Spool.Dir)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SVNWT_TRACKER_CLIENT_SECRET", "from-env")
	t.Setenv("SVNWT_DISPATCH_WORKERS", "2")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Tracker.ClientSecret)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Read(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1086", cfg.HTTP.Listen)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing credentials", body: "[tracker]\nproduct_name = \"Demo\"\n"},
		{name: "bad api url", body: validConfig + "api_url = \"not a url\"\n"},
		{name: "bad log level", body: validConfig + "[log]\nlevel = \"loud\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "[http\nlisten ="))
	require.Error(t, err)
	assert.False(t, errors.IsType(err, errors.ErrorTypeValidation))
}
