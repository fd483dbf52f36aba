package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELECHAT_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "telechat.db", cfg.DBFile)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	require.False(t, cfg.LogPretty)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_file: /var/lib/telechat.db
addr: ":9000"
token_expiry: 2h
log_level: debug
`), 0600))

	t.Setenv("TELECHAT_CONFIG", path)
	t.Setenv("ADDR", ":9100")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/telechat.db", cfg.DBFile)
	require.Equal(t, ":9100", cfg.Addr, "environment overrides the file")
	require.Equal(t, 2*time.Hour, cfg.TokenExpiry)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.LogPretty)
	require.Equal(t, "storage", cfg.StorageRoot, "defaults survive")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"BadDuration", map[string]string{"TOKEN_EXPIRY": "soon"}},
		{"ZeroDuration", map[string]string{"TOKEN_EXPIRY": "0s"}},
		{"BadBool", map[string]string{"LOG_PRETTY": "sometimes"}},
		{"BadLevel", map[string]string{"LOG_LEVEL": "loud"}},
		{"EmptyDB", map[string]string{"TELECHAT_DB": ""}},
		{"MissingFile", map[string]string{"TELECHAT_CONFIG": "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TELECHAT_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
