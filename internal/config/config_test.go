package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kepler.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func baseTOML(secretPath string) string {
	return `
listen_addr = "127.0.0.1:8080"
static_secret = "` + secretPath + `"

[database]
conn_string = "sqlite::memory:"

[block]
kind = "local"
path = "/tmp/kepler-blocks"

[staging]
mode = "memory"
limit = "10 MiB"

[orbit]
max_open_orbits = 64
linger_seconds = 30
`
}

func TestLoadAppliesDefaultsAndParsesQuota(t *testing.T) {
	secret := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	path := writeTestConfig(t, baseTOML(secret))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", loaded.ListenAddr)
	require.Equal(t, int64(10*1024*1024), loaded.StagingLimit)
	require.Equal(t, int64(64), loaded.Orbit.MaxOpenOrbits)
}

func TestLoadDefaultsStagingLimitWhenUnset(t *testing.T) {
	secret := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	body := `
listen_addr = "127.0.0.1:8080"
static_secret = "` + secret + `"

[database]
conn_string = "sqlite::memory:"

[block]
kind = "local"
path = "/tmp/kepler-blocks"

[orbit]
max_open_orbits = 1
linger_seconds = 1
`
	path := writeTestConfig(t, body)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(10*1<<30), loaded.StagingLimit)
}

func TestLoadRejectsBadQuotaString(t *testing.T) {
	secret := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	body := strings.Replace(baseTOML(secret), `limit = "10 MiB"`, `limit = "not-a-size"`, 1)

	path := writeTestConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("KEPLER_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("KEPLER_DATABASE_CONN_STRING", "postgres://example/db")

	secret := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	path := writeTestConfig(t, baseTOML(secret))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", loaded.ListenAddr)
	require.Equal(t, "postgres://example/db", loaded.Database.ConnString)
}

func TestLoadStaticSecretFromBase64(t *testing.T) {
	raw := []byte("super-secret-key-material-000000")
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	decoded, err := loadStaticSecret(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestLoadStaticSecretFromPEMFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.pem")
	pem := "-----BEGIN KEPLER SECRET-----\nAAAAAAAAAAAAAAAAAAAAAA==\n-----END KEPLER SECRET-----\n"
	require.NoError(t, os.WriteFile(path, []byte(pem), 0o600))

	decoded, err := loadStaticSecret(path)
	require.NoError(t, err)
	require.NotEmpty(t, decoded)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	require.Error(t, validate(&Config{}))
}
