package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "dev-secret", cfg.JWTSecret)
	assert.Equal(t, DefaultSQLMode, cfg.DB.SQLMode)
	assert.Equal(t, 2*time.Second, cfg.DB.ReconnectDelay)
	assert.Equal(t, []string{"POST /users", "POST /login", "GET /healthz"}, cfg.AuthExempt)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "APP_NAME=accounts\nDB_HOST=db:3306\nDB_RECONNECT_DELAY=500ms\nJWT_SECRET=s3cret\nAPP_ENV=production\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// godotenv does not override variables that are already set, so make
	// sure the keys under test start empty and are restored afterwards.
	for _, k := range []string{"APP_NAME", "DB_HOST", "DB_RECONNECT_DELAY", "JWT_SECRET", "APP_ENV"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "accounts", cfg.Name)
	assert.Equal(t, "db:3306", cfg.DB.Host)
	assert.Equal(t, 500*time.Millisecond, cfg.DB.ReconnectDelay)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadRequiresSecretOutsideDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestParseDurationEnvFallsBack(t *testing.T) {
	t.Setenv("X_DELAY", "soon")
	assert.Equal(t, time.Second, parseDurationEnv("X_DELAY", time.Second))

	t.Setenv("X_DELAY", "-3s")
	assert.Equal(t, time.Second, parseDurationEnv("X_DELAY", time.Second))

	t.Setenv("X_DELAY", "250ms")
	assert.Equal(t, 250*time.Millisecond, parseDurationEnv("X_DELAY", time.Second))
}

func TestValidateAdminPair(t *testing.T) {
	cfg := &Config{Port: "1", JWTSecret: "x", DB: DB{Name: "api", ReconnectDelay: time.Second}, AdminUsername: "root"}
	assert.Error(t, cfg.Validate())

	cfg.AdminPassword = "pw"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsLongAdminPassword(t *testing.T) {
	cfg := &Config{Port: "1", JWTSecret: "x", DB: DB{Name: "api", ReconnectDelay: time.Second},
		AdminUsername: "root", AdminPassword: strings.Repeat("p", maxPasswordBytes)}
	require.NoError(t, cfg.Validate())

	cfg.AdminPassword += "p"
	assert.ErrorContains(t, cfg.Validate(), "ADMIN_PASSWORD")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
	assert.Nil(t, splitList(""))
}
