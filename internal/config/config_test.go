package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaychat.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model.Default)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.TitleModel)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.ResumableStreamsEnabled())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090

[database]
url = "postgres://localhost/test"

[redis]
url = "redis://localhost:6379/0"

[model]
api_key = "sk-test"
default = "gpt-4o-mini"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/test", cfg.Database.URL)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.Default)
	assert.True(t, cfg.ResumableStreamsEnabled())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RELAYCHAT_SERVER_PORT", "7000")
	t.Setenv("RELAYCHAT_AUTH_JWT_SECRET", "from-env")

	cfg, err := LoadConfig(writeConfig(t, "[server]\nport = 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadConfigUnprefixedPlatformURLs(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://paas/db")
	t.Setenv("REDIS_URL", "redis://paas:6379")

	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "postgres://paas/db", cfg.Database.URL)
	assert.Equal(t, "redis://paas:6379", cfg.Redis.URL)
	assert.True(t, cfg.ResumableStreamsEnabled())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Database.URL = "postgres://localhost/test"
		cfg.Auth.JWTSecret = "secret"
		cfg.Model.APIKey = "sk-test"
		cfg.Model.Default = "gpt-4o"
		return cfg
	}

	require.NoError(t, Validate(valid()))

	cfg := valid()
	cfg.Database.URL = ""
	assert.ErrorContains(t, Validate(cfg), "database url")

	cfg = valid()
	cfg.Auth.JWTSecret = ""
	assert.ErrorContains(t, Validate(cfg), "jwt_secret")

	cfg = valid()
	cfg.Model.APIKey = ""
	assert.ErrorContains(t, Validate(cfg), "api_key")

	cfg = valid()
	cfg.Model.Default = ""
	assert.ErrorContains(t, Validate(cfg), "default model")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.toml")

	require.NoError(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Server.Port)

	// Refuses to overwrite an existing file.
	assert.Error(t, InitConfig(path))
}
