package bot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MODELSWITCH_DATA_DIR", "MODELSWITCH_HTTP_ADDR", "MODELSWITCH_STORAGE",
		"MODELSWITCH_DB_PATH", "MODELSWITCH_PG_URL", "MODELSWITCH_PRIVATE_CONFIG",
		"MODELSWITCH_PRUNE_DISABLED", "MODELSWITCH_PRUNE_SCHEDULE", "MODELSWITCH_PRUNE_MAX_AGE_DAYS",
		"MODELSWITCH_DEFAULT_MODEL", "MODELSWITCH_MAX_TOKENS", "MATRIX_HOMESERVER", "MATRIX_USER",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "modelswitch", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "data/prefs.db", cfg.Storage.Path)
	assert.Equal(t, "modelbot", cfg.Matrix.UserID)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, "@daily", cfg.Prune.Schedule)
	assert.Equal(t, 90, cfg.Prune.MaxAgeDays)
	assert.False(t, cfg.Prune.Disabled)
}

func TestLoadConfigEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODELSWITCH_DATA_DIR", "/srv/bot")
	t.Setenv("MODELSWITCH_DEFAULT_MODEL", "smart")
	t.Setenv("MODELSWITCH_PRUNE_MAX_AGE_DAYS", "30")
	t.Setenv("MODELSWITCH_PRUNE_DISABLED", "1")
	t.Setenv("MODELSWITCH_MAX_TOKENS", "not-a-number")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/bot/prefs.db", cfg.Storage.Path)
	assert.Equal(t, "smart", cfg.Catalog.DefaultModel)
	assert.Equal(t, 30, cfg.Prune.MaxAgeDays)
	assert.True(t, cfg.Prune.Disabled)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
}

func TestLoadConfigFileAndOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPSEEK_KEY", "sk-deep")

	path := writeFile(t, "config.json", `{
		"http_addr": ":9090",
		"catalog": {"file": "models.yaml", "aliases": {"cheap": "deepseek/deepseek-chat"}},
		"llm": {
			"system_prompt": "be brief",
			"routes": {"deepseek": {"api_key": "$DEEPSEEK_KEY", "base_url": "https://api.deepseek.com/v1", "strip_prefix": true}}
		}
	}`)
	overlay := writeFile(t, "private.json", `{"matrix": {"password": "hunter2"}, "llm": {"system_prompt": "be kind"}}`)
	t.Setenv("MODELSWITCH_PRIVATE_CONFIG", overlay)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "models.yaml", cfg.Catalog.File)
	assert.Equal(t, "deepseek/deepseek-chat", cfg.Catalog.Aliases["cheap"])
	assert.Equal(t, "be kind", cfg.LLM.SystemPrompt, "overlay wins")
	assert.Equal(t, "hunter2", cfg.Matrix.Password)
	assert.Equal(t, "modelbot", cfg.Matrix.UserID, "nested defaults survive the merge")
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)

	route := cfg.LLM.Routes["deepseek"]
	assert.Equal(t, "sk-deep", route.APIKey)
	assert.True(t, route.StripPrefix)
}

func TestLoadConfigResolvesBaseURLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("MS_ANTHROPIC_URL", "https://anthropic.internal")
	t.Setenv("MS_OPENAI_URL", "https://openai.internal/v1")
	t.Setenv("MS_ROUTE_URL", "https://route.internal/v1")

	cfg, err := LoadConfig(writeFile(t, "urls.json", `{"llm": {
		"anthropic": {"base_url": "$MS_ANTHROPIC_URL"},
		"openai": {"base_url": "$MS_OPENAI_URL"},
		"routes": {"moonshotai": {"base_url": "$MS_ROUTE_URL"}}
	}}`))
	require.NoError(t, err)
	assert.Equal(t, "https://anthropic.internal", cfg.LLM.Anthropic.BaseURL)
	assert.Equal(t, "https://openai.internal/v1", cfg.LLM.OpenAI.BaseURL)
	assert.Equal(t, "https://route.internal/v1", cfg.LLM.Routes["moonshotai"].BaseURL)
}

func TestLoadConfigErrors(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"name":`))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "pg.json", `{"storage": {"driver": "postgres"}}`))
	assert.ErrorContains(t, err, "postgres_url")

	_, err = LoadConfig(writeFile(t, "odd.json", `{"storage": {"driver": "redis"}}`))
	assert.ErrorContains(t, err, "unknown storage driver")

	t.Setenv("MODELSWITCH_PRIVATE_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "private config")
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("MS_TEST_VALUE", "resolved")
	assert.Equal(t, "resolved", resolveEnv("$MS_TEST_VALUE"))
	assert.Equal(t, "$MS_UNSET_VALUE", resolveEnv("$MS_UNSET_VALUE"))
	assert.Equal(t, "plain", resolveEnv("plain"))
	assert.Equal(t, "$", resolveEnv("$"))
}

func TestDeepMergeJSON(t *testing.T) {
	out, err := deepMergeJSON([]byte(`{"a":{"b":1,"c":2},"d":[1]}`), []byte(`{"a":{"c":3},"d":[2,3]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":1,"c":3},"d":[2,3]}`, string(out))

	out, err = deepMergeJSON(nil, []byte(`{"x":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":true}`, string(out))
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))

	t.Setenv("MS_DOTENV_SET", "")
	os.Unsetenv("MS_DOTENV_SET")
	t.Setenv("MS_DOTENV_KEEP", "original")
	path := writeFile(t, ".env", "MS_DOTENV_SET=from-file\nMS_DOTENV_KEEP=overridden\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("MS_DOTENV_SET"))
	assert.Equal(t, "original", os.Getenv("MS_DOTENV_KEEP"))
}
