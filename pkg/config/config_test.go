package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, 50, cfg.Session.MaxIterations)
	assert.Equal(t, 3, cfg.Session.MaxConsecutiveErrors)
	assert.Equal(t, 15, cfg.Session.CompactionInterval)
	assert.Equal(t, 30, cfg.Script.TimeoutSeconds)
	assert.Equal(t, "linear", cfg.Retry.Strategy)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"llm": {"model": "custom-model", "api_keys": ["k1", "k2"]},
		"session": {"max_iterations": 7},
		"retry": {"strategy": "fibonacci"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", cfg.LLM.Model)
	assert.Equal(t, []string{"k1", "k2"}, cfg.LLM.APIKeys)
	assert.Equal(t, 7, cfg.Session.MaxIterations)
	assert.Equal(t, "fibonacci", cfg.Retry.Strategy)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Session.MaxConsecutiveErrors)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"model": "from-file"}}`), 0o600))

	t.Setenv("SEAPEN_LLM_MODEL", "from-env")
	t.Setenv("SEAPEN_SESSION_MAX_ITERATIONS", "12")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 12, cfg.Session.MaxIterations)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero_iterations", `{"session": {"max_iterations": -1}}`},
		{"bad_strategy", `{"retry": {"strategy": "random"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o600))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.LLM.Model = "saved-model"
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.LLM.Model)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "2m0s", cfg.RequestTimeout().String())
	assert.Equal(t, "2s", cfg.IterationDelay().String())
	assert.Equal(t, "30s", cfg.ScriptTimeout().String())
}
