package config

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("DEFERRED_MODE", "")
	t.Setenv("AI_REGION_ERROR_MARKERS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, StoreSQLite, cfg.Store.Backend)
	require.Equal(t, DeferredAsync, cfg.Persist.DeferredMode)
	require.Equal(t, 8, cfg.AI.KnowledgeTopK)
	require.Equal(t, 3, cfg.AI.ToolMaxRounds)
	require.Equal(t, DefaultRegionMarkers, cfg.AI.RegionMarkers)
	require.Equal(t, DefaultFallbackText, cfg.Chat.FallbackText)
	require.Equal(t, 10*time.Second, cfg.Persist.Timeout)
}

func TestLoadServerConfigAcceptsHostPort(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")

	cfg, err := loadServerConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Addr)
}

func TestAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://Shop.example, ,https://admin.example")

	cfg, err := loadServerConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsDynamoWithoutTable(t *testing.T) {
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("DYNAMODB_TABLE", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("PERSIST_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestRegionMarkersFromEnv(t *testing.T) {
	t.Setenv("AI_REGION_ERROR_MARKERS", " Blocked Region , ,geo_denied")

	cfg, err := loadAIConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"blocked region", "geo_denied"}, cfg.RegionMarkers)
}

func TestRetryCharsClampedBelowMax(t *testing.T) {
	t.Setenv("PERSIST_MAX_CHARS", "1000")
	t.Setenv("PERSIST_RETRY_CHARS", "5000")

	cfg, err := loadPersistConfig()
	require.NoError(t, err)
	require.Equal(t, 250, cfg.RetryChars)
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := ParseLogLevel("loud")
	require.Error(t, err)
}

type fakeGetter struct {
	values map[string]string
	calls  []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls = append(f.calls, name)
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("missing")
	}
	return v, nil
}

func TestApplySecretsFillsMissingKeys(t *testing.T) {
	cfg := &Config{
		AI:      AIConfig{APIKeyParamKey: "ark-api-key"},
		Auth:    AuthConfig{SupabaseURL: "https://x.supabase.co", KeyParamKey: "supabase-service-role-key"},
		Secrets: SecretsConfig{ParamPrefix: "/sales/prod"},
	}
	getter := &fakeGetter{values: map[string]string{
		"/sales/prod/ark-api-key":               "ark-secret",
		"/sales/prod/supabase-service-role-key": "service-role",
	}}

	require.NoError(t, cfg.ApplySecrets(context.Background(), getter))
	require.Equal(t, "ark-secret", cfg.AI.APIKey)
	require.Equal(t, "service-role", cfg.Auth.ServiceRoleKey)
}

func TestApplySecretsKeepsEnvValues(t *testing.T) {
	cfg := &Config{
		AI:      AIConfig{APIKey: "from-env", APIKeyParamKey: "ark-api-key"},
		Secrets: SecretsConfig{ParamPrefix: "/sales/prod"},
	}
	getter := &fakeGetter{}

	require.NoError(t, cfg.ApplySecrets(context.Background(), getter))
	require.Empty(t, getter.calls)
	require.Equal(t, "from-env", cfg.AI.APIKey)
}
