package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.APIBaseURL != "https://api.heygen.com" {
		t.Fatalf("APIBaseURL = %q, want provider default", cfg.APIBaseURL)
	}
	if cfg.Quality != "low" {
		t.Fatalf("Quality = %q, want %q", cfg.Quality, "low")
	}
	if cfg.Language != "en" {
		t.Fatalf("Language = %q, want %q", cfg.Language, "en")
	}
	if cfg.AvatarID != "" || cfg.VoiceID != "" || cfg.KnowledgeBaseID != "" {
		t.Fatalf("identity fields should default to empty, got %q/%q/%q", cfg.AvatarID, cfg.VoiceID, cfg.KnowledgeBaseID)
	}
	if cfg.TokenTimeout != 10*time.Second {
		t.Fatalf("TokenTimeout = %v, want 10s", cfg.TokenTimeout)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Fatalf("CallTimeout = %v, want 30s", cfg.CallTimeout)
	}
}

func TestLoadResolveProviderAuto(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.ResolveProvider(); got != ProviderMock {
		t.Fatalf("ResolveProvider() without key = %q, want %q", got, ProviderMock)
	}

	t.Setenv("HEYGEN_API_KEY", "sk-test")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.ResolveProvider(); got != ProviderHeyGen {
		t.Fatalf("ResolveProvider() with key = %q, want %q", got, ProviderHeyGen)
	}
}

func TestLoadRejectsHeyGenWithoutKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AVATAR_PROVIDER", "heygen")

	if _, err := Load(); err == nil {
		t.Fatal("Load() with AVATAR_PROVIDER=heygen and no key should fail")
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"AVATAR_CALL_TIMEOUT":  "soon",
		"TOKEN_TIMEOUT":        "10",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
		"AVATAR_PROVIDER":      "livekit",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q should fail", key, val)
			}
		})
	}
}

func TestLoadExplicitIdentities(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AVATAR_ID", "  josh_lite3_20230714  ")
	t.Setenv("VOICE_ID", "077ab11b14f04ce0b49f5bb87656f59f")
	t.Setenv("KNOWLEDGE_BASE_ID", "kb-42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AvatarID != "josh_lite3_20230714" {
		t.Fatalf("AvatarID = %q, want trimmed explicit value", cfg.AvatarID)
	}
	if cfg.VoiceID != "077ab11b14f04ce0b49f5bb87656f59f" {
		t.Fatalf("VoiceID = %q, want explicit value", cfg.VoiceID)
	}
	if cfg.KnowledgeBaseID != "kb-42" {
		t.Fatalf("KnowledgeBaseID = %q, want explicit value", cfg.KnowledgeBaseID)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"AVATAR_PROVIDER",
		"HEYGEN_API_KEY",
		"HEYGEN_API_BASE_URL",
		"AVATAR_ID",
		"VOICE_ID",
		"KNOWLEDGE_BASE_ID",
		"AVATAR_QUALITY",
		"AVATAR_LANGUAGE",
		"TOKEN_TIMEOUT",
		"AVATAR_CALL_TIMEOUT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
