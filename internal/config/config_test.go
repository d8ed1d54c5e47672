package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("OPENROUTER_MODEL", "meta-llama/llama-3.1-8b-instruct")
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")
}

func TestLoadDefaults(t *testing.T) {
	setCredentials(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.HTTP.Port)
	}
	if cfg.LLM.MaxTokens != 150 {
		t.Fatalf("expected max tokens 150, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.TTS.ModelID != "eleven_multilingual_v2" {
		t.Fatalf("unexpected tts model %q", cfg.TTS.ModelID)
	}
	if cfg.Pipeline.RequestTimeout().Seconds() != 60 {
		t.Fatalf("expected 60s request timeout, got %s", cfg.Pipeline.RequestTimeout())
	}
	if cfg.LLM.Referer != "Voice Assistant Project (Axios)" {
		t.Fatalf("unexpected referer %q", cfg.LLM.Referer)
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	cases := map[string]string{
		"OPENROUTER_API_KEY": "OPENROUTER_API_KEY",
		"OPENROUTER_MODEL":   "OPENROUTER_MODEL",
		"ELEVENLABS_API_KEY": "ELEVENLABS_API_KEY",
	}
	for name, missing := range cases {
		t.Run(name, func(t *testing.T) {
			setCredentials(t)
			t.Setenv(missing, "")
			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error when %s is missing", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Fatalf("expected error to name %s, got %v", missing, err)
			}
		})
	}
}

func TestMockModesNeedNoCredentials(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("ELEVENLABS_API_KEY", "")
	t.Setenv("LOQA_RELAY_LLM_MODE", "mock")
	t.Setenv("LOQA_RELAY_TTS_MODE", "MOCK")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.Mode != "mock" {
		t.Fatalf("expected normalized tts mode, got %q", cfg.TTS.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	setCredentials(t)
	t.Setenv("PORT", "8088")
	t.Setenv("LOQA_RELAY_HTTP_TEXT_ENDPOINT", "true")
	t.Setenv("LOQA_RELAY_REQUEST_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_RELAY_BUS_ENABLED", "true")
	t.Setenv("LOQA_RELAY_BUS_SERVERS", "nats://one:4222,nats://two:4222")
	t.Setenv("LOQA_RELAY_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_RELAY_JOURNAL_PATH", "./tmp.db")
	t.Setenv("ELEVENLABS_VOICE_ID", "voice-123")
	t.Setenv("OPENROUTER_BASE_URL", "http://localhost:9999/v1/")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8088 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if !cfg.HTTP.TextEndpoint {
		t.Fatal("expected text endpoint override true")
	}
	if cfg.Pipeline.RequestTimeoutMS != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Pipeline.RequestTimeoutMS)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Journal.RetentionMode != "persistent" || cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal overrides, got %+v", cfg.Journal)
	}
	if cfg.TTS.VoiceID != "voice-123" {
		t.Fatalf("expected voice override, got %q", cfg.TTS.VoiceID)
	}
	if cfg.LLM.BaseURL != "http://localhost:9999/v1" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.LLM.BaseURL)
	}
}

func TestLoadFile(t *testing.T) {
	setCredentials(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := `
service_name: relay-test
http:
  port: 4000
llm:
  max_tokens: 80
tts:
  stability: 0.3
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "relay-test" || cfg.HTTP.Port != 4000 {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.LLM.MaxTokens != 80 || cfg.TTS.Stability != 0.3 {
		t.Fatalf("expected file values for llm/tts, got %+v %+v", cfg.LLM, cfg.TTS)
	}
	if cfg.TTS.SimilarityBoost != 0.8 {
		t.Fatalf("expected untouched default similarity boost, got %v", cfg.TTS.SimilarityBoost)
	}
}

func TestLoadMissingFile(t *testing.T) {
	setCredentials(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	setCredentials(t)
	t.Setenv("LOQA_RELAY_JOURNAL_RETENTION_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected retention mode error")
	}
}

func TestValidateEmbeddedBusPort(t *testing.T) {
	setCredentials(t)
	t.Setenv("LOQA_RELAY_BUS_ENABLED", "true")
	t.Setenv("LOQA_RELAY_BUS_EMBEDDED", "true")
	t.Setenv("LOQA_RELAY_BUS_EMBEDDED_PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Fatal("expected embedded port error")
	}

	t.Setenv("LOQA_RELAY_BUS_EMBEDDED_PORT", "0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Bus.Embedded || cfg.Bus.EmbeddedPort != 0 {
		t.Fatalf("unexpected bus config %+v", cfg.Bus)
	}
}

func TestLogValueRedactsSecrets(t *testing.T) {
	setCredentials(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("config", slog.Any("config", cfg))
	out := sb.String()
	if strings.Contains(out, "or-key") || strings.Contains(out, "xi-key") {
		t.Fatalf("credentials leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Fatalf("expected redaction marker in %s", out)
	}
}
