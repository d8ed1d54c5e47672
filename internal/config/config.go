package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind              string   `yaml:"bind" env:"LOQA_RELAY_HTTP_BIND"`
	Port              int      `yaml:"port" env:"PORT"`
	TextEndpoint      bool     `yaml:"text_endpoint" env:"LOQA_RELAY_HTTP_TEXT_ENDPOINT"`
	AllowedOrigins    []string `yaml:"allowed_origins" env:"LOQA_RELAY_HTTP_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeoutMS int      `yaml:"shutdown_timeout_ms" env:"LOQA_RELAY_HTTP_SHUTDOWN_TIMEOUT_MS"`
}

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level" env:"LOQA_RELAY_LOG_LEVEL"`
	LogFormat     string `yaml:"log_format" env:"LOQA_RELAY_LOG_FORMAT"`
	TraceExporter string `yaml:"trace_exporter" env:"LOQA_RELAY_TRACE_EXPORTER"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" env:"LOQA_RELAY_OTLP_ENDPOINT"`
	OTLPInsecure  bool   `yaml:"otlp_insecure" env:"LOQA_RELAY_OTLP_INSECURE"`
	MetricsPath   string `yaml:"metrics_path" env:"LOQA_RELAY_METRICS_PATH"`
}

type PipelineConfig struct {
	RequestTimeoutMS int `yaml:"request_timeout_ms" env:"LOQA_RELAY_REQUEST_TIMEOUT_MS"`
	MaxQueryBytes    int `yaml:"max_query_bytes" env:"LOQA_RELAY_MAX_QUERY_BYTES"`
	RelayBufferBytes int `yaml:"relay_buffer_bytes" env:"LOQA_RELAY_BUFFER_BYTES"`
}

type LLMConfig struct {
	Mode         string `yaml:"mode" env:"LOQA_RELAY_LLM_MODE"` // openrouter, mock
	BaseURL      string `yaml:"base_url" env:"OPENROUTER_BASE_URL"`
	APIKey       string `yaml:"api_key" env:"OPENROUTER_API_KEY"`
	Model        string `yaml:"model" env:"OPENROUTER_MODEL"`
	MaxTokens    int    `yaml:"max_tokens" env:"LOQA_RELAY_LLM_MAX_TOKENS"`
	SystemPrompt string `yaml:"system_prompt" env:"LOQA_RELAY_LLM_SYSTEM_PROMPT"`
	Referer      string `yaml:"referer" env:"LOQA_RELAY_LLM_REFERER"`
	Title        string `yaml:"title" env:"LOQA_RELAY_LLM_TITLE"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode" env:"LOQA_RELAY_TTS_MODE"` // elevenlabs, mock
	BaseURL         string  `yaml:"base_url" env:"ELEVENLABS_BASE_URL"`
	APIKey          string  `yaml:"api_key" env:"ELEVENLABS_API_KEY"`
	VoiceID         string  `yaml:"voice_id" env:"ELEVENLABS_VOICE_ID"`
	ModelID         string  `yaml:"model_id" env:"ELEVENLABS_MODEL_ID"`
	Stability       float64 `yaml:"stability" env:"LOQA_RELAY_TTS_STABILITY"`
	SimilarityBoost float64 `yaml:"similarity_boost" env:"LOQA_RELAY_TTS_SIMILARITY_BOOST"`
}

type JournalConfig struct {
	Path          string `yaml:"path" env:"LOQA_RELAY_JOURNAL_PATH"`
	RetentionMode string `yaml:"retention_mode" env:"LOQA_RELAY_JOURNAL_RETENTION_MODE"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days" env:"LOQA_RELAY_JOURNAL_RETENTION_DAYS"`
	MaxExchanges  int    `yaml:"max_exchanges" env:"LOQA_RELAY_JOURNAL_MAX_EXCHANGES"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" env:"LOQA_RELAY_JOURNAL_VACUUM_ON_START"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" env:"LOQA_RELAY_BUS_ENABLED"`
	Servers        []string `yaml:"servers" env:"LOQA_RELAY_BUS_SERVERS" envSeparator:","`
	Username       string   `yaml:"username" env:"LOQA_RELAY_BUS_USERNAME"`
	Password       string   `yaml:"password" env:"LOQA_RELAY_BUS_PASSWORD"`
	Token          string   `yaml:"token" env:"LOQA_RELAY_BUS_TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"LOQA_RELAY_BUS_TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"LOQA_RELAY_BUS_CONNECT_TIMEOUT_MS"`
	Subject        string   `yaml:"subject" env:"LOQA_RELAY_BUS_SUBJECT"`
	Embedded       bool     `yaml:"embedded" env:"LOQA_RELAY_BUS_EMBEDDED"`
	EmbeddedPort   int      `yaml:"embedded_port" env:"LOQA_RELAY_BUS_EMBEDDED_PORT"`
}

type Config struct {
	ServiceName string          `yaml:"service_name" env:"LOQA_RELAY_SERVICE_NAME"`
	Environment string          `yaml:"environment" env:"LOQA_RELAY_ENVIRONMENT"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Journal     JournalConfig   `yaml:"journal"`
	Bus         BusConfig       `yaml:"bus"`
}

const DefaultSystemPrompt = "You are a concise, helpful, and natural-sounding voice assistant. " +
	"Keep your answers brief and conversational, as they will be spoken aloud."

func Default() Config {
	return Config{
		ServiceName: "loqa-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              3000,
			AllowedOrigins:    []string{"*"},
			ShutdownTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
			MetricsPath:   "/metrics",
		},
		Pipeline: PipelineConfig{
			RequestTimeoutMS: 60000,
			MaxQueryBytes:    64 << 10,
			RelayBufferBytes: 32 << 10,
		},
		LLM: LLMConfig{
			Mode:         "openrouter",
			BaseURL:      "https://openrouter.ai/api/v1",
			MaxTokens:    150,
			SystemPrompt: DefaultSystemPrompt,
			Referer:      "Voice Assistant Project (Axios)",
			Title:        "loqa-relay",
		},
		TTS: TTSConfig{
			Mode:            "elevenlabs",
			BaseURL:         "https://api.elevenlabs.io",
			VoiceID:         "21m00Tcm4TlvDq8ikWAM", // Rachel
			ModelID:         "eleven_multilingual_v2",
			Stability:       0.5,
			SimilarityBoost: 0.8,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-relay.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxExchanges:  10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "relay.exchange",
			EmbeddedPort:   4222,
		},
	}
}

// Load builds the runtime configuration from defaults, an optional YAML file
// and the process environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c PipelineConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func (c HTTPConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func (c BusConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// LogValue keeps credentials out of log output.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("service_name", c.ServiceName),
		slog.String("environment", c.Environment),
		slog.String("addr", c.HTTP.Addr()),
		slog.String("llm_mode", c.LLM.Mode),
		slog.String("llm_model", c.LLM.Model),
		slog.String("llm_api_key", redact(c.LLM.APIKey)),
		slog.String("tts_mode", c.TTS.Mode),
		slog.String("tts_voice_id", c.TTS.VoiceID),
		slog.String("tts_api_key", redact(c.TTS.APIKey)),
		slog.String("journal_mode", c.Journal.RetentionMode),
		slog.Bool("bus_enabled", c.Bus.Enabled),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}

func normalize(cfg *Config) {
	cfg.LLM.Mode = strings.ToLower(strings.TrimSpace(cfg.LLM.Mode))
	cfg.TTS.Mode = strings.ToLower(strings.TrimSpace(cfg.TTS.Mode))
	cfg.LLM.APIKey = strings.TrimSpace(cfg.LLM.APIKey)
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	cfg.TTS.APIKey = strings.TrimSpace(cfg.TTS.APIKey)
	cfg.LLM.BaseURL = strings.TrimRight(cfg.LLM.BaseURL, "/")
	cfg.TTS.BaseURL = strings.TrimRight(cfg.TTS.BaseURL, "/")
	if cfg.LLM.SystemPrompt == "" {
		cfg.LLM.SystemPrompt = DefaultSystemPrompt
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.ShutdownTimeoutMS <= 0 {
		return errors.New("http.shutdown_timeout_ms must be positive")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.Pipeline.RequestTimeoutMS <= 0 {
		return errors.New("pipeline.request_timeout_ms must be positive")
	}
	if cfg.Pipeline.MaxQueryBytes <= 0 {
		return errors.New("pipeline.max_query_bytes must be positive")
	}
	if cfg.Pipeline.RelayBufferBytes <= 0 {
		return errors.New("pipeline.relay_buffer_bytes must be positive")
	}

	switch cfg.LLM.Mode {
	case "mock":
	case "openrouter":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key (OPENROUTER_API_KEY) is required when mode=openrouter")
		}
		if cfg.LLM.Model == "" {
			return errors.New("llm.model (OPENROUTER_MODEL) is required when mode=openrouter")
		}
		if cfg.LLM.BaseURL == "" {
			return errors.New("llm.base_url must be set when mode=openrouter")
		}
	default:
		return errors.New("llm.mode must be one of openrouter|mock")
	}
	if cfg.LLM.MaxTokens <= 0 {
		return errors.New("llm.max_tokens must be positive")
	}

	switch cfg.TTS.Mode {
	case "mock":
	case "elevenlabs":
		if cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key (ELEVENLABS_API_KEY) is required when mode=elevenlabs")
		}
		if cfg.TTS.BaseURL == "" {
			return errors.New("tts.base_url must be set when mode=elevenlabs")
		}
		if cfg.TTS.VoiceID == "" {
			return errors.New("tts.voice_id must not be empty")
		}
		if cfg.TTS.ModelID == "" {
			return errors.New("tts.model_id must not be empty")
		}
	default:
		return errors.New("tts.mode must be one of elevenlabs|mock")
	}
	if cfg.TTS.Stability < 0 || cfg.TTS.Stability > 1 {
		return errors.New("tts.stability must be between 0 and 1")
	}
	if cfg.TTS.SimilarityBoost < 0 || cfg.TTS.SimilarityBoost > 1 {
		return errors.New("tts.similarity_boost must be between 0 and 1")
	}

	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}

	if cfg.Bus.Enabled {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when the bus is enabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty when the bus is enabled")
		}
		if cfg.Bus.Embedded && (cfg.Bus.EmbeddedPort < 0 || cfg.Bus.EmbeddedPort > 65535) {
			return errors.New("bus.embedded_port must be between 0 and 65535")
		}
	}
	return nil
}
