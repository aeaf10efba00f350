package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"` // empty serves /metrics on the main http port
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Model       ModelConfig      `yaml:"model"`
	Tutor       TutorConfig      `yaml:"tutor"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ModelConfig describes the inference model artifact and where to fetch it.
type ModelConfig struct {
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	SHA256   string `yaml:"sha256"`
	Required bool   `yaml:"required"`
}

// TutorConfig tunes the conversation orchestrator.
type TutorConfig struct {
	SystemInstruction string `yaml:"system_instruction"`
	MaxHistoryTurns   int    `yaml:"max_history_turns"`
	InputErrorGraceMS int    `yaml:"input_error_grace_ms"`
}

type TranscriptConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Mode             string  `yaml:"mode"` // mock, ollama, exec
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Output     string `yaml:"output"` // bus, wav, discard
	WavDir     string `yaml:"wav_dir"`
}

type GatewayConfig struct {
	Enabled         bool `yaml:"enabled"`
	ClientTimeoutMS int  `yaml:"client_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "parlo-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Model: ModelConfig{
			URL:      "",
			Path:     "./data/models/tutor.gguf",
			Required: false,
		},
		Tutor: TutorConfig{
			MaxHistoryTurns:   16,
			InputErrorGraceMS: 1500,
		},
		Transcript: TranscriptConfig{
			Path:          "./data/parlo-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:       "mock",
			Language:   "en",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			Output:     "bus",
			WavDir:     "./data/speech",
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			ClientTimeoutMS: 6000,
		},
	}
}

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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PARLO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PARLO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PARLO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PARLO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PARLO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PARLO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PARLO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PARLO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "PARLO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PARLO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "PARLO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "PARLO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PARLO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PARLO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PARLO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PARLO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PARLO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Model.URL, "PARLO_MODEL_URL")
	overrideString(&cfg.Model.Path, "PARLO_MODEL_PATH")
	overrideString(&cfg.Model.SHA256, "PARLO_MODEL_SHA256")
	overrideBool(&cfg.Model.Required, "PARLO_MODEL_REQUIRED")
	overrideString(&cfg.Tutor.SystemInstruction, "PARLO_TUTOR_SYSTEM_INSTRUCTION")
	overrideInt(&cfg.Tutor.MaxHistoryTurns, "PARLO_TUTOR_MAX_HISTORY_TURNS")
	overrideInt(&cfg.Tutor.InputErrorGraceMS, "PARLO_TUTOR_INPUT_ERROR_GRACE_MS")
	overrideString(&cfg.Transcript.Path, "PARLO_TRANSCRIPT_PATH")
	overrideString(&cfg.Transcript.RetentionMode, "PARLO_TRANSCRIPT_RETENTION_MODE")
	overrideInt(&cfg.Transcript.RetentionDays, "PARLO_TRANSCRIPT_RETENTION_DAYS")
	overrideInt(&cfg.Transcript.MaxSessions, "PARLO_TRANSCRIPT_MAX_SESSIONS")
	overrideBool(&cfg.Transcript.VacuumOnStart, "PARLO_TRANSCRIPT_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "PARLO_STT_MODE")
	overrideString(&cfg.STT.Command, "PARLO_STT_COMMAND")
	overrideString(&cfg.STT.Language, "PARLO_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "PARLO_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "PARLO_STT_CHANNELS")
	overrideString(&cfg.LLM.Mode, "PARLO_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "PARLO_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "PARLO_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "PARLO_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "PARLO_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "PARLO_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.RequestTimeoutMS, "PARLO_LLM_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "PARLO_TTS_MODE")
	overrideString(&cfg.TTS.Command, "PARLO_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "PARLO_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "PARLO_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "PARLO_TTS_CHANNELS")
	overrideString(&cfg.TTS.Output, "PARLO_TTS_OUTPUT")
	overrideString(&cfg.TTS.WavDir, "PARLO_TTS_WAV_DIR")
	overrideBool(&cfg.Gateway.Enabled, "PARLO_GATEWAY_ENABLED")
	overrideInt(&cfg.Gateway.ClientTimeoutMS, "PARLO_GATEWAY_CLIENT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Model.Required && cfg.Model.Path == "" {
		return errors.New("model.path must not be empty when model.required is true")
	}
	if cfg.Tutor.MaxHistoryTurns < 0 {
		return errors.New("tutor.max_history_turns must be >= 0")
	}
	if cfg.Tutor.InputErrorGraceMS < 0 {
		return errors.New("tutor.input_error_grace_ms must be >= 0")
	}
	if cfg.Transcript.Path == "" {
		return errors.New("transcript.path must not be empty")
	}
	switch cfg.Transcript.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("transcript.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Transcript.RetentionDays < 0 {
		return errors.New("transcript.retention_days must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when stt.mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when llm.mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when llm.mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.RequestTimeoutMS < 0 {
		return errors.New("llm.request_timeout_ms must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when tts.mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	switch cfg.TTS.Output {
	case "bus", "wav", "discard":
	default:
		return errors.New("tts.output must be one of bus|wav|discard")
	}
	if cfg.TTS.Output == "wav" && cfg.TTS.WavDir == "" {
		return errors.New("tts.wav_dir must be set when tts.output=wav")
	}
	if cfg.Gateway.Enabled && cfg.Gateway.ClientTimeoutMS <= 0 {
		return errors.New("gateway.client_timeout_ms must be positive")
	}
	return nil
}
