package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

// SlogLevel maps log_level onto a slog level. Unknown values mean info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Answer      AnswerConfig     `yaml:"answer"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxQueries    int    `yaml:"max_queries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig selects the recognition backend exposed to the voice session.
// Locale, interim results and alternative count are fixed by the session
// and are not configurable here.
type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`     // mock, bus
	APIName        string `yaml:"api_name"` // name the backend is exposed under
	MockTranscript string `yaml:"mock_transcript"`
	DeviceID       string `yaml:"device_id"`
	Recognizer     string `yaml:"recognizer"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type AnswerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

func Default() Config {
	return Config{
		RuntimeName: "shop-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Metrics:      true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/shop-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxQueries:    10000,
		},
		STT: STTConfig{
			Enabled:    true,
			Mode:       "mock",
			APIName:    "SpeechRecognition",
			DeviceID:   "counter-1",
			Recognizer: "mock",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Answer: AnswerConfig{
			Endpoint: "http://localhost:3000/api/voice",
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
	overrideString(&cfg.RuntimeName, "SHOPVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SHOPVOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SHOPVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SHOPVOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SHOPVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SHOPVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SHOPVOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "SHOPVOICE_TELEMETRY_METRICS")
	overrideBool(&cfg.Bus.Enabled, "SHOPVOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SHOPVOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SHOPVOICE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SHOPVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SHOPVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SHOPVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SHOPVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SHOPVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SHOPVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SHOPVOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SHOPVOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SHOPVOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxQueries, "SHOPVOICE_EVENT_STORE_MAX_QUERIES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SHOPVOICE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "SHOPVOICE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SHOPVOICE_STT_MODE")
	overrideString(&cfg.STT.APIName, "SHOPVOICE_STT_API_NAME")
	overrideString(&cfg.STT.MockTranscript, "SHOPVOICE_STT_MOCK_TRANSCRIPT")
	overrideString(&cfg.STT.DeviceID, "SHOPVOICE_STT_DEVICE_ID")
	overrideString(&cfg.STT.Recognizer, "SHOPVOICE_STT_RECOGNIZER")
	overrideString(&cfg.STT.Command, "SHOPVOICE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SHOPVOICE_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "SHOPVOICE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SHOPVOICE_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "SHOPVOICE_STT_TIMEOUT_MS")
	overrideString(&cfg.Answer.Endpoint, "SHOPVOICE_ANSWER_ENDPOINT")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.APIName {
		case "SpeechRecognition", "webkitSpeechRecognition":
		default:
			return errors.New("stt.api_name must be one of SpeechRecognition|webkitSpeechRecognition")
		}
		switch cfg.STT.Mode {
		case "mock":
		case "bus":
			if !cfg.Bus.Enabled {
				return errors.New("stt.mode=bus requires bus.enabled")
			}
			if cfg.STT.DeviceID == "" {
				return errors.New("stt.device_id must be set when mode=bus")
			}
			if cfg.STT.SampleRate <= 0 {
				return errors.New("stt.sample_rate must be positive")
			}
			if cfg.STT.Channels <= 0 {
				return errors.New("stt.channels must be positive")
			}
			switch cfg.STT.Recognizer {
			case "mock":
			case "exec":
				if cfg.STT.Command == "" {
					return errors.New("stt.command must be set when recognizer=exec")
				}
			default:
				return errors.New("stt.recognizer must be one of mock|exec")
			}
		default:
			return errors.New("stt.mode must be one of mock|bus")
		}
	}
	if cfg.Answer.Endpoint == "" {
		return errors.New("answer.endpoint must not be empty")
	}
	return nil
}
