package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds triage gateway configuration.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Classifier ClassifierConfig          `yaml:"classifier"`
	Council    CouncilConfig             `yaml:"council"`
	Notes      NotesConfig               `yaml:"notes"`
	Alerts     AlertsConfig              `yaml:"alerts"`
	Rooms      RoomsConfig               `yaml:"rooms"`
	Stations   []StationConfig           `yaml:"stations"`
	Records    RecordsConfig             `yaml:"records"`
	Activation ActivationConfig          `yaml:"activation"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Logging    LoggingConfig             `yaml:"logging"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	RequireAuth         bool          `yaml:"require_auth"`
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

type ProviderConfig struct {
	Type                 string `yaml:"type"`        // openai | fake
	BaseURL              string `yaml:"base_url"`    // e.g. "https://api.openai.com/v1"
	APIKeyEnv            string `yaml:"api_key_env"` // e.g. "OPENAI_API_KEY"
	APIKey               string `yaml:"api_key"`
	AllowPrivateNetworks bool   `yaml:"allow_private_networks"`
	FakeResponse         string `yaml:"fake_response"`
}

type ClassifierConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AssessorConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type CouncilConfig struct {
	Assessors           []AssessorConfig `yaml:"assessors"`
	Timeout             time.Duration    `yaml:"timeout"`
	ConfidenceThreshold float64          `yaml:"confidence_threshold"`
}

// NotesConfig controls SOAP notes and on-demand diagnosis.
type NotesConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	MinTurns int           `yaml:"min_turns"` // turns before the first notes update
}

type TwilioConfig struct {
	BaseURL       string `yaml:"base_url"`
	AccountSIDEnv string `yaml:"account_sid_env"`
	AuthTokenEnv  string `yaml:"auth_token_env"`
	FromNumber    string `yaml:"from_number"`
}

type AlertsConfig struct {
	Contacts []string      `yaml:"contacts"`
	SendSMS  bool          `yaml:"send_sms"`
	MakeCall bool          `yaml:"make_call"`
	Timeout  time.Duration `yaml:"timeout"`
	Twilio   TwilioConfig  `yaml:"twilio"`
}

type RoomsConfig struct {
	LiveKitURL      string        `yaml:"livekit_url"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	APISecretEnv    string        `yaml:"api_secret_env"`
	EmptyTimeout    time.Duration `yaml:"empty_timeout"`
	MaxParticipants int           `yaml:"max_participants"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
}

// StationConfig describes a hardware station allowed to open sessions.
type StationConfig struct {
	ID       string   `yaml:"id"`
	Location string   `yaml:"location"`
	APIKeys  []string `yaml:"api_keys"`
}

type RecordsConfig struct {
	Path string `yaml:"path"` // sqlite file; ":memory:" for ephemeral runs
}

type ActivationSinkConfig struct {
	Type    string            `yaml:"type"` // file_jsonl | webhook | nats | redis_stream
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Subject string            `yaml:"subject"`
	Stream  string            `yaml:"stream"`
	Timeout time.Duration     `yaml:"timeout"`
}

type ActivationConfig struct {
	QueueSize       int                    `yaml:"queue_size"`
	Workers         int                    `yaml:"workers"`
	ShutdownTimeout time.Duration          `yaml:"shutdown_timeout"`
	Sinks           []ActivationSinkConfig `yaml:"sinks"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type LoggingConfig struct {
	ActivationLevel string `yaml:"activation_level"` // metadata | redacted | full
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{},
		Alerts: AlertsConfig{
			SendSMS: true,
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxRequestBodyBytes <= 0 {
		cfg.Server.MaxRequestBodyBytes = 8 * 1024 * 1024
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	// A turn may classify, convene the council and dispatch alerts.
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}

	// If no classifier provider is set but there's exactly one provider,
	// use that one.
	if cfg.Classifier.Provider == "" && len(cfg.Providers) == 1 {
		for name := range cfg.Providers {
			cfg.Classifier.Provider = name
		}
	}
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Classifier.Timeout <= 0 {
		cfg.Classifier.Timeout = 15 * time.Second
	}

	if len(cfg.Council.Assessors) == 0 {
		cfg.Council.Assessors = []AssessorConfig{
			{ID: "assessor-1", Model: "gpt-4o"},
			{ID: "assessor-2", Model: "gpt-4.1"},
			{ID: "assessor-3", Model: "gpt-4o-mini"},
		}
	}
	for i := range cfg.Council.Assessors {
		if cfg.Council.Assessors[i].Provider == "" {
			cfg.Council.Assessors[i].Provider = cfg.Classifier.Provider
		}
	}
	if cfg.Council.Timeout <= 0 {
		cfg.Council.Timeout = 30 * time.Second
	}
	if cfg.Council.ConfidenceThreshold <= 0 {
		cfg.Council.ConfidenceThreshold = 0.85
	}

	if cfg.Notes.Provider == "" {
		cfg.Notes.Provider = cfg.Classifier.Provider
	}
	if cfg.Notes.Model == "" {
		cfg.Notes.Model = cfg.Classifier.Model
	}
	if cfg.Notes.Timeout <= 0 {
		cfg.Notes.Timeout = 30 * time.Second
	}
	if cfg.Notes.MinTurns <= 0 {
		cfg.Notes.MinTurns = 5
	}

	if cfg.Alerts.Timeout <= 0 {
		cfg.Alerts.Timeout = 10 * time.Second
	}
	if cfg.Alerts.Twilio.BaseURL == "" {
		cfg.Alerts.Twilio.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	if cfg.Alerts.Twilio.AccountSIDEnv == "" {
		cfg.Alerts.Twilio.AccountSIDEnv = "TWILIO_ACCOUNT_SID"
	}
	if cfg.Alerts.Twilio.AuthTokenEnv == "" {
		cfg.Alerts.Twilio.AuthTokenEnv = "TWILIO_AUTH_TOKEN"
	}

	if cfg.Rooms.LiveKitURL == "" {
		cfg.Rooms.LiveKitURL = "ws://localhost:7880"
	}
	if cfg.Rooms.APIKeyEnv == "" {
		cfg.Rooms.APIKeyEnv = "LIVEKIT_API_KEY"
	}
	if cfg.Rooms.APISecretEnv == "" {
		cfg.Rooms.APISecretEnv = "LIVEKIT_API_SECRET"
	}
	if cfg.Rooms.EmptyTimeout <= 0 {
		cfg.Rooms.EmptyTimeout = 5 * time.Minute
	}
	// user + doctor + agent + buffer
	if cfg.Rooms.MaxParticipants <= 0 {
		cfg.Rooms.MaxParticipants = 4
	}
	if cfg.Rooms.TokenTTL <= 0 {
		cfg.Rooms.TokenTTL = 6 * time.Hour
	}

	if cfg.Records.Path == "" {
		cfg.Records.Path = "triage.sqlite"
	}

	if cfg.Activation.QueueSize <= 0 {
		cfg.Activation.QueueSize = 1000
	}
	if cfg.Activation.Workers <= 0 {
		cfg.Activation.Workers = 2
	}
	if cfg.Activation.ShutdownTimeout <= 0 {
		cfg.Activation.ShutdownTimeout = 2 * time.Second
	}

	if cfg.Logging.ActivationLevel == "" {
		cfg.Logging.ActivationLevel = "metadata"
	}
}
