package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"p1": {Type: "openai", APIKeyEnv: "KEY", BaseURL: "https://example.com"},
		},
		Alerts: AlertsConfig{
			Contacts: []string{"+15551230000"},
			SendSMS:  true,
			Twilio:   TwilioConfig{FromNumber: "+15550001111"},
		},
		Stations: []StationConfig{{ID: "kiosk-1", Location: "lobby", APIKeys: []string{"k"}}},
	}
	applyDefaults(cfg)
	return cfg
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing server addr",
			mutate: func(c *Config) { c.Server.Addr = "" },
			want:   "server.addr",
		},
		{
			name:   "no providers",
			mutate: func(c *Config) { c.Providers = nil },
			want:   "provider",
		},
		{
			name:   "classifier references unknown provider",
			mutate: func(c *Config) { c.Classifier.Provider = "missing" },
			want:   "classifier.provider",
		},
		{
			name: "assessor references unknown provider",
			mutate: func(c *Config) {
				c.Council.Assessors = append(c.Council.Assessors, AssessorConfig{ID: "x", Provider: "missing", Model: "m"})
			},
			want: "unknown provider",
		},
		{
			name: "duplicate assessor id",
			mutate: func(c *Config) {
				c.Council.Assessors = append(c.Council.Assessors, c.Council.Assessors[0])
			},
			want: "duplicate council assessor",
		},
		{
			name:   "confidence threshold out of range",
			mutate: func(c *Config) { c.Council.ConfidenceThreshold = 1.5 },
			want:   "confidence_threshold",
		},
		{
			name:   "contact not e164",
			mutate: func(c *Config) { c.Alerts.Contacts = []string{"555-1234"} },
			want:   "E.164",
		},
		{
			name: "notes provider unknown",
			mutate: func(c *Config) {
				c.Notes.Enabled = true
				c.Notes.Provider = "nope"
			},
			want: "notes.provider",
		},
		{
			name:   "no alert contacts",
			mutate: func(c *Config) { c.Alerts.Contacts = nil },
			want:   "alerts.contacts",
		},
		{
			name: "no alert channel",
			mutate: func(c *Config) {
				c.Alerts.SendSMS = false
				c.Alerts.MakeCall = false
			},
			want: "send_sms or make_call",
		},
		{
			name:   "missing from number",
			mutate: func(c *Config) { c.Alerts.Twilio.FromNumber = "" },
			want:   "from_number",
		},
		{
			name: "require auth without keys",
			mutate: func(c *Config) {
				c.Server.RequireAuth = true
				c.Stations[0].APIKeys = nil
			},
			want: "api_keys",
		},
		{
			name: "invalid provider url",
			mutate: func(c *Config) {
				c.Providers["p1"] = ProviderConfig{Type: "openai", APIKeyEnv: "KEY", BaseURL: "::://bad"}
			},
			want: "base_url",
		},
		{
			name: "provider url blocked private",
			mutate: func(c *Config) {
				c.Providers["p1"] = ProviderConfig{Type: "openai", APIKeyEnv: "KEY", BaseURL: "http://127.0.0.1:8081"}
			},
			want: "SSRF",
		},
		{
			name: "nats sink without subject",
			mutate: func(c *Config) {
				c.Activation.Sinks = []ActivationSinkConfig{{Type: "nats", URL: "nats://localhost:4222"}}
			},
			want: "subject",
		},
		{
			name: "unknown sink type",
			mutate: func(c *Config) {
				c.Activation.Sinks = []ActivationSinkConfig{{Type: "kafka"}}
			},
			want: "unknown type",
		},
		{
			name:   "bad activation level",
			mutate: func(c *Config) { c.Logging.ActivationLevel = "verbose" },
			want:   "activation_level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			} else if !contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	loopbackOK := validConfig()
	loopbackOK.Providers["p1"] = ProviderConfig{Type: "openai", APIKeyEnv: "KEY", BaseURL: "http://127.0.0.1:18080", AllowPrivateNetworks: true}
	if err := Validate(loopbackOK); err != nil {
		t.Fatalf("expected loopback allowed when allow_private_networks=true, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Council.ConfidenceThreshold != 0.85 {
		t.Fatalf("threshold = %v", cfg.Council.ConfidenceThreshold)
	}
	if len(cfg.Council.Assessors) != 3 {
		t.Fatalf("expected 3 default assessors, got %d", len(cfg.Council.Assessors))
	}
	if cfg.Notes.Enabled || cfg.Notes.MinTurns != 5 {
		t.Fatalf("unexpected notes defaults: %+v", cfg.Notes)
	}
	if cfg.Rooms.MaxParticipants != 4 || cfg.Rooms.EmptyTimeout != 5*time.Minute {
		t.Fatalf("unexpected room defaults: %+v", cfg.Rooms)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	body := `
server:
  addr: ":9090"
providers:
  main:
    type: fake
classifier:
  timeout: 3s
council:
  assessors:
    - id: a
      model: m1
    - id: b
      model: m2
alerts:
  contacts: ["+15551230000"]
  send_sms: true
  make_call: true
  twilio:
    from_number: "+15550001111"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Classifier.Provider != "main" {
		t.Fatalf("single provider should become classifier provider, got %q", cfg.Classifier.Provider)
	}
	if cfg.Council.Assessors[1].Provider != "main" {
		t.Fatalf("assessor provider should default to classifier provider, got %q", cfg.Council.Assessors[1].Provider)
	}
	if cfg.Classifier.Timeout != 3*time.Second {
		t.Fatalf("timeout = %v", cfg.Classifier.Timeout)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func contains(s, sub string) bool {
	return s != "" && sub != "" && strings.Contains(s, sub)
}
