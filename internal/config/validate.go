package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	for name, p := range cfg.Providers {
		if err := validateProviderConfig(name, p); err != nil {
			return err
		}
	}

	if strings.TrimSpace(cfg.Classifier.Provider) == "" {
		return errors.New("classifier.provider must be set")
	}
	if _, ok := cfg.Providers[cfg.Classifier.Provider]; !ok {
		return fmt.Errorf("classifier.provider %q not found in providers", cfg.Classifier.Provider)
	}

	if err := validateCouncilConfig(cfg.Council, cfg.Providers); err != nil {
		return err
	}

	if cfg.Notes.Enabled {
		if _, ok := cfg.Providers[cfg.Notes.Provider]; !ok {
			return fmt.Errorf("notes.provider %q not found in providers", cfg.Notes.Provider)
		}
	}

	if err := validateAlertsConfig(cfg.Alerts); err != nil {
		return err
	}

	if cfg.Server.RequireAuth {
		if len(cfg.Stations) == 0 {
			return errors.New("server.require_auth needs at least one station")
		}
	}
	seen := map[string]bool{}
	for _, s := range cfg.Stations {
		if strings.TrimSpace(s.ID) == "" {
			return errors.New("station id must be set")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate station id %q", s.ID)
		}
		seen[s.ID] = true
		if cfg.Server.RequireAuth && len(s.APIKeys) == 0 {
			return fmt.Errorf("station %q must define at least one api_keys entry", s.ID)
		}
	}

	if strings.TrimSpace(cfg.Records.Path) == "" {
		return errors.New("records.path must be set")
	}

	if err := validateActivationConfig(cfg.Activation); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.ActivationLevel)) {
	case "", "metadata", "redacted", "full":
	default:
		return fmt.Errorf("logging.activation_level must be metadata, redacted or full, got %q", cfg.Logging.ActivationLevel)
	}

	return nil
}

func validateProviderConfig(name string, p ProviderConfig) error {
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "":
		return fmt.Errorf("provider %q missing type", name)
	case "openai":
		if strings.TrimSpace(p.APIKeyEnv) == "" && strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("provider %q missing api key (env or api_key)", name)
		}
	case "fake":
	default:
		return fmt.Errorf("provider %q has unknown type %q", name, p.Type)
	}
	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("provider %q has invalid base_url", name)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("provider %q base_url must be http or https", name)
		}
		if err := blockPrivateHost(u.Host, p.AllowPrivateNetworks); err != nil {
			return fmt.Errorf("provider %q base_url blocked: %w", name, err)
		}
	}
	return nil
}

func validateCouncilConfig(c CouncilConfig, providers map[string]ProviderConfig) error {
	if len(c.Assessors) == 0 {
		return errors.New("council needs at least one assessor")
	}
	ids := map[string]bool{}
	for i, a := range c.Assessors {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("council assessor %d missing id", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate council assessor id %q", a.ID)
		}
		ids[a.ID] = true
		if strings.TrimSpace(a.Model) == "" {
			return fmt.Errorf("council assessor %q missing model", a.ID)
		}
		if _, ok := providers[a.Provider]; !ok {
			return fmt.Errorf("council assessor %q references unknown provider %q", a.ID, a.Provider)
		}
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("council.confidence_threshold must be in (0,1], got %v", c.ConfidenceThreshold)
	}
	return nil
}

// validateAlertsConfig rejects setups where a HIGH verdict cannot reach anyone.
func validateAlertsConfig(a AlertsConfig) error {
	if len(a.Contacts) == 0 {
		return errors.New("alerts.contacts must list at least one on-call number")
	}
	if !a.SendSMS && !a.MakeCall {
		return errors.New("alerts: at least one of send_sms or make_call must be enabled")
	}
	for i, c := range a.Contacts {
		if !isE164(c) {
			return fmt.Errorf("alerts.contacts[%d] must be an E.164 number", i)
		}
	}
	if !isE164(a.Twilio.FromNumber) {
		return errors.New("alerts.twilio.from_number must be an E.164 number")
	}
	if a.Twilio.BaseURL != "" {
		u, err := url.Parse(a.Twilio.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("alerts.twilio.base_url is invalid")
		}
	}
	return nil
}

// isE164 accepts "+" followed by 8 to 15 digits.
func isE164(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validateActivationConfig(a ActivationConfig) error {
	if len(a.Sinks) == 0 {
		return nil
	}
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("activation sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("activation sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("activation sink %d (webhook) url must be http or https", i)
			}
		case "nats":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation sink %d (nats) missing url", i)
			}
			if strings.TrimSpace(s.Subject) == "" {
				return fmt.Errorf("activation sink %d (nats) missing subject", i)
			}
		case "redis_stream":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation sink %d (redis_stream) missing url", i)
			}
			if strings.TrimSpace(s.Stream) == "" {
				return fmt.Errorf("activation sink %d (redis_stream) missing stream", i)
			}
		default:
			return fmt.Errorf("activation sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if strings.Contains(hostport, "]") || strings.Contains(hostport, ":") {
		h, _, err := net.SplitHostPort(hostport)
		if err == nil {
			host = h
		}
	}
	lc := strings.ToLower(strings.TrimSpace(host))
	if lc == "localhost" {
		return errors.New("private network host localhost blocked for SSRF safety")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("private network IP %s blocked for SSRF safety", ip.String())
		}
		return nil
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	privateBlocks := []*net.IPNet{
		{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
		{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("169.254.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("::1"), Mask: net.CIDRMask(128, 128)},
		{IP: net.ParseIP("fc00::"), Mask: net.CIDRMask(7, 128)},
		{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(10, 128)},
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
