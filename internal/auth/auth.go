package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/straja-ai/triage/internal/config"
)

// Station is a hardware kiosk allowed to open triage sessions.
type Station struct {
	ID       string
	Location string
}

// Auth maps station API keys to stations.
type Auth struct {
	keys map[string]Station
}

// NewFromConfig builds an Auth instance from the loaded config.
func NewFromConfig(cfg *config.Config) (*Auth, error) {
	m := make(map[string]Station)

	for _, sc := range cfg.Stations {
		if sc.ID == "" {
			return nil, fmt.Errorf("station with empty id in config")
		}
		st := Station{ID: sc.ID, Location: sc.Location}
		for _, key := range sc.APIKeys {
			if key == "" {
				continue
			}
			if _, exists := m[key]; exists {
				return nil, fmt.Errorf("api key %q is assigned to multiple stations", key)
			}
			m[key] = st
		}
	}

	return &Auth{keys: m}, nil
}

// Lookup returns the station for a given API key, if any.
func (a *Auth) Lookup(apiKey string) (Station, bool) {
	if a == nil || apiKey == "" {
		return Station{}, false
	}
	for k, st := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
			return st, true
		}
	}
	return Station{}, false
}

// Authenticate resolves the station behind the request's bearer token.
func (a *Auth) Authenticate(r *http.Request) (Station, bool) {
	key, ok := ParseBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Station{}, false
	}
	return a.Lookup(key)
}

// ParseBearerToken extracts the token from an Authorization: Bearer header.
func ParseBearerToken(h string) (string, bool) {
	parts := strings.Fields(h)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
