package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/triage/internal/activation"
	"github.com/straja-ai/triage/internal/alert"
	"github.com/straja-ai/triage/internal/auth"
	"github.com/straja-ai/triage/internal/classifier"
	"github.com/straja-ai/triage/internal/config"
	"github.com/straja-ai/triage/internal/council"
	"github.com/straja-ai/triage/internal/notes"
	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/records"
	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/room"
	"github.com/straja-ai/triage/internal/server"
	"github.com/straja-ai/triage/internal/session"
	"github.com/straja-ai/triage/internal/telemetry"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "triage.yaml", "Path to triage config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	addr := cfg.Server.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "triage-gateway",
		Version:  version,
	})
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}

	providers, err := provider.BuildRegistry(cfg)
	if err != nil {
		log.Fatalf("providers: %v", err)
	}
	cls := classifier.New(providers[cfg.Classifier.Provider], cfg.Classifier.Model, cfg.Classifier.Timeout, tel)

	assessors := make([]council.Assessor, 0, len(cfg.Council.Assessors))
	for _, a := range cfg.Council.Assessors {
		assessors = append(assessors, council.Assessor{ID: a.ID, Model: a.Model, Provider: providers[a.Provider]})
	}
	cn := council.New(assessors, cfg.Council.Timeout, cfg.Council.ConfidenceThreshold, tel)

	dispatcher := alert.NewDispatcher(buildTwilio(cfg.Alerts), cfg.Alerts.Contacts, cfg.Alerts.Timeout, tel)

	rooms := buildRooms(cfg.Rooms)

	store, err := records.Open(cfg.Records.Path)
	if err != nil {
		log.Fatalf("records: %v", err)
	}

	sinks, err := activation.BuildSinks(cfg.Activation)
	if err != nil {
		log.Fatalf("activation sinks: %v", err)
	}
	emitter := activation.NewEmitter(activation.EmitterConfig{
		QueueSize:       cfg.Activation.QueueSize,
		Workers:         cfg.Activation.Workers,
		ShutdownTimeout: cfg.Activation.ShutdownTimeout,
	}, sinks)

	engine := session.Engine{Classifier: cls, Council: cn, Dispatcher: dispatcher}
	if cfg.Notes.Enabled {
		engine.Scribe = notes.New(providers[cfg.Notes.Provider], cfg.Notes.Model, cfg.Notes.Timeout, tel)
	}
	sessions := session.NewManager(rooms, engine, store, emitter, tel, session.Options{
		SendSMS:         cfg.Alerts.SendSMS,
		MakeCall:        cfg.Alerts.MakeCall,
		ActivationLevel: strings.ToLower(cfg.Logging.ActivationLevel),
		ClassifierModel: cfg.Classifier.Model,
		NotesMinTurns:   cfg.Notes.MinTurns,
	})

	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("stations: %v", err)
	}
	if !cfg.Server.RequireAuth {
		redact.Logf("warning: station auth is disabled")
	}

	srv := server.New(cfg, authz, server.Deps{
		Classifier: cls,
		Council:    cn,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Records:    store,
		Emitter:    emitter,
		Telemetry:  tel,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	select {
	case <-ctx.Done():
		redact.Logf("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		redact.Logf("http shutdown: %v", err)
	}
	sessions.Close(shutdownCtx)
	emitter.Close(shutdownCtx)
	if err := store.Close(); err != nil {
		redact.Logf("records close: %v", err)
	}
	tel.Shutdown(shutdownCtx)
}

func buildTwilio(a config.AlertsConfig) *alert.Twilio {
	sid := strings.TrimSpace(os.Getenv(a.Twilio.AccountSIDEnv))
	token := strings.TrimSpace(os.Getenv(a.Twilio.AuthTokenEnv))
	if len(a.Contacts) > 0 && (sid == "" || token == "") {
		redact.Logf("warning: %s or %s is empty; alert deliveries will fail", a.Twilio.AccountSIDEnv, a.Twilio.AuthTokenEnv)
	}
	return alert.NewTwilio(sid, token, a.Twilio.FromNumber, a.Twilio.BaseURL, a.Timeout)
}

// buildRooms talks to LiveKit when credentials are present and falls back to
// in-process rooms otherwise.
func buildRooms(rc config.RoomsConfig) *room.Manager {
	key := strings.TrimSpace(os.Getenv(rc.APIKeyEnv))
	secret := strings.TrimSpace(os.Getenv(rc.APISecretEnv))
	opts := room.Options{
		LiveKitURL:      rc.LiveKitURL,
		EmptyTimeout:    rc.EmptyTimeout,
		MaxParticipants: rc.MaxParticipants,
	}

	if key == "" || secret == "" || rc.LiveKitURL == "" {
		redact.Logf("warning: LiveKit not configured; rooms are in-process only")
		signer := room.NewSigner("local", uuid.NewString(), rc.TokenTTL)
		return room.NewManager(room.NewMemoryService(), signer, opts)
	}
	signer := room.NewSigner(key, secret, rc.TokenTTL)
	return room.NewManager(room.NewClient(rc.LiveKitURL, key, secret), signer, opts)
}
