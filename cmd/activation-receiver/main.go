package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/straja-ai/triage/internal/activation"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for webhook deliveries")
	natsURL := flag.String("nats", "", "NATS URL to subscribe to (optional)")
	natsSubject := flag.String("nats-subject", "triage.activation.>", "NATS subject to subscribe to")
	redisURL := flag.String("redis", "", "Redis URL or host:port to tail (optional)")
	redisStream := flag.String("redis-stream", "triage:activation", "Redis stream to tail")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL, nats.Name("triage-activation-receiver"))
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer nc.Drain()
		if _, err := nc.Subscribe(*natsSubject, func(m *nats.Msg) {
			printEvent("nats:"+m.Subject, m.Data)
		}); err != nil {
			log.Fatalf("nats subscribe: %v", err)
		}
		log.Printf("subscribed to %s on %s", *natsSubject, *natsURL)
	}

	if *redisURL != "" {
		client, err := redisClient(*redisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		go tailStream(ctx, client, *redisStream)
		log.Printf("tailing redis stream %s", *redisStream)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/activation", handleActivation)
	mux.HandleFunc("/", handleActivation)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("activation receiver listening on %s (POST JSON to /activation)...", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("receiver error: %v", err)
	}
}

func handleActivation(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	printEvent("webhook:"+r.Header.Get("X-Triage-Event"), body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
}

func redisClient(url string) (*redis.Client, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: url}), nil
}

func tailStream(ctx context.Context, client *redis.Client, stream string) {
	last := "$"
	for ctx.Err() == nil {
		res, err := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, last},
			Block:   5 * time.Second,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("xread: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				last = msg.ID
				if raw, ok := msg.Values["event"].(string); ok {
					printEvent("redis:"+msg.ID, []byte(raw))
				}
			}
		}
	}
}

// printEvent logs a one-line summary, then the raw payload.
func printEvent(source string, body []byte) {
	var ev activation.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("received undecodable event from %s (len=%d): %v", source, len(body), err)
		return
	}
	summary := fmt.Sprintf("kind=%s trace=%s room=%s station=%s", ev.Kind, ev.TraceID, ev.Meta.RoomName, ev.Meta.StationID)
	switch {
	case ev.Verdict != nil:
		summary += fmt.Sprintf(" urgency=%s rule=%s votes=%d", ev.Verdict.Urgency, ev.Verdict.Rule, len(ev.Verdict.Votes))
	case len(ev.Alerts) > 0:
		sent := 0
		for _, a := range ev.Alerts {
			if a.Status == "sent" {
				sent++
			}
		}
		summary += fmt.Sprintf(" alerts=%d sent=%d", len(ev.Alerts), sent)
	case ev.Escalation != nil:
		summary += " reason=" + ev.Escalation.Reason
	}
	log.Printf("received activation event from %s: %s\n%s", source, summary, string(body))
}
