package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/straja-ai/triage/internal/mockprovider"
)

func main() {
	addr := flag.String("addr", "", "listen address (default 127.0.0.1:$MOCK_PROVIDER_PORT or 127.0.0.1:18080)")
	flag.Parse()

	shutdown, baseURL, err := mockprovider.StartMockProvider(*addr)
	if err != nil {
		log.Fatalf("start mock provider: %v", err)
	}
	log.Printf("point an openai provider's base_url at %s/v1", baseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
