package activation

import (
	"context"
	"fmt"
	"strings"

	"github.com/straja-ai/triage/internal/config"
)

// BuildSinks opens every configured sink. On error the sinks opened so far
// are closed.
func BuildSinks(cfg config.ActivationConfig) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
		return nil, err
	}

	for i, sc := range cfg.Sinks {
		var (
			s   Sink
			err error
		)
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "file_jsonl":
			s, err = NewFileSink(sc.Path)
		case "webhook":
			s, err = NewWebhookSink(sc.URL, sc.Headers, sc.Timeout)
		case "nats":
			s, err = NewNATSSink(sc.URL, sc.Subject, sc.Timeout)
		case "redis_stream":
			s, err = NewRedisStreamSink(sc.URL, sc.Stream)
		default:
			err = fmt.Errorf("unknown type %q", sc.Type)
		}
		if err != nil {
			return fail(fmt.Errorf("activation sink %d: %w", i, err))
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
