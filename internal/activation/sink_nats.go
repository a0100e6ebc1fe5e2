package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events on <subject>.<kind>, so consumers can subscribe
// to everything (<subject>.>) or only to escalations.
type NATSSink struct {
	subject string
	conn    *nats.Conn
}

func NewNATSSink(url, subject string, timeout time.Duration) (*NATSSink, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is empty")
	}
	subject = strings.TrimSuffix(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, fmt.Errorf("nats subject is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name("triage-activation"),
		nats.Timeout(timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{subject: subject, conn: conn}, nil
}

func (s *NATSSink) Name() string { return "nats:" + s.subject }

// SubjectFor returns the subject an event is published on.
func (s *NATSSink) SubjectFor(ev *Event) string {
	return s.subject + "." + string(ev.Kind)
}

func (s *NATSSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.SubjectFor(ev), payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (s *NATSSink) Close(context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
