package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisStreamMaxLen = 10000

// RedisStreamSink appends events to a capped Redis stream for dashboards.
type RedisStreamSink struct {
	stream string
	client *redis.Client
}

// NewRedisStreamSink accepts a redis:// URL or a bare host:port.
func NewRedisStreamSink(url, stream string) (*RedisStreamSink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("redis stream is empty")
	}
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}
	return &RedisStreamSink{stream: stream, client: redis.NewClient(opts)}, nil
}

func (s *RedisStreamSink) Name() string { return "redis_stream:" + s.stream }

func (s *RedisStreamSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":     string(ev.Kind),
			"trace_id": ev.TraceID,
			"event":    string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (s *RedisStreamSink) Close(context.Context) error {
	return s.client.Close()
}
