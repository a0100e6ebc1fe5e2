package activation

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/straja-ai/triage/internal/config"
	"github.com/straja-ai/triage/internal/triage"
)

var testMeta = Meta{RoomName: "triage-lobby-p1-20260314090000", SubjectID: "p1", Location: "lobby", StationID: "kiosk-1"}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}

	ev1 := SessionEvent(KindSessionStarted, testMeta, "CLASSIFYING")
	ev2 := ManualEscalationEvent(testMeta, "trace-1", "council_unavailable", "no assessor answered")
	if err := sink.Deliver(context.Background(), ev1); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	if err := sink.Deliver(context.Background(), ev2); err != nil {
		t.Fatalf("deliver 2: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), ev1); err == nil {
		t.Fatalf("expected deliver after close to fail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var decoded Event
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("unmarshal jsonl line: %v", err)
	}
	if decoded.Kind != KindManualEscalation || decoded.TraceID != "trace-1" {
		t.Fatalf("unexpected event: %+v", decoded)
	}
	if decoded.Escalation == nil || decoded.Escalation.Reason != "council_unavailable" {
		t.Fatalf("escalation payload missing: %+v", decoded.Escalation)
	}
}

func TestWebhookSinkDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("fail"))
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Test": "1"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	err = sink.Deliver(context.Background(), SessionEvent(KindSessionEnded, testMeta, "ENDED"))
	if err == nil || !strings.Contains(err.Error(), "status 418") {
		t.Fatalf("expected status error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestWebhookSinkRetries5xx(t *testing.T) {
	var (
		calls           int32
		mu              sync.Mutex
		gotKind, gotKey string
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		mu.Lock()
		gotKind = r.Header.Get("X-Triage-Event")
		gotKey = r.Header.Get("Idempotency-Key")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	ev := ManualEscalationEvent(testMeta, "trace-2", "council_unavailable", "")
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotKind != string(KindManualEscalation) || gotKey != ev.EventID {
		t.Fatalf("unexpected headers kind=%q key=%q", gotKind, gotKey)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	sink := &blockingSink{wait: wait}
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})

	ev := SessionEvent(KindSessionStarted, testMeta, "CLASSIFYING")
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)

	metrics := em.MetricsSnapshot()
	if metrics.Dropped() == 0 {
		t.Fatalf("expected dropped events when queue is full")
	}

	close(wait)
	em.Close(context.Background())

	em.Emit(context.Background(), ev)
	if after := em.MetricsSnapshot(); after.Dropped() <= metrics.Dropped() {
		t.Fatalf("expected emit after close to count as dropped")
	}
}

func TestEmitterWebhookIntegration(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})
	defer em.Close(context.Background())

	verdict := triage.Verdict{
		Urgency:    triage.UrgencyHigh,
		Confidence: 0.9,
		Rule:       triage.RuleMajority,
		TraceID:    "trace-3",
		Votes: map[string]triage.Vote{
			"assessor-1": {Urgency: triage.UrgencyHigh, Confidence: 0.9, Model: "m1", Reasoning: "chest pain"},
		},
	}
	for i := 0; i < 5; i++ {
		em.Emit(context.Background(), VerdictEvent(testMeta, verdict, 40*time.Millisecond))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for webhook events, got %d", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	metrics := em.MetricsSnapshot()
	if metrics.SinkSuccess(sink.Name()) == 0 {
		t.Fatalf("expected sink success counter to increase")
	}
	if metrics.Emitted(KindCouncilVerdict) != 5 {
		t.Fatalf("expected 5 verdict events, got %d", metrics.Emitted(KindCouncilVerdict))
	}
	if metrics.Dropped() != 0 {
		t.Fatalf("did not expect dropped events, got %d", metrics.Dropped())
	}

	mu.Lock()
	first := received[0]
	mu.Unlock()
	if first.Verdict == nil || first.Verdict.Votes["assessor-1"].Model != "m1" {
		t.Fatalf("verdict payload missing: %+v", first.Verdict)
	}
}

func TestVerdictEventOmitsReasoning(t *testing.T) {
	v := triage.Verdict{
		Urgency: triage.UrgencyHigh,
		TraceID: "trace-4",
		Votes: map[string]triage.Vote{
			"a": {Urgency: triage.UrgencyHigh, Confidence: 0.95, Model: "m", Reasoning: "patient reports crushing chest pain"},
		},
	}
	data, err := json.Marshal(VerdictEvent(testMeta, v, 0))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "crushing") {
		t.Fatalf("reasoning leaked into activation event: %s", data)
	}
}

func TestAlertEventMasksContacts(t *testing.T) {
	recs := []triage.AlertRecord{
		{Contact: "+15551234567", Kind: triage.AlertSMS, Status: triage.DeliverySent},
		{Contact: "+15551239876", Kind: triage.AlertVoice, Status: triage.DeliveryFailed, Error: "busy"},
	}
	ev := AlertEvent(testMeta, "trace-5", recs)
	if len(ev.Alerts) != 2 {
		t.Fatalf("expected 2 alert payloads, got %d", len(ev.Alerts))
	}
	if ev.Alerts[0].Contact != "***4567" {
		t.Fatalf("contact not masked: %q", ev.Alerts[0].Contact)
	}
	if ev.Alerts[1].Status != triage.DeliveryFailed || ev.Alerts[1].Error != "busy" {
		t.Fatalf("unexpected alert payload: %+v", ev.Alerts[1])
	}
}

func TestClassificationPreviewFollowsLevel(t *testing.T) {
	turn := triage.Turn{Human: "call me at 5551234567, my chest hurts"}
	c := triage.Classification{Category: triage.CategoryCritical, Confidence: 0.8, Response: "Stay calm."}

	if ev := ClassificationEvent(testMeta, "metadata", turn, c, "m", 0); ev.Preview != nil {
		t.Fatalf("metadata level must not carry a preview")
	}
	ev := ClassificationEvent(testMeta, "redacted", turn, c, "m", 0)
	if ev.Preview == nil || strings.Contains(ev.Preview.Patient, "5551234567") {
		t.Fatalf("redacted preview leaked digits: %+v", ev.Preview)
	}
	ev = ClassificationEvent(testMeta, "full", turn, c, "m", 0)
	if ev.Preview == nil || !strings.Contains(ev.Preview.Patient, "chest hurts") {
		t.Fatalf("full preview missing text: %+v", ev.Preview)
	}
	if ev.Classification.Category != triage.CategoryCritical {
		t.Fatalf("unexpected category %s", ev.Classification.Category)
	}
}

func TestBuildSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sinks, err := BuildSinks(config.ActivationConfig{Sinks: []config.ActivationSinkConfig{
		{Type: "file_jsonl", Path: path},
		{Type: "webhook", URL: "http://127.0.0.1:9/hook"},
		{Type: "redis_stream", URL: "redis://127.0.0.1:6379/0", Stream: "triage:events"},
	}})
	if err != nil {
		t.Fatalf("build sinks: %v", err)
	}
	if len(sinks) != 3 {
		t.Fatalf("expected 3 sinks, got %d", len(sinks))
	}
	if sinks[2].Name() != "redis_stream:triage:events" {
		t.Fatalf("unexpected sink name %q", sinks[2].Name())
	}
	for _, s := range sinks {
		_ = s.Close(context.Background())
	}

	if _, err := BuildSinks(config.ActivationConfig{Sinks: []config.ActivationSinkConfig{{Type: "kafka"}}}); err == nil {
		t.Fatalf("expected unknown sink type to fail")
	}
}

func TestNATSSinkRequiresServer(t *testing.T) {
	if _, err := NewNATSSink("", "triage.events", time.Second); err == nil {
		t.Fatalf("expected empty url to fail")
	}
	if _, err := NewNATSSink("nats://127.0.0.1:4222", " ", time.Second); err == nil {
		t.Fatalf("expected empty subject to fail")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if _, err := NewNATSSink("nats://"+addr, "triage.events", 200*time.Millisecond); err == nil {
		t.Fatalf("expected connect to a closed port to fail")
	}
}

func TestRedisStreamSinkReportsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	sink, err := NewRedisStreamSink(addr, "triage:events")
	if err != nil {
		t.Fatalf("redis sink: %v", err)
	}
	defer sink.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Deliver(ctx, SessionEvent(KindSessionStarted, testMeta, "CLASSIFYING")); err == nil {
		t.Fatalf("expected xadd against a closed port to fail")
	}
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error {
	if s.wait != nil {
		select {
		case <-s.wait:
		default:
			close(s.wait)
		}
	}
	return nil
}

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}
