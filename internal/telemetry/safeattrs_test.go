package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestSafeAttributesFiltersSecrets(t *testing.T) {
	kvs := map[string]interface{}{
		"prompt":            "should drop",
		"content":           "drop",
		"api_key":           "sk-123",
		"token":             "abc",
		"patient_id":        "p-42",
		"contact":           "+15551230000",
		"triage.trace_id":   "trace",
		"long_string":       string(make([]byte, 600)),
		"triage.category":   "CRITICAL",
		"triage.assessors":  3,
		"authorization":     "secret",
		"triage.patient_id": "p-42",
		"triage.latency":    250 * time.Millisecond,
	}

	attrs := SafeAttributes(kvs)
	kept := map[string]bool{}
	for _, a := range attrs {
		kept[string(a.Key)] = true
		switch a.Key {
		case "prompt", "content", "api_key", "authorization", "token", "patient_id", "contact", "triage.patient_id":
			t.Fatalf("unexpected unsafe attribute %s", a.Key)
		case "long_string":
			t.Fatalf("expected long string to be skipped")
		}
	}
	for _, want := range []string{"triage.trace_id", "triage.category", "triage.assessors", "triage.latency_ms"} {
		if !kept[want] {
			t.Fatalf("expected %s to be kept", want)
		}
	}
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	ctx, span := p.StartSpan(context.Background(), "triage.classify", map[string]interface{}{"triage.model": "m"})
	span.End()
	p.RecordClassification(ctx, "CRITICAL", 12)
	p.RecordVerdict(ctx, "HIGH", "majority", 3)
	p.RecordAlert(ctx, "sms", "sent")
	p.RecordManualEscalation(ctx, "council_unavailable")
	p.Shutdown(ctx)

	var nilProvider *Provider
	nilProvider.RecordAlert(ctx, "voice", "failed")
	_, span = nilProvider.StartSpan(ctx, "triage.council", nil)
	span.End()
}
