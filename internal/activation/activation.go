package activation

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/triage"
)

// Kind names what happened in a session.
type Kind string

const (
	KindSessionStarted   Kind = "session_started"
	KindClassification   Kind = "classification"
	KindCouncilVerdict   Kind = "council_verdict"
	KindAlertDispatch    Kind = "alert_dispatch"
	KindManualEscalation Kind = "manual_escalation"
	KindSessionEnded     Kind = "session_ended"
)

// Meta identifies the session an event belongs to.
type Meta struct {
	RoomName  string `json:"room_name,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	Location  string `json:"location,omitempty"`
	StationID string `json:"station_id,omitempty"`
}

type ClassificationPayload struct {
	Category   triage.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Model      string          `json:"model,omitempty"`
}

type VoteSummary struct {
	Urgency    triage.Urgency `json:"urgency"`
	Confidence float64        `json:"confidence"`
	Model      string         `json:"model"`
}

type VerdictPayload struct {
	Urgency    triage.Urgency         `json:"urgency"`
	Confidence float64                `json:"confidence"`
	Rule       triage.Rule            `json:"rule"`
	Votes      map[string]VoteSummary `json:"votes"`
}

type AlertPayload struct {
	Contact string                `json:"contact"`
	Kind    triage.AlertKind      `json:"kind"`
	Status  triage.DeliveryStatus `json:"status"`
	Error   string                `json:"error,omitempty"`
}

type EscalationPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type Preview struct {
	Patient   string `json:"patient,omitempty"`
	Assistant string `json:"assistant,omitempty"`
}

// Event is the canonical activation payload.
type Event struct {
	Version        string                 `json:"version"`
	Timestamp      time.Time              `json:"timestamp"`
	EventID        string                 `json:"event_id"`
	Kind           Kind                   `json:"kind"`
	TraceID        string                 `json:"trace_id,omitempty"`
	State          string                 `json:"state,omitempty"`
	Meta           Meta                   `json:"meta"`
	Classification *ClassificationPayload `json:"classification,omitempty"`
	Verdict        *VerdictPayload        `json:"verdict,omitempty"`
	Alerts         []AlertPayload         `json:"alerts,omitempty"`
	Escalation     *EscalationPayload     `json:"escalation,omitempty"`
	Preview        *Preview               `json:"preview,omitempty"`
	LatencyMs      float64                `json:"latency_ms,omitempty"`
}

func newEvent(kind Kind, meta Meta) *Event {
	return &Event{
		Version:   "1",
		Timestamp: time.Now().UTC(),
		EventID:   uuid.NewString(),
		Kind:      kind,
		Meta:      meta,
	}
}

// SessionEvent reports a session lifecycle change.
func SessionEvent(kind Kind, meta Meta, state string) *Event {
	ev := newEvent(kind, meta)
	ev.State = state
	return ev
}

// ClassificationEvent reports one classifier answer. The conversation preview
// follows the logging level: metadata (none), redacted, or full.
func ClassificationEvent(meta Meta, level string, turn triage.Turn, c triage.Classification, model string, latency time.Duration) *Event {
	ev := newEvent(KindClassification, meta)
	ev.Classification = &ClassificationPayload{Category: c.Category, Confidence: c.Confidence, Model: model}
	ev.Preview = buildPreview(level, turn.Human, c.Response)
	ev.LatencyMs = durationMillis(latency)
	return ev
}

// VerdictEvent reports an aggregated council result. Reasoning is never included.
func VerdictEvent(meta Meta, v triage.Verdict, latency time.Duration) *Event {
	ev := newEvent(KindCouncilVerdict, meta)
	ev.TraceID = v.TraceID
	votes := make(map[string]VoteSummary, len(v.Votes))
	for id, vote := range v.Votes {
		votes[id] = VoteSummary{Urgency: vote.Urgency, Confidence: vote.Confidence, Model: vote.Model}
	}
	ev.Verdict = &VerdictPayload{Urgency: v.Urgency, Confidence: v.Confidence, Rule: v.Rule, Votes: votes}
	ev.LatencyMs = durationMillis(latency)
	return ev
}

// AlertEvent reports the delivery records of one dispatch. Contacts are masked.
func AlertEvent(meta Meta, traceID string, recs []triage.AlertRecord) *Event {
	ev := newEvent(KindAlertDispatch, meta)
	ev.TraceID = traceID
	for _, r := range recs {
		ev.Alerts = append(ev.Alerts, AlertPayload{
			Contact: redact.Phone(r.Contact),
			Kind:    r.Kind,
			Status:  r.Status,
			Error:   r.Error,
		})
	}
	return ev
}

// ManualEscalationEvent asks a human to take over a case the engine could not settle.
func ManualEscalationEvent(meta Meta, traceID, reason, detail string) *Event {
	ev := newEvent(KindManualEscalation, meta)
	ev.TraceID = traceID
	ev.Escalation = &EscalationPayload{Reason: reason, Detail: redact.String(detail)}
	return ev
}

// LogEvent prints a redacted JSON representation of the activation event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("activation: failed to marshal event: %v", err)
		return
	}
	redact.Logf("activation: %s", string(data))
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

var (
	emailRegex = regexp.MustCompile(`(?i)[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	digitsRe   = regexp.MustCompile(`\d{6,}`)
	tokenRegex = regexp.MustCompile(`[A-Za-z0-9_\-]{20,}`)
)

func buildPreview(level, patient, assistant string) *Preview {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "full":
		return &Preview{
			Patient:   redact.String(truncate(patient, 500)),
			Assistant: redact.String(truncate(assistant, 500)),
		}
	case "redacted":
		return &Preview{
			Patient:   redact.String(truncate(simpleRedact(patient), 500)),
			Assistant: redact.String(truncate(simpleRedact(assistant), 500)),
		}
	default:
		// metadata-only: no previews
		return nil
	}
}

func simpleRedact(s string) string {
	s = emailRegex.ReplaceAllString(s, "[REDACTED_EMAIL]")
	s = digitsRe.ReplaceAllString(s, "[REDACTED_NUMBER]")
	s = tokenRegex.ReplaceAllString(s, "[REDACTED_TOKEN]")
	return s
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
