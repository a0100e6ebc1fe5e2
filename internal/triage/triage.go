// Package triage holds the shared vocabulary of the escalation engine:
// conversation turns, classifier and council results, and alert records.
package triage

import (
	"fmt"
	"strings"
	"time"
)

// Category is the first-pass triage label produced by the classifier.
type Category string

const (
	CategoryNormal   Category = "NORMAL"
	CategoryCritical Category = "CRITICAL"
)

// ParseCategory normalizes a classifier label. Unknown labels are rejected
// rather than mapped to a default.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToUpper(strings.TrimSpace(s))) {
	case CategoryNormal:
		return CategoryNormal, nil
	case CategoryCritical, "EMERGENCY":
		return CategoryCritical, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Urgency is an assessor or council verdict level.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// ParseUrgency normalizes an urgency label.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToUpper(strings.TrimSpace(s))); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return u, nil
	default:
		return "", fmt.Errorf("unknown urgency %q", s)
	}
}

// Severity orders urgencies; higher is more severe.
func (u Urgency) Severity() int {
	switch u {
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	default:
		return 0
	}
}

// Turn is one assistant/human exchange. The newest turn may carry an empty
// assistant utterance while its reply is pending.
type Turn struct {
	Assistant string `json:"assistant"`
	Human     string `json:"human"`
}

// Request is the immutable input to the classifier and the council.
type Request struct {
	turns     []Turn
	subjectID string
	location  string
	image     []byte
}

// NewRequest validates and copies its inputs.
func NewRequest(turns []Turn, subjectID, location string, image []byte) (Request, error) {
	if len(turns) == 0 {
		return Request{}, fmt.Errorf("%w: conversation has no turns", ErrInput)
	}
	for i, t := range turns {
		if strings.TrimSpace(t.Human) == "" && strings.TrimSpace(t.Assistant) == "" {
			return Request{}, fmt.Errorf("%w: turn %d is empty", ErrInput, i)
		}
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Request{}, fmt.Errorf("%w: missing subject id", ErrInput)
	}

	r := Request{
		turns:     append([]Turn(nil), turns...),
		subjectID: subjectID,
		location:  strings.TrimSpace(location),
	}
	if len(image) > 0 {
		r.image = append([]byte(nil), image...)
	}
	return r, nil
}

// Turns returns a copy of the conversation.
func (r Request) Turns() []Turn { return append([]Turn(nil), r.turns...) }

func (r Request) SubjectID() string { return r.subjectID }
func (r Request) Location() string  { return r.location }

// Image returns the optional image payload. It is opaque to the engine.
func (r Request) Image() []byte { return r.image }

func (r Request) HasImage() bool { return len(r.image) > 0 }

// Transcript renders the conversation as speaker-tagged lines.
func (r Request) Transcript() string {
	var b strings.Builder
	for _, t := range r.turns {
		if a := strings.TrimSpace(t.Assistant); a != "" {
			b.WriteString("Assistant: ")
			b.WriteString(a)
			b.WriteByte('\n')
		}
		if h := strings.TrimSpace(t.Human); h != "" {
			b.WriteString("Patient: ")
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Classification is the classifier's answer for one request.
type Classification struct {
	Category   Category `json:"category"`
	Response   string   `json:"response"`
	Confidence float64  `json:"confidence"`
}

// Vote is one assessor's independent verdict.
type Vote struct {
	AssessorID string  `json:"-"`
	Urgency    Urgency `json:"urgency"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Advice     string  `json:"-"`
}

// Rule names the aggregation branch that produced a verdict.
type Rule string

const (
	RuleMajority   Rule = "majority"
	RuleConfidence Rule = "confidence_threshold"
	RulePlurality  Rule = "plurality"
)

// Verdict is the aggregated council result.
type Verdict struct {
	Response   string          `json:"response"`
	Urgency    Urgency         `json:"urgency"`
	Confidence float64         `json:"confidence"`
	Votes      map[string]Vote `json:"votes"`
	TraceID    string          `json:"trace_id"`
	Rule       Rule            `json:"rule"`
}

// Utterances spoken when the council's assessors gave no advice of their own.
const (
	EmergencyUtterance  = "This is an emergency. Help is being dispatched. Please stay calm."
	DowngradedUtterance = "After careful review, your symptoms need attention but may not be immediately critical. Please stay where you are and a clinician will follow up with you."
)

// Escalates reports whether the verdict qualifies for alert dispatch.
func (v Verdict) Escalates() bool { return v.Urgency == UrgencyHigh }

// AlertKind is a delivery channel.
type AlertKind string

const (
	AlertSMS   AlertKind = "sms"
	AlertVoice AlertKind = "voice"
)

// DeliveryStatus is the outcome of a single (contact, kind) delivery.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// AlertRecord is one attempted delivery. Records are only appended.
type AlertRecord struct {
	Contact   string         `json:"contact"`
	Kind      AlertKind      `json:"kind"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Reference string         `json:"reference,omitempty"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// ClampConfidence keeps a model-reported confidence inside [0,1].
func ClampConfidence(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
