// Package alert delivers emergency notifications to on-call contacts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/telemetry"
	"github.com/straja-ai/triage/internal/triage"
)

// Notifier is the transport behind SMS and voice alerts. Each call returns a
// provider reference for the delivery.
type Notifier interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
	Call(ctx context.Context, to, message string) (string, error)
}

// Request is one dispatch. Contacts, when non-empty, replace the configured list.
type Request struct {
	SubjectID  string                 `json:"subject_id"`
	Location   string                 `json:"location"`
	Urgency    triage.Urgency         `json:"urgency"`
	Assessment string                 `json:"assessment"`
	Confidence float64                `json:"confidence"`
	Votes      map[string]triage.Vote `json:"votes,omitempty"`
	TraceID    string                 `json:"trace_id"`
	Contacts   []string               `json:"contacts,omitempty"`
	SendSMS    bool                   `json:"send_sms"`
	MakeCall   bool                   `json:"make_call"`
}

// FromVerdict builds a dispatch request for a council verdict.
func FromVerdict(v triage.Verdict, subjectID, location string, sendSMS, makeCall bool) Request {
	return Request{
		SubjectID:  subjectID,
		Location:   location,
		Urgency:    v.Urgency,
		Assessment: v.Response,
		Confidence: v.Confidence,
		Votes:      v.Votes,
		TraceID:    v.TraceID,
		SendSMS:    sendSMS,
		MakeCall:   makeCall,
	}
}

type Dispatcher struct {
	notifier Notifier
	contacts []string
	timeout  time.Duration
	tel      *telemetry.Provider
	now      func() time.Time
}

func NewDispatcher(n Notifier, contacts []string, timeout time.Duration, tel *telemetry.Provider) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		contacts: append([]string(nil), contacts...),
		timeout:  timeout,
		tel:      tel,
		now:      time.Now,
	}
}

type pair struct {
	contact string
	kind    triage.AlertKind
}

func (d *Dispatcher) pairs(req Request) []pair {
	contacts := req.Contacts
	if len(contacts) == 0 {
		contacts = d.contacts
	}
	var out []pair
	for _, c := range contacts {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if req.SendSMS {
			out = append(out, pair{c, triage.AlertSMS})
		}
		if req.MakeCall {
			out = append(out, pair{c, triage.AlertVoice})
		}
	}
	return out
}

// Dispatch attempts every (contact, kind) pair concurrently and returns one
// record per pair in contact order. A failed pair never blocks the others and
// is not retried. When every pair fails the records are returned together
// with an ErrCollaboratorUnavailable error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]triage.AlertRecord, error) {
	if strings.TrimSpace(req.TraceID) == "" {
		return nil, fmt.Errorf("%w: alert dispatch needs a trace id", triage.ErrInput)
	}
	if !req.SendSMS && !req.MakeCall {
		return nil, fmt.Errorf("%w: neither send_sms nor make_call requested", triage.ErrInput)
	}
	pairs := d.pairs(req)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no alert contacts", triage.ErrInput)
	}

	ctx, span := d.tel.StartSpan(ctx, "triage.alert_dispatch", map[string]interface{}{
		"triage.trace_id": req.TraceID,
		"triage.pairs":    len(pairs),
	})
	defer span.End()

	records := make([]triage.AlertRecord, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			records[i] = d.deliver(gctx, p, req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range records {
		d.tel.RecordAlert(ctx, string(r.Kind), string(r.Status))
		if r.Status == triage.DeliveryFailed {
			failed++
			redact.Logf("alert %s: %s to %s failed: %s", req.TraceID, r.Kind, redact.Phone(r.Contact), r.Error)
		}
	}
	if failed == len(records) {
		err := fmt.Errorf("%w: all %d alert deliveries failed", triage.ErrCollaboratorUnavailable, failed)
		span.RecordError(err)
		return records, err
	}
	return records, nil
}

func (d *Dispatcher) deliver(ctx context.Context, p pair, req Request) triage.AlertRecord {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var (
		ref string
		err error
	)
	switch p.kind {
	case triage.AlertSMS:
		ref, err = d.notifier.SendSMS(ctx, p.contact, SMSBody(req))
	case triage.AlertVoice:
		ref, err = d.notifier.Call(ctx, p.contact, VoiceMessage(req))
	default:
		err = errors.New("unknown alert kind")
	}

	rec := triage.AlertRecord{
		Contact:   p.contact,
		Kind:      p.kind,
		Status:    triage.DeliverySent,
		Reference: ref,
		TraceID:   req.TraceID,
		Timestamp: d.now().UTC(),
	}
	if err != nil {
		rec.Status = triage.DeliveryFailed
		rec.Error = redact.String(err.Error())
	}
	return rec
}

// SMSBody renders the text message for on-call contacts.
func SMSBody(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EMERGENCY ALERT [%s]\n", req.Urgency)
	fmt.Fprintf(&b, "Patient: %s\n", orUnknown(req.SubjectID))
	fmt.Fprintf(&b, "Location: %s\n", orUnknown(req.Location))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", req.Confidence*100)
	if req.Assessment != "" {
		fmt.Fprintf(&b, "Assessment: %s\n", truncate(req.Assessment, 300))
	}
	if len(req.Votes) > 0 {
		high := 0
		for _, v := range req.Votes {
			if v.Urgency == triage.UrgencyHigh {
				high++
			}
		}
		fmt.Fprintf(&b, "Council: %d/%d HIGH\n", high, len(req.Votes))
	}
	fmt.Fprintf(&b, "Ref: %s", req.TraceID)
	return b.String()
}

// VoiceMessage is the text read out on an alert call.
func VoiceMessage(req Request) string {
	return fmt.Sprintf("Emergency alert. A patient at %s needs immediate attention. Urgency %s. Please check your messages for details.",
		orUnknown(req.Location), strings.ToLower(string(req.Urgency)))
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
