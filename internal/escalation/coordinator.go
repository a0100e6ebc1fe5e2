// Package escalation runs the per-session decision loop: classify each turn,
// convene the council on CRITICAL, and dispatch alerts on a HIGH verdict.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/straja-ai/triage/internal/alert"
	"github.com/straja-ai/triage/internal/triage"
)

// State is the coordinator's position in the escalation flow.
type State string

const (
	StateClassifying      State = "CLASSIFYING"
	StateAwaitingInput    State = "AWAITING_INPUT"
	StateConveningCouncil State = "CONVENING_COUNCIL"
	StateAlerting         State = "ALERTING"
	StateResolved         State = "RESOLVED"
	StateEnded            State = "ENDED"
)

const (
	FollowUpUtterance    = "I understand. Can you tell me more about your symptoms?"
	UnavailableUtterance = "I'm having trouble reaching the care team right now. A staff member has been notified and will be with you shortly."
	RepeatUtterance      = "I'm sorry, I didn't catch that. Could you tell me again how you are feeling?"
)

// Suppression reasons for a HIGH verdict that did not dispatch.
const (
	SuppressedAlreadyAlerted = "already_alerted"
	SuppressedSessionEnded   = "session_ended"
)

type Classifier interface {
	Classify(ctx context.Context, req triage.Request) (triage.Classification, error)
}

type Council interface {
	Convene(ctx context.Context, req triage.Request) (triage.Verdict, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req alert.Request) ([]triage.AlertRecord, error)
}

// Options fixes who the session is about and how alerts go out.
type Options struct {
	SubjectID string
	Location  string
	// Contacts, when set, override the dispatcher's configured list.
	Contacts []string
	SendSMS  bool
	MakeCall bool
}

// Outcome describes one resolved turn.
type Outcome struct {
	State          State
	Utterance      string
	Classification *triage.Classification
	Verdict        *triage.Verdict
	Alerts         []triage.AlertRecord
	Suppressed     string

	ClassifyLatency time.Duration
	CouncilLatency  time.Duration
}

// Dispatched reports whether this turn attempted alert delivery.
func (o Outcome) Dispatched() bool { return len(o.Alerts) > 0 }

// Coordinator owns one session's conversation and append-only log. Turns are
// serialized; End may be called concurrently with a running turn.
type Coordinator struct {
	classifier Classifier
	council    Council
	dispatcher Dispatcher
	opts       Options

	turnMu sync.Mutex

	mu      sync.Mutex
	state   State
	turns   []triage.Turn
	image   []byte
	log     sessionLog
	traces  map[string]bool
	alerted bool
	ended   bool
}

// New returns a coordinator in CLASSIFYING.
func New(c Classifier, cn Council, d Dispatcher, opts Options) (*Coordinator, error) {
	opts.SubjectID = strings.TrimSpace(opts.SubjectID)
	if opts.SubjectID == "" {
		return nil, fmt.Errorf("%w: missing subject id", triage.ErrInput)
	}
	if c == nil || cn == nil || d == nil {
		return nil, errors.New("escalation: classifier, council and dispatcher are required")
	}
	return &Coordinator{
		classifier: c,
		council:    cn,
		dispatcher: d,
		opts:       opts,
		state:      StateClassifying,
		log:        sessionLog{now: time.Now},
		traces:     make(map[string]bool),
	}, nil
}

// Turn appends the patient's utterance, runs the escalation flow and returns
// what to say back. The returned Outcome carries a usable utterance even when
// err is non-nil, except for input errors and ended sessions.
func (c *Coordinator) Turn(ctx context.Context, human string) (Outcome, error) {
	human = strings.TrimSpace(human)
	if human == "" {
		return Outcome{}, fmt.Errorf("%w: empty utterance", triage.ErrInput)
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	req, err := c.begin(human)
	if err != nil {
		return Outcome{State: c.State()}, err
	}

	out, err := c.run(ctx, req)
	c.finish(out.Utterance)
	out.State = c.State()
	return out, err
}

func (c *Coordinator) begin(human string) (triage.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return triage.Request{}, triage.ErrSessionEnded
	}
	turn := triage.Turn{Human: human}
	c.turns = append(c.turns, turn)
	c.log.append(Entry{Kind: EntryTurn, Turn: &turn})
	c.setStateLocked(StateClassifying)
	return triage.NewRequest(c.turns, c.opts.SubjectID, c.opts.Location, c.image)
}

// finish fills the assistant placeholder of the newest turn.
func (c *Coordinator) finish(utterance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.turns); n > 0 {
		c.turns[n-1].Assistant = utterance
	}
}

func (c *Coordinator) run(ctx context.Context, req triage.Request) (Outcome, error) {
	var out Outcome

	start := time.Now()
	cl, err := c.classifier.Classify(ctx, req)
	out.ClassifyLatency = time.Since(start)
	if err != nil {
		c.fail(err)
		out.Utterance = RepeatUtterance
		return out, err
	}
	out.Classification = &cl
	c.record(Entry{Kind: EntryClassification, Classification: &cl})

	if cl.Category != triage.CategoryCritical {
		c.setState(StateAwaitingInput)
		out.Utterance = firstNonEmpty(cl.Response, FollowUpUtterance)
		return out, nil
	}

	c.setState(StateConveningCouncil)
	start = time.Now()
	v, err := c.council.Convene(ctx, req)
	out.CouncilLatency = time.Since(start)
	if err != nil {
		c.fail(err)
		out.Utterance = UnavailableUtterance
		if errors.Is(err, triage.ErrCouncilUnavailable) {
			out.Verdict = &v
		}
		return out, err
	}
	out.Verdict = &v
	c.record(Entry{Kind: EntryVerdict, Verdict: &v})

	if !v.Escalates() {
		c.setState(StateAwaitingInput)
		out.Utterance = firstNonEmpty(v.Response, triage.DowngradedUtterance)
		return out, nil
	}

	out.Utterance = firstNonEmpty(v.Response, triage.EmergencyUtterance)
	recs, suppressed, err := c.escalate(ctx, v)
	out.Alerts = recs
	out.Suppressed = suppressed
	return out, err
}

// escalate dispatches alerts for a HIGH verdict at most once per trace id and
// at most once per session. It re-checks the ended flag after the council
// returned so a session ended mid-council never alerts.
func (c *Coordinator) escalate(ctx context.Context, v triage.Verdict) ([]triage.AlertRecord, string, error) {
	c.mu.Lock()
	if c.ended {
		c.log.append(Entry{Kind: EntryAlertSuppressed, Note: SuppressedSessionEnded + " trace=" + v.TraceID})
		c.mu.Unlock()
		return nil, SuppressedSessionEnded, nil
	}
	if c.traces[v.TraceID] || c.alerted {
		c.log.append(Entry{Kind: EntryAlertSuppressed, Note: SuppressedAlreadyAlerted + " trace=" + v.TraceID})
		c.setStateLocked(StateResolved)
		c.mu.Unlock()
		return nil, SuppressedAlreadyAlerted, nil
	}
	c.traces[v.TraceID] = true
	c.setStateLocked(StateAlerting)
	c.mu.Unlock()

	req := alert.FromVerdict(v, c.opts.SubjectID, c.opts.Location, c.opts.SendSMS, c.opts.MakeCall)
	req.Contacts = c.opts.Contacts
	recs, err := c.dispatcher.Dispatch(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		c.log.append(Entry{Kind: EntryAlert, Alert: &rec})
		if rec.Status == triage.DeliverySent {
			c.alerted = true
		}
	}
	if err != nil {
		c.log.append(Entry{Kind: EntryError, Note: err.Error()})
	}
	c.setStateLocked(StateResolved)
	return recs, "", err
}

// RecordEscalation appends a manual escalation raised by the caller.
func (c *Coordinator) RecordEscalation(e Escalation) {
	c.record(Entry{Kind: EntryManualEscalation, Escalation: &e})
}

// UpdateImage replaces the image sent with subsequent turns.
func (c *Coordinator) UpdateImage(image []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return triage.ErrSessionEnded
	}
	c.image = append([]byte(nil), image...)
	return nil
}

// End marks the session ended. It reports false if it was already ended.
func (c *Coordinator) End() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	c.state = StateEnded
	c.log.append(Entry{Kind: EntryEnded})
	return true
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alerted reports whether any alert was delivered for this session.
func (c *Coordinator) Alerted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerted
}

// Turns returns a copy of the conversation so far.
func (c *Coordinator) Turns() []triage.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]triage.Turn(nil), c.turns...)
}

// Log returns a copy of the session log.
func (c *Coordinator) Log() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.snapshot()
}

// Count reports how many log entries of a kind exist.
func (c *Coordinator) Count(kind EntryKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.count(kind)
}

func (c *Coordinator) SubjectID() string { return c.opts.SubjectID }
func (c *Coordinator) Location() string  { return c.opts.Location }

func (c *Coordinator) record(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.append(e)
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.append(Entry{Kind: EntryError, Note: err.Error()})
	c.setStateLocked(StateAwaitingInput)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

// setStateLocked never leaves ENDED.
func (c *Coordinator) setStateLocked(s State) {
	if c.ended {
		return
	}
	c.state = s
}

func firstNonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}
