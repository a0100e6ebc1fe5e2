package escalation

import (
	"time"

	"github.com/straja-ai/triage/internal/triage"
)

// EntryKind labels a session log entry.
type EntryKind string

const (
	EntryTurn             EntryKind = "turn"
	EntryClassification   EntryKind = "classification"
	EntryVerdict          EntryKind = "verdict"
	EntryAlert            EntryKind = "alert"
	EntryAlertSuppressed  EntryKind = "alert_suppressed"
	EntryManualEscalation EntryKind = "manual_escalation"
	EntryError            EntryKind = "error"
	EntryEnded            EntryKind = "ended"
)

// Escalation is a request for a human to take over.
type Escalation struct {
	TraceID string `json:"trace_id,omitempty"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// Entry is one record of the session log. Exactly one payload field is set,
// matching Kind.
type Entry struct {
	Seq            int                    `json:"seq"`
	Kind           EntryKind              `json:"kind"`
	At             time.Time              `json:"at"`
	Turn           *triage.Turn           `json:"turn,omitempty"`
	Classification *triage.Classification `json:"classification,omitempty"`
	Verdict        *triage.Verdict        `json:"verdict,omitempty"`
	Alert          *triage.AlertRecord    `json:"alert,omitempty"`
	Escalation     *Escalation            `json:"escalation,omitempty"`
	Note           string                 `json:"note,omitempty"`
}

// sessionLog is append-only. Callers hold the coordinator lock.
type sessionLog struct {
	entries []Entry
	now     func() time.Time
}

func (l *sessionLog) append(e Entry) {
	e.Seq = len(l.entries) + 1
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	l.entries = append(l.entries, e)
}

func (l *sessionLog) snapshot() []Entry {
	return append([]Entry(nil), l.entries...)
}

func (l *sessionLog) count(kind EntryKind) int {
	n := 0
	for _, e := range l.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
