// Package session binds live rooms to escalation coordinators and carries the
// side effects of each turn: activation events, records and room broadcasts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/straja-ai/triage/internal/activation"
	"github.com/straja-ai/triage/internal/escalation"
	"github.com/straja-ai/triage/internal/notes"
	"github.com/straja-ai/triage/internal/records"
	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/room"
	"github.com/straja-ai/triage/internal/telemetry"
	"github.com/straja-ai/triage/internal/triage"
)

// Data packet topics.
const (
	TopicAlert      = "triage.alert"
	TopicEscalation = "triage.escalation"
	TopicNotes      = "triage.notes"
	TopicDiagnosis  = "triage.diagnosis"
)

// Manual escalation reasons.
const (
	ReasonCouncilUnavailable  = "council_unavailable"
	ReasonAlertDeliveryFailed = "alert_delivery_failed"
)

// Engine is the decision pipeline shared by all sessions.
type Engine struct {
	Classifier escalation.Classifier
	Council    escalation.Council
	Dispatcher escalation.Dispatcher
	// Scribe keeps SOAP notes; nil disables notes and diagnosis.
	Scribe *notes.Scribe
}

type Options struct {
	SendSMS         bool
	MakeCall        bool
	ActivationLevel string
	ClassifierModel string
	// NotesMinTurns is how many turns a session needs before notes are
	// written. Values below 1 mean every turn.
	NotesMinTurns int
}

// AlertBroadcast is sent to the room when alerts went out.
type AlertBroadcast struct {
	Type       string         `json:"type"`
	TraceID    string         `json:"trace_id"`
	PatientID  string         `json:"patient_id"`
	Location   string         `json:"location"`
	Urgency    triage.Urgency `json:"urgency"`
	Confidence float64        `json:"confidence"`
	Assessment string         `json:"assessment"`
	Delivered  int            `json:"delivered"`
}

// EscalationBroadcast asks the on-call doctor to take over.
type EscalationBroadcast struct {
	Type      string `json:"type"`
	TraceID   string `json:"trace_id,omitempty"`
	PatientID string `json:"patient_id"`
	Location  string `json:"location"`
	Reason    string `json:"reason"`
	Doctor    string `json:"doctor"`
}

// NotesBroadcast carries the latest notes to the room.
type NotesBroadcast struct {
	Type    string     `json:"type"`
	Content string     `json:"content"`
	Notes   notes.SOAP `json:"notes"`
}

// DiagnosisBroadcast carries a requested diagnosis to the room.
type DiagnosisBroadcast struct {
	Type      string          `json:"type"`
	Diagnosis notes.Diagnosis `json:"diagnosis"`
}

// TurnResult is what the caller needs to continue the conversation.
type TurnResult struct {
	RoomName         string               `json:"room_name"`
	State            escalation.State     `json:"state"`
	Response         string               `json:"response"`
	Category         triage.Category      `json:"category,omitempty"`
	Urgency          triage.Urgency       `json:"urgency,omitempty"`
	Confidence       float64              `json:"confidence,omitempty"`
	TraceID          string               `json:"trace_id,omitempty"`
	Alerts           []triage.AlertRecord `json:"alerts,omitempty"`
	AlertsSuppressed string               `json:"alerts_suppressed,omitempty"`
	ManualEscalation bool                 `json:"manual_escalation,omitempty"`
}

// Status is the room status plus the coordinator state.
type Status struct {
	room.Status
	State   escalation.State `json:"state,omitempty"`
	Alerted bool             `json:"alerted"`
}

// Summary describes an active session.
type Summary struct {
	room.Session
	State   escalation.State `json:"state"`
	Turns   int              `json:"turns"`
	Alerted bool             `json:"alerted"`
}

type entry struct {
	// mu is held for a whole turn including its side effects.
	mu        sync.Mutex
	coord     *escalation.Coordinator
	info      room.Session
	stationID string

	notesMu  sync.Mutex
	notes    notes.SOAP
	notesSeq int
}

// Manager owns every live session. Sessions share no mutable state.
type Manager struct {
	rooms   *room.Manager
	engine  Engine
	records *records.Store
	emitter *activation.Emitter
	tel     *telemetry.Provider
	opts    Options

	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
	notesWG  sync.WaitGroup
}

// NewManager wires the room manager to the engine. records, emitter and tel
// may be nil.
func NewManager(rooms *room.Manager, engine Engine, store *records.Store, emitter *activation.Emitter, tel *telemetry.Provider, opts Options) *Manager {
	return &Manager{
		rooms:    rooms,
		engine:   engine,
		records:  store,
		emitter:  emitter,
		tel:      tel,
		opts:     opts,
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// Start opens a room and a coordinator for it.
func (m *Manager) Start(ctx context.Context, req room.StartRequest, image []byte, stationID string) (room.Started, error) {
	started, err := m.rooms.Start(ctx, req)
	if err != nil {
		return room.Started{}, err
	}
	info, _ := m.rooms.Session(started.RoomName)

	coord, err := escalation.New(m.engine.Classifier, m.engine.Council, m.engine.Dispatcher, escalation.Options{
		SubjectID: info.PatientID,
		Location:  info.Location,
		SendSMS:   m.opts.SendSMS,
		MakeCall:  m.opts.MakeCall,
	})
	if err != nil {
		_, _ = m.rooms.End(ctx, started.RoomName)
		return room.Started{}, err
	}
	if len(image) > 0 {
		_ = coord.UpdateImage(image)
	}

	e := &entry{coord: coord, info: info, stationID: stationID}
	m.mu.Lock()
	m.sessions[started.RoomName] = e
	m.mu.Unlock()

	m.saveSession(ctx, e, nil)
	m.emit(ctx, activation.SessionEvent(activation.KindSessionStarted, m.meta(e), string(coord.State())))
	return started, nil
}

// Turn runs one escalation turn for the room. A council outage on a CRITICAL
// classification, or a HIGH verdict whose alerts all failed to go out, raises
// a manual escalation and is not returned as an error.
func (m *Manager) Turn(ctx context.Context, roomName, human string) (TurnResult, error) {
	e, err := m.lookup(roomName)
	if err != nil {
		return TurnResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.coord.Turn(ctx, human)
	if out.Utterance != "" {
		m.scheduleNotes(e)
	}
	res := TurnResult{RoomName: roomName, State: out.State, Response: out.Utterance}
	meta := m.meta(e)

	if c := out.Classification; c != nil {
		res.Category = c.Category
		res.Confidence = c.Confidence
		turn := triage.Turn{Human: human, Assistant: out.Utterance}
		m.emit(ctx, activation.ClassificationEvent(meta, m.opts.ActivationLevel, turn, *c, m.opts.ClassifierModel, out.ClassifyLatency))
	}

	if v := out.Verdict; v != nil {
		res.TraceID = v.TraceID
		if !errors.Is(err, triage.ErrCouncilUnavailable) {
			res.Urgency = v.Urgency
			res.Confidence = v.Confidence
			m.emit(ctx, activation.VerdictEvent(meta, *v, out.CouncilLatency))
			if m.records != nil {
				if serr := m.records.SaveVerdict(ctx, roomName, e.info.PatientID, *v); serr != nil {
					redact.Logf("session %s: save verdict: %v", roomName, serr)
				}
			}
		}
	}

	if len(out.Alerts) > 0 {
		res.Alerts = out.Alerts
		m.afterAlerts(ctx, e, *out.Verdict, out.Alerts)
	}
	res.AlertsSuppressed = out.Suppressed

	if reason := manualReason(out, err); reason != "" {
		m.escalateManually(ctx, e, res.TraceID, reason, err)
		res.ManualEscalation = true
		res.State = e.coord.State()
		m.saveSession(ctx, e, nil)
		return res, nil
	}

	m.saveSession(ctx, e, nil)
	return res, err
}

func (m *Manager) afterAlerts(ctx context.Context, e *entry, v triage.Verdict, recs []triage.AlertRecord) {
	m.emit(ctx, activation.AlertEvent(m.meta(e), v.TraceID, recs))
	if m.records != nil {
		if err := m.records.SaveAlerts(ctx, e.info.RoomName, e.info.PatientID, recs); err != nil {
			redact.Logf("session %s: save alerts: %v", e.info.RoomName, err)
		}
	}

	// Nothing went out: the manual escalation broadcast speaks for this trace.
	delivered := sentCount(recs)
	if delivered == 0 {
		return
	}
	err := m.rooms.Broadcast(ctx, e.info.RoomName, TopicAlert, AlertBroadcast{
		Type:       "emergency_alert",
		TraceID:    v.TraceID,
		PatientID:  e.info.PatientID,
		Location:   e.info.Location,
		Urgency:    v.Urgency,
		Confidence: v.Confidence,
		Assessment: v.Response,
		Delivered:  delivered,
	})
	if err != nil {
		redact.Logf("session %s: alert broadcast failed: %v", e.info.RoomName, err)
	}
}

// manualReason reports why a failed turn must go to a human, or "" when the
// error is returned to the caller as is.
func manualReason(out escalation.Outcome, err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, triage.ErrCouncilUnavailable) {
		return ReasonCouncilUnavailable
	}
	if out.Verdict != nil && out.Verdict.Escalates() && sentCount(out.Alerts) == 0 {
		return ReasonAlertDeliveryFailed
	}
	return ""
}

func sentCount(recs []triage.AlertRecord) int {
	n := 0
	for _, r := range recs {
		if r.Status == triage.DeliverySent {
			n++
		}
	}
	return n
}

// escalateManually hands the case to a human. It never produces alert records.
func (m *Manager) escalateManually(ctx context.Context, e *entry, traceID, reason string, cause error) {
	e.coord.RecordEscalation(escalation.Escalation{TraceID: traceID, Reason: reason, Detail: cause.Error()})
	m.tel.RecordManualEscalation(ctx, reason)
	m.emit(ctx, activation.ManualEscalationEvent(m.meta(e), traceID, reason, cause.Error()))

	err := m.rooms.Broadcast(ctx, e.info.RoomName, TopicEscalation, EscalationBroadcast{
		Type:      "manual_escalation",
		TraceID:   traceID,
		PatientID: e.info.PatientID,
		Location:  e.info.Location,
		Reason:    reason,
		Doctor:    room.DoctorIdentity,
	})
	if err != nil {
		redact.Logf("session %s: escalation broadcast failed: %v", e.info.RoomName, err)
	}
	redact.Logf("session %s: manual escalation trace=%s: %v", e.info.RoomName, traceID, cause)
}

// scheduleNotes refreshes the session notes in the background once the
// session has enough turns.
func (m *Manager) scheduleNotes(e *entry) {
	if m.engine.Scribe == nil {
		return
	}
	turns := e.coord.Turns()
	if len(turns) < max(m.opts.NotesMinTurns, 1) {
		return
	}
	req, err := triage.NewRequest(turns, e.info.PatientID, e.info.Location, nil)
	if err != nil {
		redact.Logf("session %s: notes skipped: %v", e.info.RoomName, err)
		return
	}
	m.notesWG.Add(1)
	go func() {
		defer m.notesWG.Done()
		m.updateNotes(e, len(turns), req.Transcript())
	}()
}

// updateNotes applies one notes update. An update for an older transcript
// than the one already applied is dropped.
func (m *Manager) updateNotes(e *entry, seq int, transcript string) {
	ctx := context.Background()
	e.notesMu.Lock()
	defer e.notesMu.Unlock()
	if seq <= e.notesSeq {
		return
	}
	updated, err := m.engine.Scribe.Update(ctx, e.notes, transcript)
	if err != nil {
		redact.Logf("session %s: notes update failed: %v", e.info.RoomName, err)
		return
	}
	e.notes = updated
	e.notesSeq = seq

	err = m.rooms.Broadcast(ctx, e.info.RoomName, TopicNotes, NotesBroadcast{
		Type:    "notes",
		Content: updated.Markdown(),
		Notes:   updated,
	})
	if err != nil {
		redact.Logf("session %s: notes broadcast failed: %v", e.info.RoomName, err)
	}
}

// Notes returns the latest notes of a live room.
func (m *Manager) Notes(roomName string) (notes.SOAP, error) {
	e, err := m.lookup(roomName)
	if err != nil {
		return notes.SOAP{}, err
	}
	e.notesMu.Lock()
	defer e.notesMu.Unlock()
	return e.notes, nil
}

// Diagnose drafts a diagnosis from the room's notes, or from override when it
// is non-nil, and sends it to the room.
func (m *Manager) Diagnose(ctx context.Context, roomName string, override *notes.SOAP) (notes.Diagnosis, error) {
	if m.engine.Scribe == nil {
		return notes.Diagnosis{}, fmt.Errorf("%w: notes are disabled", triage.ErrInput)
	}
	e, err := m.lookup(roomName)
	if err != nil {
		return notes.Diagnosis{}, err
	}
	n := override
	if n == nil {
		cur, _ := m.Notes(roomName)
		n = &cur
	}
	d, err := m.engine.Scribe.Diagnose(ctx, *n)
	if err != nil {
		return notes.Diagnosis{}, err
	}
	err = m.rooms.Broadcast(ctx, e.info.RoomName, TopicDiagnosis, DiagnosisBroadcast{Type: "diagnosis", Diagnosis: d})
	if err != nil {
		redact.Logf("session %s: diagnosis broadcast failed: %v", e.info.RoomName, err)
	}
	return d, nil
}

// UpdateImage replaces the image sent with the room's next turns.
func (m *Manager) UpdateImage(roomName string, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("%w: image is empty", triage.ErrInput)
	}
	e, err := m.lookup(roomName)
	if err != nil {
		return err
	}
	return e.coord.UpdateImage(image)
}

// Join mints a token for a participant of a live session.
func (m *Manager) Join(req room.JoinRequest) (room.Joined, error) {
	return m.rooms.Join(req)
}

// End stops the coordinator before deleting the room, so a turn still
// waiting on the council will not alert.
func (m *Manager) End(ctx context.Context, roomName string) (room.Ended, error) {
	m.mu.Lock()
	e, ok := m.sessions[roomName]
	m.mu.Unlock()
	if !ok {
		return m.rooms.End(ctx, roomName)
	}

	e.coord.End()
	ended, err := m.rooms.End(ctx, roomName)
	if err != nil {
		return room.Ended{}, err
	}
	m.drop(ctx, roomName, e)
	return ended, nil
}

// Status reports the room and coordinator state. A room gone upstream ends
// the session locally.
func (m *Manager) Status(ctx context.Context, roomName string) (Status, error) {
	st, err := m.rooms.Status(ctx, roomName)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	e, ok := m.sessions[roomName]
	m.mu.Unlock()
	if !ok {
		return Status{Status: st}, nil
	}
	if st.Status == "ended" {
		e.coord.End()
		m.drop(ctx, roomName, e)
	}
	return Status{Status: st, State: e.coord.State(), Alerted: e.coord.Alerted()}, nil
}

// Active lists live sessions in start order.
func (m *Manager) Active() []Summary {
	rooms := m.rooms.Active()
	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		s := Summary{Session: r}
		m.mu.Lock()
		e, ok := m.sessions[r.RoomName]
		m.mu.Unlock()
		if ok {
			s.State = e.coord.State()
			s.Turns = len(e.coord.Turns())
			s.Alerted = e.coord.Alerted()
		}
		out = append(out, s)
	}
	return out
}

// Log returns the session log of a live room.
func (m *Manager) Log(roomName string) ([]escalation.Entry, error) {
	e, err := m.lookup(roomName)
	if err != nil {
		return nil, err
	}
	return e.coord.Log(), nil
}

// Close ends every live session without deleting the rooms upstream.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	all := make(map[string]*entry, len(m.sessions))
	for k, v := range m.sessions {
		all[k] = v
	}
	m.mu.Unlock()
	for name, e := range all {
		e.coord.End()
		m.drop(ctx, name, e)
	}
	m.notesWG.Wait()
}

func (m *Manager) lookup(roomName string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[roomName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", triage.ErrSessionNotFound, roomName)
	}
	return e, nil
}

func (m *Manager) drop(ctx context.Context, roomName string, e *entry) {
	m.mu.Lock()
	if m.sessions[roomName] != e {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, roomName)
	m.mu.Unlock()

	// Wait for an in-flight turn so the final record is written last.
	e.mu.Lock()
	defer e.mu.Unlock()
	endedAt := m.now().UTC()
	m.saveSession(ctx, e, &endedAt)
	m.emit(ctx, activation.SessionEvent(activation.KindSessionEnded, m.meta(e), string(e.coord.State())))
}

func (m *Manager) saveSession(ctx context.Context, e *entry, endedAt *time.Time) {
	if m.records == nil {
		return
	}
	rec := records.Session{
		RoomName:   e.info.RoomName,
		SubjectID:  e.info.PatientID,
		Location:   e.info.Location,
		HardwareID: e.info.HardwareID,
		StartedAt:  e.info.StartedAt,
		EndedAt:    endedAt,
		FinalState: string(e.coord.State()),
		Turns:      len(e.coord.Turns()),
		Alerted:    e.coord.Alerted(),
	}
	if err := m.records.SaveSession(ctx, rec); err != nil {
		redact.Logf("session %s: save session: %v", e.info.RoomName, err)
	}
}

func (m *Manager) meta(e *entry) activation.Meta {
	return activation.Meta{
		RoomName:  e.info.RoomName,
		SubjectID: e.info.PatientID,
		Location:  e.info.Location,
		StationID: e.stationID,
	}
}

func (m *Manager) emit(ctx context.Context, ev *activation.Event) {
	if m.emitter == nil {
		activation.LogEvent(ev)
		return
	}
	m.emitter.Emit(ctx, ev)
}
