package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/straja-ai/triage/internal/alert"
	"github.com/straja-ai/triage/internal/auth"
	"github.com/straja-ai/triage/internal/classifier"
	"github.com/straja-ai/triage/internal/config"
	"github.com/straja-ai/triage/internal/council"
	"github.com/straja-ai/triage/internal/inference"
	"github.com/straja-ai/triage/internal/notes"
	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/records"
	"github.com/straja-ai/triage/internal/room"
	"github.com/straja-ai/triage/internal/session"
	"github.com/straja-ai/triage/internal/triage"
)

const (
	stationKey1    = "station-key-1"
	criticalAnswer = `{"category":"CRITICAL","response":"I'm getting help now.","confidence":0.92}`
	highVote       = `{"urgency":"HIGH","confidence":0.93,"reasoning":"possible MI","advice":"Help is on the way. Please sit down."}`
)

type fakeNotifier struct {
	fail bool
}

func (n fakeNotifier) SendSMS(context.Context, string, string) (string, error) {
	if n.fail {
		return "", errors.New("twilio 500")
	}
	return "SM1", nil
}

func (n fakeNotifier) Call(context.Context, string, string) (string, error) {
	if n.fail {
		return "", errors.New("twilio 500")
	}
	return "CA1", nil
}

type testEnv struct {
	srv   *Server
	svc   *room.MemoryService
	store *records.Store
}

type envOptions struct {
	requireAuth   bool
	maxBody       int64
	brokenCouncil bool
	failNotifier  bool
	noContacts    bool
	scribe        bool
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			RequireAuth:         o.requireAuth,
			MaxRequestBodyBytes: o.maxBody,
		},
		Classifier: config.ClassifierConfig{Model: "fast"},
		Alerts:     config.AlertsConfig{SendSMS: true, MakeCall: true},
		Stations: []config.StationConfig{
			{ID: "kiosk-1", Location: "north-lobby", APIKeys: []string{stationKey1}},
		},
		Logging: config.LoggingConfig{ActivationLevel: "metadata"},
	}
	if cfg.Server.MaxRequestBodyBytes == 0 {
		cfg.Server.MaxRequestBodyBytes = 1 << 20
	}
	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	votes := []council.Assessor{
		{ID: "a1", Model: "m1", Provider: provider.NewFake(highVote)},
		{ID: "a2", Model: "m2", Provider: provider.NewFake(highVote)},
		{ID: "a3", Model: "m3", Provider: provider.NewFake(highVote)},
	}
	if o.brokenCouncil {
		votes = []council.Assessor{
			{ID: "a1", Model: "m1", Provider: &provider.FakeProvider{Error: errors.New("upstream 503")}},
		}
	}

	store, err := records.Open(":memory:")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	contacts := []string{"+15550000001"}
	if o.noContacts {
		contacts = nil
	}
	engine := session.Engine{
		Classifier: classifier.New(provider.NewFake(criticalAnswer), "fast", time.Second, nil),
		Council:    council.New(votes, time.Second, 0, nil),
		Dispatcher: alert.NewDispatcher(fakeNotifier{fail: o.failNotifier}, contacts, time.Second, nil),
	}
	if o.scribe {
		engine.Scribe = notes.New(&provider.FakeProvider{Respond: func(req *inference.Request) (string, error) {
			if req.Schema != nil && req.Schema.Name == "triage_diagnosis" {
				return `{"possible_diagnoses":["Acute coronary syndrome"],"differential_diagnoses":["Panic attack"],"recommended_tests":["ECG"],"treatment_considerations":["Aspirin if not allergic"],"follow_up":"Immediate"}`, nil
			}
			return `{"subjective":["Chest pain"],"objective":[],"assessment":["Possible cardiac event"],"plan":["Emergency review"]}`, nil
		}}, "scribe", time.Second, nil)
	}
	svc := room.NewMemoryService()
	rooms := room.NewManager(svc, room.NewSigner("APIkey", "secret-secret-secret-secret-secret", time.Hour), room.Options{LiveKitURL: "ws://localhost:7880"})
	sessions := session.NewManager(rooms, engine, store, nil, nil, session.Options{
		SendSMS:         true,
		MakeCall:        true,
		ActivationLevel: "metadata",
		ClassifierModel: "fast",
		NotesMinTurns:   1,
	})

	srv := New(cfg, authz, Deps{
		Classifier: engine.Classifier,
		Council:    engine.Council,
		Dispatcher: engine.Dispatcher,
		Sessions:   sessions,
		Records:    store,
	})
	return &testEnv{srv: srv, svc: svc, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+stationKey1)
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func chestPainTurns() map[string]any {
	return map[string]any{
		"turns": []triage.Turn{
			{Assistant: "How can I help you today?", Human: "I have severe chest pain and my left arm is numb"},
		},
		"subject_id": "patient-7",
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, envOptions{requireAuth: true})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestChestPainSessionAlertsOnCallDoctor(t *testing.T) {
	env := newTestEnv(t, envOptions{requireAuth: true})

	rr := env.do(t, http.MethodPost, "/session/start", map[string]any{"patient_id": "patient-7"})
	if rr.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rr.Code, rr.Body.String())
	}
	started := decode[room.Started](t, rr)
	if started.RoomName == "" || started.UserToken == "" || started.DoctorToken == "" {
		t.Fatalf("incomplete start response: %+v", started)
	}

	rr = env.do(t, http.MethodPost, "/session/turn", map[string]string{
		"room_name": started.RoomName,
		"text":      "I have severe chest pain and my left arm is numb",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("turn = %d %s", rr.Code, rr.Body.String())
	}
	res := decode[session.TurnResult](t, rr)
	if res.Category != triage.CategoryCritical || res.Urgency != triage.UrgencyHigh {
		t.Fatalf("unexpected decision: %+v", res)
	}
	if len(res.Alerts) != 2 {
		t.Fatalf("expected sms and voice for one contact, got %d records", len(res.Alerts))
	}
	for _, a := range res.Alerts {
		if a.TraceID != res.TraceID || a.Status != triage.DeliverySent {
			t.Fatalf("bad alert record: %+v", a)
		}
	}

	rr = env.do(t, http.MethodGet, "/session/"+started.RoomName+"/status", nil)
	st := decode[session.Status](t, rr)
	if !st.Alerted || st.Location != "north-lobby" {
		t.Fatalf("status = %+v", st)
	}

	rr = env.do(t, http.MethodGet, "/sessions/active", nil)
	if active := decode[activeSessionsResponse](t, rr); active.Count != 1 || active.Sessions[0].HardwareID != "kiosk-1" {
		t.Fatalf("active = %+v", active)
	}

	rr = env.do(t, http.MethodGet, "/session/"+started.RoomName+"/log", nil)
	if lg := decode[sessionLogResponse](t, rr); len(lg.Entries) == 0 {
		t.Fatalf("empty session log")
	}

	rr = env.do(t, http.MethodPost, "/session/end", map[string]string{"room_name": started.RoomName})
	if ended := decode[room.Ended](t, rr); ended.Status != "ended" {
		t.Fatalf("end = %+v", ended)
	}

	rr = env.do(t, http.MethodGet, "/api/history/patient-7", nil)
	hist := decode[records.History](t, rr)
	if len(hist.Alerts) != 2 || len(hist.Verdicts) != 1 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/classify", chestPainTurns())
	if rr.Code != http.StatusOK {
		t.Fatalf("classify = %d %s", rr.Code, rr.Body.String())
	}
	c := decode[classifyResponse](t, rr)
	if c.Category != triage.CategoryCritical || c.Response == "" {
		t.Fatalf("classification = %+v", c)
	}
}

func TestClassifyRejectsEmptyConversation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/classify", map[string]any{"turns": []triage.Turn{}, "subject_id": "p"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if e := decode[errorBody](t, rr); e.Error.Type != "invalid_request_error" {
		t.Fatalf("error type = %q", e.Error.Type)
	}
}

func TestCouncilEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/council", chestPainTurns())
	if rr.Code != http.StatusOK {
		t.Fatalf("council = %d %s", rr.Code, rr.Body.String())
	}
	v := decode[councilResponse](t, rr)
	if v.Urgency != triage.UrgencyHigh || v.Rule != triage.RuleMajority || len(v.Votes) != 3 || v.TraceID == "" {
		t.Fatalf("verdict = %+v", v)
	}
	if v.Votes["a2"].Model != "m2" {
		t.Fatalf("vote model = %q", v.Votes["a2"].Model)
	}
}

func TestCouncilUnavailableIs503(t *testing.T) {
	env := newTestEnv(t, envOptions{brokenCouncil: true})
	rr := env.do(t, http.MethodPost, "/api/council", chestPainTurns())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rr.Code, rr.Body.String())
	}
	if e := decode[errorBody](t, rr); e.Error.TraceID == "" {
		t.Fatalf("outage should carry a trace id: %+v", e)
	}
}

func TestSessionTurnCouncilOutageEscalatesManually(t *testing.T) {
	env := newTestEnv(t, envOptions{brokenCouncil: true})
	started := decode[room.Started](t, env.do(t, http.MethodPost, "/session/start", map[string]any{"patient_id": "p1"}))

	rr := env.do(t, http.MethodPost, "/session/turn", map[string]string{"room_name": started.RoomName, "human": "my chest hurts"})
	if rr.Code != http.StatusOK {
		t.Fatalf("turn = %d %s", rr.Code, rr.Body.String())
	}
	if res := decode[session.TurnResult](t, rr); !res.ManualEscalation || len(res.Alerts) != 0 {
		t.Fatalf("turn = %+v", res)
	}
	if packets := env.svc.Packets(); len(packets) != 1 || packets[0].Topic != session.TopicEscalation {
		t.Fatalf("packets = %+v", packets)
	}
}

func TestSessionTurnUndeliveredAlertEscalatesManually(t *testing.T) {
	cases := map[string]envOptions{
		"all deliveries failed": {failNotifier: true},
		"no contacts":           {noContacts: true},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, o)
			started := decode[room.Started](t, env.do(t, http.MethodPost, "/session/start", map[string]any{"patient_id": "p1"}))

			rr := env.do(t, http.MethodPost, "/session/turn", map[string]string{"room_name": started.RoomName, "human": "my chest hurts"})
			if rr.Code != http.StatusOK {
				t.Fatalf("turn = %d %s", rr.Code, rr.Body.String())
			}
			res := decode[session.TurnResult](t, rr)
			if !res.ManualEscalation || res.Urgency != triage.UrgencyHigh {
				t.Fatalf("turn = %+v", res)
			}
			for _, rec := range res.Alerts {
				if rec.Status == triage.DeliverySent {
					t.Fatalf("unexpected sent record %+v", rec)
				}
			}
			packets := env.svc.Packets()
			if len(packets) != 1 || packets[0].Topic != session.TopicEscalation {
				t.Fatalf("packets = %+v", packets)
			}
			var b session.EscalationBroadcast
			if err := json.Unmarshal(packets[0].Data, &b); err != nil || b.Reason != session.ReasonAlertDeliveryFailed {
				t.Fatalf("broadcast = %+v (%v)", b, err)
			}
		})
	}
}

func TestSessionNotesAndDiagnosis(t *testing.T) {
	env := newTestEnv(t, envOptions{scribe: true})
	started := decode[room.Started](t, env.do(t, http.MethodPost, "/session/start", map[string]any{"patient_id": "p1"}))

	rr := env.do(t, http.MethodPost, "/session/diagnosis", map[string]string{"room_name": started.RoomName})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("diagnosis without notes = %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/session/turn", map[string]string{"room_name": started.RoomName, "human": "my chest hurts"})
	if rr.Code != http.StatusOK {
		t.Fatalf("turn = %d %s", rr.Code, rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = env.do(t, http.MethodGet, "/session/"+started.RoomName+"/notes", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("notes = %d %s", rr.Code, rr.Body.String())
		}
		if len(decode[notesResponse](t, rr).Notes.Subjective) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notes never arrived: %s", rr.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := decode[notesResponse](t, rr); !strings.Contains(got.Content, "## Subjective\n- Chest pain") {
		t.Fatalf("notes content = %q", got.Content)
	}

	rr = env.do(t, http.MethodPost, "/session/diagnosis", map[string]string{"room_name": started.RoomName})
	if rr.Code != http.StatusOK {
		t.Fatalf("diagnosis = %d %s", rr.Code, rr.Body.String())
	}
	d := decode[notes.Diagnosis](t, rr)
	if len(d.Possible) != 1 || d.Disclaimer != notes.Disclaimer {
		t.Fatalf("diagnosis = %+v", d)
	}

	rr = env.do(t, http.MethodPost, "/session/diagnosis", map[string]string{"room_name": "missing"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown room diagnosis = %d", rr.Code)
	}
}

func TestAlertsRequireHighUrgency(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/alerts", map[string]any{
		"subject_id": "p1",
		"urgency":    "MEDIUM",
		"trace_id":   "t-1",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/alerts", map[string]any{
		"subject_id": "p1",
		"urgency":    "HIGH",
		"assessment": "possible MI",
		"confidence": 0.9,
		"trace_id":   "t-1",
		"make_call":  false,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("alerts = %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[alertsResponse](t, rr)
	if len(resp.Records) != 1 || resp.Records[0].Kind != triage.AlertSMS {
		t.Fatalf("records = %+v", resp.Records)
	}
}

func TestAlertsAllFailedIs502WithRecords(t *testing.T) {
	env := newTestEnv(t, envOptions{failNotifier: true})
	rr := env.do(t, http.MethodPost, "/api/alerts", map[string]any{
		"subject_id": "p1",
		"urgency":    "HIGH",
		"trace_id":   "t-2",
	})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[alertsResponse](t, rr)
	if len(resp.Records) != 2 || resp.Error == nil {
		t.Fatalf("response = %+v", resp)
	}
	for _, r := range resp.Records {
		if r.Status != triage.DeliveryFailed {
			t.Fatalf("record = %+v", r)
		}
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/session/turn", map[string]string{"room_name": "nope", "text": "hello"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMissingStationKeyIs401(t *testing.T) {
	env := newTestEnv(t, envOptions{requireAuth: true})
	req := httptest.NewRequest(http.MethodPost, "/api/classify", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOversizedBodyIs413(t *testing.T) {
	env := newTestEnv(t, envOptions{maxBody: 64})
	body := `{"subject_id":"p1","turns":[{"human":"` + strings.Repeat("a", 256) + `"}]}`
	rr := env.do(t, http.MethodPost, "/api/classify", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestDecodeImage(t *testing.T) {
	got, err := decodeImage("data:image/jpeg;base64,/9g=")
	if err != nil || !bytes.Equal(got, []byte{0xff, 0xd8}) {
		t.Fatalf("decodeImage = %v, %v", got, err)
	}
	if _, err := decodeImage("%%%"); !errors.Is(err, triage.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
	if got, err := decodeImage(""); err != nil || got != nil {
		t.Fatalf("empty image = %v, %v", got, err)
	}
}
