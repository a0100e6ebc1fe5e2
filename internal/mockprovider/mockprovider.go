// Package mockprovider serves an OpenAI-compatible Responses endpoint that
// answers the classifier and assessor schemas from a keyword fixture.
package mockprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/triage/internal/triage"
)

const (
	defaultPort    = 18080
	defaultDelayMS = 50
)

const (
	schemaClassification = "triage_classification"
	schemaAssessment     = "triage_assessment"
	schemaNotes          = "triage_soap_notes"
	schemaDiagnosis      = "triage_diagnosis"
)

// Phrases that make the fixture answer CRITICAL / HIGH.
var emergencyPhrases = []string{
	"chest pain", "chest hurts", "can't breathe", "cannot breathe", "short of breath",
	"unconscious", "passed out", "fainted", "stroke", "face drooping", "slurred",
	"seizure", "heavy bleeding", "bleeding a lot", "numb", "overdose", "suicid",
	"allergic reaction", "throat is closing",
}

// Phrases that make assessors answer MEDIUM.
var concerningPhrases = []string{
	"fever", "vomit", "dizzy", "fracture", "broken", "burn", "sprain", "migraine",
}

// StartMockProvider launches the mock on addr. If addr is empty it listens on
// 127.0.0.1:MOCK_PROVIDER_PORT (default 18080). Models named in the
// comma-separated MOCK_FAIL_MODELS answer 503.
func StartMockProvider(addr string) (func(context.Context) error, string, error) {
	if strings.TrimSpace(addr) == "" {
		port := strings.TrimSpace(os.Getenv("MOCK_PROVIDER_PORT"))
		if port == "" {
			port = fmt.Sprintf("%d", defaultPort)
		}
		addr = "127.0.0.1:" + port
	}

	delay := defaultDelayMS
	if val := strings.TrimSpace(os.Getenv("MOCK_DELAY_MS")); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			delay = parsed
		}
	}
	failing := map[string]bool{}
	for _, m := range strings.Split(os.Getenv("MOCK_FAIL_MODELS"), ",") {
		if m = strings.TrimSpace(m); m != "" {
			failing[m] = true
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: Handler(time.Duration(delay)*time.Millisecond, failing)}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("mock provider server error: %v", err)
		}
	}()

	shutdown := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}

	baseURL := "http://" + ln.Addr().String()
	log.Printf("mock provider listening on %s (delay_ms=%d failing=%d)", baseURL, delay, len(failing))
	return shutdown, baseURL, nil
}

// Handler returns the mock's routes.
func Handler(delay time.Duration, failing map[string]bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("mock upstream request method=%s path=%s", r.Method, r.URL.Path)

		p := r.URL.Path
		if len(p) > 1 {
			p = strings.TrimSuffix(p, "/")
		}

		if r.Method == http.MethodPost && (p == "/v1/responses" || p == "/responses") {
			handleResponses(w, r, delay, failing)
			return
		}

		if r.Method == http.MethodGet && (p == "/v1/models" || p == "/models") {
			writeModels(w)
			return
		}

		writeErrorJSON(w, http.StatusNotFound, "Not found")
	})
	return mux
}

type responsesRequest struct {
	Model        string          `json:"model"`
	Instructions string          `json:"instructions"`
	Input        json.RawMessage `json:"input"`
	Text         struct {
		Format struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"format"`
	} `json:"text"`
}

type inputItem struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func handleResponses(w http.ResponseWriter, r *http.Request, delay time.Duration, failing map[string]bool) {
	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if failing[req.Model] {
		writeErrorJSON(w, http.StatusServiceUnavailable, "model "+req.Model+" is overloaded")
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	text := patientText(userText(req.Input))
	var answer any
	switch req.Text.Format.Name {
	case schemaClassification:
		answer = Classify(text)
	case schemaAssessment:
		answer = Assess(text, req.Model)
	case schemaNotes:
		answer = Notes(text)
	case schemaDiagnosis:
		answer = Diagnose(text)
	default:
		writeResponse(w, req.Model, "I'm a mock provider response.")
		return
	}
	out, err := json.Marshal(answer)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResponse(w, req.Model, string(out))
}

// ClassificationAnswer mirrors the classifier's structured output.
type ClassificationAnswer struct {
	Category   triage.Category `json:"category"`
	Response   string          `json:"response"`
	Confidence float64         `json:"confidence"`
}

// AssessmentAnswer mirrors an assessor's structured output.
type AssessmentAnswer struct {
	Urgency    triage.Urgency `json:"urgency"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Advice     string         `json:"advice"`
}

// Classify answers the classification schema for the patient's words.
func Classify(text string) ClassificationAnswer {
	if matchAny(text, emergencyPhrases) != "" {
		return ClassificationAnswer{
			Category:   triage.CategoryCritical,
			Response:   "I'm alerting a doctor right now. Stay where you are.",
			Confidence: 0.92,
		}
	}
	return ClassificationAnswer{
		Category:   triage.CategoryNormal,
		Response:   "Thanks for telling me. How long have you been feeling this way?",
		Confidence: 0.81,
	}
}

// Assess answers the assessment schema. Confidence varies slightly per model
// so panels do not report identical votes.
func Assess(text, model string) AssessmentAnswer {
	jitter := float64(len(model)%5) / 100
	if phrase := matchAny(text, emergencyPhrases); phrase != "" {
		return AssessmentAnswer{
			Urgency:    triage.UrgencyHigh,
			Confidence: 0.9 - jitter,
			Reasoning:  fmt.Sprintf("Patient reports %q, which needs immediate evaluation.", phrase),
			Advice:     "A doctor has been alerted and is on the way. Please stay seated.",
		}
	}
	if phrase := matchAny(text, concerningPhrases); phrase != "" {
		return AssessmentAnswer{
			Urgency:    triage.UrgencyMedium,
			Confidence: 0.7 - jitter,
			Reasoning:  fmt.Sprintf("Patient reports %q; worth a prompt review but not an emergency.", phrase),
			Advice:     "A nurse will check on you shortly.",
		}
	}
	return AssessmentAnswer{
		Urgency:    triage.UrgencyLow,
		Confidence: 0.75 - jitter,
		Reasoning:  "No red-flag symptoms described.",
		Advice:     "Let me know if anything changes.",
	}
}

// NotesAnswer mirrors the scribe's SOAP output.
type NotesAnswer struct {
	Subjective []string `json:"subjective"`
	Objective  []string `json:"objective"`
	Assessment []string `json:"assessment"`
	Plan       []string `json:"plan"`
}

// Notes lists each patient line as a subjective finding.
func Notes(text string) NotesAnswer {
	out := NotesAnswer{Objective: []string{}}
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out.Subjective = append(out.Subjective, line)
		}
	}
	switch {
	case matchAny(text, emergencyPhrases) != "":
		out.Assessment = []string{"Possible emergency; escalated to the on-call doctor"}
		out.Plan = []string{"Immediate in-person evaluation"}
	case matchAny(text, concerningPhrases) != "":
		out.Assessment = []string{"Needs prompt review"}
		out.Plan = []string{"Nurse check within the hour"}
	default:
		out.Assessment = []string{"No red-flag symptoms"}
		out.Plan = []string{"Routine follow-up"}
	}
	return out
}

// DiagnosisAnswer mirrors the scribe's diagnosis output.
type DiagnosisAnswer struct {
	Possible     []string `json:"possible_diagnoses"`
	Differential []string `json:"differential_diagnoses"`
	Tests        []string `json:"recommended_tests"`
	Treatment    []string `json:"treatment_considerations"`
	FollowUp     string   `json:"follow_up"`
}

func Diagnose(text string) DiagnosisAnswer {
	if matchAny(text, emergencyPhrases) != "" {
		return DiagnosisAnswer{
			Possible:     []string{"Acute coronary syndrome"},
			Differential: []string{"Pulmonary embolism", "Panic attack"},
			Tests:        []string{"ECG", "Troponin"},
			Treatment:    []string{"Emergency department transfer"},
			FollowUp:     "Immediately",
		}
	}
	return DiagnosisAnswer{
		Possible:     []string{"Self-limiting viral illness"},
		Differential: []string{"Dehydration"},
		Tests:        []string{},
		Treatment:    []string{"Rest and fluids"},
		FollowUp:     "If symptoms persist beyond a week",
	}
}

func matchAny(text string, phrases []string) string {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

// userText joins the text of every user message. Input may be a plain string
// or a list of message items whose content is a string or a part list.
func userText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []inputItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var b strings.Builder
	for _, it := range items {
		if it.Role != "" && it.Role != "user" {
			continue
		}
		var str string
		if err := json.Unmarshal(it.Content, &str); err == nil {
			b.WriteString(str)
			b.WriteByte('\n')
			continue
		}
		var parts []contentPart
		if err := json.Unmarshal(it.Content, &parts); err == nil {
			for _, p := range parts {
				if p.Type == "input_text" {
					b.WriteString(p.Text)
					b.WriteByte('\n')
				}
			}
		}
	}
	return b.String()
}

// patientText keeps only the patient's lines of a rendered transcript.
func patientText(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if rest, ok := strings.CutPrefix(line, "Patient: "); ok {
			b.WriteString(rest)
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}

func writeResponse(w http.ResponseWriter, model, text string) {
	resp := map[string]any{
		"id":         "resp_" + uuid.NewString(),
		"object":     "response",
		"created_at": time.Now().Unix(),
		"model":      model,
		"status":     "completed",
		"output": []map[string]any{
			{
				"type":   "message",
				"id":     "msg_" + uuid.NewString(),
				"status": "completed",
				"role":   "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": text, "annotations": []any{}},
				},
			},
		},
		"usage": map[string]any{
			"input_tokens":          5,
			"output_tokens":         5,
			"total_tokens":          10,
			"input_tokens_details":  map[string]int{"cached_tokens": 0},
			"output_tokens_details": map[string]int{"reasoning_tokens": 0},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "invalid_request_error",
		},
	})
}

func writeModels(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mock-triage-fast", "object": "model", "owned_by": "mock"},
			{"id": "mock-assessor-a", "object": "model", "owned_by": "mock"},
			{"id": "mock-assessor-b", "object": "model", "owned_by": "mock"},
			{"id": "mock-assessor-c", "object": "model", "owned_by": "mock"},
		},
	})
}
