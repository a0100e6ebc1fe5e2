package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/straja-ai/triage/internal/activation"
	"github.com/straja-ai/triage/internal/alert"
	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/triage"
)

// engineRequest accepts both the documented field names and the ones the
// kiosk frontend sends (text, patient_id).
type engineRequest struct {
	Turns     []triage.Turn `json:"turns"`
	Text      []triage.Turn `json:"text"`
	SubjectID string        `json:"subject_id"`
	PatientID string        `json:"patient_id"`
	Location  string        `json:"location"`
	Image     string        `json:"image,omitempty"`
}

type classifyResponse struct {
	Category   triage.Category `json:"category"`
	Response   string          `json:"response"`
	Confidence float64         `json:"confidence"`
}

type voteBody struct {
	Urgency    triage.Urgency `json:"urgency"`
	Confidence float64        `json:"confidence"`
	Model      string         `json:"model"`
}

type councilResponse struct {
	Response     string              `json:"response"`
	Urgency      triage.Urgency      `json:"urgency"`
	Confidence   float64             `json:"confidence"`
	Votes        map[string]voteBody `json:"votes"`
	CouncilVotes map[string]voteBody `json:"council_votes"`
	TraceID      string              `json:"trace_id"`
	Rule         triage.Rule         `json:"rule"`
}

// alertsRequest leaves the channel flags unset to mean "use the configured default".
type alertsRequest struct {
	SubjectID  string                 `json:"subject_id"`
	PatientID  string                 `json:"patient_id"`
	Location   string                 `json:"location"`
	Urgency    triage.Urgency         `json:"urgency"`
	Assessment string                 `json:"assessment"`
	Confidence float64                `json:"confidence"`
	Votes      map[string]triage.Vote `json:"votes,omitempty"`
	TraceID    string                 `json:"trace_id"`
	Contacts   []string               `json:"contacts,omitempty"`
	SendSMS    *bool                  `json:"send_sms,omitempty"`
	MakeCall   *bool                  `json:"make_call,omitempty"`
}

type alertsResponse struct {
	TraceID string               `json:"trace_id"`
	Records []triage.AlertRecord `json:"records"`
	Error   *errorDetail         `json:"error,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	req, meta, err := s.decodeEngineRequest(w, r)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}

	start := time.Now()
	c, err := s.deps.Classifier.Classify(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	turns := req.Turns()
	s.emit(r.Context(), activation.ClassificationEvent(meta, s.activationLevel(), turns[len(turns)-1], c, s.cfg.Classifier.Model, time.Since(start)))

	writeJSON(w, http.StatusOK, classifyResponse{Category: c.Category, Response: c.Response, Confidence: c.Confidence})
}

func (s *Server) handleCouncil(w http.ResponseWriter, r *http.Request) {
	req, meta, err := s.decodeEngineRequest(w, r)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}

	start := time.Now()
	v, err := s.deps.Council.Convene(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, v.TraceID)
		return
	}
	s.emit(r.Context(), activation.VerdictEvent(meta, v, time.Since(start)))
	if s.deps.Records != nil {
		if err := s.deps.Records.SaveVerdict(r.Context(), "", req.SubjectID(), v); err != nil {
			redact.Logf("records: save verdict %s: %v", v.TraceID, err)
		}
	}

	votes := make(map[string]voteBody, len(v.Votes))
	for id, vote := range v.Votes {
		votes[id] = voteBody{Urgency: vote.Urgency, Confidence: vote.Confidence, Model: vote.Model}
	}
	writeJSON(w, http.StatusOK, councilResponse{
		Response:     v.Response,
		Urgency:      v.Urgency,
		Confidence:   v.Confidence,
		Votes:        votes,
		CouncilVotes: votes,
		TraceID:      v.TraceID,
		Rule:         v.Rule,
	})
}

// handleAlerts dispatches for a HIGH verdict only. When every delivery fails
// the records are still returned, with status 502.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var body alertsRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		writeEngineError(w, err, "")
		return
	}
	if body.Urgency != triage.UrgencyHigh {
		writeEngineError(w, fmt.Errorf("%w: alerts require urgency HIGH, got %q", triage.ErrInput, body.Urgency), body.TraceID)
		return
	}

	subject := firstNonEmpty(body.SubjectID, body.PatientID)
	req := alert.Request{
		SubjectID:  subject,
		Location:   firstNonEmpty(body.Location, s.stationLocation(r)),
		Urgency:    body.Urgency,
		Assessment: body.Assessment,
		Confidence: body.Confidence,
		Votes:      body.Votes,
		TraceID:    body.TraceID,
		Contacts:   body.Contacts,
		SendSMS:    boolOr(body.SendSMS, s.cfg.Alerts.SendSMS),
		MakeCall:   boolOr(body.MakeCall, s.cfg.Alerts.MakeCall),
	}

	recs, err := s.deps.Dispatcher.Dispatch(r.Context(), req)
	if len(recs) > 0 {
		s.emit(r.Context(), activation.AlertEvent(s.meta(r, subject, req.Location), req.TraceID, recs))
		if s.deps.Records != nil {
			if serr := s.deps.Records.SaveAlerts(r.Context(), "", subject, recs); serr != nil {
				redact.Logf("records: save alerts %s: %v", req.TraceID, serr)
			}
		}
	}
	if err != nil && len(recs) == 0 {
		writeEngineError(w, err, req.TraceID)
		return
	}

	resp := alertsResponse{TraceID: req.TraceID, Records: recs}
	status := http.StatusOK
	if err != nil {
		code, typ := statusFor(err)
		status = code
		resp.Error = &errorDetail{Message: err.Error(), Type: typ, TraceID: req.TraceID}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusNotFound, "records store is disabled", "not_found")
		return
	}
	subject := strings.TrimSpace(r.PathValue("subject"))
	if subject == "" {
		writeEngineError(w, fmt.Errorf("%w: missing subject id", triage.ErrInput), "")
		return
	}
	h, err := s.deps.Records.SessionHistory(r.Context(), subject)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) decodeEngineRequest(w http.ResponseWriter, r *http.Request) (triage.Request, activation.Meta, error) {
	var body engineRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		return triage.Request{}, activation.Meta{}, err
	}
	turns := body.Turns
	if len(turns) == 0 {
		turns = body.Text
	}
	image, err := decodeImage(body.Image)
	if err != nil {
		return triage.Request{}, activation.Meta{}, err
	}
	subject := firstNonEmpty(body.SubjectID, body.PatientID)
	location := firstNonEmpty(body.Location, s.stationLocation(r))

	req, err := triage.NewRequest(turns, subject, location, image)
	if err != nil {
		return triage.Request{}, activation.Meta{}, err
	}
	return req, s.meta(r, req.SubjectID(), req.Location()), nil
}

// decodeJSON enforces the body limit. Size errors are returned as-is so they
// map to 413; anything else is an input error.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if limit := s.cfg.Server.MaxRequestBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body: %v", triage.ErrInput, err)
	}
	return nil
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, fmt.Errorf("%w: malformed image data URL", triage.ErrInput)
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64", triage.ErrInput)
	}
	return data, nil
}

func (s *Server) stationLocation(r *http.Request) string {
	if st, ok := stationFrom(r.Context()); ok {
		return st.Location
	}
	return ""
}

func (s *Server) meta(r *http.Request, subject, location string) activation.Meta {
	m := activation.Meta{SubjectID: subject, Location: location}
	if st, ok := stationFrom(r.Context()); ok {
		m.StationID = st.ID
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
