package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/straja-ai/triage/internal/escalation"
	"github.com/straja-ai/triage/internal/notes"
	"github.com/straja-ai/triage/internal/room"
	"github.com/straja-ai/triage/internal/session"
	"github.com/straja-ai/triage/internal/triage"
)

type sessionStartRequest struct {
	room.StartRequest
	Image string `json:"image,omitempty"`
}

type roomRequest struct {
	RoomName string `json:"room_name"`
}

type sessionTurnRequest struct {
	RoomName string `json:"room_name"`
	Text     string `json:"text"`
	Human    string `json:"human"`
}

type sessionImageRequest struct {
	RoomName string `json:"room_name"`
	Image    string `json:"image"`
}

type diagnosisRequest struct {
	RoomName string      `json:"room_name"`
	Notes    *notes.SOAP `json:"notes,omitempty"`
}

type notesResponse struct {
	RoomName string     `json:"room_name"`
	Notes    notes.SOAP `json:"notes"`
	Content  string     `json:"content"`
}

type sessionLogResponse struct {
	RoomName string             `json:"room_name"`
	Entries  []escalation.Entry `json:"entries"`
}

type activeSessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

// handleSessionStart opens a room. Location and hardware id fall back to the
// authenticated station.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body sessionStartRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		writeEngineError(w, err, "")
		return
	}
	image, err := decodeImage(body.Image)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}

	req := body.StartRequest
	var stationID string
	if st, ok := stationFrom(r.Context()); ok {
		stationID = st.ID
		req.Location = firstNonEmpty(req.Location, st.Location)
		req.HardwareID = firstNonEmpty(req.HardwareID, st.ID)
	}

	started, err := s.deps.Sessions.Start(r.Context(), req, image, stationID)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (s *Server) handleSessionJoin(w http.ResponseWriter, r *http.Request) {
	var req room.JoinRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, err, "")
		return
	}
	joined, err := s.deps.Sessions.Join(req)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, joined)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, err, "")
		return
	}
	if strings.TrimSpace(req.RoomName) == "" {
		writeEngineError(w, fmt.Errorf("%w: room_name is required", triage.ErrInput), "")
		return
	}
	ended, err := s.deps.Sessions.End(r.Context(), req.RoomName)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, ended)
}

// handleSessionTurn runs one patient utterance through the session's
// coordinator.
func (s *Server) handleSessionTurn(w http.ResponseWriter, r *http.Request) {
	var req sessionTurnRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, err, "")
		return
	}
	res, err := s.deps.Sessions.Turn(r.Context(), req.RoomName, firstNonEmpty(req.Human, req.Text))
	if err != nil {
		writeEngineError(w, err, res.TraceID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionImage(w http.ResponseWriter, r *http.Request) {
	var req sessionImageRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, err, "")
		return
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	if err := s.deps.Sessions.UpdateImage(req.RoomName, image); err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "room_name": req.RoomName})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sessions.Status(r.Context(), r.PathValue("room"))
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	entries, err := s.deps.Sessions.Log(name)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sessionLogResponse{RoomName: name, Entries: entries})
}

func (s *Server) handleSessionNotes(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	n, err := s.deps.Sessions.Notes(name)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, notesResponse{RoomName: name, Notes: n, Content: n.Markdown()})
}

// handleSessionDiagnosis drafts a diagnosis from the session notes, or from
// notes sent in the body.
func (s *Server) handleSessionDiagnosis(w http.ResponseWriter, r *http.Request) {
	var req diagnosisRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, err, "")
		return
	}
	if strings.TrimSpace(req.RoomName) == "" {
		writeEngineError(w, fmt.Errorf("%w: room_name is required", triage.ErrInput), "")
		return
	}
	d, err := s.deps.Sessions.Diagnose(r.Context(), req.RoomName, req.Notes)
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Sessions.Active()
	writeJSON(w, http.StatusOK, activeSessionsResponse{Sessions: active, Count: len(active)})
}
