// Package room manages the LiveKit rooms that host triage sessions.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/triage"
)

const DoctorIdentity = "doctor-on-call"

// Session is the local record of a live room.
type Session struct {
	RoomName   string    `json:"room_name"`
	PatientID  string    `json:"patient_id"`
	Location   string    `json:"location"`
	HardwareID string    `json:"hardware_id"`
	DoctorIDs  []string  `json:"doctor_ids"`
	StartedAt  time.Time `json:"started_at"`
}

type StartRequest struct {
	PatientID  string   `json:"patient_id"`
	Location   string   `json:"location"`
	HardwareID string   `json:"hardware_id"`
	DoctorIDs  []string `json:"doctor_ids,omitempty"`
}

type Started struct {
	Status      string `json:"status"`
	RoomName    string `json:"room_name"`
	LiveKitURL  string `json:"livekit_url"`
	UserToken   string `json:"user_token"`
	DoctorToken string `json:"doctor_token"`
	Message     string `json:"message"`
}

type JoinRequest struct {
	RoomName      string `json:"room_name"`
	Role          string `json:"role"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
}

type Joined struct {
	Status     string `json:"status"`
	RoomName   string `json:"room_name"`
	Token      string `json:"token"`
	LiveKitURL string `json:"livekit_url"`
	Role       string `json:"role"`
}

type Ended struct {
	Status          string `json:"status"`
	RoomName        string `json:"room_name,omitempty"`
	PatientID       string `json:"patient_id,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Message         string `json:"message,omitempty"`
}

type ParticipantStatus struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Joined   bool   `json:"joined"`
}

type Status struct {
	Status           string              `json:"status"`
	RoomName         string              `json:"room_name,omitempty"`
	PatientID        string              `json:"patient_id,omitempty"`
	Location         string              `json:"location,omitempty"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	Participants     []ParticipantStatus `json:"participants,omitempty"`
	ParticipantCount int                 `json:"participant_count"`
}

// Options are the room settings applied at creation time.
type Options struct {
	LiveKitURL      string
	EmptyTimeout    time.Duration
	MaxParticipants int
}

// Manager creates rooms, mints tokens and tracks the rooms it created.
type Manager struct {
	svc    Service
	signer *Signer
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewManager(svc Service, signer *Signer, opts Options) *Manager {
	if opts.EmptyTimeout <= 0 {
		opts.EmptyTimeout = 5 * time.Minute
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 4
	}
	return &Manager{
		svc:      svc,
		signer:   signer,
		opts:     opts,
		sessions: map[string]*Session{},
		now:      time.Now,
	}
}

// Name builds triage-{location}-{patient}-{yyyymmddhhmmss}.
func Name(patientID, location string, at time.Time) string {
	return fmt.Sprintf("triage-%s-%s-%s", location, patientID, at.Format("20060102150405"))
}

// Start creates a room and returns join tokens for the patient and the on-call doctor.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Started, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Location = strings.TrimSpace(req.Location)
	if req.PatientID == "" || req.Location == "" {
		return Started{}, fmt.Errorf("%w: patient_id and location are required", triage.ErrInput)
	}

	now := m.now()
	name := Name(req.PatientID, req.Location, now)
	meta, err := json.Marshal(map[string]string{"patient_id": req.PatientID, "location": req.Location})
	if err != nil {
		return Started{}, err
	}
	if _, err := m.svc.CreateRoom(ctx, CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(m.opts.EmptyTimeout / time.Second),
		MaxParticipants: uint32(m.opts.MaxParticipants),
		Metadata:        string(meta),
	}); err != nil {
		return Started{}, fmt.Errorf("%w: create room: %v", triage.ErrCollaboratorUnavailable, err)
	}

	userToken, err := m.signer.ParticipantToken(name, "user-"+req.PatientID, "Patient "+req.PatientID)
	if err != nil {
		return Started{}, err
	}
	doctorToken, err := m.signer.ParticipantToken(name, DoctorIdentity, "Doctor")
	if err != nil {
		return Started{}, err
	}

	m.mu.Lock()
	m.sessions[name] = &Session{
		RoomName:   name,
		PatientID:  req.PatientID,
		Location:   req.Location,
		HardwareID: req.HardwareID,
		DoctorIDs:  append([]string{}, req.DoctorIDs...),
		StartedAt:  now.UTC(),
	}
	m.mu.Unlock()

	redact.Logf("session started: %s", name)
	return Started{
		Status:      "created",
		RoomName:    name,
		LiveKitURL:  m.opts.LiveKitURL,
		UserToken:   userToken,
		DoctorToken: doctorToken,
		Message:     "Room created. Use user_token for patient, doctor_token for doctor.",
	}, nil
}

// Join mints a fresh token for a user or doctor of a tracked room.
func (m *Manager) Join(req JoinRequest) (Joined, error) {
	if _, ok := m.Session(req.RoomName); !ok {
		return Joined{}, fmt.Errorf("%w: %s", triage.ErrSessionNotFound, req.RoomName)
	}
	if req.Role != "user" && req.Role != "doctor" {
		return Joined{}, fmt.Errorf("%w: role must be 'user' or 'doctor'", triage.ErrInput)
	}
	if strings.TrimSpace(req.ParticipantID) == "" {
		return Joined{}, fmt.Errorf("%w: participant_id is required", triage.ErrInput)
	}

	name := req.Name
	if name == "" {
		name = strings.ToUpper(req.Role[:1]) + req.Role[1:] + " " + req.ParticipantID
	}
	token, err := m.signer.ParticipantToken(req.RoomName, req.Role+"-"+req.ParticipantID, name)
	if err != nil {
		return Joined{}, err
	}
	return Joined{
		Status:     "success",
		RoomName:   req.RoomName,
		Token:      token,
		LiveKitURL: m.opts.LiveKitURL,
		Role:       req.Role,
	}, nil
}

// End deletes the room. Unknown rooms report status not_found rather than an error.
func (m *Manager) End(ctx context.Context, roomName string) (Ended, error) {
	s, ok := m.Session(roomName)
	if !ok {
		return Ended{Status: "not_found", Message: "Session already ended or not found"}, nil
	}
	if err := m.svc.DeleteRoom(ctx, roomName); err != nil && !errors.Is(err, ErrRoomNotFound) {
		return Ended{}, fmt.Errorf("%w: delete room: %v", triage.ErrCollaboratorUnavailable, err)
	}

	m.mu.Lock()
	delete(m.sessions, roomName)
	m.mu.Unlock()

	redact.Logf("session ended: %s", roomName)
	return Ended{
		Status:          "ended",
		RoomName:        roomName,
		PatientID:       s.PatientID,
		DurationSeconds: int(m.now().Sub(s.StartedAt) / time.Second),
	}, nil
}

// Status reports participants of a tracked room. A room the media server no
// longer knows about is forgotten locally.
func (m *Manager) Status(ctx context.Context, roomName string) (Status, error) {
	s, ok := m.Session(roomName)
	if !ok {
		return Status{Status: "not_found"}, nil
	}

	rooms, err := m.svc.ListRooms(ctx, []string{roomName})
	if err != nil {
		return Status{}, fmt.Errorf("%w: list rooms: %v", triage.ErrCollaboratorUnavailable, err)
	}
	if len(rooms) == 0 {
		m.forget(roomName)
		return Status{Status: "ended"}, nil
	}

	participants, err := m.svc.ListParticipants(ctx, roomName)
	if err != nil {
		return Status{}, fmt.Errorf("%w: list participants: %v", triage.ErrCollaboratorUnavailable, err)
	}
	list := make([]ParticipantStatus, 0, len(participants))
	for _, p := range participants {
		list = append(list, ParticipantStatus{Identity: p.Identity, Name: p.Name, Joined: true})
	}

	started := s.StartedAt
	return Status{
		Status:           "active",
		RoomName:         roomName,
		PatientID:        s.PatientID,
		Location:         s.Location,
		StartedAt:        &started,
		Participants:     list,
		ParticipantCount: len(list),
	}, nil
}

// Active lists tracked sessions ordered by start time.
func (m *Manager) Active() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RoomName < out[j].RoomName
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session returns a copy of a tracked session.
func (m *Manager) Session(roomName string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[roomName]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Broadcast sends payload as JSON on topic to every participant of the room.
func (m *Manager) Broadcast(ctx context.Context, roomName, topic string, payload any) error {
	if _, ok := m.Session(roomName); !ok {
		return fmt.Errorf("%w: %s", triage.ErrSessionNotFound, roomName)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := m.svc.SendData(ctx, roomName, topic, data); err != nil {
		return fmt.Errorf("%w: send data: %v", triage.ErrCollaboratorUnavailable, err)
	}
	return nil
}

func (m *Manager) forget(roomName string) {
	m.mu.Lock()
	delete(m.sessions, roomName)
	m.mu.Unlock()
}
