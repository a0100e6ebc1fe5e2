package room

import (
	"context"
	"sync"
)

// Packet is a data message recorded by MemoryService.
type Packet struct {
	Room  string
	Topic string
	Data  []byte
}

// MemoryService is an in-process Service used when no media server is
// configured, and by tests.
type MemoryService struct {
	mu           sync.Mutex
	rooms        map[string]Room
	participants map[string][]Participant
	packets      []Packet

	// SendErr, when set, fails every SendData call.
	SendErr error
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		rooms:        map[string]Room{},
		participants: map[string][]Participant{},
	}
}

func (s *MemoryService) CreateRoom(_ context.Context, req CreateRoomRequest) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Room{
		SID:             "RM_" + req.Name,
		Name:            req.Name,
		EmptyTimeout:    req.EmptyTimeout,
		MaxParticipants: req.MaxParticipants,
		Metadata:        req.Metadata,
	}
	s.rooms[req.Name] = r
	return &r, nil
}

func (s *MemoryService) DeleteRoom(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[name]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, name)
	delete(s.participants, name)
	return nil
}

func (s *MemoryService) ListRooms(_ context.Context, names []string) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Room
	for _, n := range names {
		if r, ok := s.rooms[n]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryService) ListParticipants(_ context.Context, room string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return nil, ErrRoomNotFound
	}
	return append([]Participant(nil), s.participants[room]...), nil
}

func (s *MemoryService) SendData(_ context.Context, room, topic string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if _, ok := s.rooms[room]; !ok {
		return ErrRoomNotFound
	}
	s.packets = append(s.packets, Packet{Room: room, Topic: topic, Data: append([]byte(nil), data...)})
	return nil
}

// AddParticipant simulates a client joining a room.
func (s *MemoryService) AddParticipant(room string, p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[room] = append(s.participants[room], p)
}

// Packets returns the data messages sent so far.
func (s *MemoryService) Packets() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Packet(nil), s.packets...)
}

// Room returns a created room.
func (s *MemoryService) Room(name string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	return r, ok
}
