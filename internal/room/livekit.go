package room

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
)

// ErrRoomNotFound is returned when the media server does not know a room.
var ErrRoomNotFound = errors.New("room not found")

// Room mirrors the fields of a LiveKit room this service reads.
type Room struct {
	SID             string `json:"sid"`
	Name            string `json:"name"`
	EmptyTimeout    uint32 `json:"empty_timeout"`
	MaxParticipants uint32 `json:"max_participants"`
	Metadata        string `json:"metadata"`
	NumParticipants uint32 `json:"num_participants"`
}

type Participant struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
	State    string `json:"state"`
}

type CreateRoomRequest struct {
	Name            string `json:"name"`
	EmptyTimeout    uint32 `json:"empty_timeout"`
	MaxParticipants uint32 `json:"max_participants"`
	Metadata        string `json:"metadata,omitempty"`
}

// Service is the subset of the LiveKit room service the manager needs.
type Service interface {
	CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error)
	DeleteRoom(ctx context.Context, name string) error
	ListRooms(ctx context.Context, names []string) ([]Room, error)
	ListParticipants(ctx context.Context, room string) ([]Participant, error)
	SendData(ctx context.Context, room, topic string, data []byte) error
}

// roomServiceAPI is the part of lksdk.RoomServiceClient the Client calls.
type roomServiceAPI interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
	SendData(ctx context.Context, req *livekit.SendDataRequest) (*livekit.SendDataResponse, error)
}

// Client implements Service on the LiveKit server SDK.
type Client struct {
	api roomServiceAPI
}

// NewClient accepts the ws(s):// URL clients connect to and talks to the
// http(s):// API address derived from it.
func NewClient(livekitURL, apiKey, apiSecret string) *Client {
	return &Client{api: lksdk.NewRoomServiceClient(APIURL(livekitURL), apiKey, apiSecret)}
}

// APIURL maps ws:// to http:// and wss:// to https://.
func APIURL(livekitURL string) string {
	u := strings.TrimRight(strings.TrimSpace(livekitURL), "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	default:
		return u
	}
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error) {
	r, err := c.api.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            req.Name,
		EmptyTimeout:    req.EmptyTimeout,
		MaxParticipants: req.MaxParticipants,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return nil, wrapErr("CreateRoom", err)
	}
	out := fromLiveKitRoom(r)
	return &out, nil
}

func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	_, err := c.api.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	return wrapErr("DeleteRoom", err)
}

func (c *Client) ListRooms(ctx context.Context, names []string) ([]Room, error) {
	res, err := c.api.ListRooms(ctx, &livekit.ListRoomsRequest{Names: names})
	if err != nil {
		return nil, wrapErr("ListRooms", err)
	}
	out := make([]Room, 0, len(res.GetRooms()))
	for _, r := range res.GetRooms() {
		out = append(out, fromLiveKitRoom(r))
	}
	return out, nil
}

func (c *Client) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	res, err := c.api.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, wrapErr("ListParticipants", err)
	}
	out := make([]Participant, 0, len(res.GetParticipants()))
	for _, p := range res.GetParticipants() {
		out = append(out, Participant{
			SID:      p.GetSid(),
			Identity: p.GetIdentity(),
			Name:     p.GetName(),
			State:    p.GetState().String(),
		})
	}
	return out, nil
}

// SendData publishes a reliable data packet to everyone in the room.
func (c *Client) SendData(ctx context.Context, room, topic string, data []byte) error {
	req := &livekit.SendDataRequest{
		Room: room,
		Data: data,
		Kind: livekit.DataPacket_RELIABLE,
	}
	if topic != "" {
		req.Topic = &topic
	}
	_, err := c.api.SendData(ctx, req)
	return wrapErr("SendData", err)
}

func fromLiveKitRoom(r *livekit.Room) Room {
	return Room{
		SID:             r.GetSid(),
		Name:            r.GetName(),
		EmptyTimeout:    r.GetEmptyTimeout(),
		MaxParticipants: r.GetMaxParticipants(),
		Metadata:        r.GetMetadata(),
		NumParticipants: r.GetNumParticipants(),
	}
}

// wrapErr maps a Twirp not_found to ErrRoomNotFound.
func wrapErr(method string, err error) error {
	if err == nil {
		return nil
	}
	var te twirp.Error
	if errors.As(err, &te) && te.Code() == twirp.NotFound {
		return fmt.Errorf("livekit %s: %w", method, ErrRoomNotFound)
	}
	return fmt.Errorf("livekit %s: %w", method, err)
}
