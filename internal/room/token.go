package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
)

// VideoGrant is the LiveKit permission block as it appears in a token payload.
type VideoGrant struct {
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Claims is a LiveKit access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// Signer mints LiveKit tokens with an API key/secret pair.
type Signer struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

func NewSigner(apiKey, apiSecret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Signer{APIKey: apiKey, APISecret: apiSecret, TTL: ttl}
}

// ParticipantToken grants identity permission to join, publish and subscribe in room.
func (s *Signer) ParticipantToken(room, identity, name string) (string, error) {
	if room == "" || identity == "" {
		return "", errors.New("room and identity are required")
	}
	if s.APIKey == "" || s.APISecret == "" {
		return "", errors.New("livekit api key and secret are required")
	}
	grant := &auth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)

	at := auth.NewAccessToken(s.APIKey, s.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(s.TTL)
	return at.ToJWT()
}

// Verify parses a token minted with this signer's key pair.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.APISecret), nil
	}, jwt.WithIssuer(s.APIKey))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
