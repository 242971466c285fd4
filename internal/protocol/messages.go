// Package protocol defines the JSON messages exchanged over the signalling
// websocket. Server and client share these shapes.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/watchparty/internal/domain"
)

// Client → server.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypePlayerState  = "player-state"
	TypeRequestSync  = "request-sync"
	TypeSyncResponse = "sync-response"
	TypeKickMember   = "kick-member"
	TypeChatMessage  = "chat-message"
	TypePing         = "ping"
	TypeWhoAmI       = "whoami"
)

// Server → client. player-state, sync-response, chat-message and whoami are
// used in both directions.
const (
	TypeRoomJoined      = "room-joined"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeMemberList      = "member-list"
	TypeRoomSize        = "room-size"
	TypePromotedToHost  = "promoted-to-host"
	TypeHostDemoted     = "host-demoted"
	TypeKicked          = "kicked-from-room"
	TypeReplaced        = "session-replaced"
	TypeSyncPause       = "sync-pause"
	TypeGetCurrentState = "get-current-state"
	TypeRoomClosed      = "room-closed"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes.
const (
	CodeNotHost    = "not_host"
	CodeBadPayload = "bad_payload"
	CodeNotInRoom  = "not_in_room"
	CodeInternal   = "internal"
	CodeRateLimit  = "rate_limited"
)

type Envelope struct {
	Type string `json:"type"`
}

type Join struct {
	Type       string `json:"type"`
	Room       string `json:"room"`
	Username   string `json:"username"`
	UserID     string `json:"userId,omitempty"`
	VideoURL   string `json:"videoUrl,omitempty"`
	ContentRef string `json:"contentRef,omitempty"`
	Token      string `json:"token,omitempty"`
}

// RoomRef is the payload of leave and request-sync.
type RoomRef struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

type PlayerState struct {
	Type  string             `json:"type"`
	Room  string             `json:"room,omitempty"`
	State domain.PlayerEvent `json:"state"`
}

type SyncResponse struct {
	Type        string             `json:"type"`
	RequesterID domain.ConnID      `json:"requesterId,omitempty"`
	State       domain.PlayerEvent `json:"state"`
}

type KickMember struct {
	Type   string        `json:"type"`
	Room   string        `json:"room,omitempty"`
	Target domain.ConnID `json:"target"`
}

type ChatMessage struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

type RoomJoined struct {
	Type         string        `json:"type"`
	Room         domain.RoomID `json:"room"`
	IsHost       bool          `json:"isHost"`
	VideoURL     string        `json:"videoUrl,omitempty"`
	ContentRef   string        `json:"contentRef,omitempty"`
	CurrentTime  float64       `json:"currentTime"`
	IsPlaying    bool          `json:"isPlaying"`
	ConnectionID domain.ConnID `json:"connectionId"`
}

// UserEvent carries user-joined and user-left.
type UserEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type MemberList struct {
	Type    string              `json:"type"`
	Members []domain.MemberView `json:"members"`
}

type RoomSize struct {
	Type string `json:"type"`
	Size int    `json:"size"`
}

// Notice is a bare notification, optionally scoped to a room.
type Notice struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room,omitempty"`
}

// Solicit carries sync-pause and get-current-state.
type Solicit struct {
	Type        string        `json:"type"`
	RequesterID domain.ConnID `json:"requesterId"`
}

type Error struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type WhoAmI struct {
	Type         string        `json:"type"`
	ConnectionID domain.ConnID `json:"connectionId"`
	Username     string        `json:"username,omitempty"`
	Room         domain.RoomID `json:"room,omitempty"`
}

func NewError(code, msg string) Error {
	return Error{Type: TypeError, Code: code, Error: msg}
}

// Encode renders a message as a websocket text frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// PeekType extracts the envelope type of a raw frame.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
