package gateway

import (
	"time"

	"github.com/adred-codev/spoilerchat/internal/registry"
	"github.com/adred-codev/spoilerchat/internal/types"
)

// Frame is the wire envelope for every inbound and outbound event,
// spec.md §6: JSON objects {event: string, data: object}.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound event names.
const (
	EventJoinRoom      = "join-room"
	EventSyncGameTime  = "sync-game-time"
	EventSendMessage   = "send-message"
)

// Outbound event names.
const (
	EventJoinedRoom     = "joined-room"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventUserSynced     = "user-synced"
	EventSyncConfirmed  = "sync-confirmed"
	EventOffsetUpdated  = "offset-updated"
	EventNewMessage     = "new-message"
	EventSessionExpired = "session-expired"
	EventError          = "error"
)

// JoinRoomRequest is the body of an inbound join-room event.
type JoinRoomRequest struct {
	RoomCode  string         `json:"roomCode"`
	Nickname  string         `json:"nickname"`
	SessionID string         `json:"sessionId,omitempty"`
	Sport     string         `json:"sport,omitempty"`
	RoomMeta  *RoomMetaInput `json:"roomMeta,omitempty"`
}

// RoomMetaInput carries optional display metadata supplied by the first
// joiner of a room.
type RoomMetaInput struct {
	Name     string `json:"name,omitempty"`
	Teams    string `json:"teams,omitempty"`
	GameDate string `json:"gameDate,omitempty"`
}

// SyncGameTimeRequest is the body of an inbound sync-game-time event.
type SyncGameTimeRequest struct {
	Period  int `json:"period"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// SendMessageRequest is the body of an inbound send-message event.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// UserView is the roster shape sent to clients.
type UserView struct {
	SocketID string          `json:"socketId"`
	Nickname string          `json:"nickname"`
	GameTime *types.GameTime `json:"gameTime,omitempty"`
	OffsetMs int64           `json:"offsetMs"`
	Synced   bool            `json:"synced"`
}

func toUserView(u registry.User) UserView {
	return UserView{
		SocketID: u.SocketID,
		Nickname: u.Nickname,
		GameTime: u.GameTime,
		OffsetMs: u.OffsetMs,
		Synced:   u.Synced(),
	}
}

// MessageView is the chat-message shape sent to clients.
type MessageView struct {
	ID              string    `json:"id"`
	SenderNickname  string    `json:"senderNickname"`
	Content         string    `json:"content"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// JoinedRoomResponse is emitted to the sender on a successful join-room.
type JoinedRoomResponse struct {
	SessionID   string          `json:"sessionId"`
	RoomCode    string          `json:"roomCode"`
	Sport       types.Sport     `json:"sport"`
	Users       []UserView      `json:"users"`
	Messages    []MessageView   `json:"messages"`
	IsReconnect bool            `json:"isReconnect"`
	SyncState   *types.GameTime `json:"syncState,omitempty"`
}

// UserJoinedEvent is broadcast to a room's other users on join.
type UserJoinedEvent struct {
	User UserView `json:"user"`
}

// UserLeftEvent is broadcast to a room's other users on disconnect.
type UserLeftEvent struct {
	SocketID string `json:"socketId"`
}

// UserSyncedEvent is broadcast whenever a user's gameTime/offset changes.
type UserSyncedEvent struct {
	User UserView `json:"user"`
}

// SyncConfirmedResponse is emitted to the sender of sync-game-time.
type SyncConfirmedResponse struct {
	OffsetMs       int64 `json:"offsetMs"`
	IsBaseline     bool  `json:"isBaseline"`
	ElapsedSeconds int   `json:"elapsedSeconds"`
}

// OffsetUpdatedEvent is unicast to another user whose offset changed as a
// side effect of someone else's sync.
type OffsetUpdatedEvent struct {
	OffsetMs int64 `json:"offsetMs"`
}

// NewMessageEvent is delivered to a recipient (immediately or delayed).
type NewMessageEvent struct {
	Message MessageView `json:"message"`
}

// SessionExpiredEvent precedes a server-initiated disconnect for idle
// expiry.
type SessionExpiredEvent struct {
	Reason string `json:"reason"`
}

// ErrorEvent is the uniform client-facing error shape, spec.md §7.
type ErrorEvent struct {
	Message string `json:"message"`
}
