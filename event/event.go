// Package event defines the wire-level contract between clients and the
// coordinator: inbound request payloads, outbound event names, and the
// acknowledgement envelope. Every inbound operation has a fixed payload
// schema; anything that does not decode into its schema is rejected before
// dispatch.
package event

// Outbound event names. Events are published per connection on
// "deliver.{userId}.{connId}.{event}", matching the subject scope minted
// for the user at auth time.
const (
	UsersList       = "users-list"
	RoomsStructure  = "rooms-structure"
	DMsList         = "dms-list"
	DMNew           = "dm-new"
	MessageHistory  = "message-history"
	MessageNew      = "message-new"
	MessageNotify   = "message-notify"
	MessageDeleted  = "message-deleted"
	ReactionUpdate  = "message-reaction-update"
	TypingStart     = "typing-start"
	TypingStop      = "typing-stop"
	CallState       = "call-state"
	CallRemoved     = "call-removed"
	CallEnded       = "call-ended"
)

// Inbound subjects. Requests carry the sender's connId and are answered with
// an Ack over NATS request/reply.
const (
	SubjectIdentify       = "conn.identify"
	SubjectHeartbeat      = "conn.heartbeat"
	SubjectDisconnect     = "conn.disconnect"
	SubjectSetStatus      = "presence.status"
	SubjectSetActivity    = "presence.activity"
	SubjectGetRooms       = "rooms.get"
	SubjectCreateRoom     = "rooms.create"
	SubjectCreateCategory = "rooms.category.create"
	SubjectRenameRoom     = "rooms.rename"
	SubjectRenameCategory = "rooms.category.rename"
	SubjectUpdateLayout   = "rooms.layout"
	SubjectJoinRoom       = "room.join"
	SubjectLeaveRoom      = "room.leave"
	SubjectHistory        = "chat.history"
	SubjectSendMessage    = "chat.send"
	SubjectTypingStart    = "chat.typing.start"
	SubjectTypingStop     = "chat.typing.stop"
	SubjectSetReaction    = "chat.reaction"
	SubjectDeleteMessage  = "chat.delete"
	SubjectOpenDM         = "dm.open"
	SubjectListDMs        = "dm.list"
	SubjectStartCall      = "call.start"
	SubjectCallInvite     = "call.invite"
	SubjectCallKick       = "call.kick"
	SubjectCallLeave      = "call.leave"
	SubjectCallEnd        = "call.end"
	SubjectGetPrefs       = "prefs.get"
	SubjectSetPref        = "prefs.set"
)

// Ack is the reply envelope for every inbound operation. Extra, operation-
// specific fields ride along in Data.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// OKAck returns a success ack carrying optional payload data.
func OKAck(data any) Ack {
	return Ack{OK: true, Data: data}
}

// ErrAck returns a failure ack with a client-safe message.
func ErrAck(message string) Ack {
	return Ack{OK: false, Error: message}
}

// Sender delivers outbound events to connections. Delivery is fire-and-forget
// per recipient: a slow or broken recipient must never block the caller.
type Sender interface {
	Send(connID, event string, payload any)
}

// Inbound payloads. ConnID identifies the issuing connection on every
// operation except identify, where the connection does not exist yet.

type IdentifyRequest struct {
	Token string `json:"token"`
}

type ConnRequest struct {
	ConnID string `json:"connId"`
}

type SetStatusRequest struct {
	ConnID string `json:"connId"`
	Status string `json:"status"`
}

type SetActivityRequest struct {
	ConnID   string `json:"connId"`
	Activity string `json:"activity"`
}

type CreateRoomRequest struct {
	ConnID     string `json:"connId"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	CategoryID string `json:"categoryId"`
}

type CreateCategoryRequest struct {
	ConnID string `json:"connId"`
	Name   string `json:"name"`
}

type RenameRoomRequest struct {
	ConnID string `json:"connId"`
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type RenameCategoryRequest struct {
	ConnID     string `json:"connId"`
	CategoryID string `json:"categoryId"`
	Name       string `json:"name"`
}

// LayoutCategory is one category row in a bulk layout update.
type LayoutCategory struct {
	ID               string `json:"id"`
	Position         int    `json:"position"`
	EnforceTypeOrder bool   `json:"enforceTypeOrder"`
}

// LayoutRoom is one room row in a bulk layout update.
type LayoutRoom struct {
	ID         string `json:"id"`
	CategoryID string `json:"categoryId"`
	Position   int    `json:"position"`
}

type UpdateLayoutRequest struct {
	ConnID     string           `json:"connId"`
	Categories []LayoutCategory `json:"categories"`
	Rooms      []LayoutRoom     `json:"rooms"`
}

type RoomRequest struct {
	ConnID string `json:"connId"`
	RoomID string `json:"roomId"`
}

type HistoryRequest struct {
	ConnID string `json:"connId"`
	RoomID string `json:"roomId"`
	Before int64  `json:"before,omitempty"`
}

type SendMessageRequest struct {
	ConnID        string   `json:"connId"`
	RoomID        string   `json:"roomId"`
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
	Nonce         string   `json:"nonce,omitempty"`
}

type SetReactionRequest struct {
	ConnID    string `json:"connId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Active    bool   `json:"active"`
}

type DeleteMessageRequest struct {
	ConnID    string `json:"connId"`
	MessageID string `json:"messageId"`
}

type OpenDMRequest struct {
	ConnID       string `json:"connId"`
	TargetUserID string `json:"targetUserId"`
}

type StartCallRequest struct {
	ConnID       string `json:"connId"`
	TargetUserID string `json:"targetUserId"`
}

type CallMemberRequest struct {
	ConnID       string `json:"connId"`
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

type SetPrefRequest struct {
	ConnID string `json:"connId"`
	RoomID string `json:"roomId"`
	Mode   string `json:"mode"`
}
