// Package fanout validates and routes chat messages, typing indicators, and
// reactions to room subscribers, and raises lightweight notify events for
// users who are online but not watching the room.
package fanout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sciphr/chitchat-server-sub000/call"
	"github.com/Sciphr/chitchat-server-sub000/event"
	"github.com/Sciphr/chitchat-server-sub000/registry"
	"github.com/Sciphr/chitchat-server-sub000/store"
)

// ErrRateLimited marks a send rejected by the rate limiter; the caller may
// retry after the window slides.
var ErrRateLimited = errors.New("rate limit exceeded, try again later")

// Persister is the slice of the store the engine uses.
type Persister interface {
	InsertMessage(ctx context.Context, m store.Message, attachmentIDs []string) error
	MessagesBefore(ctx context.Context, roomID string, before int64, limit int) ([]store.Message, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
	MarkDeleted(ctx context.Context, id string) error
	MessageAttachments(ctx context.Context, messageID string) ([]store.Attachment, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	Reactions(ctx context.Context, messageID string) (map[string][]string, error)
	GetRoom(ctx context.Context, id string) (store.Room, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	FindDMRoom(ctx context.Context, userA, userB string) (string, error)
	CreateDMRoom(ctx context.Context, roomID, name, userA, userB string) error
	DMRoomsForUser(ctx context.Context, userID string) ([]store.Room, error)
}

// Roster is the slice of the connection registry the engine uses.
type Roster interface {
	Get(connID string) (*registry.Connection, bool)
	UserConnIDs(userID string) []string
	Connections() []*registry.Connection
}

// Limiter throttles sends per connection.
type Limiter interface {
	Allow(key string) bool
	Forget(key string)
}

// Rooms resolves persistent text/voice rooms from the topology cache.
type Rooms interface {
	Room(roomID string) (store.Room, bool)
}

// Calls resolves ephemeral call rooms.
type Calls interface {
	Members(callID string) ([]string, bool)
}

// PrefSource supplies the effective notification mode for notify gating.
type PrefSource interface {
	Mode(ctx context.Context, userID, roomID string) string
}

// MessagePayload is the broadcast form of a message, with the author
// identity resolved and reactions aggregated.
type MessagePayload struct {
	ID           string                `json:"id"`
	RoomID       string                `json:"roomId"`
	AuthorID     string                `json:"authorId"`
	AuthorName   string                `json:"authorName"`
	AuthorAvatar string                `json:"authorAvatar,omitempty"`
	Content      string                `json:"content"`
	Timestamp    int64                 `json:"timestamp"`
	Deleted      bool                  `json:"deleted,omitempty"`
	Attachments  []store.Attachment    `json:"attachments,omitempty"`
	Reactions    []store.ReactionCount `json:"reactions"`
	Nonce        string                `json:"nonce,omitempty"`
}

// HistoryPage is one page of room history, ascending by timestamp.
type HistoryPage struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// ReactionUpdate is broadcast after a reaction toggle.
type ReactionUpdate struct {
	MessageID string                `json:"messageId"`
	RoomID    string                `json:"roomId"`
	Reactions []store.ReactionCount `json:"reactions"`
}

// TypingEvent identifies who is typing where.
type TypingEvent struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// DMInfo is one entry of the dms-list payload.
type DMInfo struct {
	RoomID      string `json:"roomId"`
	OtherUserID string `json:"otherUserId"`
}

// subscriptions is a dual index of room subscriptions: forward conn -> rooms
// and reverse room -> conns, kept consistent under one mutex.
type subscriptions struct {
	mu      sync.Mutex
	byConn  map[string]map[string]bool
	byRoom  map[string]map[string]bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byConn: make(map[string]map[string]bool),
		byRoom: make(map[string]map[string]bool),
	}
}

func (s *subscriptions) add(connID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byConn[connID] == nil {
		s.byConn[connID] = make(map[string]bool)
	}
	s.byConn[connID][roomID] = true
	if s.byRoom[roomID] == nil {
		s.byRoom[roomID] = make(map[string]bool)
	}
	s.byRoom[roomID][connID] = true
}

func (s *subscriptions) remove(connID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConn[connID], roomID)
	if conns, ok := s.byRoom[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.byRoom, roomID)
		}
	}
}

func (s *subscriptions) dropConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID := range s.byConn[connID] {
		delete(s.byRoom[roomID], connID)
		if len(s.byRoom[roomID]) == 0 {
			delete(s.byRoom, roomID)
		}
	}
	delete(s.byConn, connID)
}

func (s *subscriptions) subscribed(connID, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byConn[connID][roomID]
}

func (s *subscriptions) roomConns(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byRoom[roomID]))
	for connID := range s.byRoom[roomID] {
		out = append(out, connID)
	}
	return out
}

// Engine is the message fan-out engine.
type Engine struct {
	db      Persister
	roster  Roster
	limiter Limiter
	rooms   Rooms
	calls   Calls
	prefs   PrefSource
	sender  event.Sender
	subs    *subscriptions

	maxMessageLen int
	pageSize      int

	messagesTotal   metric.Int64Counter
	rejectedTotal   metric.Int64Counter
	fanoutDuration  metric.Float64Histogram
}

// Config carries the engine tunables.
type Config struct {
	MaxMessageLen int
	PageSize      int
}

// New creates the engine.
func New(db Persister, roster Roster, limiter Limiter, rooms Rooms, calls Calls, prefs PrefSource, sender event.Sender, cfg Config, meter metric.Meter) *Engine {
	e := &Engine{
		db:            db,
		roster:        roster,
		limiter:       limiter,
		rooms:         rooms,
		calls:         calls,
		prefs:         prefs,
		sender:        sender,
		subs:          newSubscriptions(),
		maxMessageLen: cfg.MaxMessageLen,
		pageSize:      cfg.PageSize,
	}
	if meter != nil {
		e.messagesTotal, _ = meter.Int64Counter("fanout_messages_total",
			metric.WithDescription("Messages accepted and fanned out"))
		e.rejectedTotal, _ = meter.Int64Counter("messages_rejected_total",
			metric.WithDescription("Messages rejected before fan-out"))
		e.fanoutDuration, _ = meter.Float64Histogram("fanout_duration_seconds",
			metric.WithDescription("Send pipeline duration"), metric.WithUnit("s"))
	}
	return e
}

// roomInfo is the resolved view of any room kind.
type roomInfo struct {
	id      string
	kind    string
	members []string // only for dm and call rooms
}

// resolveRoom finds a room in the topology cache, the store (dm), or the
// call manager.
func (e *Engine) resolveRoom(ctx context.Context, roomID string) (roomInfo, error) {
	if r, ok := e.rooms.Room(roomID); ok {
		return roomInfo{id: r.ID, kind: r.Type}, nil
	}
	if members, ok := e.calls.Members(roomID); ok {
		return roomInfo{id: roomID, kind: call.TypeCall, members: members}, nil
	}
	r, err := e.db.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return roomInfo{}, fmt.Errorf("room not found")
		}
		slog.ErrorContext(ctx, "Failed to resolve room", "room", roomID, "error", err)
		return roomInfo{}, fmt.Errorf("internal error")
	}
	info := roomInfo{id: r.ID, kind: r.Type}
	if r.Type == store.RoomDM {
		info.members, err = e.db.RoomMembers(ctx, roomID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load dm members", "room", roomID, "error", err)
			return roomInfo{}, fmt.Errorf("internal error")
		}
	}
	return info, nil
}

// restricted reports whether the room kind gates operations on membership.
func (r roomInfo) restricted() bool {
	return r.kind == store.RoomDM || r.kind == call.TypeCall
}

func (r roomInfo) isMember(userID string) bool {
	for _, m := range r.members {
		if m == userID {
			return true
		}
	}
	return false
}

// checkAccess verifies the user may act in the room.
func (e *Engine) checkAccess(info roomInfo, userID string) error {
	if info.restricted() && !info.isMember(userID) {
		return fmt.Errorf("not a member of this room")
	}
	return nil
}

// ── subscriptions ─────────────────────────────────────────────────

// JoinRoom subscribes a connection to a room's live events.
func (e *Engine) JoinRoom(ctx context.Context, connID, roomID string) error {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return fmt.Errorf("unknown connection")
	}
	info, err := e.resolveRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := e.checkAccess(info, conn.UserID); err != nil {
		return err
	}
	e.subs.add(connID, roomID)
	slog.DebugContext(ctx, "Connection joined room", "conn", connID, "room", roomID)
	return nil
}

// LeaveRoom unsubscribes a connection from a room.
func (e *Engine) LeaveRoom(connID, roomID string) {
	e.subs.remove(connID, roomID)
}

// UnsubscribeUser force-removes every connection of userID from roomID.
// Satisfies the call manager's teardown hook.
func (e *Engine) UnsubscribeUser(userID, roomID string) {
	for _, connID := range e.roster.UserConnIDs(userID) {
		e.subs.remove(connID, roomID)
	}
}

// DropConnection clears all per-connection state on disconnect.
func (e *Engine) DropConnection(connID string) {
	e.subs.dropConn(connID)
	e.limiter.Forget(connID)
}

// ── messages ──────────────────────────────────────────────────────

// SendMessage runs the full send pipeline and returns the accepted payload
// for the acknowledgement. The client nonce rides along unchanged so the
// sender can reconcile its optimistic insert.
func (e *Engine) SendMessage(ctx context.Context, connID string, req event.SendMessageRequest) (MessagePayload, error) {
	start := time.Now()

	conn, ok := e.roster.Get(connID)
	if !ok {
		return MessagePayload{}, fmt.Errorf("unknown connection")
	}

	if !e.limiter.Allow(connID) {
		e.reject(ctx, "rate_limit")
		return MessagePayload{}, ErrRateLimited
	}

	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.AttachmentIDs) == 0 {
		e.reject(ctx, "empty")
		return MessagePayload{}, fmt.Errorf("message is empty")
	}
	if e.maxMessageLen > 0 && len(content) > e.maxMessageLen {
		e.reject(ctx, "too_long")
		return MessagePayload{}, fmt.Errorf("message exceeds %d characters", e.maxMessageLen)
	}

	info, err := e.resolveRoom(ctx, req.RoomID)
	if err != nil {
		e.reject(ctx, "room")
		return MessagePayload{}, err
	}
	if err := e.checkAccess(info, conn.UserID); err != nil {
		e.reject(ctx, "access")
		return MessagePayload{}, err
	}

	msg := store.Message{
		ID:        uuid.NewString(),
		RoomID:    req.RoomID,
		AuthorID:  conn.UserID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.db.InsertMessage(ctx, msg, req.AttachmentIDs); err != nil {
		slog.ErrorContext(ctx, "Failed to persist message", "room", req.RoomID, "error", err)
		e.reject(ctx, "persistence")
		return MessagePayload{}, fmt.Errorf("internal error")
	}

	payload := MessagePayload{
		ID:           msg.ID,
		RoomID:       msg.RoomID,
		AuthorID:     conn.UserID,
		AuthorName:   conn.DisplayName,
		AuthorAvatar: conn.AvatarRef,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp,
		Reactions:    []store.ReactionCount{},
		Nonce:        req.Nonce,
	}
	if len(req.AttachmentIDs) > 0 {
		payload.Attachments, err = e.db.MessageAttachments(ctx, msg.ID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load attachments for broadcast", "message", msg.ID, "error", err)
		}
	}

	e.broadcastToRoom(req.RoomID, event.MessageNew, payload)
	e.notifyUnsubscribed(ctx, info, conn.UserID, payload)

	if e.messagesTotal != nil {
		e.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("room", req.RoomID)))
	}
	if e.fanoutDuration != nil {
		e.fanoutDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.InfoContext(ctx, "Message fanned out", "room", req.RoomID, "message", msg.ID,
		"duration_ms", time.Since(start).Milliseconds())
	return payload, nil
}

// notifyUnsubscribed raises a message-notify for every online user who is not
// the sender and has no connection watching the room. DM rooms notify only
// the other member. Users who muted the room are skipped.
func (e *Engine) notifyUnsubscribed(ctx context.Context, info roomInfo, senderUserID string, payload MessagePayload) {
	candidates := make(map[string]bool)
	if info.kind == store.RoomDM {
		for _, uid := range info.members {
			if uid != senderUserID {
				candidates[uid] = true
			}
		}
	} else {
		for _, conn := range e.roster.Connections() {
			if conn.UserID != senderUserID {
				candidates[conn.UserID] = true
			}
		}
	}

	for userID := range candidates {
		if e.prefs != nil && e.prefs.Mode(ctx, userID, info.id) == "mute" {
			continue
		}
		for _, connID := range e.roster.UserConnIDs(userID) {
			if e.subs.subscribed(connID, info.id) {
				continue
			}
			e.sender.Send(connID, event.MessageNotify, payload)
		}
	}
}

// History returns one page of a room's messages, newest page first but each
// page sorted ascending. hasMore is set when the page came back full.
func (e *Engine) History(ctx context.Context, connID string, req event.HistoryRequest) (HistoryPage, error) {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return HistoryPage{}, fmt.Errorf("unknown connection")
	}
	info, err := e.resolveRoom(ctx, req.RoomID)
	if err != nil {
		return HistoryPage{}, err
	}
	if err := e.checkAccess(info, conn.UserID); err != nil {
		return HistoryPage{}, err
	}

	msgs, err := e.db.MessagesBefore(ctx, req.RoomID, req.Before, e.pageSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load history", "room", req.RoomID, "error", err)
		return HistoryPage{}, fmt.Errorf("internal error")
	}

	page := HistoryPage{
		RoomID:   req.RoomID,
		Messages: make([]MessagePayload, 0, len(msgs)),
		HasMore:  len(msgs) == e.pageSize,
	}
	// The query returns newest first; clients want ascending.
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, e.hydrate(ctx, msgs[i]))
	}
	return page, nil
}

// hydrate fills in author identity, attachments, and reactions for a stored
// message. Author identity falls back to the raw id when the user is not
// currently known to the registry.
func (e *Engine) hydrate(ctx context.Context, m store.Message) MessagePayload {
	payload := MessagePayload{
		ID:         m.ID,
		RoomID:     m.RoomID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Deleted:    m.Deleted,
		Reactions:  []store.ReactionCount{},
	}
	for _, conn := range e.roster.Connections() {
		if conn.UserID == m.AuthorID {
			payload.AuthorName = conn.DisplayName
			payload.AuthorAvatar = conn.AvatarRef
			break
		}
	}
	if reactions, err := e.db.Reactions(ctx, m.ID); err == nil && len(reactions) > 0 {
		payload.Reactions = summarize(reactions)
	}
	if attachments, err := e.db.MessageAttachments(ctx, m.ID); err == nil {
		payload.Attachments = attachments
	}
	return payload
}

// DeleteMessage soft-deletes a message. Author or admin only.
func (e *Engine) DeleteMessage(ctx context.Context, connID, messageID string) error {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return fmt.Errorf("unknown connection")
	}
	msg, err := e.db.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message not found")
		}
		slog.ErrorContext(ctx, "Failed to load message", "message", messageID, "error", err)
		return fmt.Errorf("internal error")
	}
	if msg.AuthorID != conn.UserID && !conn.IsAdmin {
		return fmt.Errorf("only the author or an admin may delete a message")
	}

	if err := e.db.MarkDeleted(ctx, messageID); err != nil {
		slog.ErrorContext(ctx, "Failed to delete message", "message", messageID, "error", err)
		return fmt.Errorf("internal error")
	}

	e.broadcastToRoom(msg.RoomID, event.MessageDeleted, map[string]string{
		"messageId": messageID,
		"roomId":    msg.RoomID,
	})
	slog.InfoContext(ctx, "Message deleted", "message", messageID, "by", conn.UserID)
	return nil
}

// ── reactions ─────────────────────────────────────────────────────

// SetReaction toggles (userID, emoji) membership on a message and broadcasts
// the aggregated summary to the room. Toggling the same state twice is a
// no-op, not an error.
func (e *Engine) SetReaction(ctx context.Context, connID string, req event.SetReactionRequest) (ReactionUpdate, error) {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return ReactionUpdate{}, fmt.Errorf("unknown connection")
	}
	if req.Emoji == "" {
		return ReactionUpdate{}, fmt.Errorf("emoji is required")
	}

	msg, err := e.db.GetMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReactionUpdate{}, fmt.Errorf("message not found")
		}
		slog.ErrorContext(ctx, "Failed to load message", "message", req.MessageID, "error", err)
		return ReactionUpdate{}, fmt.Errorf("internal error")
	}
	info, err := e.resolveRoom(ctx, msg.RoomID)
	if err != nil {
		return ReactionUpdate{}, err
	}
	if err := e.checkAccess(info, conn.UserID); err != nil {
		return ReactionUpdate{}, err
	}

	if req.Active {
		err = e.db.AddReaction(ctx, req.MessageID, conn.UserID, req.Emoji)
	} else {
		err = e.db.RemoveReaction(ctx, req.MessageID, conn.UserID, req.Emoji)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to toggle reaction", "message", req.MessageID, "error", err)
		return ReactionUpdate{}, fmt.Errorf("internal error")
	}

	reactions, err := e.db.Reactions(ctx, req.MessageID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to aggregate reactions", "message", req.MessageID, "error", err)
		return ReactionUpdate{}, fmt.Errorf("internal error")
	}

	update := ReactionUpdate{
		MessageID: req.MessageID,
		RoomID:    msg.RoomID,
		Reactions: summarize(reactions),
	}
	e.broadcastToRoom(msg.RoomID, event.ReactionUpdate, update)
	return update, nil
}

// summarize aggregates raw reaction rows into the broadcast summary, sorted
// by count descending then emoji.
func summarize(reactions map[string][]string) []store.ReactionCount {
	out := make([]store.ReactionCount, 0, len(reactions))
	for emoji, users := range reactions {
		out = append(out, store.ReactionCount{Emoji: emoji, Count: len(users), UserIDs: users})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}

// ── typing ────────────────────────────────────────────────────────

// Typing fans a typing start/stop out to the room's other subscribers. The
// connection must itself be subscribed.
func (e *Engine) Typing(ctx context.Context, connID, roomID string, start bool) error {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return fmt.Errorf("unknown connection")
	}
	if !e.subs.subscribed(connID, roomID) {
		return fmt.Errorf("not subscribed to this room")
	}

	name := event.TypingStop
	if start {
		name = event.TypingStart
	}
	payload := TypingEvent{RoomID: roomID, UserID: conn.UserID, DisplayName: conn.DisplayName}
	for _, target := range e.subs.roomConns(roomID) {
		if target == connID {
			continue
		}
		e.sender.Send(target, name, payload)
	}
	return nil
}

// ── direct messages ───────────────────────────────────────────────

// OpenDM finds or creates the DM room between the caller and the target and
// announces a newly created room to both sides.
func (e *Engine) OpenDM(ctx context.Context, connID, targetUserID string) (DMInfo, error) {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return DMInfo{}, fmt.Errorf("unknown connection")
	}
	if targetUserID == "" || targetUserID == conn.UserID {
		return DMInfo{}, fmt.Errorf("invalid dm target")
	}

	roomID, err := e.db.FindDMRoom(ctx, conn.UserID, targetUserID)
	if err == nil {
		return DMInfo{RoomID: roomID, OtherUserID: targetUserID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.ErrorContext(ctx, "Failed to look up dm room", "error", err)
		return DMInfo{}, fmt.Errorf("internal error")
	}

	roomID = uuid.NewString()
	name := conn.UserID + ":" + targetUserID
	if err := e.db.CreateDMRoom(ctx, roomID, name, conn.UserID, targetUserID); err != nil {
		slog.ErrorContext(ctx, "Failed to create dm room", "error", err)
		return DMInfo{}, fmt.Errorf("internal error")
	}

	info := DMInfo{RoomID: roomID, OtherUserID: targetUserID}
	for _, uid := range []string{conn.UserID, targetUserID} {
		other := targetUserID
		if uid == targetUserID {
			other = conn.UserID
		}
		for _, cid := range e.roster.UserConnIDs(uid) {
			e.sender.Send(cid, event.DMNew, DMInfo{RoomID: roomID, OtherUserID: other})
		}
	}
	slog.InfoContext(ctx, "DM room created", "room", roomID, "between", name)
	return info, nil
}

// ListDMs returns the caller's DM rooms with the other member resolved.
func (e *Engine) ListDMs(ctx context.Context, connID string) ([]DMInfo, error) {
	conn, ok := e.roster.Get(connID)
	if !ok {
		return nil, fmt.Errorf("unknown connection")
	}
	rooms, err := e.db.DMRoomsForUser(ctx, conn.UserID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list dm rooms", "user", conn.UserID, "error", err)
		return nil, fmt.Errorf("internal error")
	}

	out := make([]DMInfo, 0, len(rooms))
	for _, r := range rooms {
		members, err := e.db.RoomMembers(ctx, r.ID)
		if err != nil {
			continue
		}
		info := DMInfo{RoomID: r.ID}
		for _, uid := range members {
			if uid != conn.UserID {
				info.OtherUserID = uid
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────

func (e *Engine) broadcastToRoom(roomID, eventName string, payload any) {
	for _, connID := range e.subs.roomConns(roomID) {
		e.sender.Send(connID, eventName, payload)
	}
}

func (e *Engine) reject(ctx context.Context, reason string) {
	if e.rejectedTotal != nil {
		e.rejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
