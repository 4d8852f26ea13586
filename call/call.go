// Package call manages short-lived voice rooms layered over the room
// abstraction. Call rooms live only in memory: they are torn down when the
// owner leaves, so nothing about them is worth persisting.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sciphr/chitchat-server-sub000/event"
)

// TypeCall is the room type of an ephemeral call room.
const TypeCall = "ephemeral-call"

// ConnSource resolves a user's live connections for delivery.
type ConnSource interface {
	UserConnIDs(userID string) []string
}

// Unsubscriber force-removes a user's room subscriptions when they are kicked
// from a call or the call ends.
type Unsubscriber interface {
	UnsubscribeUser(userID, roomID string)
}

// State is the call-state payload broadcast to every participant connection.
type State struct {
	RoomID             string   `json:"roomId"`
	RoomType           string   `json:"roomType"`
	OwnerUserID        string   `json:"ownerUserId"`
	ParticipantUserIDs []string `json:"participantUserIds"`
}

type callRoom struct {
	id           string
	ownerUserID  string
	participants map[string]bool
	createdAt    time.Time
}

// Manager owns all live call rooms.
type Manager struct {
	mu    sync.Mutex
	calls map[string]*callRoom

	sender event.Sender
	conns  ConnSource
	unsub  Unsubscriber

	started metric.Int64Counter
	ended   metric.Int64Counter
}

// New creates a manager. unsub may be set later via SetUnsubscriber when the
// fan-out engine is constructed after the call manager.
func New(sender event.Sender, conns ConnSource, meter metric.Meter) *Manager {
	m := &Manager{
		calls:  make(map[string]*callRoom),
		sender: sender,
		conns:  conns,
	}
	if meter != nil {
		m.started, _ = meter.Int64Counter("calls_started_total",
			metric.WithDescription("Ephemeral calls started"))
		m.ended, _ = meter.Int64Counter("calls_ended_total",
			metric.WithDescription("Ephemeral calls torn down"))
	}
	return m
}

// SetUnsubscriber wires the fan-out engine's forced unsubscribe hook.
func (m *Manager) SetUnsubscriber(u Unsubscriber) {
	m.unsub = u
}

// Start creates a call room owned by ownerUserID with the target as the
// second member and broadcasts the initial call state to both.
func (m *Manager) Start(ctx context.Context, ownerUserID, targetUserID string) (State, error) {
	if targetUserID == "" || targetUserID == ownerUserID {
		return State{}, fmt.Errorf("invalid call target")
	}

	room := &callRoom{
		id:           uuid.NewString(),
		ownerUserID:  ownerUserID,
		participants: map[string]bool{ownerUserID: true, targetUserID: true},
		createdAt:    time.Now(),
	}

	m.mu.Lock()
	m.calls[room.id] = room
	state := stateLocked(room)
	m.mu.Unlock()

	if m.started != nil {
		m.started.Add(ctx, 1)
	}
	slog.InfoContext(ctx, "Call started", "call", room.id, "owner", ownerUserID, "target", targetUserID)
	m.broadcastState(state)
	return state, nil
}

// AddParticipant adds a user to a call. Owner only.
func (m *Manager) AddParticipant(ctx context.Context, callerUserID, callID, targetUserID string) error {
	m.mu.Lock()
	room, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("call not found")
	}
	if room.ownerUserID != callerUserID {
		m.mu.Unlock()
		return fmt.Errorf("only the call owner may add participants")
	}
	room.participants[targetUserID] = true
	state := stateLocked(room)
	m.mu.Unlock()

	slog.InfoContext(ctx, "Call participant added", "call", callID, "user", targetUserID)
	m.broadcastState(state)
	return nil
}

// RemoveParticipant removes a user from a call, force-unsubscribing their
// connections. Owner only; the owner cannot remove themselves this way.
func (m *Manager) RemoveParticipant(ctx context.Context, callerUserID, callID, targetUserID string) error {
	m.mu.Lock()
	room, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("call not found")
	}
	if room.ownerUserID != callerUserID {
		m.mu.Unlock()
		return fmt.Errorf("only the call owner may remove participants")
	}
	if targetUserID == room.ownerUserID {
		m.mu.Unlock()
		return fmt.Errorf("owner cannot be removed")
	}
	if !room.participants[targetUserID] {
		m.mu.Unlock()
		return fmt.Errorf("not a call participant")
	}
	delete(room.participants, targetUserID)
	state := stateLocked(room)
	m.mu.Unlock()

	m.expelUser(targetUserID, callID, event.CallRemoved)
	slog.InfoContext(ctx, "Call participant removed", "call", callID, "user", targetUserID)
	m.broadcastState(state)
	return nil
}

// Leave removes the caller from a call. A non-owner just drops out; the
// owner leaving tears the whole call down.
func (m *Manager) Leave(ctx context.Context, userID, callID string) error {
	m.mu.Lock()
	room, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("call not found")
	}
	if !room.participants[userID] {
		m.mu.Unlock()
		return fmt.Errorf("not a call participant")
	}
	if room.ownerUserID == userID {
		m.mu.Unlock()
		return m.End(ctx, userID, callID)
	}
	delete(room.participants, userID)
	state := stateLocked(room)
	m.mu.Unlock()

	m.expelUser(userID, callID, "")
	slog.InfoContext(ctx, "Call participant left", "call", callID, "user", userID)
	m.broadcastState(state)
	return nil
}

// End tears a call down. Owner only. Every participant connection receives
// exactly one call-ended event.
func (m *Manager) End(ctx context.Context, userID, callID string) error {
	m.mu.Lock()
	room, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("call not found")
	}
	if room.ownerUserID != userID {
		m.mu.Unlock()
		return fmt.Errorf("only the call owner may end the call")
	}
	delete(m.calls, callID)
	participants := participantsLocked(room)
	m.mu.Unlock()

	m.teardown(ctx, callID, participants)
	return nil
}

// HandleUserOffline handles a user's last connection going away: calls they
// own are torn down; calls they merely belong to drop them with a state
// rebroadcast.
func (m *Manager) HandleUserOffline(ctx context.Context, userID string) {
	m.mu.Lock()
	var owned []struct {
		id           string
		participants []string
	}
	var remaining []State
	for id, room := range m.calls {
		if !room.participants[userID] {
			continue
		}
		if room.ownerUserID == userID {
			delete(m.calls, id)
			owned = append(owned, struct {
				id           string
				participants []string
			}{id, participantsLocked(room)})
			continue
		}
		delete(room.participants, userID)
		remaining = append(remaining, stateLocked(room))
	}
	m.mu.Unlock()

	for _, call := range owned {
		m.teardown(ctx, call.id, call.participants)
	}
	for _, state := range remaining {
		if m.unsub != nil {
			m.unsub.UnsubscribeUser(userID, state.RoomID)
		}
		m.broadcastState(state)
	}
}

// Members returns the participant user ids of a call.
func (m *Manager) Members(callID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	return participantsLocked(room), true
}

// IsParticipant reports whether userID is in the call.
func (m *Manager) IsParticipant(callID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.calls[callID]
	return ok && room.participants[userID]
}

// teardown deletes all trace of a call and notifies every participant once.
func (m *Manager) teardown(ctx context.Context, callID string, participants []string) {
	for _, userID := range participants {
		if m.unsub != nil {
			m.unsub.UnsubscribeUser(userID, callID)
		}
		for _, connID := range m.conns.UserConnIDs(userID) {
			m.sender.Send(connID, event.CallEnded, map[string]string{"roomId": callID})
		}
	}
	if m.ended != nil {
		m.ended.Add(ctx, 1)
	}
	slog.InfoContext(ctx, "Call ended", "call", callID, "participants", len(participants))
}

// expelUser unsubscribes a user's connections from the call room and, when an
// event name is given, tells them why.
func (m *Manager) expelUser(userID, callID, eventName string) {
	if m.unsub != nil {
		m.unsub.UnsubscribeUser(userID, callID)
	}
	if eventName == "" {
		return
	}
	for _, connID := range m.conns.UserConnIDs(userID) {
		m.sender.Send(connID, eventName, map[string]string{"roomId": callID})
	}
}

// broadcastState sends the call state to every participant connection.
func (m *Manager) broadcastState(state State) {
	for _, userID := range state.ParticipantUserIDs {
		for _, connID := range m.conns.UserConnIDs(userID) {
			m.sender.Send(connID, event.CallState, state)
		}
	}
}

func stateLocked(room *callRoom) State {
	return State{
		RoomID:             room.id,
		RoomType:           TypeCall,
		OwnerUserID:        room.ownerUserID,
		ParticipantUserIDs: participantsLocked(room),
	}
}

func participantsLocked(room *callRoom) []string {
	out := make([]string, 0, len(room.participants))
	for uid := range room.participants {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
