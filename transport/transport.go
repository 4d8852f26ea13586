// Package transport adapts the coordinator to NATS. Inbound operations are
// request/reply subjects answered with an ack envelope; outbound events are
// published fire-and-forget to each connection's own deliver subject, so a
// slow receiver can never block a broadcast.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sciphr/chitchat-server-sub000/auth"
	"github.com/Sciphr/chitchat-server-sub000/call"
	"github.com/Sciphr/chitchat-server-sub000/event"
	"github.com/Sciphr/chitchat-server-sub000/fanout"
	"github.com/Sciphr/chitchat-server-sub000/notify"
	"github.com/Sciphr/chitchat-server-sub000/pkg/otelhelper"
	"github.com/Sciphr/chitchat-server-sub000/registry"
	"github.com/Sciphr/chitchat-server-sub000/topology"
)

// TokenVerifier verifies a bearer credential at handshake.
type TokenVerifier interface {
	Validate(token string) (*auth.Claims, error)
}

// Transport wires every inbound subject to its component and carries
// outbound events back to connections.
type Transport struct {
	nc       *nats.Conn
	registry *registry.Registry
	topo     *topology.Manager
	engine   *fanout.Engine
	calls    *call.Manager
	prefs    *notify.Service
	verifier TokenVerifier
	connTTL  time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	subs []*nats.Subscription

	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// New creates a transport. Components are attached afterwards with Attach,
// because the registry needs the transport as its sender first.
func New(nc *nats.Conn, verifier TokenVerifier, connTTL time.Duration, meter metric.Meter) *Transport {
	t := &Transport{
		nc:       nc,
		verifier: verifier,
		connTTL:  connTTL,
		lastSeen: make(map[string]time.Time),
	}
	if meter != nil {
		t.requests, _ = meter.Int64Counter("coordinator_requests_total",
			metric.WithDescription("Inbound operations handled"))
		t.requestDuration, _ = otelhelper.NewDurationHistogram(meter,
			"coordinator_request_duration_seconds", "Inbound operation duration")
	}
	return t
}

// Attach wires the components once they exist.
func (t *Transport) Attach(reg *registry.Registry, topo *topology.Manager, engine *fanout.Engine, calls *call.Manager, prefs *notify.Service) {
	t.registry = reg
	t.topo = topo
	t.engine = engine
	t.calls = calls
	t.prefs = prefs
}

// Send publishes one event to a connection's deliver subject. Fire and
// forget: NATS buffers the publish, and a gone subscriber just drops it.
func (t *Transport) Send(connID, eventName string, payload any) {
	conn, ok := t.registry.Get(connID)
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal outbound event", "event", eventName, "error", err)
		return
	}
	subject := fmt.Sprintf("deliver.%s.%s.%s", conn.UserID, connID, eventName)
	if err := otelhelper.TracedPublish(context.Background(), t.nc, subject, data); err != nil {
		slog.Debug("Failed to publish outbound event", "subject", subject, "error", err)
	}
}

// Start subscribes every inbound subject and launches the connection reaper.
func (t *Transport) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, *nats.Msg) event.Ack{
		event.SubjectIdentify:       t.handleIdentify,
		event.SubjectHeartbeat:      t.handleHeartbeat,
		event.SubjectDisconnect:     t.handleDisconnect,
		event.SubjectSetStatus:      t.handleSetStatus,
		event.SubjectSetActivity:    t.handleSetActivity,
		event.SubjectGetRooms:       t.handleGetRooms,
		event.SubjectCreateRoom:     t.handleCreateRoom,
		event.SubjectCreateCategory: t.handleCreateCategory,
		event.SubjectRenameRoom:     t.handleRenameRoom,
		event.SubjectRenameCategory: t.handleRenameCategory,
		event.SubjectUpdateLayout:   t.handleUpdateLayout,
		event.SubjectJoinRoom:       t.handleJoinRoom,
		event.SubjectLeaveRoom:      t.handleLeaveRoom,
		event.SubjectHistory:        t.handleHistory,
		event.SubjectSendMessage:    t.handleSendMessage,
		event.SubjectTypingStart:    t.handleTyping(true),
		event.SubjectTypingStop:     t.handleTyping(false),
		event.SubjectSetReaction:    t.handleSetReaction,
		event.SubjectDeleteMessage:  t.handleDeleteMessage,
		event.SubjectOpenDM:         t.handleOpenDM,
		event.SubjectListDMs:        t.handleListDMs,
		event.SubjectStartCall:      t.handleStartCall,
		event.SubjectCallInvite:     t.handleCallInvite,
		event.SubjectCallKick:       t.handleCallKick,
		event.SubjectCallLeave:      t.handleCallLeave,
		event.SubjectCallEnd:        t.handleCallEnd,
		event.SubjectGetPrefs:       t.handleGetPrefs,
		event.SubjectSetPref:        t.handleSetPref,
	}

	for subject, handler := range handlers {
		sub, err := t.nc.Subscribe(subject, t.instrument(subject, handler))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
	}

	go t.reapLoop(ctx)
	slog.Info("Transport started", "subjects", len(handlers), "conn_ttl", t.connTTL)
	return nil
}

// instrument wraps a handler with tracing, metrics, and the ack reply. A
// requester that disconnected mid-operation just fails the Respond, which is
// logged and otherwise ignored; committed mutations have already broadcast.
func (t *Transport) instrument(subject string, handler func(context.Context, *nats.Msg) event.Ack) nats.MsgHandler {
	return func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, subject)
		defer span.End()

		ack := handler(ctx, msg)
		if !ack.OK {
			span.SetAttributes(attribute.String("coordinator.error", ack.Error))
		}
		t.respond(ctx, msg, ack)

		result := "ok"
		if !ack.OK {
			result = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("subject", subject),
			attribute.String("result", result),
		)
		if t.requests != nil {
			t.requests.Add(ctx, 1, attrs)
		}
		if t.requestDuration != nil {
			t.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}
}

func (t *Transport) respond(ctx context.Context, msg *nats.Msg, ack event.Ack) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal ack", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.DebugContext(ctx, "Failed to respond (requester gone?)", "error", err)
	}
}

// decode strictly unmarshals an inbound payload; unknown fields are rejected
// before dispatch.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// conn resolves the issuing connection and refreshes its liveness.
func (t *Transport) conn(connID string) (*registry.Connection, error) {
	conn, ok := t.registry.Get(connID)
	if !ok {
		return nil, errors.New("unknown connection")
	}
	t.touch(connID)
	return conn, nil
}

// touch refreshes liveness for a registered connection. Unknown connIds are
// ignored so a bad request cannot plant a phantom lastSeen entry.
func (t *Transport) touch(connID string) {
	if _, ok := t.registry.Get(connID); !ok {
		return
	}
	t.mu.Lock()
	t.lastSeen[connID] = time.Now()
	t.mu.Unlock()
}

// ── connection lifecycle ──────────────────────────────────────────

func (t *Transport) handleIdentify(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.IdentifyRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	claims, err := t.verifier.Validate(req.Token)
	if err != nil {
		slog.WarnContext(ctx, "Handshake rejected", "error", err)
		return event.ErrAck("invalid credentials")
	}

	conn := t.registry.Register(registry.Identity{
		UserID:      claims.Username,
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.AvatarURL,
		IsAdmin:     claims.IsAdmin,
		Roles:       claims.Roles,
	})
	t.touch(conn.ID)

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("chat.user", claims.Username))
	slog.InfoContext(ctx, "Connection identified", "conn", conn.ID, "user", claims.Username)

	// Bootstrap the fresh connection with the shared state it missed.
	t.Send(conn.ID, event.RoomsStructure, t.topo.Structure())
	if dms, err := t.engine.ListDMs(ctx, conn.ID); err == nil {
		t.Send(conn.ID, event.DMsList, dms)
	}

	return event.OKAck(map[string]any{
		"connId":      conn.ID,
		"userId":      conn.UserID,
		"displayName": conn.DisplayName,
		"isAdmin":     conn.IsAdmin,
	})
}

func (t *Transport) handleHeartbeat(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.ConnRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.conn(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleDisconnect(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.ConnRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.dropConnection(ctx, req.ConnID)
	return event.OKAck(nil)
}

// dropConnection is the single teardown path shared by explicit disconnects
// and the reaper: fan-out state first, then the registry, then call cleanup
// once the user's last connection is gone.
func (t *Transport) dropConnection(ctx context.Context, connID string) {
	t.engine.DropConnection(connID)

	t.mu.Lock()
	delete(t.lastSeen, connID)
	t.mu.Unlock()

	conn, remaining := t.registry.Disconnect(connID)
	if conn == nil {
		return
	}
	if !remaining {
		t.calls.HandleUserOffline(ctx, conn.UserID)
	}
	slog.InfoContext(ctx, "Connection dropped", "conn", connID, "user", conn.UserID)
}

// reapLoop expires connections that stopped heartbeating, funnelling them
// through the normal disconnect path.
func (t *Transport) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(t.connTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.connTTL)
			t.mu.Lock()
			var stale []string
			for connID, seen := range t.lastSeen {
				if seen.Before(cutoff) {
					stale = append(stale, connID)
				}
			}
			t.mu.Unlock()
			for _, connID := range stale {
				slog.Info("Reaping silent connection", "conn", connID)
				t.dropConnection(ctx, connID)
			}
		}
	}
}

// ── presence ──────────────────────────────────────────────────────

func (t *Transport) handleSetStatus(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.SetStatusRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	if err := t.registry.SetStatus(req.ConnID, req.Status); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleSetActivity(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.SetActivityRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	if err := t.registry.SetActivity(req.ConnID, req.Activity); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

// ── topology ──────────────────────────────────────────────────────

func (t *Transport) handleGetRooms(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.ConnRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.conn(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(t.topo.Structure())
}

// requireManager gates privileged topology mutations on the caller's
// capability set.
func (t *Transport) requireManager(connID string) (*registry.Connection, error) {
	conn, err := t.conn(connID)
	if err != nil {
		return nil, err
	}
	if !auth.CapabilitiesFor(conn.IsAdmin, conn.Roles).ManageChannels {
		return nil, errors.New("channel management requires elevated permissions")
	}
	return conn, nil
}

func (t *Transport) handleCreateRoom(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.CreateRoomRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.requireManager(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	room, err := t.topo.CreateRoom(ctx, req.Name, req.Type, req.CategoryID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(room)
}

func (t *Transport) handleCreateCategory(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.CreateCategoryRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.requireManager(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	cat, err := t.topo.CreateCategory(ctx, req.Name)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(cat)
}

func (t *Transport) handleRenameRoom(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.RenameRoomRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.requireManager(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.topo.RenameRoom(ctx, req.RoomID, req.Name); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleRenameCategory(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.RenameCategoryRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.requireManager(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.topo.RenameCategory(ctx, req.CategoryID, req.Name); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleUpdateLayout(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.UpdateLayoutRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	if _, err := t.requireManager(req.ConnID); err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.topo.UpdateLayout(ctx, req.Categories, req.Rooms); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

// ── rooms & chat ──────────────────────────────────────────────────

func (t *Transport) handleJoinRoom(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.RoomRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	if err := t.engine.JoinRoom(ctx, req.ConnID, req.RoomID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleLeaveRoom(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.RoomRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	t.engine.LeaveRoom(req.ConnID, req.RoomID)
	return event.OKAck(nil)
}

func (t *Transport) handleHistory(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.HistoryRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	page, err := t.engine.History(ctx, req.ConnID, req)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	t.Send(req.ConnID, event.MessageHistory, page)
	return event.OKAck(page)
}

func (t *Transport) handleSendMessage(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.SendMessageRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	payload, err := t.engine.SendMessage(ctx, req.ConnID, req)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(payload)
}

func (t *Transport) handleTyping(start bool) func(context.Context, *nats.Msg) event.Ack {
	return func(ctx context.Context, msg *nats.Msg) event.Ack {
		var req event.RoomRequest
		if err := decode(msg.Data, &req); err != nil {
			return event.ErrAck(err.Error())
		}
		t.touch(req.ConnID)
		if err := t.engine.Typing(ctx, req.ConnID, req.RoomID, start); err != nil {
			return event.ErrAck(err.Error())
		}
		return event.OKAck(nil)
	}
}

func (t *Transport) handleSetReaction(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.SetReactionRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	update, err := t.engine.SetReaction(ctx, req.ConnID, req)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(update)
}

func (t *Transport) handleDeleteMessage(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.DeleteMessageRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	if err := t.engine.DeleteMessage(ctx, req.ConnID, req.MessageID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

// ── direct messages ───────────────────────────────────────────────

func (t *Transport) handleOpenDM(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.OpenDMRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	info, err := t.engine.OpenDM(ctx, req.ConnID, req.TargetUserID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(info)
}

func (t *Transport) handleListDMs(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.ConnRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	t.touch(req.ConnID)
	dms, err := t.engine.ListDMs(ctx, req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	t.Send(req.ConnID, event.DMsList, dms)
	return event.OKAck(dms)
}

// ── calls ─────────────────────────────────────────────────────────

func (t *Transport) handleStartCall(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.StartCallRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	state, err := t.calls.Start(ctx, conn.UserID, req.TargetUserID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(state)
}

func (t *Transport) handleCallInvite(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.CallMemberRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.calls.AddParticipant(ctx, conn.UserID, req.CallID, req.TargetUserID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleCallKick(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.CallMemberRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.calls.RemoveParticipant(ctx, conn.UserID, req.CallID, req.TargetUserID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleCallLeave(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.CallMemberRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.calls.Leave(ctx, conn.UserID, req.CallID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

func (t *Transport) handleCallEnd(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.CallMemberRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.calls.End(ctx, conn.UserID, req.CallID); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

// ── notification preferences ──────────────────────────────────────

func (t *Transport) handleGetPrefs(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.ConnRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	prefs, err := t.prefs.Get(ctx, conn.UserID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(prefs)
}

func (t *Transport) handleSetPref(ctx context.Context, msg *nats.Msg) event.Ack {
	var req event.SetPrefRequest
	if err := decode(msg.Data, &req); err != nil {
		return event.ErrAck(err.Error())
	}
	conn, err := t.conn(req.ConnID)
	if err != nil {
		return event.ErrAck(err.Error())
	}
	if err := t.prefs.Set(ctx, conn.UserID, req.RoomID, req.Mode); err != nil {
		return event.ErrAck(err.Error())
	}
	return event.OKAck(nil)
}

// Drain unsubscribes all inbound subjects.
func (t *Transport) Drain() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
}
