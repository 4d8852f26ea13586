// Package registry tracks live connections and derives user presence from
// them. A user may hold several connections at once (multi-device); presence
// goes offline only after the last connection closes and an offline grace
// window elapses without a reconnect.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sciphr/chitchat-server-sub000/event"
)

// Presence statuses. Offline is system-derived; clients may only request the
// other three.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
	StatusDND     = "dnd"
)

var clientStatuses = map[string]bool{
	StatusOnline: true, StatusAway: true, StatusDND: true,
}

// Identity is the already-verified identity supplied at handshake.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarRef   string
	IsAdmin     bool
	Roles       []string
}

// Connection is one live event channel tied to one authenticated user.
type Connection struct {
	ID string
	Identity
	ConnectedAt time.Time
}

// UserPresence is one entry of the full presence snapshot.
type UserPresence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
	Activity    string `json:"activity,omitempty"`
}

type presenceRecord struct {
	displayName string
	status      string
	activity    string
}

// Registry is the connection registry and presence tracker.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Connection            // connId -> connection
	byUser   map[string]map[string]*Connection // userId -> connId -> connection
	presence map[string]*presenceRecord        // userId -> derived presence
	grace    map[string]*time.Timer            // userId -> pending offline timer

	graceDelay time.Duration
	sender     event.Sender

	presenceUpdates metric.Int64Counter
	graceFired      metric.Int64Counter
}

// New creates a registry. graceDelay is the offline grace window; the sender
// receives full presence snapshots on every change.
func New(sender event.Sender, graceDelay time.Duration, meter metric.Meter) *Registry {
	r := &Registry{
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]map[string]*Connection),
		presence:   make(map[string]*presenceRecord),
		grace:      make(map[string]*time.Timer),
		graceDelay: graceDelay,
		sender:     sender,
	}
	if meter != nil {
		r.presenceUpdates, _ = meter.Int64Counter("presence_updates_total",
			metric.WithDescription("Total presence changes broadcast"))
		r.graceFired, _ = meter.Int64Counter("presence_offline_grace_fired_total",
			metric.WithDescription("Offline grace timers that fired"))
		connGauge, _ := meter.Int64ObservableGauge("registry_connections",
			metric.WithDescription("Currently registered connections"))
		_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(connGauge, int64(r.ConnCount()))
			return nil
		}, connGauge)
	}
	return r
}

// Register records a new connection for an already-verified identity, marks
// the user online, and cancels any pending offline grace timer.
func (r *Registry) Register(id Identity) *Connection {
	conn := &Connection{
		ID:          uuid.NewString(),
		Identity:    id,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	if r.byUser[id.UserID] == nil {
		r.byUser[id.UserID] = make(map[string]*Connection)
	}
	r.byUser[id.UserID][conn.ID] = conn

	if t, ok := r.grace[id.UserID]; ok {
		t.Stop()
		delete(r.grace, id.UserID)
	}

	rec := r.presence[id.UserID]
	if rec == nil {
		rec = &presenceRecord{}
		r.presence[id.UserID] = rec
	}
	rec.displayName = id.DisplayName
	if rec.status == "" || rec.status == StatusOffline {
		rec.status = StatusOnline
	}
	r.mu.Unlock()

	slog.Debug("Connection registered", "conn", conn.ID, "user", id.UserID)
	r.broadcastSnapshot()
	return conn
}

// Disconnect removes a connection. When it was the user's last connection an
// offline grace timer is scheduled; if it fires without a reconnect the user
// is marked offline and a snapshot is broadcast. Returns the removed
// connection and whether the user still has other live connections.
func (r *Registry) Disconnect(connID string) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, connID)
	userConns := r.byUser[conn.UserID]
	delete(userConns, connID)
	remaining := len(userConns) > 0
	if !remaining {
		delete(r.byUser, conn.UserID)
		r.scheduleOfflineLocked(conn.UserID)
	}
	r.mu.Unlock()

	slog.Debug("Connection removed", "conn", connID, "user", conn.UserID, "remaining", remaining)
	return conn, remaining
}

// scheduleOfflineLocked arms the grace timer for userID. Must hold r.mu.
// Cancel-or-fire is atomic: the fire path re-checks timer identity under the
// same mutex, so a cancelled timer can never mark a user offline.
func (r *Registry) scheduleOfflineLocked(userID string) {
	if t, ok := r.grace[userID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.graceDelay, func() {
		r.mu.Lock()
		if r.grace[userID] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.grace, userID)
		if len(r.byUser[userID]) > 0 {
			r.mu.Unlock()
			return
		}
		if rec := r.presence[userID]; rec != nil {
			rec.status = StatusOffline
			rec.activity = ""
		}
		r.mu.Unlock()

		if r.graceFired != nil {
			r.graceFired.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("user", userID)))
		}
		slog.Info("User went offline (grace elapsed)", "user", userID)
		r.broadcastSnapshot()
	})
	r.grace[userID] = timer
}

// SetStatus applies a client-requested status. Offline is rejected: it is
// always derived from connection state.
func (r *Registry) SetStatus(connID, status string) error {
	if !clientStatuses[status] {
		return fmt.Errorf("invalid status %q", status)
	}

	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown connection")
	}
	if rec := r.presence[conn.UserID]; rec != nil {
		rec.status = status
	}
	r.mu.Unlock()

	r.broadcastSnapshot()
	return nil
}

// SetActivity updates the free-text activity label shown next to presence.
func (r *Registry) SetActivity(connID, activity string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown connection")
	}
	if rec := r.presence[conn.UserID]; rec != nil {
		rec.activity = activity
	}
	r.mu.Unlock()

	r.broadcastSnapshot()
	return nil
}

// Get returns the connection for connID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Connections returns a copy of all live connections.
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnIDs returns the ids of all live connections.
func (r *Registry) ConnIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// UserConnIDs returns the ids of all connections belonging to userID.
func (r *Registry) UserConnIDs(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns the full presence state of every known user, sorted
// case-insensitively by display name. Snapshots are intentionally complete
// rather than deltas so clients self-heal after missed events.
func (r *Registry) Snapshot() []UserPresence {
	r.mu.Lock()
	out := make([]UserPresence, 0, len(r.presence))
	for userID, rec := range r.presence {
		out = append(out, UserPresence{
			UserID:      userID,
			DisplayName: rec.displayName,
			Status:      rec.status,
			Activity:    rec.activity,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out
}

// broadcastSnapshot sends the full presence snapshot to every connection.
// The recipient list is copied out before sending so no lock is held during
// delivery.
func (r *Registry) broadcastSnapshot() {
	snapshot := r.Snapshot()
	for _, connID := range r.ConnIDs() {
		r.sender.Send(connID, event.UsersList, snapshot)
	}
	if r.presenceUpdates != nil {
		r.presenceUpdates.Add(context.Background(), 1)
	}
}
