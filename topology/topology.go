// Package topology maintains the shared category/room structure. The store
// is the source of truth; a write-through cache keeps the structure query and
// rebroadcasts cheap. DM and call rooms never appear here.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sciphr/chitchat-server-sub000/event"
	"github.com/Sciphr/chitchat-server-sub000/store"
)

// Persister is the slice of the store the topology manager writes through.
type Persister interface {
	Categories(ctx context.Context) ([]store.Category, error)
	Rooms(ctx context.Context) ([]store.Room, error)
	InsertCategory(ctx context.Context, c store.Category) error
	InsertRoom(ctx context.Context, r store.Room) error
	RenameRoom(ctx context.Context, roomID, name string) error
	RenameCategory(ctx context.Context, categoryID, name string) error
	ApplyLayout(ctx context.Context, cats []store.CategoryPlacement, rooms []store.RoomPlacement) error
}

// ConnLister supplies the recipients of a structure rebroadcast.
type ConnLister interface {
	ConnIDs() []string
}

// Structure is the full topology payload: ordered categories plus a
// flattened room list.
type Structure struct {
	Categories []store.Category `json:"categories"`
	Rooms      []store.Room     `json:"rooms"`
}

// Manager is the room topology store.
type Manager struct {
	mu    sync.Mutex
	db    Persister
	cats  []store.Category
	rooms []store.Room

	sender event.Sender
	conns  ConnLister

	mutations metric.Int64Counter
}

// New creates a manager. Call Load before serving.
func New(db Persister, sender event.Sender, conns ConnLister, meter metric.Meter) *Manager {
	m := &Manager{db: db, sender: sender, conns: conns}
	if meter != nil {
		m.mutations, _ = meter.Int64Counter("topology_mutations_total",
			metric.WithDescription("Topology mutations applied"))
	}
	return m
}

// Load reads the full topology from the store into the cache.
func (m *Manager) Load(ctx context.Context) error {
	cats, err := m.db.Categories(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	rooms, err := m.db.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}

	m.mu.Lock()
	m.cats = cats
	m.rooms = rooms
	m.mu.Unlock()

	slog.Info("Topology loaded", "categories", len(cats), "rooms", len(rooms))
	return nil
}

// EnsureDefault seeds the default category with a general text room when the
// topology is empty. Idempotent, run once at startup.
func (m *Manager) EnsureDefault(ctx context.Context) error {
	m.mu.Lock()
	empty := len(m.cats) == 0
	m.mu.Unlock()
	if !empty {
		return nil
	}

	cat := store.Category{ID: uuid.NewString(), Name: "General", Position: 0, EnforceTypeOrder: true}
	if err := m.db.InsertCategory(ctx, cat); err != nil {
		return fmt.Errorf("seed default category: %w", err)
	}
	room := store.Room{ID: uuid.NewString(), Name: "general", Type: store.RoomText, CategoryID: cat.ID, Position: 0}
	if err := m.db.InsertRoom(ctx, room); err != nil {
		return fmt.Errorf("seed default room: %w", err)
	}

	m.mu.Lock()
	m.cats = append(m.cats, cat)
	m.rooms = append(m.rooms, room)
	m.mu.Unlock()

	slog.Info("Seeded default topology", "category", cat.Name, "room", room.Name)
	return nil
}

// Structure returns the current topology snapshot.
func (m *Manager) Structure() Structure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Structure {
	cats := make([]store.Category, len(m.cats))
	copy(cats, m.cats)
	rooms := make([]store.Room, len(m.rooms))
	copy(rooms, m.rooms)
	return Structure{Categories: cats, Rooms: rooms}
}

// Room returns a cached room by id.
func (m *Manager) Room(roomID string) (store.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return store.Room{}, false
}

// CreateCategory appends a new category.
func (m *Manager) CreateCategory(ctx context.Context, name string) (store.Category, error) {
	if name == "" {
		return store.Category{}, fmt.Errorf("category name is required")
	}

	m.mu.Lock()
	cat := store.Category{ID: uuid.NewString(), Name: name, Position: len(m.cats)}
	m.mu.Unlock()

	if err := m.db.InsertCategory(ctx, cat); err != nil {
		slog.ErrorContext(ctx, "Failed to persist category", "name", name, "error", err)
		return store.Category{}, fmt.Errorf("internal error")
	}

	m.mu.Lock()
	m.cats = append(m.cats, cat)
	m.mu.Unlock()

	m.afterMutation(ctx, "create-category")
	return cat, nil
}

// CreateRoom creates a text or voice room inside a category. In a category
// that enforces type ordering, a new text room is inserted immediately before
// the first voice room so every text room stays above every voice room;
// otherwise the room is appended at the end.
func (m *Manager) CreateRoom(ctx context.Context, name, roomType, categoryID string) (store.Room, error) {
	if name == "" {
		return store.Room{}, fmt.Errorf("room name is required")
	}
	if roomType != store.RoomText && roomType != store.RoomVoice {
		return store.Room{}, fmt.Errorf("invalid room type %q", roomType)
	}

	m.mu.Lock()
	cat, ok := m.categoryLocked(categoryID)
	if !ok {
		m.mu.Unlock()
		return store.Room{}, fmt.Errorf("category not found")
	}

	// Positions may be sparse after layout updates, so the new room's
	// position comes from the sibling position values, not slice indexes.
	siblings := m.categoryRoomsLocked(categoryID)
	position := 0
	if n := len(siblings); n > 0 {
		position = siblings[n-1].Position + 1
	}
	shiftFrom := -1
	if cat.EnforceTypeOrder && roomType == store.RoomText {
		for _, r := range siblings {
			if r.Type == store.RoomVoice {
				position = r.Position
				shiftFrom = r.Position
				break
			}
		}
	}

	room := store.Room{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       roomType,
		CategoryID: categoryID,
		Position:   position,
	}

	// Siblings at or after the claimed position slide down by one.
	var shifted []store.RoomPlacement
	if shiftFrom >= 0 {
		for _, r := range siblings {
			if r.Position >= shiftFrom {
				shifted = append(shifted, store.RoomPlacement{
					ID: r.ID, CategoryID: categoryID, Position: r.Position + 1,
				})
			}
		}
	}
	m.mu.Unlock()

	if err := m.db.InsertRoom(ctx, room); err != nil {
		slog.ErrorContext(ctx, "Failed to persist room", "name", name, "error", err)
		return store.Room{}, fmt.Errorf("internal error")
	}
	if len(shifted) > 0 {
		if err := m.db.ApplyLayout(ctx, nil, shifted); err != nil {
			slog.ErrorContext(ctx, "Failed to shift room positions", "error", err)
			return store.Room{}, fmt.Errorf("internal error")
		}
	}

	m.mu.Lock()
	if shiftFrom >= 0 {
		for i := range m.rooms {
			if m.rooms[i].CategoryID == categoryID && m.rooms[i].Position >= shiftFrom {
				m.rooms[i].Position++
			}
		}
	}
	m.rooms = append(m.rooms, room)
	m.mu.Unlock()

	m.afterMutation(ctx, "create-room")
	return room, nil
}

// RenameRoom renames a cached room.
func (m *Manager) RenameRoom(ctx context.Context, roomID, name string) error {
	if name == "" {
		return fmt.Errorf("room name is required")
	}
	if _, ok := m.Room(roomID); !ok {
		return fmt.Errorf("room not found")
	}
	if err := m.db.RenameRoom(ctx, roomID, name); err != nil {
		slog.ErrorContext(ctx, "Failed to rename room", "room", roomID, "error", err)
		return fmt.Errorf("internal error")
	}

	m.mu.Lock()
	for i := range m.rooms {
		if m.rooms[i].ID == roomID {
			m.rooms[i].Name = name
		}
	}
	m.mu.Unlock()

	m.afterMutation(ctx, "rename-room")
	return nil
}

// RenameCategory renames a category.
func (m *Manager) RenameCategory(ctx context.Context, categoryID, name string) error {
	if name == "" {
		return fmt.Errorf("category name is required")
	}

	m.mu.Lock()
	_, ok := m.categoryLocked(categoryID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("category not found")
	}

	if err := m.db.RenameCategory(ctx, categoryID, name); err != nil {
		slog.ErrorContext(ctx, "Failed to rename category", "category", categoryID, "error", err)
		return fmt.Errorf("internal error")
	}

	m.mu.Lock()
	for i := range m.cats {
		if m.cats[i].ID == categoryID {
			m.cats[i].Name = name
		}
	}
	m.mu.Unlock()

	m.afterMutation(ctx, "rename-category")
	return nil
}

// UpdateLayout atomically rewrites category positions/flags and room
// placements. Every referenced id is validated before anything is written;
// one unknown id rejects the whole update.
func (m *Manager) UpdateLayout(ctx context.Context, cats []event.LayoutCategory, rooms []event.LayoutRoom) error {
	m.mu.Lock()
	for _, c := range cats {
		if _, ok := m.categoryLocked(c.ID); !ok {
			m.mu.Unlock()
			return fmt.Errorf("unknown category %s", c.ID)
		}
	}
	known := make(map[string]bool, len(m.rooms))
	for _, r := range m.rooms {
		known[r.ID] = true
	}
	for _, r := range rooms {
		if !known[r.ID] {
			m.mu.Unlock()
			return fmt.Errorf("unknown room %s", r.ID)
		}
		if _, ok := m.categoryLocked(r.CategoryID); !ok {
			m.mu.Unlock()
			return fmt.Errorf("unknown category %s", r.CategoryID)
		}
	}
	m.mu.Unlock()

	catPlacements := make([]store.CategoryPlacement, 0, len(cats))
	for _, c := range cats {
		catPlacements = append(catPlacements, store.CategoryPlacement{
			ID: c.ID, Position: c.Position, EnforceTypeOrder: c.EnforceTypeOrder,
		})
	}
	roomPlacements := make([]store.RoomPlacement, 0, len(rooms))
	for _, r := range rooms {
		roomPlacements = append(roomPlacements, store.RoomPlacement{
			ID: r.ID, CategoryID: r.CategoryID, Position: r.Position,
		})
	}

	if err := m.db.ApplyLayout(ctx, catPlacements, roomPlacements); err != nil {
		slog.ErrorContext(ctx, "Failed to apply layout", "error", err)
		return fmt.Errorf("internal error")
	}

	m.mu.Lock()
	for _, c := range cats {
		for i := range m.cats {
			if m.cats[i].ID == c.ID {
				m.cats[i].Position = c.Position
				m.cats[i].EnforceTypeOrder = c.EnforceTypeOrder
			}
		}
	}
	for _, r := range rooms {
		for i := range m.rooms {
			if m.rooms[i].ID == r.ID {
				m.rooms[i].CategoryID = r.CategoryID
				m.rooms[i].Position = r.Position
			}
		}
	}
	m.sortLocked()
	m.mu.Unlock()

	m.afterMutation(ctx, "update-layout")
	return nil
}

func (m *Manager) categoryLocked(id string) (store.Category, bool) {
	for _, c := range m.cats {
		if c.ID == id {
			return c, true
		}
	}
	return store.Category{}, false
}

// categoryRoomsLocked returns the category's rooms ordered by position.
func (m *Manager) categoryRoomsLocked(categoryID string) []store.Room {
	var out []store.Room
	for _, r := range m.rooms {
		if r.CategoryID == categoryID {
			out = append(out, r)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Position < out[j-1].Position; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (m *Manager) sortLocked() {
	for i := 1; i < len(m.cats); i++ {
		for j := i; j > 0 && m.cats[j].Position < m.cats[j-1].Position; j-- {
			m.cats[j], m.cats[j-1] = m.cats[j-1], m.cats[j]
		}
	}
	for i := 1; i < len(m.rooms); i++ {
		for j := i; j > 0 && lessRoom(m.rooms[j], m.rooms[j-1]); j-- {
			m.rooms[j], m.rooms[j-1] = m.rooms[j-1], m.rooms[j]
		}
	}
}

func lessRoom(a, b store.Room) bool {
	if a.CategoryID != b.CategoryID {
		return a.CategoryID < b.CategoryID
	}
	return a.Position < b.Position
}

// afterMutation rebroadcasts the full structure to every connection.
func (m *Manager) afterMutation(ctx context.Context, action string) {
	structure := m.Structure()
	for _, connID := range m.conns.ConnIDs() {
		m.sender.Send(connID, event.RoomsStructure, structure)
	}
	if m.mutations != nil {
		m.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
	slog.InfoContext(ctx, "Topology updated", "action", action)
}
