// Package store is the persistence collaborator. It owns every durable row:
// room topology, messages, attachments, reactions, and notification
// preferences. Components above it never touch SQL directly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Room types.
const (
	RoomText  = "text"
	RoomVoice = "voice"
	RoomDM    = "dm"
)

// Category is a named, ordered group of rooms.
type Category struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Position         int    `json:"position"`
	EnforceTypeOrder bool   `json:"enforceTypeOrder"`
}

// Room is a channel within a category. DM rooms have no category.
type Room struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	CategoryID string `json:"categoryId,omitempty"`
	Position   int    `json:"position"`
}

// Message is one persisted chat message.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Attachment is an uploaded file claimed by a message.
type Attachment struct {
	ID       string `json:"id"`
	OwnerID  string `json:"-"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// ReactionCount is one aggregated reaction on a message.
type ReactionCount struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

// CategoryPlacement is one category row of a bulk layout update.
type CategoryPlacement struct {
	ID               string
	Position         int
	EnforceTypeOrder bool
}

// RoomPlacement is one room row of a bulk layout update.
type RoomPlacement struct {
	ID         string
	CategoryID string
	Position   int
}

// Store wraps the database handle and the prepared hot-path statements.
type Store struct {
	db *sql.DB

	historyLatest *sql.Stmt
	historyCursor *sql.Stmt
}

// Open connects to PostgreSQL through otelsql and waits for the database to
// come up, retrying for up to a minute.
func Open(ctx context.Context, dbURL string) (*sql.DB, error) {
	db, err := otelsql.Open("postgres", dbURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

	for attempt := 1; attempt <= 30; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("database not ready: %w", err)
}

// New wraps db and prepares the history statements.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}

	var err error
	s.historyLatest, err = db.Prepare(
		`SELECT id, room_id, author_id, content, timestamp, is_deleted
		 FROM messages WHERE room_id = $1
		 ORDER BY timestamp DESC LIMIT $2`)
	if err != nil {
		return nil, fmt.Errorf("prepare latest history query: %w", err)
	}
	s.historyCursor, err = db.Prepare(
		`SELECT id, room_id, author_id, content, timestamp, is_deleted
		 FROM messages WHERE room_id = $1 AND timestamp < $2
		 ORDER BY timestamp DESC LIMIT $3`)
	if err != nil {
		return nil, fmt.Errorf("prepare cursor history query: %w", err)
	}
	return s, nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	s.historyLatest.Close()
	s.historyCursor.Close()
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS room_categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		position INT NOT NULL DEFAULT 0,
		enforce_type_order BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		category_id TEXT,
		position INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages (room_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		message_id TEXT,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		url TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		emoji TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS notification_prefs (
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		PRIMARY KEY (user_id, room_id)
	)`,
}

// EnsureSchema creates all tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ── topology ──────────────────────────────────────────────────────

// Categories returns all categories ordered by position.
func (s *Store) Categories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, position, enforce_type_order
		 FROM room_categories ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Position, &c.EnforceTypeOrder); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// Rooms returns all non-DM rooms ordered by category then position.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, COALESCE(category_id, ''), position
		 FROM rooms WHERE type != 'dm'
		 ORDER BY category_id, position, name`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.CategoryID, &r.Position); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertCategory adds a category row.
func (s *Store) InsertCategory(ctx context.Context, c Category) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_categories (id, name, position, enforce_type_order)
		 VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.Position, c.EnforceTypeOrder)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

// InsertRoom adds a room row.
func (s *Store) InsertRoom(ctx context.Context, r Room) error {
	var categoryID any
	if r.CategoryID != "" {
		categoryID = r.CategoryID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, type, category_id, position)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Name, r.Type, categoryID, r.Position)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// RenameRoom updates a room's name. Returns sql.ErrNoRows when absent.
func (s *Store) RenameRoom(ctx context.Context, roomID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = $2 WHERE id = $1`, roomID, name)
	if err != nil {
		return fmt.Errorf("rename room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RenameCategory updates a category's name. Returns sql.ErrNoRows when absent.
func (s *Store) RenameCategory(ctx context.Context, categoryID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_categories SET name = $2 WHERE id = $1`, categoryID, name)
	if err != nil {
		return fmt.Errorf("rename category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ApplyLayout writes a bulk layout update in one transaction so a failed row
// leaves nothing changed.
func (s *Store) ApplyLayout(ctx context.Context, cats []CategoryPlacement, rooms []RoomPlacement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin layout tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range cats {
		_, err := tx.ExecContext(ctx,
			`UPDATE room_categories SET position = $2, enforce_type_order = $3 WHERE id = $1`,
			c.ID, c.Position, c.EnforceTypeOrder)
		if err != nil {
			return fmt.Errorf("update category %s: %w", c.ID, err)
		}
	}
	for _, r := range rooms {
		_, err := tx.ExecContext(ctx,
			`UPDATE rooms SET category_id = $2, position = $3 WHERE id = $1`,
			r.ID, r.CategoryID, r.Position)
		if err != nil {
			return fmt.Errorf("update room %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit layout tx: %w", err)
	}
	return nil
}

// ── messages ──────────────────────────────────────────────────────

// InsertMessage persists a message and claims its attachments in one
// transaction. Attachments are claimed only when still unclaimed and owned by
// the message author; a mismatch fails the whole insert.
func (s *Store) InsertMessage(ctx context.Context, m Message, attachmentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, author_id, content, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.RoomID, m.AuthorID, m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if len(attachmentIDs) > 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE attachments SET message_id = $1
			 WHERE id = ANY($2) AND owner_id = $3 AND message_id IS NULL`,
			m.ID, pq.Array(attachmentIDs), m.AuthorID)
		if err != nil {
			return fmt.Errorf("claim attachments: %w", err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(attachmentIDs)) {
			return fmt.Errorf("attachment not owned by sender")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message tx: %w", err)
	}
	return nil
}

// MessagesBefore returns up to limit messages of a room older than the cursor
// (0 = newest page), newest first.
func (s *Store) MessagesBefore(ctx context.Context, roomID string, before int64, limit int) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.historyCursor.QueryContext(ctx, roomID, before, limit)
	} else {
		rows, err = s.historyLatest.QueryContext(ctx, roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &m.Timestamp, &m.Deleted); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Deleted {
			m.Content = ""
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, author_id, content, timestamp, is_deleted
		 FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &m.Timestamp, &m.Deleted)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// MarkDeleted soft-deletes a message and clears its content.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = TRUE, content = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MessageAttachments returns the attachments claimed by a message.
func (s *Store) MessageAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, filename, url FROM attachments WHERE message_id = $1 ORDER BY id`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Filename, &a.URL); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── reactions ─────────────────────────────────────────────────────

// AddReaction records a reaction, idempotently.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// RemoveReaction deletes a reaction, idempotently.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions
		 WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// Reactions returns the raw reaction rows of a message, oldest first per
// emoji. Aggregation and ordering of the summary is the caller's concern.
func (s *Store) Reactions(ctx context.Context, messageID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emoji, user_id FROM message_reactions
		 WHERE message_id = $1 ORDER BY emoji, created_at`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out[emoji] = append(out[emoji], userID)
	}
	return out, rows.Err()
}

// ── membership (DM rooms) ─────────────────────────────────────────

// AddRoomMember records a user as member of a room, idempotently.
func (s *Store) AddRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roomID, userID)
	if err != nil {
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

// IsRoomMember reports whether userID is a member of roomID.
func (s *Store) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query room member: %w", err)
	}
	return count > 0, nil
}

// RoomMembers returns the member user ids of a room.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("query room members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// GetRoom returns one room by id.
func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, COALESCE(category_id, ''), position
		 FROM rooms WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Type, &r.CategoryID, &r.Position)
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// FindDMRoom returns the id of the DM room shared by exactly the two users,
// or sql.ErrNoRows.
func (s *Store) FindDMRoom(ctx context.Context, userA, userB string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT r.id FROM rooms r
		 JOIN room_members a ON a.room_id = r.id AND a.user_id = $1
		 JOIN room_members b ON b.room_id = r.id AND b.user_id = $2
		 WHERE r.type = 'dm' LIMIT 1`,
		userA, userB).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateDMRoom creates a DM room with both users as members, atomically.
func (s *Store) CreateDMRoom(ctx context.Context, roomID, name, userA, userB string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dm tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, type, position) VALUES ($1, $2, 'dm', 0)`,
		roomID, name)
	if err != nil {
		return fmt.Errorf("insert dm room: %w", err)
	}
	for _, uid := range []string{userA, userB} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`,
			roomID, uid)
		if err != nil {
			return fmt.Errorf("insert dm member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dm tx: %w", err)
	}
	return nil
}

// DMRoomsForUser returns the DM rooms userID belongs to, with the other
// member's user id as the room name context.
func (s *Store) DMRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.type, '', r.position
		 FROM rooms r
		 JOIN room_members m ON m.room_id = r.id AND m.user_id = $1
		 WHERE r.type = 'dm' ORDER BY r.created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query dm rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.CategoryID, &r.Position); err != nil {
			return nil, fmt.Errorf("scan dm room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── notification preferences ──────────────────────────────────────

// Prefs returns userID's per-room notification modes.
func (s *Store) Prefs(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, mode FROM notification_prefs WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query prefs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var roomID, mode string
		if err := rows.Scan(&roomID, &mode); err != nil {
			return nil, fmt.Errorf("scan pref: %w", err)
		}
		out[roomID] = mode
	}
	return out, rows.Err()
}

// UpsertPref writes userID's mode for roomID; the latest write wins.
func (s *Store) UpsertPref(ctx context.Context, userID, roomID, mode string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_prefs (user_id, room_id, mode)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, room_id) DO UPDATE SET mode = EXCLUDED.mode`,
		userID, roomID, mode)
	if err != nil {
		return fmt.Errorf("upsert pref: %w", err)
	}
	return nil
}
