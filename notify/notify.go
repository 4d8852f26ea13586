// Package notify stores per-user, per-room notification overrides.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Sciphr/chitchat-server-sub000/store"
)

// Notification modes. Rooms without an override default to ModeAll on the
// client side.
const (
	ModeAll      = "all"
	ModeMentions = "mentions"
	ModeMute     = "mute"
)

var validModes = map[string]bool{
	ModeAll: true, ModeMentions: true, ModeMute: true,
}

// Persister is the slice of the store the preference service uses.
type Persister interface {
	Prefs(ctx context.Context, userID string) (map[string]string, error)
	UpsertPref(ctx context.Context, userID, roomID, mode string) error
	GetRoom(ctx context.Context, id string) (store.Room, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Service is the notification preference store.
type Service struct {
	db Persister
}

// New creates a preference service.
func New(db Persister) *Service {
	return &Service{db: db}
}

// Get returns the user's explicitly configured roomId -> mode map.
func (s *Service) Get(ctx context.Context, userID string) (map[string]string, error) {
	prefs, err := s.db.Prefs(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load notification prefs", "user", userID, "error", err)
		return nil, fmt.Errorf("internal error")
	}
	return prefs, nil
}

// Set upserts the user's mode for a room. The mode must be valid, the room
// must exist, and for DM rooms the caller must be a member.
func (s *Service) Set(ctx context.Context, userID, roomID, mode string) error {
	if !validModes[mode] {
		return fmt.Errorf("invalid notification mode %q", mode)
	}

	room, err := s.db.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("room not found")
		}
		slog.ErrorContext(ctx, "Failed to look up room", "room", roomID, "error", err)
		return fmt.Errorf("internal error")
	}
	if room.Type == store.RoomDM {
		member, err := s.db.IsRoomMember(ctx, roomID, userID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to check dm membership", "room", roomID, "error", err)
			return fmt.Errorf("internal error")
		}
		if !member {
			return fmt.Errorf("not a member of this conversation")
		}
	}

	if err := s.db.UpsertPref(ctx, userID, roomID, mode); err != nil {
		slog.ErrorContext(ctx, "Failed to save notification pref", "user", userID, "room", roomID, "error", err)
		return fmt.Errorf("internal error")
	}
	return nil
}

// Mode returns the user's effective mode for a room, defaulting to ModeAll.
func (s *Service) Mode(ctx context.Context, userID, roomID string) string {
	prefs, err := s.db.Prefs(ctx, userID)
	if err != nil {
		return ModeAll
	}
	if mode, ok := prefs[roomID]; ok {
		return mode
	}
	return ModeAll
}
