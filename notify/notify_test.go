package notify

import (
	"context"
	"database/sql"
	"testing"

	"github.com/Sciphr/chitchat-server-sub000/store"
)

type fakeDB struct {
	prefs   map[string]map[string]string // userID -> roomID -> mode
	rooms   map[string]store.Room
	members map[string]map[string]bool // roomID -> userID set
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		prefs:   make(map[string]map[string]string),
		rooms:   make(map[string]store.Room),
		members: make(map[string]map[string]bool),
	}
}

func (f *fakeDB) Prefs(ctx context.Context, userID string) (map[string]string, error) {
	out := make(map[string]string)
	for room, mode := range f.prefs[userID] {
		out[room] = mode
	}
	return out, nil
}

func (f *fakeDB) UpsertPref(ctx context.Context, userID, roomID, mode string) error {
	if f.prefs[userID] == nil {
		f.prefs[userID] = make(map[string]string)
	}
	f.prefs[userID][roomID] = mode
	return nil
}

func (f *fakeDB) GetRoom(ctx context.Context, id string) (store.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return store.Room{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeDB) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	return f.members[roomID][userID], nil
}

func newTestService() (*Service, *fakeDB) {
	db := newFakeDB()
	db.rooms["text1"] = store.Room{ID: "text1", Type: store.RoomText}
	db.rooms["dm1"] = store.Room{ID: "dm1", Type: store.RoomDM}
	db.members["dm1"] = map[string]bool{"u1": true, "u2": true}
	return New(db), db
}

func TestSetValidatesMode(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	for _, mode := range []string{ModeAll, ModeMentions, ModeMute} {
		if err := s.Set(ctx, "u1", "text1", mode); err != nil {
			t.Errorf("Set(%q) = %v", mode, err)
		}
	}
	for _, mode := range []string{"", "loud", "OFF"} {
		if err := s.Set(ctx, "u1", "text1", mode); err == nil {
			t.Errorf("Set(%q) should be rejected", mode)
		}
	}
}

func TestSetRequiresDMMembership(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	if err := s.Set(ctx, "u1", "dm1", ModeMute); err != nil {
		t.Errorf("member should be allowed: %v", err)
	}
	if err := s.Set(ctx, "outsider", "dm1", ModeMute); err == nil {
		t.Error("non-member must be rejected for dm rooms")
	}
}

func TestSetUnknownRoom(t *testing.T) {
	s, _ := newTestService()
	if err := s.Set(context.Background(), "u1", "ghost", ModeAll); err == nil {
		t.Error("unknown room must be rejected")
	}
}

func TestUpsertLatestWins(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	s.Set(ctx, "u1", "text1", ModeMentions)
	s.Set(ctx, "u1", "text1", ModeMute)

	prefs, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if prefs["text1"] != ModeMute {
		t.Errorf("mode = %q, want mute (latest write wins)", prefs["text1"])
	}
	if len(prefs) != 1 {
		t.Errorf("prefs has %d entries, want 1", len(prefs))
	}
}

func TestModeDefaultsToAll(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	if got := s.Mode(ctx, "u1", "text1"); got != ModeAll {
		t.Errorf("unconfigured mode = %q, want all", got)
	}
	s.Set(ctx, "u1", "text1", ModeMute)
	if got := s.Mode(ctx, "u1", "text1"); got != ModeMute {
		t.Errorf("mode = %q, want mute", got)
	}
}
