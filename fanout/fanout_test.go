package fanout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Sciphr/chitchat-server-sub000/event"
	"github.com/Sciphr/chitchat-server-sub000/registry"
	"github.com/Sciphr/chitchat-server-sub000/store"
)

// ── fakes ─────────────────────────────────────────────────────────

type fakeDB struct {
	mu        sync.Mutex
	messages  map[string]store.Message
	reactions map[string]map[string]map[string]bool // messageID -> emoji -> userID
	rooms     map[string]store.Room
	members   map[string][]string
	history   []store.Message
	failWrite bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		messages:  make(map[string]store.Message),
		reactions: make(map[string]map[string]map[string]bool),
		rooms:     make(map[string]store.Room),
		members:   make(map[string][]string),
	}
}

func (f *fakeDB) InsertMessage(ctx context.Context, m store.Message, attachmentIDs []string) error {
	if f.failWrite {
		return fmt.Errorf("db down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ID] = m
	return nil
}

func (f *fakeDB) MessagesBefore(ctx context.Context, roomID string, before int64, limit int) ([]store.Message, error) {
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeDB) GetMessage(ctx context.Context, id string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return store.Message{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeDB) MarkDeleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.messages[id]
	m.Deleted = true
	m.Content = ""
	f.messages[id] = m
	return nil
}

func (f *fakeDB) MessageAttachments(ctx context.Context, messageID string) ([]store.Attachment, error) {
	return nil, nil
}

func (f *fakeDB) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions[messageID] == nil {
		f.reactions[messageID] = make(map[string]map[string]bool)
	}
	if f.reactions[messageID][emoji] == nil {
		f.reactions[messageID][emoji] = make(map[string]bool)
	}
	f.reactions[messageID][emoji][userID] = true
	return nil
}

func (f *fakeDB) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reactions[messageID][emoji], userID)
	return nil
}

func (f *fakeDB) Reactions(ctx context.Context, messageID string) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string)
	for emoji, users := range f.reactions[messageID] {
		for uid := range users {
			out[emoji] = append(out[emoji], uid)
		}
	}
	return out, nil
}

func (f *fakeDB) GetRoom(ctx context.Context, id string) (store.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return store.Room{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeDB) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	for _, m := range f.members[roomID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDB) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	return f.members[roomID], nil
}

func (f *fakeDB) FindDMRoom(ctx context.Context, userA, userB string) (string, error) {
	for id, r := range f.rooms {
		if r.Type != store.RoomDM {
			continue
		}
		hasA, _ := f.IsRoomMember(ctx, id, userA)
		hasB, _ := f.IsRoomMember(ctx, id, userB)
		if hasA && hasB {
			return id, nil
		}
	}
	return "", sql.ErrNoRows
}

func (f *fakeDB) CreateDMRoom(ctx context.Context, roomID, name, userA, userB string) error {
	f.rooms[roomID] = store.Room{ID: roomID, Name: name, Type: store.RoomDM}
	f.members[roomID] = []string{userA, userB}
	return nil
}

func (f *fakeDB) DMRoomsForUser(ctx context.Context, userID string) ([]store.Room, error) {
	var out []store.Room
	for id, r := range f.rooms {
		if r.Type != store.RoomDM {
			continue
		}
		if ok, _ := f.IsRoomMember(ctx, id, userID); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeRoster struct {
	conns map[string]*registry.Connection
}

func (f *fakeRoster) Get(connID string) (*registry.Connection, bool) {
	c, ok := f.conns[connID]
	return c, ok
}

func (f *fakeRoster) UserConnIDs(userID string) []string {
	var out []string
	for id, c := range f.conns {
		if c.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeRoster) Connections() []*registry.Connection {
	var out []*registry.Connection
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

type fakeLimiter struct {
	denied map[string]bool
}

func (f *fakeLimiter) Allow(key string) bool { return !f.denied[key] }
func (f *fakeLimiter) Forget(key string)     {}

type fakeRooms map[string]store.Room

func (f fakeRooms) Room(roomID string) (store.Room, bool) {
	r, ok := f[roomID]
	return r, ok
}

type fakeCalls map[string][]string

func (f fakeCalls) Members(callID string) ([]string, bool) {
	m, ok := f[callID]
	return m, ok
}

type fakePrefs map[string]string // userID/roomID -> mode

func (f fakePrefs) Mode(ctx context.Context, userID, roomID string) string {
	if mode, ok := f[userID+"/"+roomID]; ok {
		return mode
	}
	return "all"
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sentEvent
}

type sentEvent struct {
	connID  string
	event   string
	payload any
}

func (f *fakeSender) Send(connID, evt string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentEvent{connID, evt, payload})
}

func (f *fakeSender) byEvent(evt string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, s := range f.sends {
		if s.event == evt {
			out = append(out, s)
		}
	}
	return out
}

// ── fixture ───────────────────────────────────────────────────────

type fixture struct {
	engine  *Engine
	db      *fakeDB
	sender  *fakeSender
	limiter *fakeLimiter
	roster  *fakeRoster
}

// newFixture wires an engine with users ann (conns ann-1, ann-2), ben
// (ben-1), and cara (cara-1), a public text room "general", and a dm room
// "dm-ab" between ann and ben.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newFakeDB()
	db.rooms["dm-ab"] = store.Room{ID: "dm-ab", Type: store.RoomDM}
	db.members["dm-ab"] = []string{"ann", "ben"}

	roster := &fakeRoster{conns: map[string]*registry.Connection{
		"ann-1":  {ID: "ann-1", Identity: registry.Identity{UserID: "ann", DisplayName: "Ann"}},
		"ann-2":  {ID: "ann-2", Identity: registry.Identity{UserID: "ann", DisplayName: "Ann"}},
		"ben-1":  {ID: "ben-1", Identity: registry.Identity{UserID: "ben", DisplayName: "Ben"}},
		"cara-1": {ID: "cara-1", Identity: registry.Identity{UserID: "cara", DisplayName: "Cara", IsAdmin: true}},
	}}
	limiter := &fakeLimiter{denied: make(map[string]bool)}
	sender := &fakeSender{}
	engine := New(db, roster, limiter,
		fakeRooms{"general": {ID: "general", Type: store.RoomText}},
		fakeCalls{}, fakePrefs{}, sender,
		Config{MaxMessageLen: 100, PageSize: 3}, nil)
	return &fixture{engine, db, sender, limiter, roster}
}

// ── tests ─────────────────────────────────────────────────────────

func TestSendMessageEchoesNonceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "general")
	f.engine.JoinRoom(ctx, "ben-1", "general")

	payload, err := f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{
		RoomID: "general", Content: "hello", Nonce: "nonce-42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if payload.Nonce != "nonce-42" {
		t.Errorf("ack nonce = %q", payload.Nonce)
	}
	if len(f.db.messages) != 1 {
		t.Errorf("persisted %d messages, want exactly 1", len(f.db.messages))
	}

	news := f.sender.byEvent(event.MessageNew)
	if len(news) != 2 {
		t.Fatalf("message-new sent %d times, want 2 (both subscribers)", len(news))
	}
	for _, s := range news {
		if s.payload.(MessagePayload).Nonce != "nonce-42" {
			t.Error("broadcast payload must carry the nonce verbatim")
		}
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.denied["ann-1"] = true

	_, err := f.engine.SendMessage(context.Background(), "ann-1", event.SendMessageRequest{
		RoomID: "general", Content: "hi",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if len(f.db.messages) != 0 {
		t.Error("rejected send must not persist")
	}
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  event.SendMessageRequest
	}{
		{"empty", event.SendMessageRequest{RoomID: "general", Content: "   "}},
		{"too long", event.SendMessageRequest{RoomID: "general", Content: string(make([]byte, 101))}},
		{"unknown room", event.SendMessageRequest{RoomID: "ghost", Content: "hi"}},
	}
	for _, tc := range cases {
		if _, err := f.engine.SendMessage(ctx, "ann-1", tc.req); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}

	// Attachments make an empty body acceptable; the fake claims them all.
	if _, err := f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{
		RoomID: "general", Content: " ", AttachmentIDs: []string{"a1"},
	}); err != nil {
		t.Errorf("attachment-only message should pass: %v", err)
	}
}

func TestNotifyReachesUnsubscribedUsersOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "general")
	f.engine.JoinRoom(ctx, "ben-1", "general")
	// cara is online but not subscribed; ann-2 is the sender's other device.

	f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{RoomID: "general", Content: "hi"})

	notified := make(map[string]int)
	for _, s := range f.sender.byEvent(event.MessageNotify) {
		notified[s.connID]++
	}
	if notified["cara-1"] != 1 {
		t.Errorf("cara-1 notify count = %d, want 1", notified["cara-1"])
	}
	if notified["ben-1"] != 0 {
		t.Error("subscribed connection must not be notified")
	}
	if notified["ann-1"] != 0 || notified["ann-2"] != 0 {
		t.Error("sender's connections must not be notified")
	}
}

func TestDMNotifyRestrictedToOtherMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "dm-ab")

	f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{RoomID: "dm-ab", Content: "psst"})

	for _, s := range f.sender.byEvent(event.MessageNotify) {
		if s.connID == "cara-1" {
			t.Error("dm notify must never reach non-members")
		}
		if s.connID != "ben-1" {
			t.Errorf("unexpected notify recipient %s", s.connID)
		}
	}
	if len(f.sender.byEvent(event.MessageNotify)) != 1 {
		t.Errorf("notify count = %d, want 1 (ben only)", len(f.sender.byEvent(event.MessageNotify)))
	}
}

func TestMutedRoomSkipsNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.prefs = fakePrefs{"cara/general": "mute"}
	f.engine.JoinRoom(ctx, "ann-1", "general")

	f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{RoomID: "general", Content: "hi"})

	for _, s := range f.sender.byEvent(event.MessageNotify) {
		if s.connID == "cara-1" {
			t.Error("muted user must not be notified")
		}
	}
}

func TestDMRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.JoinRoom(ctx, "cara-1", "dm-ab"); err == nil {
		t.Error("non-member join of dm room must fail")
	}
	if _, err := f.engine.SendMessage(ctx, "cara-1", event.SendMessageRequest{
		RoomID: "dm-ab", Content: "intruding",
	}); err == nil {
		t.Error("non-member send to dm room must fail")
	}
}

func TestReactionToggleIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "general")

	payload, _ := f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{RoomID: "general", Content: "hi"})

	for i := 0; i < 2; i++ {
		if _, err := f.engine.SetReaction(ctx, "ben-1", event.SetReactionRequest{
			MessageID: payload.ID, Emoji: "👍", Active: true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	update, err := f.engine.SetReaction(ctx, "ann-1", event.SetReactionRequest{
		MessageID: payload.ID, Emoji: "👍", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(update.Reactions) != 1 || update.Reactions[0].Count != 2 {
		t.Errorf("summary = %+v, want one emoji with count 2", update.Reactions)
	}

	update, _ = f.engine.SetReaction(ctx, "ben-1", event.SetReactionRequest{
		MessageID: payload.ID, Emoji: "👍", Active: false,
	})
	if update.Reactions[0].Count != 1 {
		t.Errorf("count after removal = %d, want 1", update.Reactions[0].Count)
	}
}

func TestReactionSummaryOrdering(t *testing.T) {
	got := summarize(map[string][]string{
		"🎉": {"a"},
		"👍": {"a", "b"},
		"😀": {"c"},
	})
	if got[0].Emoji != "👍" {
		t.Errorf("first = %q, want highest count first", got[0].Emoji)
	}
	// Tied counts break by emoji.
	if got[1].Emoji >= got[2].Emoji {
		t.Errorf("tie order = [%q, %q], want ascending emoji", got[1].Emoji, got[2].Emoji)
	}
}

func TestDeleteMessagePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "general")
	payload, _ := f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{RoomID: "general", Content: "oops"})

	if err := f.engine.DeleteMessage(ctx, "ben-1", payload.ID); err == nil {
		t.Error("non-author non-admin delete must fail")
	}
	if err := f.engine.DeleteMessage(ctx, "cara-1", payload.ID); err != nil {
		t.Errorf("admin delete should pass: %v", err)
	}
	if deleted := f.sender.byEvent(event.MessageDeleted); len(deleted) != 1 {
		t.Errorf("message-deleted broadcast count = %d, want 1", len(deleted))
	}
}

func TestTypingRequiresSubscriptionAndExcludesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.Typing(ctx, "ann-1", "general", true); err == nil {
		t.Error("typing without subscription must fail")
	}

	f.engine.JoinRoom(ctx, "ann-1", "general")
	f.engine.JoinRoom(ctx, "ben-1", "general")
	if err := f.engine.Typing(ctx, "ann-1", "general", true); err != nil {
		t.Fatal(err)
	}

	starts := f.sender.byEvent(event.TypingStart)
	if len(starts) != 1 || starts[0].connID != "ben-1" {
		t.Errorf("typing-start recipients = %+v, want ben-1 only", starts)
	}
}

func TestHistoryPagingAndHasMore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 5; i >= 1; i-- {
		f.db.history = append(f.db.history, store.Message{
			ID: fmt.Sprintf("m%d", i), RoomID: "general", AuthorID: "ann",
			Content: "x", Timestamp: int64(i * 1000),
		})
	}

	page, err := f.engine.History(ctx, "ann-1", event.HistoryRequest{RoomID: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore {
		t.Error("full page must set hasMore")
	}
	if len(page.Messages) != 3 {
		t.Fatalf("page size = %d, want 3", len(page.Messages))
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].Timestamp < page.Messages[i-1].Timestamp {
			t.Error("page must be sorted ascending")
		}
	}

	f.db.history = f.db.history[:2]
	page, _ = f.engine.History(ctx, "ann-1", event.HistoryRequest{RoomID: "general", Before: 4000})
	if page.HasMore {
		t.Error("short page must clear hasMore")
	}
}

func TestOpenDMFindOrCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ann and ben already share dm-ab.
	info, err := f.engine.OpenDM(ctx, "ann-1", "ben")
	if err != nil {
		t.Fatal(err)
	}
	if info.RoomID != "dm-ab" {
		t.Errorf("roomID = %q, want existing dm-ab", info.RoomID)
	}
	if len(f.sender.byEvent(event.DMNew)) != 0 {
		t.Error("reusing an existing dm must not announce dm-new")
	}

	info, err = f.engine.OpenDM(ctx, "ann-1", "cara")
	if err != nil {
		t.Fatal(err)
	}
	if info.OtherUserID != "cara" {
		t.Errorf("other = %q", info.OtherUserID)
	}
	news := f.sender.byEvent(event.DMNew)
	recipients := make(map[string]bool)
	for _, s := range news {
		recipients[s.connID] = true
	}
	for _, want := range []string{"ann-1", "ann-2", "cara-1"} {
		if !recipients[want] {
			t.Errorf("dm-new missing recipient %s", want)
		}
	}

	if _, err := f.engine.OpenDM(ctx, "ann-1", "ann"); err == nil {
		t.Error("dm with yourself must be rejected")
	}
}

func TestDropConnectionClearsSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "general")
	f.engine.DropConnection("ann-1")

	if err := f.engine.Typing(ctx, "ann-1", "general", true); err == nil {
		t.Error("dropped connection must lose its subscriptions")
	}
}

func TestCallRoomAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.calls = fakeCalls{"call-1": {"ann", "ben"}}

	if err := f.engine.JoinRoom(ctx, "ann-1", "call-1"); err != nil {
		t.Errorf("participant join should pass: %v", err)
	}
	if err := f.engine.JoinRoom(ctx, "cara-1", "call-1"); err == nil {
		t.Error("non-participant join of call room must fail")
	}
}

func TestPersistenceFailureLeavesNoBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.JoinRoom(ctx, "ann-1", "general")
	f.db.failWrite = true

	if _, err := f.engine.SendMessage(ctx, "ann-1", event.SendMessageRequest{
		RoomID: "general", Content: "hi",
	}); err == nil {
		t.Fatal("expected persistence error")
	}
	if len(f.sender.byEvent(event.MessageNew)) != 0 {
		t.Error("failed write must not broadcast")
	}
}
