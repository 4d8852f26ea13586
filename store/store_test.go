package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectPrepare("SELECT id, room_id, author_id, content, timestamp, is_deleted")
	mock.ExpectPrepare("SELECT id, room_id, author_id, content, timestamp, is_deleted")
	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mock
}

func TestApplyLayoutCommits(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE room_categories SET position").
		WithArgs("cat1", 0, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE rooms SET category_id").
		WithArgs("room1", "cat1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ApplyLayout(ctx,
		[]CategoryPlacement{{ID: "cat1", Position: 0, EnforceTypeOrder: true}},
		[]RoomPlacement{{ID: "room1", CategoryID: "cat1", Position: 0}})
	if err != nil {
		t.Fatalf("ApplyLayout: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyLayoutRollsBackOnFailure(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE room_categories SET position").
		WithArgs("cat1", 0, false).
		WillReturnError(fmt.Errorf("boom"))
	mock.ExpectRollback()

	err := s.ApplyLayout(ctx,
		[]CategoryPlacement{{ID: "cat1"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertMessageClaimsAttachments(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs("m1", "room1", "u1", "hi", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE attachments SET message_id").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.InsertMessage(ctx,
		Message{ID: "m1", RoomID: "room1", AuthorID: "u1", Content: "hi", Timestamp: 1000},
		[]string{"a1", "a2"})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertMessageRejectsForeignAttachment(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Only one of two attachments claimed: the other is owned by someone else.
	mock.ExpectExec("UPDATE attachments SET message_id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.InsertMessage(ctx,
		Message{ID: "m1", RoomID: "room1", AuthorID: "u1", Content: "hi", Timestamp: 1000},
		[]string{"a1", "stolen"})
	if err == nil {
		t.Fatal("expected ownership error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMessagesBeforeHidesDeletedContent(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "room_id", "author_id", "content", "timestamp", "is_deleted"}).
		AddRow("m2", "room1", "u1", "later", int64(2000), false).
		AddRow("m1", "room1", "u2", "gone", int64(1000), true)
	mock.ExpectQuery("SELECT id, room_id, author_id, content, timestamp, is_deleted").
		WithArgs("room1", 25).
		WillReturnRows(rows)

	msgs, err := s.MessagesBefore(ctx, "room1", 0, 25)
	if err != nil {
		t.Fatalf("MessagesBefore: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if !msgs[1].Deleted || msgs[1].Content != "" {
		t.Errorf("deleted message should have empty content, got %+v", msgs[1])
	}
}

func TestMessagesBeforeUsesCursor(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("timestamp < ").
		WithArgs("room1", int64(5000), 25).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "author_id", "content", "timestamp", "is_deleted"}))

	if _, err := s.MessagesBefore(ctx, "room1", 5000, 25); err != nil {
		t.Fatalf("MessagesBefore: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertPref(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO notification_prefs").
		WithArgs("u1", "room1", "mute").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertPref(ctx, "u1", "room1", "mute"); err != nil {
		t.Fatalf("UpsertPref: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRenameRoomNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE rooms SET name").
		WithArgs("nope", "new").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RenameRoom(ctx, "nope", "new"); err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestFindDMRoomNoRows(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT r.id FROM rooms r").
		WithArgs("u1", "u2").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.FindDMRoom(ctx, "u1", "u2"); err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestCreateDMRoomTransaction(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rooms").
		WithArgs("dm1", "ann-ben").
		WillReturnError(fmt.Errorf("duplicate key"))
	mock.ExpectRollback()

	if err := s.CreateDMRoom(ctx, "dm1", "ann-ben", "u1", "u2"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
