package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
	"github.com/stretchr/testify/require"
)

// newTestSession creates a session with one exchange for testing.
func newTestSession(id string, deckID session.HostID) *session.Session {
	now := time.UnixMilli(1700000000000).UTC()
	return &session.Session{
		ID:       id,
		Name:     "Deck " + deckID.String(),
		DeckID:   deckID,
		DeckName: "Deck " + deckID.String(),
		Messages: []session.Message{
			{ID: id + "-m1", From: session.FromUser, Text: "What is osmosis?"},
			{ID: id + "-m2", From: session.FromBot, Text: "Diffusion of water."},
		},
		Sections:    []session.Section{},
		SeenCardIDs: []session.HostID{"7"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInsertAndGetByID(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := Init(tmpDir)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	s := newTestSession("s1", "100")
	if err := Insert(ctx, db, s); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := GetByID(ctx, db, "s1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	require.Equal(t, *s, *got)
}

func TestGetByID_NotFound(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, err = GetByID(context.Background(), db, "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetByDeck(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, Insert(ctx, db, newTestSession("s1", "100")))
	require.NoError(t, Insert(ctx, db, newTestSession("s2", "200")))

	got, err := GetByDeck(ctx, db, "200")
	require.NoError(t, err)
	require.Equal(t, "s2", got.ID)

	_, err = GetByDeck(ctx, db, "300")
	require.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = GetByDeck(ctx, db, "")
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestInsert_DeckUnique(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, Insert(ctx, db, newTestSession("s1", "100")))
	err = Insert(ctx, db, newTestSession("s2", "100"))
	require.True(t, errors.Is(err, errors.ErrDeckSessionExists), "got %v", err)

	// Sessions without a deck are not constrained
	a := newTestSession("a", "")
	b := newTestSession("b", "")
	require.NoError(t, Insert(ctx, db, a))
	require.NoError(t, Insert(ctx, db, b))
}

func TestInsert_DuplicateID(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, Insert(ctx, db, newTestSession("s1", "100")))
	err = Insert(ctx, db, newTestSession("s1", "200"))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
}

func TestUpsert(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, Insert(ctx, db, newTestSession("s1", "100")))
	require.NoError(t, Insert(ctx, db, newTestSession("s2", "200")))

	updated := newTestSession("s1", "100")
	updated.Name = "Renamed"
	updated.Messages = updated.Messages[:1]
	require.NoError(t, Upsert(ctx, db, updated))

	all, err := LoadAll(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "s1", all[0].ID, "upsert keeps position")
	require.Equal(t, "Renamed", all[0].Name)
	require.Len(t, all[0].Messages, 1)

	require.NoError(t, Upsert(ctx, db, newTestSession("s3", "300")))
	all, err = LoadAll(ctx, db)
	require.NoError(t, err)
	require.Equal(t, "s3", all[2].ID)

	err = Upsert(ctx, db, newTestSession("s3", "200"))
	require.True(t, errors.Is(err, errors.ErrDeckSessionExists), "got %v", err)
}

func TestLoadAll_Empty(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	all, err := LoadAll(context.Background(), db)
	require.NoError(t, err)
	require.NotNil(t, all)
	require.Empty(t, all)
}

func TestListSummaries(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s := newTestSession(fmt.Sprintf("s%d", i), session.HostID(fmt.Sprint(100+i)))
		s.UpdatedAt = s.UpdatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, Insert(ctx, db, s))
	}

	page, total, err := ListSummaries(ctx, db, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, "s4", page[0].ID)
	require.Equal(t, "s3", page[1].ID)
	require.Equal(t, 2, page[0].MessageCount)
	require.Equal(t, "Diffusion of water.", page[0].LastMessage)

	page, _, err = ListSummaries(ctx, db, 10, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "s0", page[0].ID)
}

func TestDelete(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, Insert(ctx, db, newTestSession("s1", "100")))
	require.NoError(t, Delete(ctx, db, "s1"))

	n, err := Count(ctx, db)
	require.NoError(t, err)
	require.Zero(t, n)

	err = Delete(ctx, db, "s1")
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestScan_LegacyDocument(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	// A document written by an older version: numeric ids, no timestamps.
	doc := `{"id":"old","name":"Bio","deckId":5,"messages":[{"id":17,"from":"user","text":"hi"}]}`
	_, err = db.Exec(`INSERT INTO sessions (id, deck_id, name, deck_name, doc_json, message_count, position, created_at, updated_at)
		VALUES ('old', '5', 'Bio', '', ?, 1, 0, 1700000000000, 1700000000000)`, doc)
	require.NoError(t, err)

	got, err := GetByID(ctx, db, "old")
	require.NoError(t, err)
	require.Equal(t, session.HostID("5"), got.DeckID)
	require.Empty(t, got.Messages[0].ID)
	require.Equal(t, int64(1700000000000), got.CreatedAt.UnixMilli())
}
