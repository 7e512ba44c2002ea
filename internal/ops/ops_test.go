package ops

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

func newTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, tmpDir
}

// newTestSession creates a stored-shape session whose last activity is at updatedMs.
func newTestSession(id string, deckID session.HostID, deckName string, updatedMs int64) *session.Session {
	ts := time.UnixMilli(updatedMs).UTC()
	return &session.Session{
		ID:       id,
		Name:     deckName,
		DeckID:   deckID,
		DeckName: deckName,
		Messages: []session.Message{
			{ID: id + "-m1", From: session.FromUser, Text: "What is osmosis?", SectionID: "section-5001-1", Timestamp: updatedMs},
			{ID: id + "-m2", From: session.FromBot, Text: "<b>Diffusion</b> of water.", SectionID: "section-5001-1", Timestamp: updatedMs},
		},
		Sections: []session.Section{
			{ID: "section-5001-1", CardID: "5001", Title: "Osmosis", TitleStatus: session.TitleReady, CreatedAt: updatedMs},
		},
		SeenCardIDs: []session.HostID{"5001"},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

func insertSessions(t *testing.T, database *sql.DB, sessions ...*session.Session) {
	t.Helper()
	for _, s := range sessions {
		if err := db.Insert(context.Background(), database, s); err != nil {
			t.Fatalf("Insert %s failed: %v", s.ID, err)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		deckID   string
		wantByID bool
		wantErr  bool
	}{
		{"by id", "abc", "", true, false},
		{"by deck", "", "1700000000001", false, false},
		{"trims whitespace", "  abc  ", "", true, false},
		{"both", "abc", "1700000000001", false, true},
		{"neither", "", "", false, true},
		{"whitespace only", "   ", " ", false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := ValidateAddress(tc.id, tc.deckID)
			if tc.wantErr {
				if !errors.Is(err, errors.ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAddress failed: %v", err)
			}
			if addr.ByID != tc.wantByID {
				t.Errorf("ByID = %v, want %v", addr.ByID, tc.wantByID)
			}
			if addr.ByID && addr.ID != "abc" {
				t.Errorf("ID = %q, want %q", addr.ID, "abc")
			}
			if !addr.ByID && addr.DeckID != "1700000000001" {
				t.Errorf("DeckID = %q, want %q", addr.DeckID, "1700000000001")
			}
		})
	}
}
