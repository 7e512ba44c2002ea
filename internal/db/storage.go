package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Limits bounds what a save keeps.
type Limits struct {
	MaxSessions int
	MaxMessages int
}

// SaveResult reports what a ReplaceAll did.
type SaveResult struct {
	Saved   int  `json:"saved"`
	Dropped int  `json:"dropped"` // sessions beyond MaxSessions
	Skipped bool `json:"skipped"` // empty list refused over non-empty storage
}

// ReplaceAll makes the stored list equal to sessions, keeping only the last
// MaxSessions sessions and the last MaxMessages messages of each.
//
// An empty list never overwrites stored sessions: the call reports Skipped
// and leaves storage untouched. Removing sessions goes through Delete.
func ReplaceAll(ctx context.Context, database *sql.DB, sessions []session.Session, lim Limits) (*SaveResult, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(sessions) == 0 {
		n, err := Count(ctx, tx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return &SaveResult{Skipped: true}, nil
		}
		return &SaveResult{}, nil
	}

	result := &SaveResult{}
	if lim.MaxSessions > 0 && len(sessions) > lim.MaxSessions {
		result.Dropped = len(sessions) - lim.MaxSessions
		sessions = sessions[len(sessions)-lim.MaxSessions:]
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return nil, errors.NewInternal(err)
	}
	for i := range sessions {
		s := sessions[i]
		s.Messages = session.CapMessages(s.Messages, lim.MaxMessages)
		if err := insertAt(ctx, tx, &s, i); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	result.Saved = len(sessions)
	return result, nil
}

// Storage adapts a database to the load/save/delete contract a host offers
// the panel.
type Storage struct {
	DB     *sql.DB
	Limits Limits
}

// Load returns every stored session.
func (s *Storage) Load(ctx context.Context) ([]session.Session, error) {
	return LoadAll(ctx, s.DB)
}

// Save replaces the stored list. See ReplaceAll.
func (s *Storage) Save(ctx context.Context, sessions []session.Session) (*SaveResult, error) {
	return ReplaceAll(ctx, s.DB, sessions, s.Limits)
}

// Delete removes one session. Deleting an unknown id is not an error.
func (s *Storage) Delete(ctx context.Context, id string) error {
	err := Delete(ctx, s.DB, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}
