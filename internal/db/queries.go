package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id, doc_json, created_at, updated_at`

// Insert stores a new session after all existing ones.
func Insert(ctx context.Context, q Querier, s *session.Session) error {
	pos, err := nextPosition(ctx, q)
	if err != nil {
		return err
	}
	return insertAt(ctx, q, s, pos)
}

func insertAt(ctx context.Context, q Querier, s *session.Session, pos int) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO sessions (
			id, deck_id, name, deck_name, doc_json, message_count,
			position, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		s.ID, s.DeckID.String(), s.Name, s.DeckName, string(doc), len(s.Messages),
		pos, toMillis(s.CreatedAt), toMillis(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return uniqueViolation(ctx, q, s)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// Upsert inserts s or replaces the stored session with the same id, keeping its position.
func Upsert(ctx context.Context, q Querier, s *session.Session) error {
	existing, err := GetByID(ctx, q, s.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	if existing == nil {
		return Insert(ctx, q, s)
	}

	doc, err := json.Marshal(s)
	if err != nil {
		return errors.NewInternal(err)
	}
	query := `
		UPDATE sessions
		SET deck_id = ?, name = ?, deck_name = ?, doc_json = ?, message_count = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = q.ExecContext(ctx, query,
		s.DeckID.String(), s.Name, s.DeckName, string(doc), len(s.Messages),
		toMillis(s.CreatedAt), toMillis(s.UpdatedAt), s.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return uniqueViolation(ctx, q, s)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// uniqueViolation reports which constraint a failed write hit.
func uniqueViolation(ctx context.Context, q Querier, s *session.Session) error {
	if s.DeckID != "" {
		if other, err := GetByDeck(ctx, q, s.DeckID); err == nil && other.ID != s.ID {
			return errors.NewDeckSessionExists(s.DeckID.String(), other.ID)
		}
	}
	return errors.NewInvalidRequest("session id already exists: " + s.ID)
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetByID retrieves a session by id.
func GetByID(ctx context.Context, q Querier, id string) (*session.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return s, nil
}

// GetByDeck retrieves the session bound to deckID.
func GetByDeck(ctx context.Context, q Querier, deckID session.HostID) (*session.Session, error) {
	if deckID == "" {
		return nil, errors.NewInvalidRequest("deck id is required")
	}
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE deck_id = ?`, deckID.String())
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("deck " + deckID.String())
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return s, nil
}

// LoadAll returns every stored session in list order.
func LoadAll(ctx context.Context, q Querier) ([]session.Session, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY position ASC`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []session.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ListSummaries returns summaries ordered by most recent activity, plus the total count.
func ListSummaries(ctx context.Context, q Querier, limit, offset int) ([]session.Summary, int, error) {
	total, err := Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, position DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []session.Summary{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		out = append(out, s.ToSummary())
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return out, total, nil
}

// Count returns the number of stored sessions.
func Count(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// Delete removes a session by id.
func Delete(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(id)
	}
	return nil
}

func nextPosition(ctx context.Context, q Querier) (int, error) {
	var pos sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(position) FROM sessions`).Scan(&pos); err != nil {
		return 0, errors.NewInternal(err)
	}
	if !pos.Valid {
		return 0, nil
	}
	return int(pos.Int64) + 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession scans a single row into a Session.
// The document is authoritative; the timestamp columns only back ordering.
func scanSession(row rowScanner) (*session.Session, error) {
	var (
		id        string
		doc       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&id, &doc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var s session.Session
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, err
	}
	s.ID = id
	if s.CreatedAt.IsZero() && createdAt > 0 {
		s.CreatedAt = time.UnixMilli(createdAt).UTC()
	}
	if s.UpdatedAt.IsZero() && updatedAt > 0 {
		s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	}
	return &s, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
