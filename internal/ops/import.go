package ops

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on collision (atomic)
	ImportModeReplace ImportMode = "replace" // overwrite on collision
	ImportModeRename  ImportMode = "rename"  // new id on id collision
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 << 20

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required
	Mode ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError represents an error that occurred during import.
type ImportError struct {
	Line    int    `json:"line,omitempty"`
	ID      string `json:"id,omitempty"`
	DeckID  string `json:"deck_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type importRecord struct {
	line    int
	session session.Session
}

// Import reads sessions from a JSONL export file.
func Import(ctx context.Context, database *sql.DB, cfg *config.Config, input ImportInput) (*ImportOutput, error) {
	if input.Path == "" {
		return nil, errors.NewInvalidRequest("path is required")
	}
	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	if input.Mode != ImportModeError && input.Mode != ImportModeReplace && input.Mode != ImportModeRename {
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, rename")
	}

	policy, err := newExportPolicy(cfg)
	if err != nil {
		return nil, err
	}
	path, err := policy.checkImport(input.Path)
	if err != nil {
		return nil, err
	}
	file, err := openSessionFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lim := session.Limits{MaxMessages: cfg.MaxMessagesPerSession, FallbackTitle: cfg.FallbackSectionTitle}
	records, parseErrors := parseExportFile(file, lim, time.Now())

	// mode:error imports nothing if any line is bad.
	if input.Mode == ImportModeError && len(parseErrors) > 0 {
		return &ImportOutput{Errors: parseErrors}, nil
	}

	switch input.Mode {
	case ImportModeError:
		return importModeError(ctx, database, records)
	case ImportModeReplace:
		return importModeReplace(ctx, database, records, parseErrors)
	case ImportModeRename:
		return importModeRename(ctx, database, records, parseErrors)
	default:
		return nil, errors.NewInvalidRequest("invalid mode")
	}
}

// parseExportFile parses a JSONL export into migrated sessions.
func parseExportFile(r io.Reader, lim session.Limits, now time.Time) ([]importRecord, []ImportError) {
	var records []importRecord
	var parseErrors []ImportError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record session.ExportRecord
		if err := json.Unmarshal(line, &record); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		if record.IsHeader() {
			continue
		}

		switch {
		case record.ID == "":
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "INVALID_RECORD",
				Message: "missing id field",
			})
			continue
		case session.IsTransientID(record.ID):
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				ID:      record.ID,
				Code:    "INVALID_RECORD",
				Message: "transient sessions cannot be imported",
			})
			continue
		case record.DeckID == "":
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				ID:      record.ID,
				Code:    "INVALID_RECORD",
				Message: "missing deckId field",
			})
			continue
		}

		s, _ := session.Migrate(record.Session, lim, now)
		records = append(records, importRecord{line: lineNum, session: s})
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}

	return records, parseErrors
}

// lookup returns the stored sessions sharing s's id and deck. Either may be nil.
func lookup(ctx context.Context, q db.Querier, s *session.Session) (byID, byDeck *session.Session, err error) {
	byID, err = db.GetByID(ctx, q, s.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, nil, err
	}
	byDeck, err = db.GetByDeck(ctx, q, s.DeckID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, nil, err
	}
	return byID, byDeck, nil
}

// importModeError imports all records atomically, rolling back on any collision.
func importModeError(ctx context.Context, database *sql.DB, records []importRecord) (*ImportOutput, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	imported := 0
	for _, rec := range records {
		s := rec.session
		byID, byDeck, err := lookup(ctx, tx, &s)
		if err != nil {
			return nil, err
		}
		if byID != nil {
			return &ImportOutput{Errors: []ImportError{{
				Line:    rec.line,
				ID:      s.ID,
				Code:    "ID_COLLISION",
				Message: fmt.Sprintf("session with id %q already exists", s.ID),
			}}}, nil
		}
		if byDeck != nil {
			return &ImportOutput{Errors: []ImportError{{
				Line:    rec.line,
				ID:      s.ID,
				DeckID:  s.DeckID.String(),
				Code:    "DECK_COLLISION",
				Message: fmt.Sprintf("deck %s already has session %q", s.DeckID, byDeck.ID),
			}}}, nil
		}

		if err := db.Insert(ctx, tx, &s); err != nil {
			return nil, err
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}

	return &ImportOutput{Imported: imported}, nil
}

// importModeReplace imports records, overwriting existing sessions on collision.
func importModeReplace(ctx context.Context, database *sql.DB, records []importRecord, parseErrors []ImportError) (*ImportOutput, error) {
	imported := 0
	skipped := len(parseErrors)
	importErrors := append([]ImportError(nil), parseErrors...)

	for _, rec := range records {
		s := rec.session
		byID, byDeck, err := lookup(ctx, database, &s)
		if err != nil {
			return nil, err
		}

		// The id matches one session and the deck another.
		if byID != nil && byDeck != nil && byID.ID != byDeck.ID {
			importErrors = append(importErrors, ImportError{
				Line:    rec.line,
				ID:      s.ID,
				DeckID:  s.DeckID.String(),
				Code:    "AMBIGUOUS_COLLISION",
				Message: fmt.Sprintf("id %q matches an existing session but deck %s belongs to session %q", s.ID, s.DeckID, byDeck.ID),
			})
			skipped++
			continue
		}

		switch {
		case byID != nil:
			err = db.Upsert(ctx, database, &s)
		case byDeck != nil:
			// Keep the stored id so the deck's position in the list survives.
			s.ID = byDeck.ID
			err = db.Upsert(ctx, database, &s)
		default:
			err = db.Insert(ctx, database, &s)
		}
		if err != nil {
			return nil, err
		}
		imported++
	}

	return &ImportOutput{
		Imported: imported,
		Skipped:  skipped,
		Errors:   importErrors,
	}, nil
}

// importModeRename imports records, minting a new id on id collision. A deck
// can only hold one session, so deck collisions are skipped.
func importModeRename(ctx context.Context, database *sql.DB, records []importRecord, parseErrors []ImportError) (*ImportOutput, error) {
	imported := 0
	skipped := len(parseErrors)
	importErrors := append([]ImportError(nil), parseErrors...)

	for _, rec := range records {
		s := rec.session
		byID, byDeck, err := lookup(ctx, database, &s)
		if err != nil {
			return nil, err
		}

		if byDeck != nil {
			importErrors = append(importErrors, ImportError{
				Line:    rec.line,
				ID:      s.ID,
				DeckID:  s.DeckID.String(),
				Code:    "DECK_COLLISION",
				Message: fmt.Sprintf("deck %s already has session %q", s.DeckID, byDeck.ID),
			})
			skipped++
			continue
		}

		if byID != nil {
			s.ID = session.NewSessionID()
		}

		if err := db.Insert(ctx, database, &s); err != nil {
			importErrors = append(importErrors, ImportError{
				Line:    rec.line,
				ID:      s.ID,
				Code:    "INSERT_FAILED",
				Message: fmt.Sprintf("failed to insert: %v", err),
			})
			skipped++
			continue
		}
		imported++
	}

	return &ImportOutput{
		Imported: imported,
		Skipped:  skipped,
		Errors:   importErrors,
	}, nil
}
