package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/session"
)

// FetchInput contains parameters for the Fetch operation.
type FetchInput struct {
	ID              string
	DeckID          string
	IncludeMessages *bool // default: true (nil means default)
}

// FetchOutput contains the result of the Fetch operation.
type FetchOutput struct {
	session.Session         // embedded (copy, not pointer)
	Summary         session.Summary `json:"summary"`
}

// Fetch retrieves a session by id or deck id.
func Fetch(ctx context.Context, database *sql.DB, input FetchInput) (*FetchOutput, error) {
	addr, err := ValidateAddress(input.ID, input.DeckID)
	if err != nil {
		return nil, err
	}

	var s *session.Session
	if addr.ByID {
		s, err = db.GetByID(ctx, database, addr.ID)
	} else {
		s, err = db.GetByDeck(ctx, database, addr.DeckID)
	}
	if err != nil {
		return nil, err
	}

	out := &FetchOutput{Session: *s, Summary: s.ToSummary()}
	if input.IncludeMessages != nil && !*input.IncludeMessages {
		out.Messages = nil
	}
	return out, nil
}

// Transcript renders s as plain text, one turn per paragraph, grouped under
// section headings.
func Transcript(s session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", s.Name)
	if s.DeckName != "" && s.DeckName != s.Name {
		fmt.Fprintf(&b, " (%s)", s.DeckName)
	}
	b.WriteString("\n")

	current := ""
	for _, m := range s.Messages {
		if m.SectionID != "" && m.SectionID != current {
			current = m.SectionID
			title := current
			for _, sec := range s.Sections {
				if sec.ID == current {
					title = sec.Title
					break
				}
			}
			fmt.Fprintf(&b, "\n== %s ==\n", title)
		}

		who := "Tutor"
		if m.From == session.FromUser {
			who = "You"
		}
		stamp := ""
		if m.Timestamp > 0 {
			stamp = " [" + time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02 15:04") + "]"
		}
		fmt.Fprintf(&b, "\n%s%s:\n%s\n", who, stamp, session.PlainText(m.Text))
		if n := len(m.Citations); n > 0 {
			fmt.Fprintf(&b, "(%d sources)\n", n)
		}
	}
	return b.String()
}
