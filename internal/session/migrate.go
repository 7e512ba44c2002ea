package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Limits bounds stored sessions.
type Limits struct {
	MaxMessages   int
	FallbackTitle string
}

// placeholderTitles are titles written by older versions while a title
// request was in flight. They never became final.
var placeholderTitles = map[string]bool{
	"Lade Titel...":    true,
	"Loading title...": true,
}

// Migrate brings a stored session up to the current shape: it mints ids for
// messages that lack a string id, rebuilds sections for sessions stored
// before sections existed, resolves title states that cannot survive a
// reload, and caps the message list. The boolean reports whether anything
// changed.
func Migrate(s Session, lim Limits, now time.Time) (Session, bool) {
	out := s.Clone()
	changed := false

	seen := make(map[string]bool, len(out.Messages))
	for i := range out.Messages {
		m := &out.Messages[i]
		if m.ID == "" || seen[m.ID] {
			ts := m.Timestamp
			if ts == 0 {
				ts = now.UnixMilli()
			}
			m.ID = legacyMessageID(ts, i)
			changed = true
		}
		seen[m.ID] = true
	}

	if len(out.Sections) == 0 {
		if rebuilt := RebuildSections(out.Messages); len(rebuilt) > 0 {
			out.Sections = rebuilt
			changed = true
		}
	}

	for i := range out.Sections {
		sec := &out.Sections[i]
		switch {
		case sec.TitleStatus == TitlePending, placeholderTitles[sec.Title], strings.TrimSpace(sec.Title) == "":
			sec.TitleStatus = TitleError
			sec.Title = lim.FallbackTitle
			changed = true
		case sec.TitleStatus == "":
			sec.TitleStatus = TitleReady
			changed = true
		}
	}

	if lim.MaxMessages > 0 && len(out.Messages) > lim.MaxMessages {
		out.Messages = CapMessages(out.Messages, lim.MaxMessages)
		changed = true
	}

	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if out.Sections == nil {
		out.Sections = []Section{}
	}
	if out.SeenCardIDs == nil {
		out.SeenCardIDs = []HostID{}
	}
	if out.Name == "" {
		out.Name = Deck{ID: out.DeckID, Name: out.DeckName}.DisplayName()
		changed = true
	}

	return out, changed
}

// MigrateAll applies Migrate to every session and reports whether any changed.
func MigrateAll(sessions []Session, lim Limits, now time.Time) ([]Session, bool) {
	out := make([]Session, len(sessions))
	changed := false
	for i, s := range sessions {
		var c bool
		out[i], c = Migrate(s, lim, now)
		changed = changed || c
	}
	return out, changed
}

// RebuildSections derives sections from the distinct section ids referenced
// by messages, in order of first appearance. Titles are numbered
// ("Card 1", "Card 2", ...).
func RebuildSections(msgs []Message) []Section {
	var out []Section
	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.SectionID == "" || seen[m.SectionID] {
			continue
		}
		seen[m.SectionID] = true
		cardID, createdAt := parseSectionID(m.SectionID)
		out = append(out, Section{
			ID:          m.SectionID,
			CardID:      cardID,
			Title:       fmt.Sprintf("Card %d", len(out)+1),
			TitleStatus: TitleReady,
			CreatedAt:   createdAt,
		})
	}
	return out
}

// parseSectionID splits "section-<cardId>-<ms>" into its parts. Unknown
// formats yield empty values.
func parseSectionID(id string) (HostID, int64) {
	rest, ok := strings.CutPrefix(id, "section-")
	if !ok {
		return "", 0
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return HostID(rest), 0
	}
	ms, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return HostID(rest), 0
	}
	return HostID(rest[:i]), ms
}
