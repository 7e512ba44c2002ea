package session

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	FromUser Sender = "user"
	FromBot  Sender = "bot"
)

// Phase is the stage an AI step belongs to.
type Phase string

const (
	PhaseIntent     Phase = "intent"
	PhaseSearch     Phase = "search"
	PhaseRetrieval  Phase = "retrieval"
	PhaseGenerating Phase = "generating"
	PhaseFinished   Phase = "finished"
)

// Step is one reasoning/progress entry reported while a response is produced.
type Step struct {
	State     string         `json:"state"`
	Phase     Phase          `json:"phase,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// Citation is a source card used to ground an answer.
type Citation struct {
	NoteID        HostID            `json:"noteId"`
	CardID        HostID            `json:"cardId,omitempty"`
	DeckName      string            `json:"deckName,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	IsCurrentCard bool              `json:"isCurrentCard,omitempty"`
}

// Citations maps a note id (as string) to its citation.
type Citations map[string]Citation

// UnmarshalJSON accepts either a map keyed by note id or a plain list.
// List entries are keyed by note id, falling back to card id.
func (c *Citations) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Citation
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		out := make(Citations, len(list))
		for _, cit := range list {
			key := cit.NoteID.String()
			if key == "" {
				key = cit.CardID.String()
			}
			if key == "" {
				continue
			}
			out[key] = cit
		}
		*c = out
		return nil
	}
	var m map[string]Citation
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// Merge returns the union of c and other. Entries of other win on key collision.
func (c Citations) Merge(other Citations) Citations {
	if len(c) == 0 && len(other) == 0 {
		return nil
	}
	out := make(Citations, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Message is one chat turn.
type Message struct {
	ID        string    `json:"id"`
	From      Sender    `json:"from"`
	Text      string    `json:"text"`
	SectionID string    `json:"sectionId,omitempty"`
	Steps     []Step    `json:"steps,omitempty"`
	Citations Citations `json:"citations,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"` // unix ms
}

// UnmarshalJSON accepts legacy records whose id was numeric or missing.
// Such ids decode as empty and are minted again by Migrate.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.alias)
	m.ID = ""
	if len(raw.ID) > 0 && raw.ID[0] == '"' {
		var id string
		if err := json.Unmarshal(raw.ID, &id); err != nil {
			return err
		}
		m.ID = id
	}
	return nil
}

// TitleStatus tracks whether a section title is final.
type TitleStatus string

const (
	TitlePending TitleStatus = "pending"
	TitleReady   TitleStatus = "ready"
	TitleError   TitleStatus = "error"
)

// Section groups the messages exchanged about one card.
type Section struct {
	ID          string      `json:"id"`
	CardID      HostID      `json:"cardId"`
	Title       string      `json:"title"`
	TitleStatus TitleStatus `json:"titleStatus,omitempty"`
	Question    string      `json:"question,omitempty"`
	Answer      string      `json:"answer,omitempty"`
	CreatedAt   int64       `json:"createdAt"` // unix ms
}

// Session is a deck-bound conversation.
type Session struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DeckID      HostID    `json:"deckId"`
	DeckName    string    `json:"deckName"`
	Messages    []Message `json:"messages"`
	Sections    []Section `json:"sections"`
	SeenCardIDs []HostID  `json:"seenCardIds"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsTransient reports whether s carries an in-memory-only id.
func (s *Session) IsTransient() bool {
	return IsTransientID(s.ID)
}

// HasSeen reports whether cardID is in the seen set.
func (s *Session) HasSeen(cardID HostID) bool {
	for _, id := range s.SeenCardIDs {
		if id == cardID {
			return true
		}
	}
	return false
}

// MarkSeen adds cardID to the seen set. Returns false if it was already present.
func (s *Session) MarkSeen(cardID HostID) bool {
	if cardID == "" || s.HasSeen(cardID) {
		return false
	}
	s.SeenCardIDs = append(s.SeenCardIDs, cardID)
	return true
}

// SectionFor returns the section for cardID, if any.
func (s *Session) SectionFor(cardID HostID) (Section, bool) {
	return FindSection(s.Sections, cardID)
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Messages = CloneMessages(s.Messages)
	out.Sections = CloneSections(s.Sections)
	if s.SeenCardIDs != nil {
		out.SeenCardIDs = append([]HostID(nil), s.SeenCardIDs...)
	}
	return out
}

// CloneAll deep-copies a session list.
func CloneAll(sessions []Session) []Session {
	if sessions == nil {
		return nil
	}
	out := make([]Session, len(sessions))
	for i := range sessions {
		out[i] = sessions[i].Clone()
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Steps != nil {
			out[i].Steps = append([]Step(nil), m.Steps...)
		}
		if m.Citations != nil {
			out[i].Citations = m.Citations.Merge(nil)
		}
	}
	return out
}

// CloneSections copies a section list.
func CloneSections(sections []Section) []Section {
	if sections == nil {
		return nil
	}
	return append([]Section(nil), sections...)
}

// FindSection returns the section for cardID, if any.
func FindSection(sections []Section, cardID HostID) (Section, bool) {
	for _, sec := range sections {
		if sec.CardID == cardID {
			return sec, true
		}
	}
	return Section{}, false
}

// DeckSeparator separates the levels of an Anki deck path.
const DeckSeparator = "::"

// Deck describes the deck the host reports as selected.
type Deck struct {
	ID         HostID `json:"deckId" validate:"required"`
	Name       string `json:"deckName"`
	TotalCards int    `json:"totalCards,omitempty"`
	IsInDeck   bool   `json:"isInDeck,omitempty"`
}

// DisplayName is the deck's leaf name ("Languages::Spanish" -> "Spanish").
func (d Deck) DisplayName() string {
	name := strings.TrimSpace(d.Name)
	if i := strings.LastIndex(name, DeckSeparator); i >= 0 {
		name = name[i+len(DeckSeparator):]
	}
	if name == "" {
		return "Deck " + d.ID.String()
	}
	return name
}

// CardStats carries review statistics for the shown card.
type CardStats struct {
	Reps           int     `json:"reps"`
	Lapses         int     `json:"lapses"`
	Interval       int     `json:"interval"`
	Ease           float64 `json:"ease"`
	KnowledgeScore float64 `json:"knowledgeScore"`
}

// CardContext describes the card currently shown in the reviewer.
type CardContext struct {
	CardID     HostID            `json:"cardId" validate:"required"`
	NoteID     HostID            `json:"noteId,omitempty"`
	Question   string            `json:"question"`
	Answer     string            `json:"answer,omitempty"`
	FrontField string            `json:"frontField,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	DeckID     HostID            `json:"deckId,omitempty"`
	DeckName   string            `json:"deckName,omitempty"`
	IsQuestion bool              `json:"isQuestion"`
	Stats      *CardStats        `json:"stats,omitempty"`
}
