package session

import "time"

// Summary represents a session's metadata without messages.
// Used for browse operations to reduce data transfer.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DeckID       HostID    `json:"deckId"`
	DeckName     string    `json:"deckName"`
	MessageCount int       `json:"messageCount"`
	SectionCount int       `json:"sectionCount"`
	SeenCards    int       `json:"seenCards"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// previewRunes bounds Summary.LastMessage.
const previewRunes = 80

// ToSummary converts a Session to a Summary.
func (s *Session) ToSummary() Summary {
	sum := Summary{
		ID:           s.ID,
		Name:         s.Name,
		DeckID:       s.DeckID,
		DeckName:     s.DeckName,
		MessageCount: len(s.Messages),
		SectionCount: len(s.Sections),
		SeenCards:    len(s.SeenCardIDs),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if n := len(s.Messages); n > 0 {
		sum.LastMessage = Preview(s.Messages[n-1].Text, previewRunes)
	}
	return sum
}
