// Package ops implements offline operations on stored panel sessions. They
// back the CLI and the MCP server and never run while a panel holds the
// same database open for writing.
package ops

import (
	"strings"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Address identifies a stored session.
type Address struct {
	ByID   bool
	ID     string
	DeckID session.HostID
}

// ValidateAddress checks that exactly one of id and deckID is set.
// A deck has at most one session, so the deck id is a full address.
func ValidateAddress(id, deckID string) (*Address, error) {
	id = strings.TrimSpace(id)
	deckID = strings.TrimSpace(deckID)

	if id != "" && deckID != "" {
		return nil, errors.NewInvalidRequest("specify either id or deck_id, not both")
	}
	if id == "" && deckID == "" {
		return nil, errors.NewInvalidRequest("must specify either id or deck_id")
	}
	if id != "" {
		return &Address{ByID: true, ID: id}, nil
	}
	return &Address{DeckID: session.HostID(deckID)}, nil
}
