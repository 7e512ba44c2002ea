package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/ankipanel/internal/db"
)

// DeleteInput contains parameters for the Delete operation.
type DeleteInput struct {
	ID     string
	DeckID string
}

// DeleteOutput contains the result of the Delete operation.
type DeleteOutput struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// Delete removes a stored session permanently.
func Delete(ctx context.Context, database *sql.DB, input DeleteInput) (*DeleteOutput, error) {
	addr, err := ValidateAddress(input.ID, input.DeckID)
	if err != nil {
		return nil, err
	}

	id := addr.ID
	if !addr.ByID {
		s, err := db.GetByDeck(ctx, database, addr.DeckID)
		if err != nil {
			return nil, err
		}
		id = s.ID
	}

	if err := db.Delete(ctx, database, id); err != nil {
		return nil, err
	}
	return &DeleteOutput{Deleted: true, ID: id}, nil
}
