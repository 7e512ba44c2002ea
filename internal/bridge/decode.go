package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEnvelope decodes and validates one raw inbound event.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.NewMalformedPayload("envelope", err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, errors.NewMalformedPayload("envelope", err)
	}
	return env, nil
}

// DecodeData decodes env.Data into T and validates it.
func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return v, errors.NewMalformedPayload(env.Type, fmt.Errorf("missing data"))
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, errors.NewMalformedPayload(env.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return v, errors.NewMalformedPayload(env.Type, err)
	}
	return v, nil
}

// DecodeDeck extracts the deck of a deckSelected or currentDeck event.
func DecodeDeck(env Envelope) (session.Deck, error) {
	return DecodeData[session.Deck](env)
}

// DecodeCardContext extracts the card of a cardContext event.
func DecodeCardContext(env Envelope) (session.CardContext, error) {
	return DecodeData[session.CardContext](env)
}

// DecodeTitleResult extracts a sectionTitleGenerated result.
func DecodeTitleResult(env Envelope) (TitleResult, error) {
	return DecodeData[TitleResult](env)
}

// DecodeCitations extracts the citations of a rag_sources event from its data,
// falling back to the envelope's citations field.
func DecodeCitations(env Envelope) (session.Citations, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return env.Citations, nil
	}
	var c session.Citations
	if err := json.Unmarshal(env.Data, &c); err != nil {
		return nil, errors.NewMalformedPayload(env.Type, err)
	}
	return c, nil
}

// DecodeSessions extracts the session list of a sessionsLoaded event. The
// data is either the list itself or an object with a "sessions" field.
// Entries that fail to decode are skipped and reported in the second result.
func DecodeSessions(env Envelope) ([]session.Session, []error, error) {
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || string(data) == "null" {
		return []session.Session{}, nil, nil
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, nil, errors.NewMalformedPayload(env.Type, err)
		}
	case '{':
		var wrapped struct {
			Sessions []json.RawMessage `json:"sessions"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, nil, errors.NewMalformedPayload(env.Type, err)
		}
		items = wrapped.Sessions
	case '"':
		// Some hosts hand over the list as a JSON string.
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, nil, errors.NewMalformedPayload(env.Type, err)
		}
		return DecodeSessions(Envelope{Type: env.Type, Data: json.RawMessage(inner)})
	default:
		return nil, nil, errors.NewMalformedPayload(env.Type, fmt.Errorf("unexpected data"))
	}

	out := make([]session.Session, 0, len(items))
	var skipped []error
	for i, item := range items {
		var s session.Session
		if err := json.Unmarshal(item, &s); err != nil {
			skipped = append(skipped, fmt.Errorf("session %d: %w", i, err))
			continue
		}
		if s.ID == "" {
			skipped = append(skipped, fmt.Errorf("session %d: missing id", i))
			continue
		}
		out = append(out, s)
	}
	return out, skipped, nil
}
