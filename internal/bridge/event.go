package bridge

import (
	"encoding/json"

	"github.com/hpungsan/ankipanel/internal/session"
)

// Inbound event types.
const (
	EventSessionsLoaded        = "sessionsLoaded"
	EventDeckSelected          = "deckSelected"
	EventCurrentDeck           = "currentDeck"
	EventDeckExited            = "deckExited"
	EventCardContext           = "cardContext"
	EventSectionTitleGenerated = "sectionTitleGenerated"
	EventCardDetails           = "cardDetails"
	EventAuthStatusLoaded      = "authStatusLoaded"
	EventAIToolsLoaded         = "aiToolsLoaded"
	EventCapabilities          = "capabilities"

	EventLoading    = "loading"
	EventStreaming  = "streaming"
	EventAIState    = "ai_state"
	EventRAGSources = "rag_sources"
	EventBot        = "bot"
	EventInfo       = "info"
	EventError      = "error"
)

// ChatEvents are the event types that drive the chat engine.
var ChatEvents = []string{
	EventLoading, EventStreaming, EventAIState, EventRAGSources,
	EventBot, EventInfo, EventError,
}

// Envelope is one inbound host event. Which fields are set depends on Type.
type Envelope struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data,omitempty"`

	// chat payloads
	Message        string            `json:"message,omitempty"`
	Chunk          string            `json:"chunk,omitempty"`
	Done           bool              `json:"done,omitempty"`
	IsFunctionCall bool              `json:"isFunctionCall,omitempty"`
	Steps          []session.Step    `json:"steps,omitempty"`
	Citations      session.Citations `json:"citations,omitempty"`
	Phase          session.Phase     `json:"phase,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Timestamp      int64             `json:"timestamp,omitempty"` // unix ms, ai_state only

	CallbackID string `json:"callbackId,omitempty"`
}

// NewEvent builds an envelope whose Data is data encoded as JSON.
func NewEvent(eventType string, data any) Envelope {
	env := Envelope{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			env.Data = raw
		}
	}
	return env
}

// TitleResult answers a generateSectionTitle request.
// SectionID and RequestID echo the request; hosts that predate them leave both empty.
type TitleResult struct {
	Success   bool   `json:"success"`
	Title     string `json:"title" validate:"required_if=Success true"`
	Error     string `json:"error,omitempty"`
	SectionID string `json:"sectionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// CardDetails answers a getCardDetails request.
type CardDetails struct {
	CallbackID string         `json:"callbackId" validate:"required"`
	Success    bool           `json:"success"`
	Card       map[string]any `json:"card,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// AuthStatus is the host's account state.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	HasToken      bool   `json:"hasToken,omitempty"`
	BackendURL    string `json:"backendUrl,omitempty"`
	Email         string `json:"email,omitempty"`
}

// AITools maps a tool name to whether it is enabled.
type AITools map[string]bool

// SendRequest is the sendMessage payload.
type SendRequest struct {
	Message string         `json:"message"`
	History []session.Turn `json:"history"`
	Mode    string         `json:"mode"`
}

// TitleRequest is the generateSectionTitle payload.
type TitleRequest struct {
	SectionID string `json:"sectionId"`
	RequestID string `json:"requestId"`
	Question  string `json:"question"`
	Answer    string `json:"answer,omitempty"`
}
