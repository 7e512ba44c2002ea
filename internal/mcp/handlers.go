package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db  *sql.DB
	cfg *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config) *Handlers {
	return &Handlers{db: db, cfg: cfg}
}

// AddressRequest identifies a session by id or deck id.
type AddressRequest struct {
	ID     string `json:"id,omitempty"`
	DeckID string `json:"deck_id,omitempty"`
}

// FetchRequest represents the arguments for session_fetch.
type FetchRequest struct {
	AddressRequest
	IncludeMessages *bool `json:"include_messages,omitempty"`
}

// ListRequest represents the arguments for session_list.
type ListRequest struct {
	Limit  int `json:"limit,omitempty" validate:"min=0"`
	Offset int `json:"offset,omitempty" validate:"min=0"`
}

// ExportRequest represents the arguments for session_export.
type ExportRequest struct {
	Path   string `json:"path,omitempty"`
	DeckID string `json:"deck_id,omitempty"`
}

// ImportRequest represents the arguments for session_import.
type ImportRequest struct {
	Path string `json:"path" validate:"required"`
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=error replace rename"`
}

// TranscriptResult is the session_transcript response.
type TranscriptResult struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
}

// HandleList handles the session_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ListRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.List(ctx, h.db, ops.ListInput{
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFetch handles the session_fetch tool call.
func (h *Handlers) HandleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[FetchRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Fetch(ctx, h.db, ops.FetchInput{
		ID:              input.ID,
		DeckID:          input.DeckID,
		IncludeMessages: input.IncludeMessages,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTranscript handles the session_transcript tool call.
func (h *Handlers) HandleTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[AddressRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Fetch(ctx, h.db, ops.FetchInput{ID: input.ID, DeckID: input.DeckID})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(TranscriptResult{
		ID:         result.ID,
		Transcript: ops.Transcript(result.Session),
	})
}

// HandleDelete handles the session_delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[AddressRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Delete(ctx, h.db, ops.DeleteInput{
		ID:     input.ID,
		DeckID: input.DeckID,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleExport handles the session_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ExportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Export(ctx, h.db, h.cfg, ops.ExportInput{
		Path:   input.Path,
		DeckID: input.DeckID,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleImport handles the session_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ImportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Import(ctx, h.db, h.cfg, ops.ImportInput{
		Path: input.Path,
		Mode: ops.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are never exposed; they may carry paths or SQL.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var panelErr *errors.PanelError
	if stderrors.As(err, &panelErr) {
		msg := panelErr.Message
		switch {
		case panelErr.Code == errors.ErrInternal:
			msg = "an internal error occurred"
		case err != error(panelErr):
			// Keep the wrapping context, e.g. "line 3: ...".
			msg = err.Error()
		}
		errorObj := map[string]any{
			"code":    panelErr.Code,
			"message": msg,
			"status":  panelErr.Status,
		}
		if panelErr.Code != errors.ErrInternal && panelErr.Details != nil {
			errorObj["details"] = panelErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
