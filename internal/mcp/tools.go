package mcp

import "github.com/mark3labs/mcp-go/mcp"

var listToolDef = mcp.NewTool("session_list",
	mcp.WithDescription("List stored tutor sessions, most recently active first. Returns summaries without messages."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithNumber("limit", mcp.Description("Max items to return (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Items to skip (default 0)")),
)

var fetchToolDef = mcp.NewTool("session_fetch",
	mcp.WithDescription("Fetch one stored session by id or by deck id, including its messages and sections."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("id", mcp.Description("Session id (mutually exclusive with deck_id)")),
	mcp.WithString("deck_id", mcp.Description("Anki deck id (mutually exclusive with id)")),
	mcp.WithBoolean("include_messages", mcp.Description("Include the message list (default true)")),
)

var transcriptToolDef = mcp.NewTool("session_transcript",
	mcp.WithDescription("Render a stored session as a plain-text transcript grouped by card section."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("id", mcp.Description("Session id (mutually exclusive with deck_id)")),
	mcp.WithString("deck_id", mcp.Description("Anki deck id (mutually exclusive with id)")),
)

var deleteToolDef = mcp.NewTool("session_delete",
	mcp.WithDescription("Permanently delete a stored session by id or by deck id."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithString("id", mcp.Description("Session id (mutually exclusive with deck_id)")),
	mcp.WithString("deck_id", mcp.Description("Anki deck id (mutually exclusive with id)")),
)

var exportToolDef = mcp.NewTool("session_export",
	mcp.WithDescription("Export stored sessions to a JSONL file. Defaults to the exports dir under ANKIPANEL_HOME (~/.ankipanel), named after the deck path."),
	mcp.WithString("path", mcp.Description("Destination .jsonl path (optional)")),
	mcp.WithString("deck_id", mcp.Description("Export only this deck's session (optional)")),
)

var importToolDef = mcp.NewTool("session_import",
	mcp.WithDescription("Import sessions from a JSONL export file."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Source .jsonl path")),
	mcp.WithString("mode",
		mcp.Enum("error", "replace", "rename"),
		mcp.Description("Collision handling: error (atomic, default), replace, or rename"),
	),
)
