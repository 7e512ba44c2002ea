package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/ops"
	"github.com/hpungsan/ankipanel/internal/session"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// testConfig returns a default config with unrestricted import/export paths.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true
	return cfg
}

func seedSession(t *testing.T, database *sql.DB, id string, deckID session.HostID, deckName string) {
	t.Helper()
	ts := time.UnixMilli(1700000000000).UTC()
	s := &session.Session{
		ID:       id,
		Name:     deckName,
		DeckID:   deckID,
		DeckName: deckName,
		Messages: []session.Message{
			{ID: id + "-m1", From: session.FromUser, Text: "What is osmosis?", SectionID: "section-5001-1"},
			{ID: id + "-m2", From: session.FromBot, Text: "<b>Diffusion</b> of water.", SectionID: "section-5001-1"},
		},
		Sections: []session.Section{
			{ID: "section-5001-1", CardID: "5001", Title: "Osmosis", TitleStatus: session.TitleReady},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := db.Insert(context.Background(), database, s); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

// runCLI runs the app with args and returns what it wrote.
func runCLI(t *testing.T, database *sql.DB, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp(database, cfg, nil)
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"ankipanel"}, args...))
	return out.String(), err
}

func TestCLIList(t *testing.T) {
	database := setupTestDB(t)
	seedSession(t, database, "s1", "1", "Biology")
	seedSession(t, database, "s2", "2", "Chemistry")

	out, err := runCLI(t, database, testConfig(), "list", "--limit", "1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var result ops.ListOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("failed to parse output %q: %v", out, err)
	}
	if len(result.Items) != 1 {
		t.Errorf("expected 1 item, got %d", len(result.Items))
	}
	if result.Pagination.Total != 2 {
		t.Errorf("expected total 2, got %d", result.Pagination.Total)
	}
	if !result.Pagination.HasMore {
		t.Error("expected has_more")
	}
}

func TestCLIShow(t *testing.T) {
	database := setupTestDB(t)
	seedSession(t, database, "s1", "1", "Biology")

	t.Run("by id", func(t *testing.T) {
		out, err := runCLI(t, database, testConfig(), "show", "s1")
		if err != nil {
			t.Fatalf("show failed: %v", err)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("failed to parse output: %v", err)
		}
		if result["id"] != "s1" {
			t.Errorf("expected id s1, got %v", result["id"])
		}
		if msgs, _ := result["messages"].([]any); len(msgs) != 2 {
			t.Errorf("expected 2 messages, got %v", result["messages"])
		}
	})

	t.Run("by deck without messages", func(t *testing.T) {
		out, err := runCLI(t, database, testConfig(), "show", "--deck", "1", "--no-messages")
		if err != nil {
			t.Fatalf("show failed: %v", err)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("failed to parse output: %v", err)
		}
		if msgs, _ := result["messages"].([]any); len(msgs) != 0 {
			t.Errorf("expected no messages, got %v", result["messages"])
		}
	})

	t.Run("plain transcript", func(t *testing.T) {
		out, err := runCLI(t, database, testConfig(), "show", "--plain", "s1")
		if err != nil {
			t.Fatalf("show failed: %v", err)
		}
		for _, want := range []string{"== Osmosis ==", "You:", "Tutor:", "Diffusion of water."} {
			if !strings.Contains(out, want) {
				t.Errorf("transcript missing %q:\n%s", want, out)
			}
		}
		if strings.Contains(out, "<b>") {
			t.Errorf("transcript kept markup:\n%s", out)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := runCLI(t, database, testConfig(), "show", "missing")
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "[NOT_FOUND]") {
			t.Errorf("expected NOT_FOUND, got %v", err)
		}
	})

	t.Run("id and deck both given", func(t *testing.T) {
		_, err := runCLI(t, database, testConfig(), "show", "--deck", "1", "s1")
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
			t.Errorf("expected INVALID_REQUEST, got %v", err)
		}
	})
}

func TestCLIDelete(t *testing.T) {
	database := setupTestDB(t)
	seedSession(t, database, "s1", "1", "Biology")

	out, err := runCLI(t, database, testConfig(), "delete", "--deck", "1")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	var result ops.DeleteOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if !result.Deleted || result.ID != "s1" {
		t.Errorf("unexpected result: %+v", result)
	}

	if _, err := runCLI(t, database, testConfig(), "delete", "s1"); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestCLIExportImport(t *testing.T) {
	database := setupTestDB(t)
	seedSession(t, database, "s1", "1", "Biology")
	seedSession(t, database, "s2", "2", "Chemistry")
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "sessions.jsonl")

	out, err := runCLI(t, database, cfg, "export", "--path", path)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var exported ops.ExportOutput
	if err := json.Unmarshal([]byte(out), &exported); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if exported.Count != 2 {
		t.Errorf("expected 2 exported, got %d", exported.Count)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("export file missing: %v", err)
	}

	// Same ids already exist, so error mode refuses.
	out, err = runCLI(t, database, cfg, "import", "--path", path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	var imported ops.ImportOutput
	if err := json.Unmarshal([]byte(out), &imported); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if imported.Imported != 0 || len(imported.Errors) != 1 || imported.Errors[0].Code != "ID_COLLISION" {
		t.Errorf("expected a single ID_COLLISION, got %+v", imported)
	}

	fresh := setupTestDB(t)
	out, err = runCLI(t, fresh, cfg, "import", "--path", path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	imported = ops.ImportOutput{}
	if err := json.Unmarshal([]byte(out), &imported); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if imported.Imported != 2 {
		t.Errorf("expected 2 imported, got %d", imported.Imported)
	}

	out, err = runCLI(t, database, cfg, "import", "--path", path, "--mode", "replace")
	if err != nil {
		t.Fatalf("replace import failed: %v", err)
	}
	imported = ops.ImportOutput{}
	if err := json.Unmarshal([]byte(out), &imported); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if imported.Imported != 2 {
		t.Errorf("expected 2 replaced, got %d", imported.Imported)
	}
}

func TestCLIImportRequiresPath(t *testing.T) {
	database := setupTestDB(t)
	if _, err := runCLI(t, database, testConfig(), "import"); err == nil {
		t.Fatal("expected error for missing --path")
	}
}

func TestCLIHelpWithoutDB(t *testing.T) {
	out, err := runCLI(t, nil, nil, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, cmd := range []string{"host", "chat", "list", "show", "export", "import", "mcp"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help missing %q command", cmd)
		}
	}
}

// TestIsCLIMode tests the isCLIMode function.
func TestIsCLIMode(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{name: "no args", args: []string{"ankipanel"}, expected: false},
		{name: "host command", args: []string{"ankipanel", "host"}, expected: true},
		{name: "chat command", args: []string{"ankipanel", "chat"}, expected: true},
		{name: "show command", args: []string{"ankipanel", "show"}, expected: true},
		{name: "mcp command", args: []string{"ankipanel", "mcp"}, expected: true},
		{name: "help flag", args: []string{"ankipanel", "--help"}, expected: true},
		{name: "version flag", args: []string{"ankipanel", "-v"}, expected: true},
		{name: "unknown command", args: []string{"ankipanel", "serve"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			if result := isCLIMode(); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

// TestIsHelpOrVersion tests the isHelpOrVersion function.
func TestIsHelpOrVersion(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{name: "no args", args: []string{"ankipanel"}, expected: false},
		{name: "help flag", args: []string{"ankipanel", "--help"}, expected: true},
		{name: "short help flag", args: []string{"ankipanel", "-h"}, expected: true},
		{name: "version flag", args: []string{"ankipanel", "--version"}, expected: true},
		{name: "help command", args: []string{"ankipanel", "help"}, expected: true},
		{name: "other command", args: []string{"ankipanel", "list"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			if result := isHelpOrVersion(); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestIsHostMode(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"ankipanel"}
	if !isHostMode() {
		t.Error("no args should be host mode")
	}
	os.Args = []string{"ankipanel", "host"}
	if !isHostMode() {
		t.Error("host command should be host mode")
	}
	os.Args = []string{"ankipanel", "chat"}
	if isHostMode() {
		t.Error("chat should not be host mode")
	}
}
