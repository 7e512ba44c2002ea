package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path   string // optional, default: <base>/exports/<deck path|all>-<timestamp>.jsonl
	DeckID string // optional: export only this deck's session
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// Export writes sessions to a JSONL file: a header line, then one session
// per line in stored order.
func Export(ctx context.Context, database *sql.DB, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := time.Now()
	exportedAt := now.Unix()

	var sessions []session.Session
	if input.DeckID != "" {
		s, err := db.GetByDeck(ctx, database, session.HostID(input.DeckID))
		if err != nil {
			return nil, err
		}
		sessions = []session.Session{*s}
	} else {
		var err error
		sessions, err = db.LoadAll(ctx, database)
		if err != nil {
			return nil, err
		}
	}

	target := input.Path
	if target == "" {
		dir, err := ExportsDir()
		if err != nil {
			return nil, err
		}
		// The exports dir must exist before the policy can vet it.
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
		}
		target = filepath.Join(dir, exportFileName(sessions, input.DeckID, now))
	}

	policy, err := newExportPolicy(cfg)
	if err != nil {
		return nil, err
	}
	exportPath, err := policy.checkExport(target)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	// Write to a temp file and rename, so a failed export keeps the old file.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := createExportTemp(tempPath)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	enc.SetEscapeHTML(false)

	header := session.ExportRecord{
		PanelExport:   true,
		SchemaVersion: session.ExportSchemaVersion,
		ExportedAt:    exportedAt,
	}
	if err := enc.Encode(exportHeader(header)); err != nil {
		return nil, errors.NewInternal(err)
	}

	count := 0
	for _, s := range sessions {
		select {
		case <-ctx.Done():
			return nil, errors.NewCancelled("export")
		default:
		}
		if err := enc.Encode(session.ExportRecord{Session: s}); err != nil {
			return nil, errors.NewInternal(err)
		}
		count++
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}

	// Close before the rename (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}

	// On Windows os.Rename fails if the destination exists. That keeps the
	// existing file, which is preferable to a delete+rename that can lose it.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; overwriting is not supported on Windows yet (choose a new path or delete the existing file)")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		Count:      count,
		ExportedAt: exportedAt,
	}, nil
}

// exportHeader is the header line without the embedded session fields.
func exportHeader(r session.ExportRecord) map[string]any {
	return map[string]any{
		"_ankipanel_export": r.PanelExport,
		"schema_version":    r.SchemaVersion,
		"exported_at":       r.ExportedAt,
	}
}
