package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// sessionFileExt is the extension of session export files.
const sessionFileExt = ".jsonl"

// maxStemRunes keeps generated file names well under common filesystem limits.
const maxStemRunes = 80

// BaseDir is $ANKIPANEL_HOME, or ~/.ankipanel when unset.
func BaseDir() (string, error) {
	if dir := os.Getenv("ANKIPANEL_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("could not determine home directory: %w", err))
	}
	return filepath.Join(home, ".ankipanel"), nil
}

// ExportsDir is the default home of session exports, <base>/exports.
func ExportsDir() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "exports"), nil
}

// exportPolicy decides where session files may be read from and written to.
//
// A file must sit directly in the exports dir or an allowed_paths entry, never
// in a subdirectory, so no intermediate component can be swapped for a
// symlink between the check and the open. allow_unsafe_paths lifts the
// directory rule only.
type exportPolicy struct {
	dirs   []string
	unsafe bool
}

func newExportPolicy(cfg *config.Config) (*exportPolicy, error) {
	p := &exportPolicy{}
	if cfg != nil && cfg.AllowUnsafePaths {
		p.unsafe = true
		return p, nil
	}
	exports, err := ExportsDir()
	if err != nil {
		return nil, err
	}
	candidates := []string{exports}
	if cfg != nil {
		for _, d := range cfg.AllowedPaths {
			if filepath.IsAbs(d) {
				candidates = append(candidates, d)
			}
		}
	}
	for _, d := range candidates {
		dir := filepath.Clean(d)
		// An allowed dir that is itself a symlink is matched by its target.
		if info, err := os.Lstat(dir); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve allowed path %s: %v", d, err))
			}
			dir = resolved
		}
		p.dirs = append(p.dirs, dir)
	}
	return p, nil
}

// checkImport validates a session file to read and returns its absolute path.
func (p *exportPolicy) checkImport(path string) (string, error) {
	abs, err := p.check(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return "", errors.NewFileNotFound(path)
	}
	return abs, nil
}

// checkExport validates a session file to write and returns its absolute path.
func (p *exportPolicy) checkExport(path string) (string, error) {
	return p.check(path)
}

func (p *exportPolicy) check(path string) (string, error) {
	if path == "" {
		return "", errors.NewInvalidRequest("path is required")
	}
	if hasParentRef(path) {
		return "", errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}
	if filepath.Ext(abs) != sessionFileExt {
		return "", errors.NewInvalidRequest("path must have " + sessionFileExt + " extension")
	}

	if !p.unsafe {
		parent := filepath.Dir(abs)
		if !p.allows(parent) {
			return "", errors.NewInvalidRequest(fmt.Sprintf(
				"file must be directly in an allowed directory (no subdirectories); allowed: %v", p.dirs))
		}
		if isSymlink(parent) {
			return "", errors.NewInvalidRequest("parent directory must not be a symlink")
		}
	}
	if isSymlink(abs) {
		return "", errors.NewInvalidRequest("path must not be a symlink")
	}
	return abs, nil
}

func (p *exportPolicy) allows(dir string) bool {
	for _, d := range p.dirs {
		if dir == d {
			return true
		}
	}
	return false
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// hasParentRef reports whether any component of path is "..", splitting on
// both separators so Windows-style input is caught everywhere.
func hasParentRef(path string) bool {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range parts {
		if part == ".." {
			return true
		}
	}
	return false
}

// exportFileName names a default export: "all-<ts>.jsonl" for every session,
// or the deck path for one deck, e.g. "Biology.Cells-<ts>.jsonl" for the
// deck "Biology::Cells".
func exportFileName(sessions []session.Session, deckID string, now time.Time) string {
	stem := "all"
	if deckID != "" {
		stem = ""
		if len(sessions) == 1 {
			stem = deckFileStem(sessions[0].DeckName)
		}
		if stem == "" {
			stem = "deck-" + fileSegment(deckID)
		}
	}
	return stem + "-" + now.Format("2006-01-02T150405") + sessionFileExt
}

// deckFileStem turns an Anki deck path into a file name stem. Each level of
// the "::" hierarchy is cleaned on its own and the levels are joined with
// dots. Empty levels are dropped; an empty result means no usable name.
func deckFileStem(deckName string) string {
	var levels []string
	for _, level := range strings.Split(deckName, session.DeckSeparator) {
		if seg := fileSegment(level); seg != "" {
			levels = append(levels, seg)
		}
	}
	stem := strings.Join(levels, ".")
	if r := []rune(stem); len(r) > maxStemRunes {
		stem = strings.TrimRight(string(r[:maxStemRunes]), "._-")
	}
	return stem
}

// fileSegment keeps letters, digits, '-' and '_'. Every other run of
// characters becomes a single '_'.
func fileSegment(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return strings.Trim(b.String(), "_-")
}

// requireRegular refuses directories, devices and pipes handed in as an
// export file.
func requireRegular(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return errors.NewInternal(fmt.Errorf("stat %s: %w", f.Name(), err))
	}
	if !info.Mode().IsRegular() {
		return errors.NewInvalidRequest(fmt.Sprintf("%s is not a regular file", f.Name()))
	}
	return nil
}
