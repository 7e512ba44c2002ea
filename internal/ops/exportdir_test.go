package ops

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// policyFor builds the export policy for cfg with the exports dir rooted in a
// temp ANKIPANEL_HOME. It returns the policy and the exports dir.
func policyFor(t *testing.T, cfg *config.Config) (*exportPolicy, string) {
	t.Helper()
	base := t.TempDir()
	t.Setenv("ANKIPANEL_HOME", base)
	exports := filepath.Join(base, "exports")
	if err := os.MkdirAll(exports, 0700); err != nil {
		t.Fatalf("mkdir exports: %v", err)
	}
	p, err := newExportPolicy(cfg)
	if err != nil {
		t.Fatalf("newExportPolicy failed: %v", err)
	}
	return p, exports
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("{}\n"), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func symlinkOrSkip(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
}

func TestBaseDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANKIPANEL_HOME", dir)
	got, err := BaseDir()
	if err != nil || got != dir {
		t.Fatalf("BaseDir() = %q, %v; want %q", got, err, dir)
	}
	exports, err := ExportsDir()
	if err != nil || exports != filepath.Join(dir, "exports") {
		t.Fatalf("ExportsDir() = %q, %v", exports, err)
	}

	home := t.TempDir()
	t.Setenv("ANKIPANEL_HOME", "")
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	got, err = BaseDir()
	if err != nil || got != filepath.Join(home, ".ankipanel") {
		t.Fatalf("BaseDir() = %q, %v; want ~/.ankipanel", got, err)
	}
}

func TestExportPolicy_RejectsBadPaths(t *testing.T) {
	unsafe := config.DefaultConfig()
	unsafe.AllowUnsafePaths = true
	p, exports := policyFor(t, unsafe)

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"parent traversal", "../Biology.jsonl"},
		{"mid-path traversal", exports + "/../Biology.jsonl"},
		{"backslash traversal", `exports\..\..\Biology.jsonl`},
		{"no extension", filepath.Join(exports, "Biology")},
		{"json extension", filepath.Join(exports, "Biology.json")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.checkExport(tc.path); !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("checkExport(%q) = %v, want INVALID_REQUEST", tc.path, err)
			}
		})
	}
}

func TestExportPolicy_Directories(t *testing.T) {
	allowed := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{allowed, "relative/dir"}
	p, exports := policyFor(t, cfg)

	nested := filepath.Join(allowed, "Biology")
	if err := os.MkdirAll(nested, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"exports dir", filepath.Join(exports, "Biology.Cells-2026.jsonl"), true},
		{"allowed path", filepath.Join(allowed, "all-2026.jsonl"), true},
		{"subdirectory of allowed path", filepath.Join(nested, "Cells.jsonl"), false},
		{"outside", filepath.Join(t.TempDir(), "all.jsonl"), false},
		{"relative allowed entry is ignored", filepath.Join("relative", "dir", "all.jsonl"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.checkExport(tc.path)
			if tc.ok {
				if err != nil {
					t.Fatalf("checkExport failed: %v", err)
				}
				if !filepath.IsAbs(got) {
					t.Errorf("checkExport returned relative path %q", got)
				}
				return
			}
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("expected INVALID_REQUEST, got %v", err)
			}
		})
	}
}

func TestExportPolicy_UnsafeLiftsDirectoryRuleOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true
	p, _ := policyFor(t, cfg)

	dir := t.TempDir()
	deep := filepath.Join(dir, "Languages", "Spanish.jsonl")
	if _, err := p.checkExport(deep); err != nil {
		t.Fatalf("unsafe export to a nested path failed: %v", err)
	}

	target := filepath.Join(dir, "target.jsonl")
	writeFile(t, target)
	link := filepath.Join(dir, "link.jsonl")
	symlinkOrSkip(t, target, link)
	if _, err := p.checkImport(link); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("symlinked import in unsafe mode = %v, want INVALID_REQUEST", err)
	}
}

func TestExportPolicy_Import(t *testing.T) {
	p, exports := policyFor(t, config.DefaultConfig())

	if _, err := p.checkImport(filepath.Join(exports, "missing.jsonl")); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing file = %v, want NOT_FOUND", err)
	}

	present := filepath.Join(exports, "Biology.jsonl")
	writeFile(t, present)
	if _, err := p.checkImport(present); err != nil {
		t.Fatalf("checkImport failed: %v", err)
	}

	outside := filepath.Join(t.TempDir(), "secret.jsonl")
	writeFile(t, outside)
	link := filepath.Join(exports, "link.jsonl")
	symlinkOrSkip(t, outside, link)
	if _, err := p.checkImport(link); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("symlink out of exports = %v, want INVALID_REQUEST", err)
	}
	if _, err := p.checkExport(link); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("export onto symlink = %v, want INVALID_REQUEST", err)
	}
}

func TestExportPolicy_SymlinkedAllowedDir(t *testing.T) {
	target := t.TempDir()
	link := filepath.Join(t.TempDir(), "decks")
	symlinkOrSkip(t, target, link)

	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{link}
	p, _ := policyFor(t, cfg)

	// The entry is matched by its target; going through the link is refused.
	if _, err := p.checkExport(filepath.Join(target, "all.jsonl")); err != nil {
		t.Errorf("export into resolved allowed dir failed: %v", err)
	}
	if _, err := p.checkExport(filepath.Join(link, "all.jsonl")); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("export through symlinked dir = %v, want INVALID_REQUEST", err)
	}
}

func TestOpenSessionFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := openSessionFile(filepath.Join(dir, "missing.jsonl")); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing file = %v, want NOT_FOUND", err)
	}

	sub := filepath.Join(dir, "Biology.jsonl")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := openSessionFile(sub); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("directory = %v, want INVALID_REQUEST", err)
	}

	file := filepath.Join(dir, "all.jsonl")
	writeFile(t, file)
	f, err := openSessionFile(file)
	if err != nil {
		t.Fatalf("openSessionFile failed: %v", err)
	}
	f.Close()

	if runtime.GOOS != "windows" {
		link := filepath.Join(dir, "link.jsonl")
		symlinkOrSkip(t, file, link)
		if _, err := openSessionFile(link); !errors.Is(err, errors.ErrInvalidRequest) {
			t.Errorf("symlink = %v, want INVALID_REQUEST", err)
		}
	}
}

func TestCreateExportTemp_RefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.jsonl.tmp")
	f, err := createExportTemp(path)
	if err != nil {
		t.Fatalf("createExportTemp failed: %v", err)
	}
	f.Close()
	if _, err := createExportTemp(path); err == nil {
		t.Fatal("expected an error for an existing temp file")
	}
}

func TestDeckFileStem(t *testing.T) {
	tests := []struct {
		deck string
		want string
	}{
		{"Biology", "Biology"},
		{"Biology::Cells", "Biology.Cells"},
		{"Languages::Spanish::Verbs (irregular)", "Languages.Spanish.Verbs_irregular"},
		{"Médecine::Anatomie", "Médecine.Anatomie"},
		{"::Biology::::Cells::", "Biology.Cells"},
		{"a/b\\c", "a_b_c"},
		{"../../etc", "etc"},
		{"Exam: Week 1", "Exam_Week_1"},
		{"tab\there\x00", "tab_here"},
		{"::", ""},
		{"!!!", ""},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.deck, func(t *testing.T) {
			if got := deckFileStem(tc.deck); got != tc.want {
				t.Errorf("deckFileStem(%q) = %q, want %q", tc.deck, got, tc.want)
			}
		})
	}
}

func TestDeckFileStem_Truncates(t *testing.T) {
	got := deckFileStem(strings.Repeat("Anatomy::", 20))
	if n := len([]rune(got)); n > maxStemRunes {
		t.Errorf("stem has %d runes, want at most %d", n, maxStemRunes)
	}
	if strings.HasSuffix(got, ".") || strings.HasSuffix(got, "_") {
		t.Errorf("stem %q ends in a separator", got)
	}
}

func TestExportFileName(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 30, 5, 0, time.UTC)
	cells := []session.Session{{ID: "s1", DeckID: "101", DeckName: "Biology::Cells"}}
	unnamed := []session.Session{{ID: "s2", DeckID: "102"}}

	tests := []struct {
		name     string
		sessions []session.Session
		deckID   string
		want     string
	}{
		{"all sessions", cells, "", "all-2026-10-16T093005.jsonl"},
		{"deck path", cells, "101", "Biology.Cells-2026-10-16T093005.jsonl"},
		{"deck without a name", unnamed, "102", "deck-102-2026-10-16T093005.jsonl"},
		{"hostile deck id", nil, "../1", "deck-1-2026-10-16T093005.jsonl"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := exportFileName(tc.sessions, tc.deckID, now)
			if got != tc.want {
				t.Errorf("exportFileName = %q, want %q", got, tc.want)
			}
			if strings.ContainsAny(got, `/\:`) {
				t.Errorf("file name %q carries a separator", got)
			}
		})
	}
}
