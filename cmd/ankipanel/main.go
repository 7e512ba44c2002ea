package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/logging"
	"github.com/hpungsan/ankipanel/internal/ops"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"host": true, "chat": true, "mcp": true,
	"list": true, "show": true, "delete": true,
	"export": true, "import": true, "web": true,
	"help": true,
}

// isCLIMode determines if we should dispatch a subcommand vs run host mode.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → host mode
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isHostMode reports whether the process talks the bridge protocol on stdio.
func isHostMode() bool {
	return len(os.Args) < 2 || os.Args[1] == "host"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _        _    _                         _
  /_\  _ _ | |__(_)_ __  __ _ _ _  ___ ___| |
 / _ \| ' \| / /| | '_ \/ _' | ' \/ -_)___|_|
/_/ \_\_||_|_\_\|_| .__/\__,_|_||_\___|   (_)
                  |_|
  Flashcard tutor panel for Anki

  Usage: ankipanel <command> [options]
         ankipanel chat          try the panel in a terminal
         ankipanel --help

  Host mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil, nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument → show error (host mode takes no arguments)
	if len(os.Args) >= 2 && !isCLIMode() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'ankipanel --help' for usage.\n")
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	baseDir, err := ops.BaseDir()
	if err != nil {
		return err
	}

	database, err := db.Init(baseDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	cfg, err := config.Load(baseDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db.ConfigurePool(database, cfg)

	// stdout carries the bridge in host mode, so only there does the log
	// also go to stderr.
	var console io.Writer
	if isHostMode() {
		console = os.Stderr
	}
	log, err := logging.New(logging.Options{
		Dir:     filepath.Join(baseDir, "logs"),
		Level:   cfg.LogLevel,
		Console: console,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("version", Version))

	if !isCLIMode() {
		ctx, stop := signalContext(context.Background())
		defer stop()
		return runHost(ctx, cfg, log, os.Stdin, os.Stdout)
	}
	return newCLIApp(database, cfg, log).Run(os.Args)
}
