package main

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/mcp"
	"github.com/hpungsan/ankipanel/internal/ops"
	"github.com/hpungsan/ankipanel/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config, log *zap.Logger) *cli.App {
	app := &cli.App{
		Name:    "ankipanel",
		Usage:   "Flashcard tutor panel core for Anki",
		Version: Version,
		Commands: []*cli.Command{
			hostCmd(cfg, log),
			chatCmd(db, cfg, log),
			listCmd(db),
			showCmd(db),
			deleteCmd(db),
			exportCmd(db, cfg),
			importCmd(db, cfg),
			mcpCmd(db, cfg),
			webCmd(db, log),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// listCmd creates the list command.
func listCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored sessions, most recently active first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.List(c.Context, db, ops.ListInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// showCmd creates the show command.
func showCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show a stored session by id or deck id",
		ArgsUsage: "[id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "deck", Aliases: []string{"d"}, Usage: "Anki deck id"},
			&cli.BoolFlag{Name: "plain", Aliases: []string{"p"}, Usage: "Print a plain-text transcript instead of JSON"},
			&cli.BoolFlag{Name: "no-messages", Usage: "Exclude messages from JSON output"},
		},
		Action: func(c *cli.Context) error {
			input := ops.FetchInput{DeckID: c.String("deck")}
			if c.NArg() > 0 {
				input.ID = c.Args().First()
			}
			if c.Bool("no-messages") {
				include := false
				input.IncludeMessages = &include
			}

			output, err := ops.Fetch(c.Context, db, input)
			if err != nil {
				return outputError(err)
			}

			if c.Bool("plain") {
				_, err := io.WriteString(c.App.Writer, ops.Transcript(output.Session))
				return err
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Permanently delete a stored session",
		ArgsUsage: "[id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "deck", Aliases: []string{"d"}, Usage: "Anki deck id"},
		},
		Action: func(c *cli.Context) error {
			input := ops.DeleteInput{DeckID: c.String("deck")}
			if c.NArg() > 0 {
				input.ID = c.Args().First()
			}

			output, err := ops.Delete(c.Context, db, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export sessions to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Usage: "Output path (default: $ANKIPANEL_HOME/exports/<deck path|all>-<timestamp>.jsonl, e.g. Biology.Cells-...)"},
			&cli.StringFlag{Name: "deck", Aliases: []string{"d"}, Usage: "Export only this deck's session"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, db, cfg, ops.ExportInput{
				Path:   c.String("path"),
				DeckID: c.String("deck"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// importCmd creates the import command.
func importCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import sessions from a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true, Usage: "Input path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|rename"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Import(c.Context, db, cfg, ops.ImportInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the session tools over MCP (stdio)",
		Action: func(c *cli.Context) error {
			if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
				fmt.Fprintf(c.App.ErrWriter, "warning: unknown disabled_tools entries: %v\n", unknown)
			}
			return mcp.Run(db, cfg, Version)
		},
	}
}

// Helper functions

// webCmd creates the web command.
func webCmd(db *sql.DB, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Browse stored sessions in a local web page",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to listen on"},
			&cli.IntFlag{Name: "port", Value: 8735, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()
			srv := web.NewServer(db, log, Version, c.String("bind"), c.Int("port"))
			fmt.Fprintf(c.App.ErrWriter, "Session viewer at http://%s\n", srv.Addr)
			return web.Run(ctx, srv, log)
		},
	}
}

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var panelErr *errors.PanelError
	if stderrors.As(err, &panelErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", panelErr.Code, panelErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
