package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/bridge"
	"github.com/hpungsan/ankipanel/internal/chat"
	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/panel"
	"github.com/hpungsan/ankipanel/internal/session"
)

const replHelp = `Type a question to ask the tutor. Commands:
  /deck <id> [name]    open a deck
  /exit                leave the deck
  /card <id> <text>    show a card's question side
  /answer              flip the shown card to its answer side
  /detailed <text>     ask for a detailed answer
  /hint  /quiz         quick actions on the shown card
  /cancel  /retry      stop or resend the current request
  /reset               clear the conversation
  /sessions            list stored sessions
  /select <id>         switch to a stored session
  /delete <id>         delete a stored session
  /quit                leave`

// chatCmd creates the chat command.
func chatCmd(database *sql.DB, cfg *config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with the tutor against a simulated Anki and the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "deck", Aliases: []string{"d"}, Usage: "Deck id to open at start"},
			&cli.StringFlag{Name: "deck-name", Value: "Default", Usage: "Name of the --deck deck"},
		},
		Action: func(c *cli.Context) error {
			var deck *session.Deck
			if id := c.String("deck"); id != "" {
				deck = &session.Deck{ID: session.HostID(id), Name: c.String("deck-name"), IsInDeck: true}
			}
			return runChat(c.Context, database, cfg, log, deck, os.Stdin, c.App.Writer)
		},
	}
}

// repl drives a panel from line-oriented input.
type repl struct {
	panel *panel.Panel
	sim   *bridge.Simulator

	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
	lastErr string
	active  string
	card    *session.CardContext
}

// runChat runs the panel on a simulated host persisting to database until
// in is exhausted, /quit is read or ctx is done.
func runChat(ctx context.Context, database *sql.DB, cfg *config.Config, log *zap.Logger, deck *session.Deck, in io.Reader, out io.Writer) error {
	if log == nil {
		log = zap.NewNop()
	}
	storage := &db.Storage{
		DB:     database,
		Limits: db.Limits{MaxSessions: cfg.MaxSessions, MaxMessages: cfg.MaxMessagesPerSession},
	}
	sim := bridge.NewSimulator(storage, bridge.SimOptions{
		Log:        log,
		ReplyDelay: cfg.SimulatedReplyDelay(),
		Deck:       deck,
	})
	defer sim.Close()

	adapter := bridge.NewAdapter(sim, bridge.Options{
		Log:                log,
		CardDetailsTimeout: cfg.CardDetailsTimeout(),
	})
	p := panel.New(adapter, cfg, log, nil)
	defer p.Close()

	r := &repl{panel: p, sim: sim, out: out, printed: make(map[string]bool)}
	p.OnChatChange(r.show)
	unsub := adapter.Bus().Subscribe(r.onDeck,
		bridge.EventSessionsLoaded, bridge.EventDeckSelected, bridge.EventCurrentDeck, bridge.EventDeckExited)
	defer unsub()

	r.printf("%s\n\n", replHelp)
	p.Start()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if quit := r.handle(strings.TrimSpace(scanner.Text())); quit {
			return nil
		}
	}
	return scanner.Err()
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// show prints bot messages and errors that have not been printed yet.
func (r *repl) show(v chat.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range v.Messages {
		if r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		if m.From != session.FromBot {
			continue
		}
		fmt.Fprintf(r.out, "tutor> %s\n", session.PlainText(m.Text))
		if n := len(m.Citations); n > 0 {
			fmt.Fprintf(r.out, "       (%d sources)\n", n)
		}
	}

	if v.Error != "" && v.Error != r.lastErr {
		fmt.Fprintf(r.out, "error: %s\n", v.Error)
	}
	r.lastErr = v.Error
}

// onDeck announces the session the panel switched to.
func (r *repl) onDeck(bridge.Envelope) {
	active := r.panel.State().Active

	r.mu.Lock()
	defer r.mu.Unlock()
	if active.Session.ID == r.active {
		return
	}
	r.active = active.Session.ID
	if active.Deck == nil {
		fmt.Fprintln(r.out, "deck> none")
		return
	}
	fmt.Fprintf(r.out, "deck> %s (%d messages)\n", active.Deck.DisplayName(), len(active.Session.Messages))
}

func (r *repl) handle(line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.report(r.panel.Send(line, ""))
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	p := r.panel

	switch cmd {
	case "/quit", "/q":
		return true
	case "/help":
		r.printf("%s\n", replHelp)
	case "/deck":
		id, name, _ := strings.Cut(rest, " ")
		if id == "" {
			r.printf("usage: /deck <id> [name]\n")
			return false
		}
		if name == "" {
			name = "Deck " + id
		}
		r.sim.SelectDeck(session.Deck{ID: session.HostID(id), Name: name})
	case "/exit":
		r.sim.ExitDeck()
	case "/card":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || text == "" {
			r.printf("usage: /card <id> <question>\n")
			return false
		}
		card := session.CardContext{CardID: session.HostID(id), Question: text, IsQuestion: true}
		r.mu.Lock()
		r.card = &card
		r.mu.Unlock()
		r.sim.ShowCard(card)
	case "/answer":
		r.mu.Lock()
		card := r.card
		r.mu.Unlock()
		if card == nil {
			r.printf("no card shown\n")
			return false
		}
		flipped := *card
		flipped.IsQuestion = false
		r.sim.ShowCard(flipped)
	case "/detailed":
		r.report(p.Send(rest, chat.ModeDetailed))
	case "/hint":
		r.report(p.Hint())
	case "/quiz":
		r.report(p.Quiz())
	case "/cancel":
		p.Cancel()
	case "/retry":
		r.report(p.Retry())
	case "/reset":
		r.report(p.ResetChat())
	case "/sessions":
		for _, s := range p.Sessions() {
			r.printf("%s  %-24s %3d messages\n", s.ID, s.Name, len(s.Messages))
		}
	case "/select":
		r.report(p.SelectSession(rest))
	case "/delete":
		r.report(p.DeleteSession(rest))
	default:
		r.printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (r *repl) report(err error) {
	if err != nil {
		r.printf("error: %s\n", outputError(err))
	}
}
