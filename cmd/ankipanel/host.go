package main

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/ankipanel/internal/bridge"
	"github.com/hpungsan/ankipanel/internal/chat"
	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/panel"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Host-mode extensions of the bridge protocol: the embedding UI drives the
// panel with panelCommand events and receives renderPanel / panelError calls.
const (
	eventPanelCommand = "panelCommand"
	methodRenderPanel = "renderPanel"
	methodPanelError  = "panelError"
)

// panelCommand is one user action forwarded by the host UI.
type panelCommand struct {
	Action    string         `json:"action" validate:"required,oneof=send cancel retry clearError hint quiz reset select delete reload goToCard"`
	Text      string         `json:"text,omitempty"`
	Mode      chat.Mode      `json:"mode,omitempty" validate:"omitempty,oneof=compact detailed"`
	SessionID string         `json:"sessionId,omitempty" validate:"required_if=Action select,required_if=Action delete"`
	CardID    session.HostID `json:"cardId,omitempty" validate:"required_if=Action goToCard"`
}

// renderPayload is what the host UI draws.
type renderPayload struct {
	State     string               `json:"state"`
	SessionID string               `json:"sessionId,omitempty"`
	Deck      *session.Deck        `json:"deck,omitempty"`
	Messages  []session.Message    `json:"messages"`
	Streaming string               `json:"streaming,omitempty"`
	Indicator string               `json:"indicator,omitempty"`
	Loading   bool                 `json:"loading"`
	Steps     []session.Step       `json:"steps,omitempty"`
	Citations session.Citations    `json:"citations,omitempty"`
	Status    chat.Status          `json:"status"`
	Error     string               `json:"error,omitempty"`
	CanRetry  bool                 `json:"canRetry"`
	Sections  []session.Section    `json:"sections"`
	SectionID string               `json:"sectionId,omitempty"`
	Card      *session.CardContext `json:"card,omitempty"`
	Crashed   bool                 `json:"crashed,omitempty"`
}

func newRenderPayload(s panel.State) renderPayload {
	r := renderPayload{
		State:     s.Active.State.String(),
		Deck:      s.Active.Deck,
		Messages:  s.Chat.Messages,
		Streaming: s.Chat.Streaming,
		Indicator: s.Chat.Indicator,
		Loading:   s.Chat.Loading,
		Steps:     s.Chat.Steps,
		Citations: s.Chat.Citations,
		Status:    s.Chat.Status,
		Error:     s.Chat.Error,
		CanRetry:  s.Chat.CanRetry,
		Sections:  s.Sections,
		SectionID: s.SectionID,
		Card:      s.Card,
		Crashed:   s.Crashed,
	}
	if s.Active.Session.ID != "" {
		r.SessionID = s.Active.Session.ID
	}
	if r.Messages == nil {
		r.Messages = []session.Message{}
	}
	if r.Sections == nil {
		r.Sections = []session.Section{}
	}
	return r
}

// hostCmd creates the host command.
func hostCmd(cfg *config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Run the panel over the stdio bridge (stdin: events, stdout: calls)",
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()
			return runHost(ctx, cfg, log, os.Stdin, os.Stdout)
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// hostSession is a panel served over one stdio bridge.
type hostSession struct {
	host  *bridge.StdioHost
	panel *panel.Panel
	log   *zap.Logger
}

// runHost serves the panel until in is exhausted or ctx is done.
func runHost(ctx context.Context, cfg *config.Config, log *zap.Logger, in io.Reader, out io.Writer) error {
	if log == nil {
		log = zap.NewNop()
	}
	host := bridge.NewStdioHost(out)
	adapter := bridge.NewAdapter(host, bridge.Options{
		Log:                log,
		CardDetailsTimeout: cfg.CardDetailsTimeout(),
	})
	p := panel.New(adapter, cfg, log, nil)
	defer p.Close()

	hs := &hostSession{host: host, panel: p, log: log.Named("host")}
	p.OnChatChange(func(chat.View) { hs.render() })

	// Panel handlers were registered first, so these see the updated state.
	unsub := adapter.Bus().Subscribe(hs.onEvent,
		eventPanelCommand,
		bridge.EventSessionsLoaded, bridge.EventDeckSelected, bridge.EventCurrentDeck,
		bridge.EventDeckExited, bridge.EventCardContext, bridge.EventSectionTitleGenerated,
	)
	defer unsub()

	serveCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer cancel()
		return bridge.Serve(gctx, in, adapter)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Unblock the reader on shutdown.
		if closer, ok := in.(io.Closer); ok && ctx.Err() != nil {
			_ = closer.Close()
		}
		return nil
	})

	hs.log.Info("host mode started")
	p.Start()

	err := g.Wait()
	if ctx.Err() != nil {
		// Closing in on shutdown surfaces as a read error.
		err = nil
	}
	hs.log.Info("host mode stopped", zap.Error(err))
	return err
}

func (hs *hostSession) onEvent(env bridge.Envelope) {
	if env.Type == eventPanelCommand {
		hs.handleCommand(env)
	}
	hs.render()
}

func (hs *hostSession) handleCommand(env bridge.Envelope) {
	cmd, err := bridge.DecodeData[panelCommand](env)
	if err != nil {
		hs.log.Warn("ignoring malformed panel command", zap.Error(err))
		hs.reportError(err)
		return
	}

	p := hs.panel
	switch cmd.Action {
	case "send":
		err = p.Send(cmd.Text, cmd.Mode)
	case "cancel":
		p.Cancel()
	case "retry":
		err = p.Retry()
	case "clearError":
		p.ClearError()
	case "hint":
		err = p.Hint()
	case "quiz":
		err = p.Quiz()
	case "reset":
		err = p.ResetChat()
	case "select":
		err = p.SelectSession(cmd.SessionID)
	case "delete":
		err = p.DeleteSession(cmd.SessionID)
	case "reload":
		p.Reload()
	case "goToCard":
		p.GoToCard(cmd.CardID)
	}
	if err != nil {
		hs.reportError(err)
	}
}

func (hs *hostSession) render() {
	if err := hs.host.Call(methodRenderPanel, newRenderPayload(hs.panel.State())); err != nil {
		hs.log.Warn("render failed", zap.Error(err))
	}
}

func (hs *hostSession) reportError(err error) {
	payload := map[string]any{"code": string(errors.ErrInternal), "message": err.Error()}
	var panelErr *errors.PanelError
	if stderrors.As(err, &panelErr) {
		payload["code"] = string(panelErr.Code)
		payload["message"] = panelErr.Message
	}
	if callErr := hs.host.Call(methodPanelError, payload); callErr != nil {
		hs.log.Warn("error report failed", zap.Error(callErr))
	}
}
