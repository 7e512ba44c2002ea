// Package panel assembles the bridge, store, reconciler, card tracker and
// chat engine into one tutor panel and routes host events to them.
package panel

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/bridge"
	"github.com/hpungsan/ankipanel/internal/cardctx"
	"github.com/hpungsan/ankipanel/internal/chat"
	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/reconcile"
	"github.com/hpungsan/ankipanel/internal/session"
	"github.com/hpungsan/ankipanel/internal/store"
)

// Panel is the running tutor panel.
type Panel struct {
	adapter *bridge.Adapter
	store   *store.Store
	recon   *reconcile.Reconciler
	tracker *cardctx.Tracker
	chat    *chat.Engine
	log     *zap.Logger

	mu      sync.Mutex
	unsubs  []func()
	crashed bool
	crash   string
	closed  bool
}

// State is a snapshot of everything the panel shows.
type State struct {
	Chat      chat.View
	Active    reconcile.Active
	Sections  []session.Section
	SectionID string
	Card      *session.CardContext
	Crashed   bool
	Crash     string
}

// New builds a panel on top of adapter. clk may be nil.
func New(adapter *bridge.Adapter, cfg *config.Config, log *zap.Logger, clk clock.Clock) *Panel {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	lim := session.Limits{MaxMessages: cfg.MaxMessagesPerSession, FallbackTitle: cfg.FallbackSectionTitle}

	st := store.New(adapter, store.Options{
		Log:          log,
		Clock:        clk,
		Limits:       lim,
		MaxSessions:  cfg.MaxSessions,
		SaveDebounce: cfg.SaveDebounce(),
	})
	recon := reconcile.New(st, adapter, reconcile.Options{
		Log:        log,
		Clock:      clk,
		RetryDelay: cfg.DeckRetryDelay(),
		RetryLimit: cfg.DeckRetryLimit,
		Limits:     lim,
	})
	tracker := cardctx.New(adapter, recon, cardctx.Options{
		Log:           log,
		Clock:         clk,
		TitleDelay:    cfg.TitleDelay(),
		FallbackTitle: cfg.FallbackSectionTitle,
	})
	engine := chat.New(adapter, recon, tracker, chat.Options{
		Log:          log,
		Clock:        clk,
		HistoryLimit: cfg.HistoryLimit,
		MaxMessages:  cfg.MaxMessagesPerSession,
		DefaultMode:  chat.Mode(cfg.DefaultMode),
	})

	p := &Panel{
		adapter: adapter,
		store:   st,
		recon:   recon,
		tracker: tracker,
		chat:    engine,
		log:     log.Named("panel"),
	}

	recon.OnChange(func(a reconcile.Active) {
		engine.Load(a.Session.Messages)
		tracker.Load(a.Session.Sections, a.Session.Messages)
	})
	p.subscribe()
	return p
}

func (p *Panel) subscribe() {
	bus := p.adapter.Bus()
	bus.OnPanic(func(eventType string, recovered any) {
		p.mu.Lock()
		p.crashed = true
		p.crash = fmt.Sprintf("%s handler: %v", eventType, recovered)
		p.mu.Unlock()
	})

	p.unsubs = append(p.unsubs,
		bus.Subscribe(p.onSessionsLoaded, bridge.EventSessionsLoaded),
		bus.Subscribe(p.onDeck, bridge.EventDeckSelected, bridge.EventCurrentDeck),
		bus.Subscribe(func(bridge.Envelope) {
			p.recon.DeckExited()
			p.tracker.ClearCard()
		}, bridge.EventDeckExited),
		bus.Subscribe(p.onCardContext, bridge.EventCardContext),
		bus.Subscribe(p.onTitle, bridge.EventSectionTitleGenerated),
		bus.Subscribe(p.chat.HandleEvent, bridge.ChatEvents...),
	)
}

func (p *Panel) onSessionsLoaded(env bridge.Envelope) {
	sessions, skipped, err := bridge.DecodeSessions(env)
	if err != nil {
		p.malformed(env, err)
		return
	}
	for _, e := range skipped {
		p.log.Warn("skipping stored session", zap.Error(e))
	}
	p.store.HandleLoaded(sessions)
}

func (p *Panel) onDeck(env bridge.Envelope) {
	deck, err := bridge.DecodeDeck(env)
	if err != nil {
		// currentDeck reports a null deck when the reviewer is closed.
		if env.Type == bridge.EventCurrentDeck {
			p.log.Debug("no current deck")
			return
		}
		p.malformed(env, err)
		return
	}
	p.recon.DeckSelected(deck)
}

func (p *Panel) onCardContext(env bridge.Envelope) {
	card, err := bridge.DecodeCardContext(env)
	if err != nil {
		p.malformed(env, err)
		return
	}
	p.tracker.HandleCardContext(card)
	p.recon.CardShown(card.CardID)
}

func (p *Panel) onTitle(env bridge.Envelope) {
	res, err := bridge.DecodeTitleResult(env)
	if err != nil {
		p.malformed(env, err)
		return
	}
	p.tracker.HandleTitleResult(res)
}

func (p *Panel) malformed(env bridge.Envelope, err error) {
	p.log.Warn("ignoring malformed event", zap.String("type", env.Type), zap.Error(err))
}

// Start requests the stored sessions and the current deck.
func (p *Panel) Start() {
	p.store.Load()
	p.adapter.GetCurrentDeck()
}

// Reload clears a contained crash and re-requests host state.
func (p *Panel) Reload() {
	p.mu.Lock()
	p.crashed = false
	p.crash = ""
	p.mu.Unlock()
	p.Start()
}

// Send sends a chat message in mode (empty for the default).
func (p *Panel) Send(text string, mode chat.Mode) error {
	return p.chat.Send(text, mode)
}

// Cancel stops the in-flight response.
func (p *Panel) Cancel() { p.chat.Cancel() }

// Retry resends the last failed request.
func (p *Panel) Retry() error { return p.chat.Retry() }

// ClearError dismisses the chat error.
func (p *Panel) ClearError() { p.chat.ClearError() }

// Hint asks for a hint on the shown card.
func (p *Panel) Hint() error {
	prompt, err := p.tracker.HintPrompt()
	if err != nil {
		return err
	}
	return p.chat.Send(prompt, "")
}

// Quiz asks for a multiple-choice quiz on the shown card.
func (p *Panel) Quiz() error {
	prompt, err := p.tracker.QuizPrompt()
	if err != nil {
		return err
	}
	return p.chat.Send(prompt, "")
}

// Sessions lists the stored sessions.
func (p *Panel) Sessions() []session.Session { return p.store.Sessions() }

// SelectSession switches to a stored session and opens its deck.
func (p *Panel) SelectSession(id string) error { return p.recon.SelectSession(id) }

// DeleteSession deletes a stored session.
func (p *Panel) DeleteSession(id string) error { return p.recon.DeleteSession(id) }

// ResetChat clears the active session's conversation.
func (p *Panel) ResetChat() error { return p.recon.ResetChat() }

// GoToCard asks the host to show a cited card.
func (p *Panel) GoToCard(cardID session.HostID) bool { return p.adapter.GoToCard(cardID) }

// CardDetails fetches details of a card from the host.
func (p *Panel) CardDetails(ctx context.Context, cardID session.HostID) (*bridge.CardDetails, error) {
	return p.adapter.GetCardDetails(ctx, cardID)
}

// OnChatChange registers fn for chat view updates.
func (p *Panel) OnChatChange(fn func(chat.View)) { p.chat.OnChange(fn) }

// State returns a snapshot of the panel.
func (p *Panel) State() State {
	s := State{
		Chat:      p.chat.View(),
		Active:    p.recon.Active(),
		Sections:  p.tracker.Sections(),
		SectionID: p.tracker.CurrentSectionID(),
	}
	if card, ok := p.tracker.Card(); ok {
		s.Card = &card
	}
	p.mu.Lock()
	s.Crashed, s.Crash = p.crashed, p.crash
	p.mu.Unlock()
	return s
}

// Close detaches from the bus, flushes pending writes and stops timers.
func (p *Panel) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	p.tracker.Close()
	p.recon.Close()
	p.store.Close()
}
