package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/session"
)

// SimOptions configures a Simulator.
type SimOptions struct {
	Log   *zap.Logger
	Clock clock.Clock

	// ReplyDelay is the latency before a simulated answer starts streaming.
	ReplyDelay time.Duration

	// Deck is reported by getCurrentDeck. Nil means no deck is open.
	Deck *session.Deck

	// Citations are attached to every simulated answer.
	Citations session.Citations
}

// Simulator is an in-process host for running the panel without Anki.
// Replies are delivered asynchronously, in order, from one goroutine.
type Simulator struct {
	storage Storage
	clock   clock.Clock
	delay   time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	deliver   func(Envelope)
	deck      *session.Deck
	citations session.Citations
	tools     AITools
	reply     *clock.Timer
	replyGen  uint64

	queue chan []Envelope
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewSimulator starts a simulator persisting through storage.
func NewSimulator(storage Storage, opts SimOptions) *Simulator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	s := &Simulator{
		storage:   storage,
		clock:     opts.Clock,
		delay:     opts.ReplyDelay,
		log:       opts.Log.Named("simulator"),
		deck:      opts.Deck,
		citations: opts.Citations,
		tools:     AITools{"images": true, "diagrams": true, "molecules": false},
		queue:     make(chan []Envelope, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Attach implements Attacher.
func (s *Simulator) Attach(deliver func(Envelope)) {
	s.mu.Lock()
	s.deliver = deliver
	s.mu.Unlock()
}

// Supports implements CapabilityReporter.
func (s *Simulator) Supports(method string) bool {
	for _, m := range AllMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Close stops pending replies and the delivery goroutine.
func (s *Simulator) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.reply != nil {
			s.reply.Stop()
			s.reply = nil
		}
		s.mu.Unlock()
		close(s.stop)
		<-s.done
	})
}

func (s *Simulator) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case batch := <-s.queue:
			s.mu.Lock()
			deliver := s.deliver
			s.mu.Unlock()
			if deliver == nil {
				continue
			}
			for _, env := range batch {
				deliver(env)
			}
		}
	}
}

// emit queues events for delivery.
func (s *Simulator) emit(envs ...Envelope) {
	select {
	case <-s.stop:
	case s.queue <- envs:
	}
}

// SelectDeck behaves as if the user opened deck in the host.
func (s *Simulator) SelectDeck(deck session.Deck) {
	deck.IsInDeck = true
	s.mu.Lock()
	s.deck = &deck
	s.mu.Unlock()
	s.emit(NewEvent(EventDeckSelected, deck))
}

// ExitDeck behaves as if the user left the deck.
func (s *Simulator) ExitDeck() {
	s.mu.Lock()
	s.deck = nil
	s.mu.Unlock()
	s.emit(Envelope{Type: EventDeckExited})
}

// ShowCard behaves as if the reviewer displayed card.
func (s *Simulator) ShowCard(card session.CardContext) {
	s.emit(NewEvent(EventCardContext, card))
}

// Call implements Host.
func (s *Simulator) Call(method string, payload any) error {
	ctx := context.Background()
	s.log.Debug("call", zap.String("method", method))

	switch method {
	case MethodSendMessage:
		var req SendRequest
		if err := remarshal(payload, &req); err != nil {
			return err
		}
		s.answer(req)

	case MethodCancelRequest:
		s.mu.Lock()
		s.replyGen++
		if s.reply != nil {
			s.reply.Stop()
			s.reply = nil
		}
		s.mu.Unlock()

	case MethodLoadSessions:
		sessions, err := s.storage.Load(ctx)
		if err != nil {
			return err
		}
		s.emit(NewEvent(EventSessionsLoaded, map[string]any{"sessions": sessions}))

	case MethodSaveSessions:
		var sessions []session.Session
		if err := remarshal(payload, &sessions); err != nil {
			return err
		}
		res, err := s.storage.Save(ctx, sessions)
		if err != nil {
			return err
		}
		if res.Skipped {
			s.log.Warn("refused to overwrite stored sessions with an empty list")
		}

	case MethodDeleteSession:
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := remarshal(payload, &req); err != nil {
			return err
		}
		return s.storage.Delete(ctx, req.SessionID)

	case MethodGetCurrentDeck:
		s.mu.Lock()
		deck := s.deck
		s.mu.Unlock()
		if deck == nil {
			s.emit(NewEvent(EventCurrentDeck, map[string]any{"deckId": nil, "isInDeck": false}))
		} else {
			s.emit(NewEvent(EventCurrentDeck, deck))
		}

	case MethodOpenDeck:
		var req struct {
			DeckID session.HostID `json:"deckId"`
		}
		if err := remarshal(payload, &req); err != nil {
			return err
		}
		s.SelectDeck(session.Deck{ID: req.DeckID, Name: "Deck " + req.DeckID.String()})

	case MethodGenerateSectionTitle:
		var req TitleRequest
		if err := remarshal(payload, &req); err != nil {
			return err
		}
		res := TitleResult{SectionID: req.SectionID, RequestID: req.RequestID}
		if title := session.Truncate(firstLine(session.PlainText(req.Question)), 40); title != "" {
			res.Success = true
			res.Title = title
		} else {
			res.Error = "question is empty"
		}
		s.emit(NewEvent(EventSectionTitleGenerated, res))

	case MethodGetCardDetails:
		var req struct {
			CallbackID string `json:"callbackId"`
		}
		if err := remarshal(payload, &req); err != nil {
			return err
		}
		s.emit(NewEvent(EventCardDetails, CardDetails{
			CallbackID: req.CallbackID,
			Error:      "card details are not available in the simulator",
		}))

	case MethodGetAuthStatus:
		s.emit(NewEvent(EventAuthStatusLoaded, AuthStatus{}))

	case MethodGetAITools:
		s.mu.Lock()
		tools := make(AITools, len(s.tools))
		for k, v := range s.tools {
			tools[k] = v
		}
		s.mu.Unlock()
		s.emit(NewEvent(EventAIToolsLoaded, tools))

	case MethodSaveAITools:
		var tools AITools
		if err := remarshal(payload, &tools); err != nil {
			return err
		}
		s.mu.Lock()
		s.tools = tools
		s.mu.Unlock()

	case MethodGoToCard, MethodShowAnswer, MethodHideAnswer:
		// Reviewer navigation has nothing to simulate.

	default:
		return fmt.Errorf("simulator: unknown method %q", method)
	}
	return nil
}

// answer streams a canned reply after the configured delay.
func (s *Simulator) answer(req SendRequest) {
	s.emit(Envelope{Type: EventLoading})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reply != nil {
		s.reply.Stop()
	}
	s.replyGen++
	gen := s.replyGen
	citations := s.citations

	s.reply = s.clock.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if gen != s.replyGen {
			s.mu.Unlock()
			return
		}
		s.reply = nil
		s.mu.Unlock()
		s.emit(s.replyEvents(req, citations)...)
	})
}

func (s *Simulator) replyEvents(req SendRequest, citations session.Citations) []Envelope {
	now := s.clock.Now().UnixMilli()
	mode := req.Mode
	if mode == "" {
		mode = "compact"
	}
	text := fmt.Sprintf("Simulated answer to %q. I received %d earlier messages as context. Mode: %s.",
		session.Truncate(req.Message, 60), len(req.History), mode)

	steps := []session.Step{
		{State: "Intent: explain", Phase: session.PhaseIntent, Timestamp: now},
		{State: "Searching the collection", Phase: session.PhaseSearch, Timestamp: now},
	}

	envs := []Envelope{
		{Type: EventAIState, Message: steps[0].State, Phase: steps[0].Phase},
		{Type: EventAIState, Message: steps[1].State, Phase: steps[1].Phase},
	}
	if len(citations) > 0 {
		envs = append(envs, NewEvent(EventRAGSources, citations))
	}
	envs = append(envs, Envelope{Type: EventAIState, Message: "Writing answer", Phase: session.PhaseGenerating})

	words := strings.Fields(text)
	for i := 0; i < len(words); i += 4 {
		end := min(i+4, len(words))
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		envs = append(envs, Envelope{Type: EventStreaming, Chunk: chunk})
	}
	envs = append(envs, Envelope{Type: EventStreaming, Done: true, Citations: citations})
	return envs
}

// remarshal converts an outbound payload into a typed value.
func remarshal(payload any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
