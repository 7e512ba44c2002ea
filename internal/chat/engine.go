// Package chat drives a conversation with the host: it sends user turns,
// folds streamed events into a live response and finalizes that response
// into exactly one bot message.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/bridge"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Mode selects the answer style requested from the host.
type Mode string

const (
	ModeCompact  Mode = "compact"
	ModeDetailed Mode = "detailed"
)

// Status is the connection state shown next to the input.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusConnecting Status = "connecting"
	StatusError      Status = "error"
)

const (
	// FunctionCallIndicator is shown while the host runs a tool call.
	FunctionCallIndicator = "Creating diagram..."
	cancelledText         = "Request cancelled."
)

// Host is the outbound side used by the engine.
type Host interface {
	SendMessage(req bridge.SendRequest) bool
	CancelRequest() bool
}

// Sessions persists messages into the active session.
type Sessions interface {
	Append(msg session.Message, sections []session.Section) (string, error)
	UpdateMessage(msg session.Message) error
}

// Sections assigns outgoing messages to the current card's section.
type Sections interface {
	EnsureCurrentSection() (sectionID string, sections []session.Section, created bool)
}

// Options configures an Engine.
type Options struct {
	Log          *zap.Logger
	Clock        clock.Clock
	HistoryLimit int
	MaxMessages  int
	DefaultMode  Mode
}

// View is a snapshot of what the chat shows.
type View struct {
	Messages  []session.Message
	Streaming string
	Indicator string
	Loading   bool
	Steps     []session.Step
	Citations session.Citations
	Status    Status
	Error     string
	CanRetry  bool
}

type request struct {
	text string
	mode Mode
}

// Engine holds the visible conversation and the in-flight response.
type Engine struct {
	host     Host
	sessions Sessions
	sections Sections
	clock    clock.Clock
	log      *zap.Logger
	opts     Options

	mu        sync.Mutex
	messages  []session.Message
	streaming strings.Builder
	indicator string
	loading   bool
	steps     []session.Step
	citations session.Citations
	status    Status
	errText   string
	last      *request
	failed    bool
	listeners []func(View)

	// cancelled drops response events until the next request starts.
	cancelled bool
	// answered is the bot message finalized for the latest request; late
	// citations may only patch it.
	answered string
}

// New creates an Engine. sections may be nil when no card tracking is wanted.
func New(host Host, sessions Sessions, sections Sections, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeCompact
	}
	return &Engine{
		host:     host,
		sessions: sessions,
		sections: sections,
		clock:    opts.Clock,
		log:      opts.Log.Named("chat"),
		opts:     opts,
		messages: []session.Message{},
		status:   StatusConnected,
	}
}

// OnChange registers fn to receive a view after every state change.
func (e *Engine) OnChange(fn func(View)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// View returns a snapshot of the chat.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// Send appends a user message, persists it (promoting a transient session)
// and asks the host for an answer. History covers the messages before this
// one.
func (e *Engine) Send(text string, mode Mode) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.NewInvalidRequest("message is empty")
	}
	if mode == "" {
		mode = e.opts.DefaultMode
	}

	e.mu.Lock()
	busy := e.loading
	e.mu.Unlock()
	if busy {
		return errors.NewInvalidRequest("a response is still in progress")
	}

	var (
		sectionID string
		sections  []session.Section
	)
	if e.sections != nil {
		sectionID, sections, _ = e.sections.EnsureCurrentSection()
	}

	e.mu.Lock()
	if e.loading {
		e.mu.Unlock()
		return errors.NewInvalidRequest("a response is still in progress")
	}
	msg := session.Message{
		ID:        session.NewMessageID(),
		From:      session.FromUser,
		Text:      text,
		SectionID: sectionID,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	history := session.History(e.messages, e.opts.HistoryLimit)
	e.appendLocked(msg)
	e.resetResponseLocked()
	e.loading = true
	e.cancelled = false
	e.answered = ""
	e.status = StatusConnecting
	e.errText = ""
	e.failed = false
	e.last = &request{text: text, mode: mode}
	e.mu.Unlock()

	e.persist(msg, sections)

	if !e.host.SendMessage(bridge.SendRequest{Message: text, History: history, Mode: string(mode)}) {
		e.fail("the host did not accept the message")
		return errors.NewHostUnavailable(bridge.MethodSendMessage)
	}
	e.notify()
	return nil
}

// Cancel stops the in-flight response. Hosts that cannot cancel get a local
// notice instead. Response events that still arrive for the cancelled
// request are ignored.
func (e *Engine) Cancel() {
	delivered := e.host.CancelRequest()

	e.mu.Lock()
	e.resetResponseLocked()
	e.loading = false
	e.cancelled = true
	e.answered = ""
	e.status = StatusConnected
	var notice *session.Message
	if !delivered {
		m := e.botMessageLocked(cancelledText, nil, nil)
		e.appendLocked(m)
		notice = &m
	}
	e.mu.Unlock()

	if notice != nil {
		e.persist(*notice, nil)
	}
	e.notify()
}

// Retry resends the last request after an error.
func (e *Engine) Retry() error {
	e.mu.Lock()
	if !e.failed || e.last == nil {
		e.mu.Unlock()
		return errors.NewInvalidRequest("nothing to retry")
	}
	req := *e.last
	e.mu.Unlock()
	return e.Send(req.text, req.mode)
}

// ClearError resets the error state.
func (e *Engine) ClearError() {
	e.mu.Lock()
	e.errText = ""
	e.failed = false
	if e.status == StatusError {
		e.status = StatusConnected
	}
	e.mu.Unlock()
	e.notify()
}

// Load replaces the visible conversation with msgs, abandoning any
// in-flight response display.
func (e *Engine) Load(msgs []session.Message) {
	e.mu.Lock()
	e.messages = session.CloneMessages(msgs)
	if e.messages == nil {
		e.messages = []session.Message{}
	}
	e.resetResponseLocked()
	e.loading = false
	e.mu.Unlock()
	e.notify()
}

// HandleEvent folds one chat event into the engine.
func (e *Engine) HandleEvent(env bridge.Envelope) {
	if e.dropAfterCancel(env.Type) {
		e.log.Debug("ignoring event for cancelled request", zap.String("type", env.Type))
		return
	}
	switch env.Type {
	case bridge.EventLoading:
		e.mu.Lock()
		e.resetResponseLocked()
		e.loading = true
		e.cancelled = false
		e.answered = ""
		e.status = StatusConnecting
		e.mu.Unlock()
	case bridge.EventAIState:
		if env.Message == "" {
			return
		}
		ts := env.Timestamp
		if ts == 0 {
			ts = e.clock.Now().UnixMilli()
		}
		e.mu.Lock()
		e.steps = sortSteps(append(e.steps, session.Step{
			State:     env.Message,
			Phase:     env.Phase,
			Metadata:  env.Metadata,
			Timestamp: ts,
		}))
		e.loading = true
		e.mu.Unlock()
	case bridge.EventRAGSources:
		c, err := bridge.DecodeCitations(env)
		if err != nil {
			e.log.Warn("malformed citations", zap.String("type", env.Type), zap.Error(err))
			return
		}
		e.handleCitations(c)
	case bridge.EventStreaming:
		e.handleStreaming(env)
	case bridge.EventBot:
		e.finalize(env.Message, env.Steps, env.Citations)
	case bridge.EventInfo:
		if env.Message == "" {
			return
		}
		e.mu.Lock()
		m := e.botMessageLocked(env.Message, nil, nil)
		e.appendLocked(m)
		e.mu.Unlock()
		e.persist(m, nil)
	case bridge.EventError:
		text := env.Message
		if text == "" {
			text = "unknown error"
		}
		e.fail(text)
		return
	default:
		return
	}
	e.notify()
}

// dropAfterCancel reports whether an event belongs to a request the user
// cancelled. Only a new request or a loading event clears the flag.
func (e *Engine) dropAfterCancel(eventType string) bool {
	switch eventType {
	case bridge.EventAIState, bridge.EventRAGSources, bridge.EventStreaming, bridge.EventBot:
	default:
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) handleStreaming(env bridge.Envelope) {
	e.mu.Lock()
	if env.IsFunctionCall {
		e.indicator = FunctionCallIndicator
		e.loading = true
	} else if env.Chunk != "" {
		e.streaming.WriteString(env.Chunk)
		e.indicator = ""
		e.loading = true
	}
	e.mu.Unlock()
	if env.Done {
		e.finalize("", env.Steps, env.Citations)
	}
}

// handleCitations merges sources into the in-flight response, or patches
// them into the bot message finalized for the latest request when they
// arrive after it.
func (e *Engine) handleCitations(c session.Citations) {
	if len(c) == 0 {
		return
	}
	e.mu.Lock()
	if e.loading || e.streaming.Len() > 0 {
		e.citations = e.citations.Merge(c)
		e.mu.Unlock()
		return
	}
	i := e.answeredIndexLocked()
	if i < 0 {
		e.mu.Unlock()
		return
	}
	merged := e.messages[i].Citations.Merge(c)
	if len(merged) == len(e.messages[i].Citations) && sameKeys(merged, e.messages[i].Citations) {
		e.mu.Unlock()
		return
	}
	e.messages[i].Citations = merged
	patched := cloneMessage(e.messages[i])
	e.mu.Unlock()

	if err := e.sessions.UpdateMessage(patched); err != nil {
		e.log.Warn("persisting late citations failed", zap.String("message_id", patched.ID), zap.Error(err))
	}
}

// finalize turns the in-flight response into one bot message. The message
// is added before loading clears, so no view shows neither.
func (e *Engine) finalize(text string, steps []session.Step, citations session.Citations) {
	e.mu.Lock()
	if text == "" {
		text = e.streaming.String()
	}
	if text == "" {
		e.resetResponseLocked()
		e.loading = false
		e.mu.Unlock()
		return
	}
	if len(citations) == 0 {
		citations = e.citations
	}
	if len(steps) == 0 {
		steps = e.steps
	}
	if len(steps) == 0 {
		steps = e.synthesizeSteps(citations)
	}
	m := e.botMessageLocked(text, sortSteps(steps), citations)
	e.appendLocked(m)
	e.answered = m.ID
	e.resetResponseLocked()
	e.loading = false
	e.status = StatusConnected
	e.failed = false
	e.mu.Unlock()

	e.persist(m, nil)
}

func (e *Engine) answeredIndexLocked() int {
	if e.answered == "" {
		return -1
	}
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].ID == e.answered {
			return i
		}
	}
	return -1
}

// sortSteps returns a copy of steps ordered by timestamp. Steps with equal
// timestamps keep their arrival order.
func sortSteps(steps []session.Step) []session.Step {
	out := append([]session.Step(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (e *Engine) synthesizeSteps(citations session.Citations) []session.Step {
	now := e.clock.Now().UnixMilli()
	if len(citations) == 0 {
		return []session.Step{{State: "Answer generated", Phase: session.PhaseFinished, Timestamp: now}}
	}
	return []session.Step{
		{State: "Intent: answer the question", Phase: session.PhaseIntent, Timestamp: now},
		{
			State:     fmt.Sprintf("Knowledge lookup: %d relevant cards found", len(citations)),
			Phase:     session.PhaseRetrieval,
			Metadata:  map[string]any{"count": len(citations)},
			Timestamp: now,
		},
	}
}

func (e *Engine) fail(text string) {
	e.mu.Lock()
	m := e.botMessageLocked("Error: "+text, nil, nil)
	e.appendLocked(m)
	e.resetResponseLocked()
	e.loading = false
	e.status = StatusError
	e.errText = text
	e.failed = true
	e.mu.Unlock()

	e.log.Warn("request failed", zap.String("error", text))
	e.persist(m, nil)
	e.notify()
}

// botMessageLocked builds a bot reply filed under the section of the last
// user message.
func (e *Engine) botMessageLocked(text string, steps []session.Step, citations session.Citations) session.Message {
	var sectionID string
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].From == session.FromUser {
			sectionID = e.messages[i].SectionID
			break
		}
	}
	return session.Message{
		ID:        session.NewMessageID(),
		From:      session.FromBot,
		Text:      text,
		SectionID: sectionID,
		Steps:     append([]session.Step(nil), steps...),
		Citations: citations.Merge(nil),
		Timestamp: e.clock.Now().UnixMilli(),
	}
}

func (e *Engine) appendLocked(m session.Message) {
	e.messages = session.CapMessages(append(e.messages, m), e.opts.MaxMessages)
}

func (e *Engine) resetResponseLocked() {
	e.streaming.Reset()
	e.indicator = ""
	e.steps = nil
	e.citations = nil
}

func (e *Engine) persist(m session.Message, sections []session.Section) {
	if _, err := e.sessions.Append(m, sections); err != nil {
		if errors.Is(err, errors.ErrNoActiveSession) {
			e.log.Debug("no active session; message kept in view only", zap.String("message_id", m.ID))
			return
		}
		e.log.Warn("persisting message failed", zap.String("message_id", m.ID), zap.Error(err))
	}
}

func (e *Engine) viewLocked() View {
	return View{
		Messages:  session.CloneMessages(e.messages),
		Streaming: e.streaming.String(),
		Indicator: e.indicator,
		Loading:   e.loading,
		Steps:     append([]session.Step(nil), e.steps...),
		Citations: e.citations.Merge(nil),
		Status:    e.status,
		Error:     e.errText,
		CanRetry:  e.failed && e.last != nil,
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	v := e.viewLocked()
	listeners := append([]func(View){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

func cloneMessage(m session.Message) session.Message {
	return session.CloneMessages([]session.Message{m})[0]
}

func sameKeys(a, b session.Citations) bool {
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
