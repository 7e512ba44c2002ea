// Package cardctx tracks the card shown in the reviewer and the sections
// derived from it.
package cardctx

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/bridge"
	"github.com/hpungsan/ankipanel/internal/session"
)

// PendingTitle is shown while a section title is being generated.
const PendingTitle = "Loading title..."

// TitleRequester sends generateSectionTitle to the host.
type TitleRequester interface {
	GenerateSectionTitle(req bridge.TitleRequest) bool
}

// SectionSink persists the section list of the active session.
type SectionSink interface {
	SetSections(sections []session.Section) error
}

// Options configures a Tracker.
type Options struct {
	Log           *zap.Logger
	Clock         clock.Clock
	TitleDelay    time.Duration
	FallbackTitle string
}

// Tracker holds the current card and the working copy of the active
// session's sections. Sections are created only when a message is sent about
// a card, never because the card was viewed.
type Tracker struct {
	host  TitleRequester
	sink  SectionSink
	clock clock.Clock
	log   *zap.Logger
	opts  Options

	mu        sync.Mutex
	card      *session.CardContext
	sections  []session.Section
	currentID string

	// pending maps a section id to the id of its newest title request.
	// Replies carrying any other request id are stale.
	pending     map[string]string
	lastPending string
	timers      map[string]*clock.Timer
	closed      bool
}

// New creates a Tracker.
func New(host TitleRequester, sink SectionSink, opts Options) *Tracker {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.FallbackTitle == "" {
		opts.FallbackTitle = "Flashcard"
	}
	return &Tracker{
		host:     host,
		sink:     sink,
		clock:    opts.Clock,
		log:      opts.Log.Named("cardctx"),
		opts:     opts,
		sections: []session.Section{},
		pending:  map[string]string{},
		timers:   map[string]*clock.Timer{},
	}
}

// HandleCardContext records the shown card. The current section follows the
// card when the card already has one.
func (t *Tracker) HandleCardContext(card session.CardContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.card = &card
	if sec, ok := session.FindSection(t.sections, card.CardID); ok {
		t.currentID = sec.ID
	} else {
		t.currentID = ""
	}
}

// ClearCard forgets the shown card, e.g. when the reviewer closes.
func (t *Tracker) ClearCard() {
	t.mu.Lock()
	t.card = nil
	t.currentID = ""
	t.mu.Unlock()
}

// Card returns the shown card.
func (t *Tracker) Card() (session.CardContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card == nil {
		return session.CardContext{}, false
	}
	return *t.card, true
}

// Sections returns a copy of the working sections.
func (t *Tracker) Sections() []session.Section {
	t.mu.Lock()
	defer t.mu.Unlock()
	return session.CloneSections(t.sections)
}

// CurrentSectionID returns the section messages are currently filed under.
func (t *Tracker) CurrentSectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentID
}

// EnsureCurrentSection returns the section for the shown card, creating it
// if needed. When a section is created the full new section list is
// returned so the caller can persist it with the message that caused it;
// the title request follows after the configured delay.
func (t *Tracker) EnsureCurrentSection() (sectionID string, sections []session.Section, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card == nil || t.card.CardID == "" {
		return "", nil, false
	}
	sec, created := t.ensureLocked(*t.card)
	t.currentID = sec.ID
	if !created {
		return sec.ID, nil, false
	}
	return sec.ID, session.CloneSections(t.sections), true
}

// EnsureSectionFor is EnsureCurrentSection for an explicit card. Calling it
// twice for one card returns the same section.
func (t *Tracker) EnsureSectionFor(card session.CardContext) (session.Section, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(card)
}

func (t *Tracker) ensureLocked(card session.CardContext) (session.Section, bool) {
	if sec, ok := session.FindSection(t.sections, card.CardID); ok {
		return sec, false
	}
	now := t.clock.Now()
	sec := session.Section{
		ID:          session.NewSectionID(card.CardID, now),
		CardID:      card.CardID,
		Title:       PendingTitle,
		TitleStatus: session.TitlePending,
		Question:    card.Question,
		Answer:      card.Answer,
		CreatedAt:   now.UnixMilli(),
	}
	t.sections = append(t.sections, sec)
	if !t.closed {
		id := sec.ID
		t.timers[id] = t.clock.AfterFunc(t.opts.TitleDelay, func() { t.requestTitle(id) })
	}
	t.log.Debug("section created", zap.String("section_id", sec.ID), zap.String("card_id", card.CardID.String()))
	return sec, true
}

func (t *Tracker) requestTitle(sectionID string) {
	t.mu.Lock()
	delete(t.timers, sectionID)
	i := indexOf(t.sections, sectionID)
	if t.closed || i < 0 || t.sections[i].TitleStatus != session.TitlePending {
		t.mu.Unlock()
		return
	}
	sec := t.sections[i]
	reqID := session.NewRequestID()
	t.pending[sectionID] = reqID
	t.lastPending = sectionID
	t.mu.Unlock()

	ok := t.host.GenerateSectionTitle(bridge.TitleRequest{
		SectionID: sectionID,
		RequestID: reqID,
		Question:  session.PlainText(sec.Question),
		Answer:    session.PlainText(sec.Answer),
	})
	if !ok {
		t.HandleTitleResult(bridge.TitleResult{
			Success:   false,
			Error:     "title request not delivered",
			SectionID: sectionID,
			RequestID: reqID,
		})
	}
}

// HandleTitleResult patches the section a title reply belongs to. Replies
// for superseded requests or unknown sections are dropped. Replies without
// ids are matched to the newest outstanding request. Failures resolve to
// the fallback title, so no section stays pending.
func (t *Tracker) HandleTitleResult(res bridge.TitleResult) {
	t.mu.Lock()
	sectionID := res.SectionID
	if sectionID == "" {
		sectionID = t.lastPending
	}
	want, ok := t.pending[sectionID]
	if !ok || (res.RequestID != "" && res.RequestID != want) {
		t.mu.Unlock()
		t.log.Debug("dropping stale title result",
			zap.String("section_id", sectionID), zap.String("request_id", res.RequestID))
		return
	}
	delete(t.pending, sectionID)
	if t.lastPending == sectionID {
		t.lastPending = ""
	}
	i := indexOf(t.sections, sectionID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	if res.Success && res.Title != "" {
		t.sections[i].Title = res.Title
		t.sections[i].TitleStatus = session.TitleReady
	} else {
		t.log.Info("section title failed; using fallback",
			zap.String("section_id", sectionID), zap.String("error", res.Error))
		t.sections[i].Title = t.opts.FallbackTitle
		t.sections[i].TitleStatus = session.TitleError
	}
	snap := session.CloneSections(t.sections)
	t.mu.Unlock()

	if err := t.sink.SetSections(snap); err != nil {
		t.log.Warn("persisting section title failed", zap.String("section_id", sectionID), zap.Error(err))
	}
}

// Load replaces the working sections with those of a newly active session
// and restores the current section from the last message. Title work for
// sections that are no longer loaded is abandoned. Loaded sections still
// waiting for a title get a fresh request unless one is already outstanding.
func (t *Tracker) Load(sections []session.Section, msgs []session.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sections = session.CloneSections(sections)
	if t.sections == nil {
		t.sections = []session.Section{}
	}

	waiting := map[string]bool{}
	for _, sec := range t.sections {
		if sec.TitleStatus == session.TitlePending {
			waiting[sec.ID] = true
		}
	}
	for id, tm := range t.timers {
		if !waiting[id] {
			tm.Stop()
			delete(t.timers, id)
		}
	}
	for id := range t.pending {
		if !waiting[id] {
			delete(t.pending, id)
		}
	}
	if _, ok := t.pending[t.lastPending]; !ok {
		t.lastPending = ""
	}
	if !t.closed {
		for _, sec := range t.sections {
			id := sec.ID
			_, timer := t.timers[id]
			_, inFlight := t.pending[id]
			if waiting[id] && !timer && !inFlight {
				t.timers[id] = t.clock.AfterFunc(t.opts.TitleDelay, func() { t.requestTitle(id) })
			}
		}
	}

	t.currentID = session.LastSectionID(msgs)
	if t.card != nil {
		if sec, ok := session.FindSection(t.sections, t.card.CardID); ok {
			t.currentID = sec.ID
		}
	}
}

// Close stops pending title timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.stopTimersLocked()
	t.mu.Unlock()
}

func (t *Tracker) stopTimersLocked() {
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}

func indexOf(sections []session.Section, id string) int {
	for i := range sections {
		if sections[i].ID == id {
			return i
		}
	}
	return -1
}
