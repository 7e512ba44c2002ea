// Package reconcile maps deck navigation onto panel sessions.
//
// A selected deck always resolves to exactly one active session: the stored
// session bound to that deck, or a transient one that lives only in memory
// until the first message is sent. Transient sessions never reach storage
// while they are empty.
package reconcile

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
	"github.com/hpungsan/ankipanel/internal/store"
)

// State is the reconciler's view of the active session.
type State int

const (
	StateNone State = iota
	StateAttached
	StateTransient
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateTransient:
		return "transient"
	default:
		return "none"
	}
}

// Active is a snapshot of the active session.
type Active struct {
	State   State
	Session session.Session
	Deck    *session.Deck
}

// DeckOpener asks the host to navigate to a deck.
type DeckOpener interface {
	OpenDeck(deckID session.HostID) bool
}

// Options configures a Reconciler.
type Options struct {
	Log        *zap.Logger
	Clock      clock.Clock
	RetryDelay time.Duration
	RetryLimit int
	Limits     session.Limits
}

// Reconciler owns the active-session state machine.
type Reconciler struct {
	store  *store.Store
	opener DeckOpener
	clock  clock.Clock
	log    *zap.Logger
	opts   Options

	mu         sync.Mutex
	state      State
	active     session.Session
	deck       *session.Deck
	pending    *session.Deck
	retries    int
	retryTimer *clock.Timer
	listeners  []func(Active)
	closed     bool
}

// New creates a reconciler in StateNone. It retries pending deck selections
// whenever the store finishes loading.
func New(st *store.Store, opener DeckOpener, opts Options) *Reconciler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	r := &Reconciler{
		store:  st,
		opener: opener,
		clock:  opts.Clock,
		log:    opts.Log.Named("reconcile"),
		opts:   opts,
	}
	st.OnLoaded(r.sessionsLoaded)
	return r
}

// OnChange registers fn to receive the active session whenever it switches.
// Promotion of a transient session is not a switch.
func (r *Reconciler) OnChange(fn func(Active)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Active returns a snapshot of the active session.
func (r *Reconciler) Active() Active {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DeckSelected resolves deck to its session. Selecting the deck that is
// already active is a no-op. When sessions have not loaded yet the selection
// is held and retried a bounded number of times.
func (r *Reconciler) DeckSelected(deck session.Deck) {
	r.mu.Lock()
	if r.state != StateNone && r.active.DeckID == deck.ID {
		r.deck = &deck
		r.pending = nil
		r.mu.Unlock()
		return
	}
	if !r.store.Loaded() {
		r.holdLocked(deck)
		r.mu.Unlock()
		r.store.Load()
		return
	}
	r.pending = nil
	r.stopRetryLocked()
	r.resolveLocked(deck)
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, snap)
}

func (r *Reconciler) holdLocked(deck session.Deck) {
	first := r.pending == nil
	r.pending = &deck
	if first {
		r.retries = 0
	}
	if r.retryTimer == nil && !r.closed {
		r.retryTimer = r.clock.AfterFunc(r.opts.RetryDelay, r.retry)
	}
	r.log.Debug("deck selected before sessions loaded", zap.String("deck_id", deck.ID.String()))
}

func (r *Reconciler) retry() {
	r.mu.Lock()
	r.retryTimer = nil
	if r.pending == nil || r.closed {
		r.mu.Unlock()
		return
	}
	deck := *r.pending
	if !r.store.Loaded() {
		r.retries++
		if r.retries < r.opts.RetryLimit {
			r.retryTimer = r.clock.AfterFunc(r.opts.RetryDelay, r.retry)
			r.mu.Unlock()
			r.store.Load()
			return
		}
		r.log.Warn("sessions still not loaded; continuing with a transient session",
			zap.String("deck_id", deck.ID.String()), zap.Int("retries", r.retries))
	}
	r.pending = nil
	r.resolveLocked(deck)
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, snap)
}

// sessionsLoaded runs after every store load.
func (r *Reconciler) sessionsLoaded() {
	r.mu.Lock()
	changed := false
	switch {
	case r.pending != nil:
		deck := *r.pending
		r.pending = nil
		r.stopRetryLocked()
		r.resolveLocked(deck)
		changed = true
	case r.state == StateAttached:
		if s, ok := r.store.Get(r.active.ID); ok {
			r.active = s
			changed = true
		}
	case r.state == StateTransient && len(r.active.Messages) == 0:
		// A load that finished after the retry budget ran out may hold a
		// session for this deck.
		if s, ok := r.store.FindByDeck(r.active.DeckID); ok {
			r.state = StateAttached
			r.active = s
			changed = true
		}
	}
	if !changed {
		r.mu.Unlock()
		return
	}
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, snap)
}

func (r *Reconciler) resolveLocked(deck session.Deck) {
	r.deck = &deck
	if s, ok := r.store.FindByDeck(deck.ID); ok {
		r.state = StateAttached
		r.active = s
		r.log.Debug("attached", zap.String("session_id", s.ID), zap.String("deck_id", deck.ID.String()))
		return
	}
	r.state = StateTransient
	r.active = r.newTransient(deck)
	r.log.Debug("transient session", zap.String("session_id", r.active.ID), zap.String("deck_id", deck.ID.String()))
}

func (r *Reconciler) newTransient(deck session.Deck) session.Session {
	now := r.clock.Now().UTC()
	return session.Session{
		ID:          session.NewTransientID(),
		Name:        deck.DisplayName(),
		DeckID:      deck.ID,
		DeckName:    deck.Name,
		Messages:    []session.Message{},
		Sections:    []session.Section{},
		SeenCardIDs: []session.HostID{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DeckExited clears the active session.
func (r *Reconciler) DeckExited() {
	r.mu.Lock()
	r.pending = nil
	r.stopRetryLocked()
	if r.state == StateNone {
		r.mu.Unlock()
		return
	}
	r.state = StateNone
	r.active = session.Session{}
	r.deck = nil
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, snap)
}

// CardShown records cardID as seen in the active session. Stored sessions
// persist the change with a debounce.
func (r *Reconciler) CardShown(cardID session.HostID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateNone || !r.active.MarkSeen(cardID) {
		return
	}
	if r.state == StateAttached {
		if err := r.store.MarkCardSeen(r.active.ID, cardID); err != nil {
			r.log.Warn("mark card seen failed", zap.String("session_id", r.active.ID), zap.Error(err))
		}
	}
}

// FirstMessageSent promotes a transient session to a stored one and returns
// the id of the active session.
func (r *Reconciler) FirstMessageSent() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateNone:
		return "", errors.NewNoActiveSession()
	case StateTransient:
		if err := r.promoteLocked(); err != nil {
			return "", err
		}
	}
	return r.active.ID, nil
}

// promoteLocked stores the transient session under a persistent id. If the
// deck gained a stored session in the meantime, the transient content is
// folded into it instead.
func (r *Reconciler) promoteLocked() error {
	next := r.active.Clone()
	next.ID = session.NewSessionID()
	stored, err := r.store.Append(next)
	if errors.Is(err, errors.ErrDeckSessionExists) {
		existing, ok := r.store.FindByDeck(next.DeckID)
		if !ok {
			return err
		}
		stored, err = r.store.Update(existing.ID, func(s *session.Session) {
			s.Messages = append(s.Messages, next.Messages...)
			for _, sec := range next.Sections {
				if _, dup := session.FindSection(s.Sections, sec.CardID); !dup {
					s.Sections = append(s.Sections, sec)
				}
			}
			for _, id := range next.SeenCardIDs {
				s.MarkSeen(id)
			}
		})
	}
	if err != nil {
		return err
	}
	r.log.Info("session promoted",
		zap.String("transient_id", r.active.ID), zap.String("session_id", stored.ID))
	r.state = StateAttached
	r.active = stored
	return nil
}

// Append adds msg to the active session, promoting it first if it is
// transient. Non-nil sections replace the session's sections in the same
// write. Returns the id of the session written to.
func (r *Reconciler) Append(msg session.Message, sections []session.Section) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateNone:
		return "", errors.NewNoActiveSession()
	case StateTransient:
		r.active.Messages = append(r.active.Messages, msg)
		if sections != nil {
			r.active.Sections = session.CloneSections(sections)
		}
		if err := r.promoteLocked(); err != nil {
			r.active.Messages = r.active.Messages[:len(r.active.Messages)-1]
			return "", err
		}
		return r.active.ID, nil
	}
	return r.updateLocked(func(s *session.Session) {
		s.Messages = append(s.Messages, msg)
		if sections != nil {
			s.Sections = session.CloneSections(sections)
		}
	})
}

// UpdateMessage replaces the message with the same id in the active session.
func (r *Reconciler) UpdateMessage(msg session.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	_, err := r.editLocked(func(s *session.Session) {
		for i := range s.Messages {
			if s.Messages[i].ID == msg.ID {
				s.Messages[i] = msg
				found = true
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.NewNotFound(msg.ID)
	}
	return nil
}

// SetSections replaces the sections of the active session.
func (r *Reconciler) SetSections(sections []session.Section) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editLocked(func(s *session.Session) {
		s.Sections = session.CloneSections(sections)
	})
	return err
}

// ResetChat clears the messages and sections of the active session.
func (r *Reconciler) ResetChat() error {
	r.mu.Lock()
	_, err := r.editLocked(func(s *session.Session) {
		s.Messages = []session.Message{}
		s.Sections = []session.Section{}
	})
	if err != nil {
		r.mu.Unlock()
		return err
	}
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, snap)
	return nil
}

// editLocked applies fn to the active session, in memory for transient
// sessions and through the store otherwise.
func (r *Reconciler) editLocked(fn func(*session.Session)) (string, error) {
	switch r.state {
	case StateNone:
		return "", errors.NewNoActiveSession()
	case StateTransient:
		fn(&r.active)
		return r.active.ID, nil
	}
	return r.updateLocked(fn)
}

func (r *Reconciler) updateLocked(fn func(*session.Session)) (string, error) {
	updated, err := r.store.Update(r.active.ID, fn)
	if err != nil {
		return "", err
	}
	r.active = updated
	return updated.ID, nil
}

// SelectSession makes the stored session id active and asks the host to
// open its deck.
func (r *Reconciler) SelectSession(id string) error {
	s, ok := r.store.Get(id)
	if !ok {
		return errors.NewNotFound(id)
	}

	r.mu.Lock()
	r.pending = nil
	r.stopRetryLocked()
	r.state = StateAttached
	r.active = s
	r.deck = &session.Deck{ID: s.DeckID, Name: s.DeckName}
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	if s.DeckID != "" && r.opener != nil && !r.opener.OpenDeck(s.DeckID) {
		r.log.Warn("host could not open deck", zap.String("deck_id", s.DeckID.String()))
	}
	notify(listeners, snap)
	return nil
}

// DeleteSession removes a stored session. If it was active and its deck is
// still open, the deck gets a fresh transient session.
func (r *Reconciler) DeleteSession(id string) error {
	r.mu.Lock()
	if err := r.store.Delete(id); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.state == StateNone || r.active.ID != id {
		r.mu.Unlock()
		return nil
	}
	if r.deck != nil {
		r.state = StateTransient
		r.active = r.newTransient(*r.deck)
	} else {
		r.state = StateNone
		r.active = session.Session{}
	}
	snap, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, snap)
	return nil
}

// Close stops the retry timer.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.pending = nil
	r.stopRetryLocked()
	r.mu.Unlock()
}

func (r *Reconciler) stopRetryLocked() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

func (r *Reconciler) snapshotLocked() Active {
	a := Active{State: r.state}
	if r.state != StateNone {
		a.Session = r.active.Clone()
	}
	if r.deck != nil {
		d := *r.deck
		a.Deck = &d
	}
	return a
}

func (r *Reconciler) listenersLocked() []func(Active) {
	return append([]func(Active){}, r.listeners...)
}

func notify(listeners []func(Active), a Active) {
	for _, fn := range listeners {
		fn(a)
	}
}
