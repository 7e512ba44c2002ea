package store

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Persister is the durable side of the store, usually the bridge adapter.
type Persister interface {
	LoadSessions() bool
	SaveSessions(sessions []session.Session) bool
	DeleteSession(id string) bool
}

// Options configures a Store.
type Options struct {
	Log          *zap.Logger
	Clock        clock.Clock
	Limits       session.Limits
	MaxSessions  int
	SaveDebounce time.Duration
}

// Store holds the persisted sessions in memory and mirrors every change to
// the Persister.
//
// Every applied write bumps a sequence number. Replacements computed from an
// older snapshot (Commit with a stale ticket) are rejected, as are
// replacements that would shrink or empty the list; only Delete removes
// sessions. Saves carry the sequence they were taken at, so a slower save of
// an older snapshot never lands after a newer one.
type Store struct {
	persist      Persister
	clock        clock.Clock
	log          *zap.Logger
	lim          session.Limits
	maxSessions  int
	saveDebounce time.Duration

	mu          sync.Mutex
	sessions    []session.Session
	loaded      bool
	seq         uint64
	loadPending bool
	loadTicket  uint64
	debounce    *clock.Timer
	onLoaded    []func()
	closed      bool

	saveMu   sync.Mutex
	savedSeq uint64
}

// New creates an empty, not yet loaded store.
func New(persist Persister, opts Options) *Store {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Limits.FallbackTitle == "" {
		opts.Limits.FallbackTitle = "Flashcard"
	}
	return &Store{
		persist:      persist,
		clock:        opts.Clock,
		log:          opts.Log.Named("store"),
		lim:          opts.Limits,
		maxSessions:  opts.MaxSessions,
		saveDebounce: opts.SaveDebounce,
		sessions:     []session.Session{},
	}
}

// OnLoaded registers fn to run after every completed load.
func (s *Store) OnLoaded(fn func()) {
	s.mu.Lock()
	s.onLoaded = append(s.onLoaded, fn)
	s.mu.Unlock()
}

// Load asks the persister for the stored sessions. The answer arrives
// through HandleLoaded.
func (s *Store) Load() bool {
	s.mu.Lock()
	s.loadPending = true
	s.loadTicket = s.seq
	s.mu.Unlock()
	return s.persist.LoadSessions()
}

// HandleLoaded installs sessions delivered by the persister.
//
// An empty result never replaces a non-empty list, and once loaded a result
// with fewer sessions than the store holds is merged in rather than allowed
// to drop any. When local writes landed after the load was requested, the
// loaded sessions are merged in instead of replacing the newer local state.
func (s *Store) HandleLoaded(loaded []session.Session) {
	migrated, changed := session.MigrateAll(loaded, s.lim, s.clock.Now())

	s.mu.Lock()
	save := changed
	switch {
	case len(migrated) == 0 && len(s.sessions) > 0:
		s.log.Warn("ignoring empty load over existing sessions",
			zap.Int("prev_count", len(s.sessions)), zap.Uint64("seq", s.seq))
		save = false
	case s.loaded && len(migrated) < len(s.sessions):
		added := s.mergeLocked(migrated)
		s.log.Warn("load would drop sessions; merging instead",
			zap.Int("prev_count", len(s.sessions)-added), zap.Int("next_count", len(migrated)),
			zap.Int("added", added))
		save = added > 0
	case s.loadPending && s.seq > s.loadTicket:
		added := s.mergeLocked(migrated)
		s.log.Info("merged load with newer local writes",
			zap.Int("added", added), zap.Uint64("seq", s.seq))
		save = added > 0
	default:
		s.sessions = s.capSessions(migrated)
		s.seq++
	}
	s.loaded = true
	s.loadPending = false
	callbacks := append([]func(){}, s.onLoaded...)
	s.mu.Unlock()

	if save {
		s.persistNow()
	}
	for _, fn := range callbacks {
		fn()
	}
}

// mergeLocked appends loaded sessions unknown by id and by deck.
func (s *Store) mergeLocked(loaded []session.Session) int {
	added := 0
	for _, ls := range loaded {
		if s.indexLocked(ls.ID) >= 0 {
			continue
		}
		if ls.DeckID != "" && s.deckIndexLocked(ls.DeckID) >= 0 {
			continue
		}
		s.sessions = append(s.sessions, ls)
		added++
	}
	if added > 0 {
		s.sessions = s.capSessions(s.sessions)
		s.seq++
	}
	return added
}

// Loaded reports whether a load has completed.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Version returns the current write sequence, for use as a Commit ticket.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Sessions returns a copy of all sessions.
func (s *Store) Sessions() []session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.CloneAll(s.sessions)
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.sessions[i].Clone(), true
	}
	return session.Session{}, false
}

// FindByDeck returns a copy of the session bound to deckID.
func (s *Store) FindByDeck(deckID session.HostID) (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.deckIndexLocked(deckID); i >= 0 {
		return s.sessions[i].Clone(), true
	}
	return session.Session{}, false
}

// Append stores a new session and persists immediately. A deck can be bound
// to at most one session.
func (s *Store) Append(sess session.Session) (session.Session, error) {
	if sess.ID == "" || session.IsTransientID(sess.ID) {
		return session.Session{}, errors.NewInvalidRequest("session needs a persistent id")
	}

	now := s.clock.Now().UTC()
	sess = sess.Clone()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Messages = session.CapMessages(sess.Messages, s.lim.MaxMessages)
	fillEmpty(&sess)

	s.mu.Lock()
	if s.indexLocked(sess.ID) >= 0 {
		s.mu.Unlock()
		return session.Session{}, errors.NewInvalidRequest("session id already exists: " + sess.ID)
	}
	if sess.DeckID != "" {
		if i := s.deckIndexLocked(sess.DeckID); i >= 0 {
			existing := s.sessions[i].ID
			s.mu.Unlock()
			return session.Session{}, errors.NewDeckSessionExists(sess.DeckID.String(), existing)
		}
	}
	s.sessions = s.capSessions(append(s.sessions, sess))
	s.seq++
	s.mu.Unlock()

	s.persistNow()
	return sess.Clone(), nil
}

// Update applies fn to a copy of the session and stores the result,
// persisting immediately. The message cap is enforced after fn runs.
func (s *Store) Update(id string, fn func(*session.Session)) (session.Session, error) {
	out, err := s.update(id, fn)
	if err != nil {
		return session.Session{}, err
	}
	s.persistNow()
	return out, nil
}

// UpdateMessages replaces the messages (and, when sections is non-nil, the
// sections) of a session.
func (s *Store) UpdateMessages(id string, msgs []session.Message, sections []session.Section) (session.Session, error) {
	return s.Update(id, func(sess *session.Session) {
		sess.Messages = session.CloneMessages(msgs)
		if sections != nil {
			sess.Sections = session.CloneSections(sections)
		}
	})
}

// UpdateSections replaces the sections of a session.
func (s *Store) UpdateSections(id string, sections []session.Section) (session.Session, error) {
	return s.Update(id, func(sess *session.Session) {
		sess.Sections = session.CloneSections(sections)
	})
}

// MarkCardSeen records cardID in the session's seen set. Persistence is
// debounced; this bookkeeping is not worth a write per card.
func (s *Store) MarkCardSeen(id string, cardID session.HostID) error {
	added := false
	_, err := s.update(id, func(sess *session.Session) {
		added = sess.MarkSeen(cardID)
	})
	if err != nil {
		return err
	}
	if added {
		s.schedulePersist()
	}
	return nil
}

func (s *Store) update(id string, fn func(*session.Session)) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return session.Session{}, errors.NewNotFound(id)
	}
	next := s.sessions[i].Clone()
	fn(&next)
	next.ID = s.sessions[i].ID
	next.Messages = session.CapMessages(next.Messages, s.lim.MaxMessages)
	next.UpdatedAt = s.clock.Now().UTC()
	fillEmpty(&next)

	if next.DeckID != "" {
		if j := s.deckIndexLocked(next.DeckID); j >= 0 && j != i {
			return session.Session{}, errors.NewDeckSessionExists(next.DeckID.String(), s.sessions[j].ID)
		}
	}
	s.sessions[i] = next
	s.seq++
	return next.Clone(), nil
}

// Delete removes a session and persists immediately. It is the only
// operation allowed to reduce the number of sessions.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return errors.NewNotFound(id)
	}
	s.sessions = append(s.sessions[:i:i], s.sessions[i+1:]...)
	s.seq++
	s.mu.Unlock()

	s.persistNow()
	s.persist.DeleteSession(id)
	return nil
}

// Commit replaces the whole list with next, provided no write landed since
// ticket was taken from Version and next does not drop sessions.
func (s *Store) Commit(ticket uint64, next []session.Session) error {
	s.mu.Lock()
	if err := s.checkReplaceLocked(ticket, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessions = s.capSessions(session.CloneAll(next))
	s.seq++
	s.mu.Unlock()

	s.persistNow()
	return nil
}

// Apply runs fn on a snapshot and commits its result atomically.
func (s *Store) Apply(fn func([]session.Session) []session.Session) error {
	s.mu.Lock()
	ticket := s.seq
	next := fn(session.CloneAll(s.sessions))
	if err := s.checkReplaceLocked(ticket, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessions = s.capSessions(session.CloneAll(next))
	s.seq++
	s.mu.Unlock()

	s.persistNow()
	return nil
}

func (s *Store) checkReplaceLocked(ticket uint64, next []session.Session) error {
	var reason string
	switch {
	case ticket != s.seq:
		reason = "superseded by a newer write"
	case len(next) == 0 && len(s.sessions) > 0:
		reason = "would empty the session list"
	case len(next) < len(s.sessions):
		reason = "would drop sessions"
	default:
		seen := make(map[session.HostID]bool, len(next))
		for _, n := range next {
			if n.DeckID == "" {
				continue
			}
			if seen[n.DeckID] {
				reason = "duplicate deck"
				break
			}
			seen[n.DeckID] = true
		}
		if reason == "" {
			return nil
		}
	}
	s.log.Warn("write rejected",
		zap.String("reason", reason),
		zap.Int("prev_count", len(s.sessions)),
		zap.Int("next_count", len(next)),
		zap.Uint64("ticket", ticket),
		zap.Uint64("seq", s.seq))
	return errors.NewStaleWrite(reason)
}

// Flush persists pending debounced changes now.
func (s *Store) Flush() {
	s.mu.Lock()
	pending := s.debounce != nil
	s.mu.Unlock()
	if pending {
		s.persistNow()
	}
}

// Close flushes pending changes and stops timers.
func (s *Store) Close() {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.stopDebounceLocked()
	s.mu.Unlock()
}

func (s *Store) schedulePersist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopDebounceLocked()
	s.debounce = s.clock.AfterFunc(s.saveDebounce, s.persistNow)
}

func (s *Store) stopDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// persistNow saves the current snapshot unless a newer one was already saved.
func (s *Store) persistNow() {
	s.mu.Lock()
	s.stopDebounceLocked()
	snap := session.CloneAll(s.sessions)
	seq := s.seq
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq < s.savedSeq {
		return
	}
	s.savedSeq = seq
	if !s.persist.SaveSessions(snap) {
		s.log.Warn("save not delivered", zap.Int("count", len(snap)), zap.Uint64("seq", seq))
	}
}

// capSessions drops the oldest sessions beyond maxSessions.
func (s *Store) capSessions(list []session.Session) []session.Session {
	if s.maxSessions > 0 && len(list) > s.maxSessions {
		dropped := len(list) - s.maxSessions
		s.log.Info("dropping oldest sessions", zap.Int("dropped", dropped))
		return append([]session.Session(nil), list[dropped:]...)
	}
	return list
}

func (s *Store) indexLocked(id string) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) deckIndexLocked(deckID session.HostID) int {
	if deckID == "" {
		return -1
	}
	for i := range s.sessions {
		if s.sessions[i].DeckID == deckID {
			return i
		}
	}
	return -1
}

func fillEmpty(sess *session.Session) {
	if sess.Messages == nil {
		sess.Messages = []session.Message{}
	}
	if sess.Sections == nil {
		sess.Sections = []session.Section{}
	}
	if sess.SeenCardIDs == nil {
		sess.SeenCardIDs = []session.HostID{}
	}
}
