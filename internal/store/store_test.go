package store

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

type fakePersister struct {
	mu      sync.Mutex
	loads   int
	saves   [][]session.Session
	deletes []string
}

func (f *fakePersister) LoadSessions() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return true
}

func (f *fakePersister) SaveSessions(s []session.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, session.CloneAll(s))
	return true
}

func (f *fakePersister) DeleteSession(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return true
}

func (f *fakePersister) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakePersister) lastSave() []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return nil
	}
	return f.saves[len(f.saves)-1]
}

func newTestStore(t *testing.T) (*Store, *fakePersister, *clock.Mock) {
	t.Helper()
	p := &fakePersister{}
	clk := clock.NewMock()
	s := New(p, Options{
		Clock:        clk,
		Limits:       session.Limits{MaxMessages: 3, FallbackTitle: "Flashcard"},
		MaxSessions:  4,
		SaveDebounce: 5 * time.Second,
	})
	t.Cleanup(s.Close)
	return s, p, clk
}

func sess(id, deck string) session.Session {
	return session.Session{ID: id, Name: "Deck " + deck, DeckID: session.HostID(deck)}
}

func TestLoad_ReplacesAndMarksLoaded(t *testing.T) {
	s, p, _ := newTestStore(t)
	calls := 0
	s.OnLoaded(func() { calls++ })

	require.False(t, s.Loaded())
	require.True(t, s.Load())
	require.Equal(t, 1, p.loads)

	s.HandleLoaded([]session.Session{sess("a", "1"), sess("b", "2")})

	require.True(t, s.Loaded())
	require.Equal(t, 1, calls)
	require.Len(t, s.Sessions(), 2)
	got, ok := s.FindByDeck("2")
	require.True(t, ok)
	require.Equal(t, "b", got.ID)
}

func TestLoad_MigrationIsWrittenBack(t *testing.T) {
	s, p, _ := newTestStore(t)
	legacy := sess("a", "1")
	legacy.Messages = []session.Message{{From: session.FromUser, Text: "hi", Timestamp: 1000}}

	s.Load()
	s.HandleLoaded([]session.Session{legacy})

	require.Equal(t, 1, p.saveCount())
	saved := p.lastSave()
	require.NotEmpty(t, saved[0].Messages[0].ID)
}

func TestLoad_EmptyNeverReplacesExisting(t *testing.T) {
	s, p, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})

	s.HandleLoaded(nil)

	require.Len(t, s.Sessions(), 1)
	require.Zero(t, p.saveCount())
}

func TestLoad_ShorterResultNeverDropsSessions(t *testing.T) {
	s, p, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1"), sess("b", "2")})

	s.HandleLoaded([]session.Session{sess("a", "1")})

	require.Len(t, s.Sessions(), 2)
	_, ok := s.Get("b")
	require.True(t, ok)
	require.Zero(t, p.saveCount())

	// Sessions the store has not seen are still picked up.
	s.HandleLoaded([]session.Session{sess("c", "3")})
	ids := []string{}
	for _, x := range s.Sessions() {
		ids = append(ids, x.ID)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
	require.Len(t, p.lastSave(), 3)
}

func TestLoad_StaleResultMergesWithLocalWrites(t *testing.T) {
	s, p, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{})

	s.Load()
	_, err := s.Append(sess("local", "1"))
	require.NoError(t, err)

	// The load was requested before the append landed.
	s.HandleLoaded([]session.Session{sess("remote", "2"), sess("other", "1")})

	ids := []string{}
	for _, x := range s.Sessions() {
		ids = append(ids, x.ID)
	}
	require.Equal(t, []string{"local", "remote"}, ids)
	require.Len(t, p.lastSave(), 2)
}

func TestAppend(t *testing.T) {
	tests := []struct {
		name    string
		input   session.Session
		code    errors.ErrorCode
		wantErr bool
	}{
		{name: "ok", input: sess("new", "9")},
		{name: "transient id", input: sess("temp-x", "9"), wantErr: true, code: errors.ErrInvalidRequest},
		{name: "empty id", input: sess("", "9"), wantErr: true, code: errors.ErrInvalidRequest},
		{name: "duplicate id", input: sess("a", "9"), wantErr: true, code: errors.ErrInvalidRequest},
		{name: "deck taken", input: sess("c", "1"), wantErr: true, code: errors.ErrDeckSessionExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p, _ := newTestStore(t)
			s.HandleLoaded([]session.Session{sess("a", "1")})

			got, err := s.Append(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, tt.code))
				require.Zero(t, p.saveCount())
				return
			}
			require.NoError(t, err)
			require.False(t, got.CreatedAt.IsZero())
			require.NotNil(t, got.Messages)
			require.Equal(t, 1, p.saveCount())
			require.Len(t, p.lastSave(), 2)
		})
	}
}

func TestAppend_DropsOldestBeyondMax(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1"), sess("b", "2"), sess("c", "3"), sess("d", "4")})

	_, err := s.Append(sess("e", "5"))
	require.NoError(t, err)

	_, ok := s.Get("a")
	require.False(t, ok)
	require.Len(t, s.Sessions(), 4)
}

func TestUpdateMessages_CapsAndStamps(t *testing.T) {
	s, p, clk := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})
	clk.Add(time.Hour)

	msgs := []session.Message{
		{ID: "m1", Text: "1"}, {ID: "m2", Text: "2"}, {ID: "m3", Text: "3"}, {ID: "m4", Text: "4"},
	}
	sections := []session.Section{{ID: "section-1-1", CardID: "1", Title: "T", TitleStatus: session.TitleReady}}

	got, err := s.UpdateMessages("a", msgs, sections)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	require.Equal(t, "m2", got.Messages[0].ID)
	require.Len(t, got.Sections, 1)
	require.Equal(t, clk.Now().UTC(), got.UpdatedAt)
	require.Equal(t, 1, p.saveCount())

	// nil sections keeps the existing ones.
	got, err = s.UpdateMessages("a", msgs[:1], nil)
	require.NoError(t, err)
	require.Len(t, got.Sections, 1)
}

func TestUpdate_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.UpdateSections("missing", nil)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMarkCardSeen_Debounced(t *testing.T) {
	s, p, clk := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})

	require.NoError(t, s.MarkCardSeen("a", "100"))
	require.NoError(t, s.MarkCardSeen("a", "101"))
	require.NoError(t, s.MarkCardSeen("a", "100"))
	require.Zero(t, p.saveCount())

	got, _ := s.Get("a")
	require.Equal(t, []session.HostID{"100", "101"}, got.SeenCardIDs)

	clk.Add(5 * time.Second)
	require.Eventually(t, func() bool { return p.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []session.HostID{"100", "101"}, p.lastSave()[0].SeenCardIDs)
}

func TestFlush_WritesPendingChanges(t *testing.T) {
	s, p, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})
	require.NoError(t, s.MarkCardSeen("a", "7"))

	s.Flush()
	require.Equal(t, 1, p.saveCount())

	s.Flush()
	require.Equal(t, 1, p.saveCount())
}

func TestDelete(t *testing.T) {
	s, p, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})

	require.NoError(t, s.Delete("a"))
	require.Empty(t, s.Sessions())
	require.Equal(t, []string{"a"}, p.deletes)
	require.Empty(t, p.lastSave())

	err := s.Delete("a")
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCommit_Guards(t *testing.T) {
	tests := []struct {
		name   string
		ticket func(s *Store) uint64
		next   []session.Session
		ok     bool
	}{
		{
			name:   "grow",
			ticket: (*Store).Version,
			next:   []session.Session{sess("a", "1"), sess("b", "2"), sess("c", "3")},
			ok:     true,
		},
		{
			name:   "stale ticket",
			ticket: func(s *Store) uint64 { return s.Version() - 1 },
			next:   []session.Session{sess("a", "1"), sess("b", "2"), sess("c", "3")},
		},
		{
			name:   "empty",
			ticket: (*Store).Version,
			next:   nil,
		},
		{
			name:   "shrink",
			ticket: (*Store).Version,
			next:   []session.Session{sess("a", "1")},
		},
		{
			name:   "duplicate deck",
			ticket: (*Store).Version,
			next:   []session.Session{sess("a", "1"), sess("b", "1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p, _ := newTestStore(t)
			s.HandleLoaded([]session.Session{sess("a", "1"), sess("b", "2")})

			err := s.Commit(tt.ticket(s), tt.next)
			if tt.ok {
				require.NoError(t, err)
				require.Len(t, s.Sessions(), len(tt.next))
				require.Equal(t, 1, p.saveCount())
				return
			}
			require.True(t, errors.Is(err, errors.ErrStaleWrite))
			require.Len(t, s.Sessions(), 2)
			require.Zero(t, p.saveCount())
		})
	}
}

func TestApply_IsAtomic(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})

	err := s.Apply(func(list []session.Session) []session.Session {
		list[0].Name = "Renamed"
		return list
	})
	require.NoError(t, err)

	got, _ := s.Get("a")
	require.Equal(t, "Renamed", got.Name)
}

func TestConcurrentWritesKeepEverySession(t *testing.T) {
	s, p, _ := newTestStore(t)
	s.maxSessions = 0
	s.HandleLoaded([]session.Session{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(session.Session{ID: session.NewSessionID(), DeckID: session.HostID(string(rune('A' + i)))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, s.Sessions(), 20)
	require.Len(t, p.lastSave(), 20)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.HandleLoaded([]session.Session{sess("a", "1")})

	got, _ := s.Get("a")
	got.Messages = append(got.Messages, session.Message{ID: "x"})

	again, _ := s.Get("a")
	require.Empty(t, again.Messages)
}
