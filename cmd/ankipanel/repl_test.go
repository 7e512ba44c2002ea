package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hpungsan/ankipanel/internal/config"
	"github.com/hpungsan/ankipanel/internal/db"
	"github.com/hpungsan/ankipanel/internal/session"
)

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SimulatedReplyDelayMS = 1
	cfg.TitleDelayMS = 1
	cfg.SaveDebounceMS = 1
	return cfg
}

func TestRunChatConversation(t *testing.T) {
	database := setupTestDB(t)
	inR, inW := io.Pipe()
	out := &syncBuffer{}

	deck := &session.Deck{ID: "7", Name: "Biology::Cells", IsInDeck: true}
	done := make(chan error, 1)
	go func() { done <- runChat(context.Background(), database, fastConfig(), nil, deck, inR, out) }()

	waitFor(t, "deck announcement", func() bool { return strings.Contains(out.String(), "deck> Cells (0 messages)") })

	send(t, inW, "What is osmosis?")
	waitFor(t, "tutor reply", func() bool {
		return strings.Contains(out.String(), `tutor> Simulated answer to "What is osmosis?"`)
	})

	send(t, inW, "/bogus")
	waitFor(t, "unknown command notice", func() bool { return strings.Contains(out.String(), "unknown command /bogus") })

	send(t, inW, "/quit")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runChat returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runChat did not stop on /quit")
	}
	inW.Close()

	stored, err := db.GetByDeck(context.Background(), database, "7")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(stored.Messages))
	}
	if stored.Messages[0].From != session.FromUser || stored.Messages[1].From != session.FromBot {
		t.Errorf("unexpected senders: %s, %s", stored.Messages[0].From, stored.Messages[1].From)
	}
	if session.IsTransientID(stored.ID) {
		t.Errorf("stored session kept a transient id %q", stored.ID)
	}
}

func TestRunChatResumesStoredSession(t *testing.T) {
	database := setupTestDB(t)
	seedSession(t, database, "s1", "1", "Biology")

	inR, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- runChat(context.Background(), database, fastConfig(), nil, nil, inR, out) }()

	send(t, inW, "/deck 1 Biology")
	waitFor(t, "resumed session", func() bool { return strings.Contains(out.String(), "deck> Biology (2 messages)") })

	send(t, inW, "/sessions")
	waitFor(t, "session listing", func() bool { return strings.Contains(out.String(), "s1  Biology") })

	send(t, inW, "/exit")
	waitFor(t, "deck exit", func() bool { return strings.Contains(out.String(), "deck> none") })

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runChat returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runChat did not stop at end of input")
	}
}

func TestReplUsage(t *testing.T) {
	database := setupTestDB(t)
	out := &syncBuffer{}
	in := strings.NewReader("/deck\n/card 5\n/answer\n/help\n")

	if err := runChat(context.Background(), database, fastConfig(), nil, nil, in, out); err != nil {
		t.Fatalf("runChat returned %v", err)
	}
	for _, want := range []string{"usage: /deck", "usage: /card", "no card shown", "/select <id>"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
