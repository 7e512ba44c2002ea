package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapMessages(t *testing.T) {
	msgs := make([]Message, 5)
	for i := range msgs {
		msgs[i].ID = fmt.Sprint(i)
	}
	require.Len(t, CapMessages(msgs, 0), 5)
	require.Len(t, CapMessages(msgs, 10), 5)

	got := CapMessages(msgs, 2)
	require.Len(t, got, 2)
	require.Equal(t, "3", got[0].ID)
	require.Equal(t, "4", got[1].ID)
}

func TestHistory(t *testing.T) {
	var msgs []Message
	for i := 0; i < 14; i++ {
		from := FromUser
		if i%2 == 1 {
			from = FromBot
		}
		msgs = append(msgs, Message{From: from, Text: fmt.Sprint(i)})
	}

	turns := History(msgs, 10)
	require.Len(t, turns, 10)
	require.Equal(t, Turn{Role: "user", Content: "4"}, turns[0])
	require.Equal(t, Turn{Role: "assistant", Content: "13"}, turns[9])

	require.Len(t, History(msgs[:3], 10), 3)
	require.Empty(t, History(nil, 10))
}

func TestLastSectionID(t *testing.T) {
	msgs := []Message{{SectionID: "a"}, {SectionID: "b"}, {}}
	require.Equal(t, "b", LastSectionID(msgs))
	require.Empty(t, LastSectionID(nil))
}
