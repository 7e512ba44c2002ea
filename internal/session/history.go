package session

// Turn is one entry of the conversation history sent with a request.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CapMessages keeps the last max messages. max <= 0 disables the cap.
func CapMessages(msgs []Message, max int) []Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	return append([]Message(nil), msgs[len(msgs)-max:]...)
}

// History converts the last n messages into request history.
func History(msgs []Message, n int) []Turn {
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role := "assistant"
		if m.From == FromUser {
			role = "user"
		}
		turns = append(turns, Turn{Role: role, Content: m.Text})
	}
	return turns
}

// LastSectionID returns the section id of the newest message that has one.
func LastSectionID(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SectionID != "" {
			return msgs[i].SectionID
		}
	}
	return ""
}
