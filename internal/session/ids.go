package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TransientPrefix marks ids of sessions that only live in memory.
const TransientPrefix = "temp-"

// NewMessageID returns a collision-resistant message id.
func NewMessageID() string {
	return "msg-" + strings.ToLower(ulid.Make().String())
}

// NewTransientID returns an id for a session that has not been persisted.
func NewTransientID() string {
	return TransientPrefix + strings.ToLower(ulid.Make().String())
}

// NewSessionID returns the stable id assigned when a session is persisted.
func NewSessionID() string {
	return uuid.NewString()
}

// NewSectionID returns the id of a section created for cardID at now.
func NewSectionID(cardID HostID, now time.Time) string {
	return fmt.Sprintf("section-%s-%d", cardID, now.UnixMilli())
}

// NewRequestID returns an id for correlating a host request with its reply.
func NewRequestID() string {
	return ulid.Make().String()
}

// IsTransientID reports whether id belongs to an unpersisted session.
func IsTransientID(id string) bool {
	return strings.HasPrefix(id, TransientPrefix)
}

// legacyMessageID mints an id for a stored message that had none (or a numeric one).
func legacyMessageID(timestamp int64, idx int) string {
	tail := strings.ToLower(ulid.Make().String())
	return fmt.Sprintf("msg-legacy-%d-%d-%s", timestamp, idx, tail[len(tail)-9:])
}
