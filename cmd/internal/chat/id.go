package chat

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// tempIDPrefix namespaces optimistic ids away from the store-assigned ULID
// space. A ULID never contains '-', so the two id spaces cannot collide.
const tempIDPrefix = "temp-"

// NewMessageID returns a store-assigned message id. ULIDs are
// lexicographically sortable, which keeps the (created_at, id) tie-break
// stable across backends.
func NewMessageID(now time.Time) (string, error) {
	return newULID(now)
}

// NewConversationID returns a conversation id.
func NewConversationID(now time.Time) (string, error) {
	return newULID(now)
}

// NewTempID returns a client-local optimistic message id.
// It doubles as the append idempotency tag.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id belongs to the optimistic id namespace.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
