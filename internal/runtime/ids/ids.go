// Package ids generates the identifiers ackflow attaches to outgoing messages.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCorrelationToken returns a token for a pending publish record. Tokens are
// monotonic within a process, so sorting them recovers creation order.
func NewCorrelationToken() string {
	return CreateULID()
}

// NewInboxName builds a unique reply topic below prefix.
func NewInboxName(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return "inbox." + id
	}
	return strings.TrimSuffix(prefix, ".") + ".inbox." + id
}
