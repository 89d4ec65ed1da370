package bridge

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a sortable unique id for a websocket session.
func NewSessionID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("bridge: new session id: %w", err)
	}
	return id.String(), nil
}
