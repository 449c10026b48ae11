package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a lexically sortable id prefixed with "msg_".
func NewMessageID(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	return "msg_" + id.String()
}
