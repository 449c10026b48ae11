package broker

import (
	"context"
	"errors"
	"strings"
)

const HeaderPriority = "Notify-Priority"

var ErrClosed = errors.New("broker closed")

type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string

	// InProgress extends the delivery deadline of a long running handler.
	// Nil when the broker has no such deadline.
	InProgress func()
}

// Touch calls InProgress when the broker set one.
func (m Message) Touch() {
	if m.InProgress != nil {
		m.InProgress()
	}
}

// Handler processes one delivery. A nil error acknowledges the message; an
// error leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Broker publishes to subjects and delivers every subject under a
// destination to the handler subscribed to that destination. Delivery is
// at least once.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	Subscribe(ctx context.Context, destination string, h Handler) error
	Close() error
}

// Subject joins a destination and a routing suffix, e.g. "notify.sms.batch.high".
func Subject(destination, suffix string) string {
	if suffix == "" {
		return destination
	}
	return destination + "." + suffix
}

func matches(destination, subject string) bool {
	return subject == destination || strings.HasPrefix(subject, destination+".")
}
