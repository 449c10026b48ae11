package gateway

import (
	"context"
	"errors"
	"regexp"
)

// ErrUnavailable marks a hard gateway failure: transport error or 5xx.
var ErrUnavailable = errors.New("sms gateway unavailable")

// Gateway is the outbound transport. Soft rejections come back as false or
// a short count; only hard failures are errors.
type Gateway interface {
	Validate(recipient string) bool
	Send(ctx context.Context, recipient, content string) (bool, error)
	SendTemplated(ctx context.Context, recipient, templateID string, params map[string]string) (bool, error)
	SendBatch(ctx context.Context, recipients []string, content string) (int, error)
}

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

// ValidPhone reports whether recipient looks like an E.164 number.
func ValidPhone(recipient string) bool {
	return phonePattern.MatchString(recipient)
}
