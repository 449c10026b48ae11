package model

import (
	"time"
)

type MessageType string

const (
	Single   MessageType = "single"
	Batch    MessageType = "batch"
	Template MessageType = "template"
)

type SendMode string

const (
	Immediate SendMode = "immediate"
	Scheduled SendMode = "scheduled"
)

type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "normal"
	}
}

const (
	DefaultMaxRetryCount = 3
	EnvelopeVersion      = "1.0"
)

// Envelope is the unit of dispatch work carried over the broker.
type Envelope struct {
	MessageID      string            `json:"messageId"`
	MessageType    MessageType       `json:"messageType"`
	SendMode       SendMode          `json:"sendMode"`
	Recipient      string            `json:"recipient,omitempty"`
	Recipients     []string          `json:"recipients,omitempty"`
	Content        string            `json:"content,omitempty"`
	TemplateID     string            `json:"templateId,omitempty"`
	TemplateParams map[string]string `json:"templateParams,omitempty"`
	Priority       Priority          `json:"priority"`
	BusinessType   string            `json:"businessType,omitempty"`
	BusinessID     string            `json:"businessId,omitempty"`
	Actor          string            `json:"actor,omitempty"`
	RetryCount     int               `json:"retryCount"`
	MaxRetryCount  int               `json:"maxRetryCount"`
	ScheduledTime  *time.Time        `json:"scheduledTime,omitempty"`
	CreateTime     time.Time         `json:"createTime"`
	SourceSystem   string            `json:"sourceSystem,omitempty"`
	Version        string            `json:"version,omitempty"`
}

func (e Envelope) NeedsRetry() bool {
	return e.RetryCount < e.MaxRetryCount
}

// AllRecipients returns the recipient list regardless of which field carries it.
func (e Envelope) AllRecipients() []string {
	if len(e.Recipients) > 0 {
		return e.Recipients
	}
	if e.Recipient != "" {
		return []string{e.Recipient}
	}
	return nil
}

// IsMulti reports whether the envelope takes the partitioned batch path.
func (e Envelope) IsMulti() bool {
	switch e.MessageType {
	case Batch:
		return true
	case Template:
		return len(e.Recipients) > 1
	default:
		return false
	}
}

// DueIn returns how long until ScheduledTime, or zero if the envelope is not
// scheduled or already due.
func (e Envelope) DueIn(now time.Time) time.Duration {
	if e.SendMode != Scheduled || e.ScheduledTime == nil {
		return 0
	}
	if d := e.ScheduledTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Category is the rate limiting bucket for this envelope.
func (e Envelope) Category() string {
	if e.BusinessType != "" {
		return e.BusinessType
	}
	return string(e.MessageType)
}
