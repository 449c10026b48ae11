package model

import "time"

type Status string

const (
	Success        Status = "success"
	PartialSuccess Status = "partial_success"
	Failed         Status = "failed"
	RetryPending   Status = "retry_pending"
)

func (s Status) Terminal() bool {
	return s == Success || s == PartialSuccess || s == Failed
}

type ProcessingStatus struct {
	MessageID    string    `json:"messageId"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	RetryCount   int       `json:"retryCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// BatchResult accumulates outcomes across the sub-batches of one envelope.
type BatchResult struct {
	TotalCount   int    `json:"totalCount"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (r *BatchResult) Add(total, succeeded int) {
	if succeeded > total {
		succeeded = total
	}
	if succeeded < 0 {
		succeeded = 0
	}
	r.TotalCount += total
	r.SuccessCount += succeeded
	r.FailureCount += total - succeeded
}

func (r BatchResult) Status() Status {
	switch {
	case r.TotalCount > 0 && r.SuccessCount == r.TotalCount:
		return Success
	case r.SuccessCount > 0:
		return PartialSuccess
	default:
		return Failed
	}
}

type DailyStatistics struct {
	Day             string `json:"day"`
	BusinessType    string `json:"businessType,omitempty"`
	TotalBatches    int64  `json:"totalBatches"`
	TotalMessages   int64  `json:"totalMessages"`
	SuccessMessages int64  `json:"successMessages"`
	FailedMessages  int64  `json:"failedMessages"`
}

type AuditRecord struct {
	Operation     string            `json:"operation"`
	CorrelationID string            `json:"correlationId"`
	Description   string            `json:"description"`
	Outcome       Status            `json:"outcome"`
	Context       map[string]string `json:"context,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}
