package domain

import "time"

// SendResult is the outcome of one message attempt. A retry produces a new
// SendResult that replaces the prior failed entry in the aggregate; results
// are never mutated in place.
type SendResult struct {
	ClientID    string `json:"client_id"`
	PhoneNumber string `json:"phone_number"`
	// Message retains the original text so a retry can resend it verbatim
	// instead of re-rendering a template that may have changed since.
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode int       `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchStats aggregates the counts and rates of one batch operation.
type BatchStats struct {
	TotalAttempted  int     `json:"total_attempted"`
	SuccessfulCount int     `json:"successful_count"`
	FailedCount     int     `json:"failed_count"`
	InvalidCount    int     `json:"invalid_count"`
	SuccessRate     float64 `json:"success_rate"`
	FailureRate     float64 `json:"failure_rate"`
	TotalCost       float64 `json:"total_cost"`
	AverageCost     float64 `json:"average_cost"`
}

// BatchMetadata describes when and on whose behalf a batch ran.
type BatchMetadata struct {
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`
	Sender     string    `json:"sender"`
	Priority   string    `json:"priority,omitempty"`
}

// BatchOperationResult is the aggregate outcome of one dispatch run.
// Immutable once built; merging retry outcomes produces a new value.
type BatchOperationResult struct {
	BatchID           string          `json:"batch_id"`
	Successful        []SendResult    `json:"successful"`
	Failed            []SendResult    `json:"failed"`
	Invalid           []InvalidNumber `json:"invalid"`
	Stats             BatchStats      `json:"stats"`
	CanRetry          bool            `json:"can_retry"`
	RetryableMessages []Message       `json:"retryable_messages"`
	Metadata          BatchMetadata   `json:"metadata"`
}
