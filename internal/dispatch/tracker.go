package dispatch

import (
	"sync"
	"time"

	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/gateway"
)

// Tracker accumulates per-message outcomes for one batch operation.
// Worker goroutines settle results concurrently, so every method is
// mutex-guarded. Aggregate stats are computed once, at GetResult time.
type Tracker struct {
	mu         sync.Mutex
	batchID    string
	sender     string
	priority   string
	startTime  time.Time
	successful []domain.SendResult
	failed     []domain.SendResult
	invalid    []domain.InvalidNumber
	totalCost  float64
}

// NewTracker starts accumulation for one batch.
func NewTracker(batchID, sender, priority string) *Tracker {
	return &Tracker{
		batchID:   batchID,
		sender:    sender,
		priority:  priority,
		startTime: time.Now(),
	}
}

// AddSuccess records a delivered or queued message and its cost.
func (t *Tracker) AddSuccess(r domain.SendResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successful = append(t.successful, r)
	t.totalCost += r.Cost
}

// AddFailure records a message the gateway could not send.
func (t *Tracker) AddFailure(r domain.SendResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = append(t.failed, r)
}

// AddInvalid records a message rejected for a bad recipient, either before
// dispatch or by the gateway itself.
func (t *Tracker) AddInvalid(clientID, phoneNumber, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalid = append(t.invalid, domain.InvalidNumber{
		ClientID:    clientID,
		PhoneNumber: phoneNumber,
		Reason:      reason,
	})
}

// Counts returns the settled tallies for progress reporting.
func (t *Tracker) Counts() (successful, failed, invalid int, totalCost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.successful), len(t.failed), len(t.invalid), t.totalCost
}

// GetResult builds the immutable aggregate for the batch.
func (t *Tracker) GetResult() *domain.BatchOperationResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	successful := append([]domain.SendResult(nil), t.successful...)
	failed := append([]domain.SendResult(nil), t.failed...)
	invalid := append([]domain.InvalidNumber(nil), t.invalid...)

	end := time.Now()
	result := &domain.BatchOperationResult{
		BatchID:    t.batchID,
		Successful: successful,
		Failed:     failed,
		Invalid:    invalid,
		Stats:      computeStats(successful, failed, invalid, t.totalCost),
		Metadata: domain.BatchMetadata{
			StartTime:  t.startTime,
			EndTime:    end,
			DurationMs: end.Sub(t.startTime).Milliseconds(),
			Sender:     t.sender,
			Priority:   t.priority,
		},
	}
	result.CanRetry, result.RetryableMessages = retryables(failed)
	return result
}

func computeStats(successful, failed []domain.SendResult, invalid []domain.InvalidNumber, totalCost float64) domain.BatchStats {
	stats := domain.BatchStats{
		TotalAttempted:  len(successful) + len(failed) + len(invalid),
		SuccessfulCount: len(successful),
		FailedCount:     len(failed),
		InvalidCount:    len(invalid),
		TotalCost:       totalCost,
	}
	if stats.TotalAttempted > 0 {
		stats.SuccessRate = float64(stats.SuccessfulCount) / float64(stats.TotalAttempted)
		stats.FailureRate = float64(stats.FailedCount) / float64(stats.TotalAttempted)
	}
	if stats.SuccessfulCount > 0 {
		stats.AverageCost = totalCost / float64(stats.SuccessfulCount)
	}
	return stats
}

// retryables selects the failed entries a retry may resend: the error code
// must be retryable per the gateway catalog AND the entry must still carry
// its original text. Entries without content are excluded; a retry resends
// the exact original message, never a re-rendered template.
func retryables(failed []domain.SendResult) (bool, []domain.Message) {
	canRetry := false
	var messages []domain.Message
	for _, r := range failed {
		if !gateway.IsRetryableCode(r.ErrorCode) {
			continue
		}
		canRetry = true
		if r.Message == "" {
			continue
		}
		messages = append(messages, domain.Message{
			ClientID:    r.ClientID,
			PhoneNumber: r.PhoneNumber,
			Content:     r.Message,
		})
	}
	return canRetry, messages
}

// MergeRetry folds a retry run into the result it retried: retry successes
// move their entries from failed to successful, retry failures replace the
// prior failed entry, and the stats are recomputed over the merged sets.
func MergeRetry(prev, retry *domain.BatchOperationResult) *domain.BatchOperationResult {
	retried := make(map[string]bool, len(retry.Successful)+len(retry.Failed))
	for _, r := range retry.Successful {
		retried[resultKey(r.ClientID, r.PhoneNumber)] = true
	}
	for _, r := range retry.Failed {
		retried[resultKey(r.ClientID, r.PhoneNumber)] = true
	}

	successful := append([]domain.SendResult(nil), prev.Successful...)
	successful = append(successful, retry.Successful...)

	failed := make([]domain.SendResult, 0, len(prev.Failed))
	for _, r := range prev.Failed {
		if !retried[resultKey(r.ClientID, r.PhoneNumber)] {
			failed = append(failed, r)
		}
	}
	failed = append(failed, retry.Failed...)

	invalid := append([]domain.InvalidNumber(nil), prev.Invalid...)
	invalid = append(invalid, retry.Invalid...)

	totalCost := 0.0
	for _, r := range successful {
		totalCost += r.Cost
	}

	merged := &domain.BatchOperationResult{
		BatchID:    prev.BatchID,
		Successful: successful,
		Failed:     failed,
		Invalid:    invalid,
		Stats:      computeStats(successful, failed, invalid, totalCost),
		Metadata: domain.BatchMetadata{
			StartTime:  prev.Metadata.StartTime,
			EndTime:    retry.Metadata.EndTime,
			DurationMs: retry.Metadata.EndTime.Sub(prev.Metadata.StartTime).Milliseconds(),
			Sender:     prev.Metadata.Sender,
			Priority:   prev.Metadata.Priority,
		},
	}
	merged.CanRetry, merged.RetryableMessages = retryables(failed)
	return merged
}

func resultKey(clientID, phoneNumber string) string {
	return clientID + "|" + phoneNumber
}
