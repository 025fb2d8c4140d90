// Package dispatch implements the batch send engine: the single-owner state
// machine that chunks a batch, fans messages out to gateway workers under a
// rate limit, tracks per-message outcomes, and exposes live progress.
//
// One batch runs at a time. Control methods (pause, resume, cancel) flip
// flags the run goroutine observes at chunk boundaries; a cancelled run
// lets in-flight sends finish and never aborts mid-message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/gateway"
	"github.com/ignite/sms-dispatch/internal/pkg/distlock"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
	"github.com/ignite/sms-dispatch/internal/ratelimit"
)

var (
	// ErrEmptyBatch rejects a start request with no messages.
	ErrEmptyBatch = errors.New("no messages to send")
	// ErrBatchActive rejects a start or reset while a batch owns the queue.
	ErrBatchActive = errors.New("a batch operation is already in progress")
	// ErrNotSending rejects a pause when nothing is sending.
	ErrNotSending = errors.New("no batch is currently sending")
	// ErrNotPaused rejects a resume when nothing is paused.
	ErrNotPaused = errors.New("no batch is currently paused")
	// ErrNotCancellable rejects a cancel when no batch is active.
	ErrNotCancellable = errors.New("no active batch to cancel")
	// ErrNothingToRetry rejects a retry of a result with no retryable failures.
	ErrNothingToRetry = errors.New("no retryable failed messages")
	// ErrDispatchLocked means another replica holds the dispatch lock.
	ErrDispatchLocked = errors.New("dispatch lock is held by another replica")
)

// Sender dispatches one chunk of messages and settles every outcome through
// the OnResult callback. *gateway.Client is the production implementation.
type Sender interface {
	SendBatch(ctx context.Context, messages []domain.Message, opts gateway.SendBatchOptions) []domain.SendResult
}

// OperationAuditor records operation-level dispatch failures for offline
// review. Per-message failures go through the gateway audit sink instead.
type OperationAuditor interface {
	RecordOperation(batchID, stage string, err error)
}

// queueState is the per-run bookkeeping the engine owns between start and
// finalize.
type queueState struct {
	messages     []domain.Message
	currentIndex int
	startTime    time.Time
	batchID      string
}

// Engine owns the dispatch queue. All mutable state is guarded by mu; the
// run goroutine and its workers are the only writers of progress while a
// batch is in flight.
type Engine struct {
	sender     Sender
	limiter    ratelimit.Limiter
	cfg        config.DispatchConfig
	senderName string

	lock            distlock.DispatchLock
	audit           OperationAuditor
	completionHooks []func(*domain.BatchOperationResult)

	mu         sync.Mutex
	status     domain.SendStatus
	queue      queueState
	progress   domain.SendProgress
	lastResult *domain.BatchOperationResult
	tracker    *Tracker
	hub        *progressHub
	paused     bool
	cancelled  bool
	resumeCh   chan struct{}
	retryBase  *domain.BatchOperationResult
	runCtx     context.Context
	runCancel  context.CancelFunc
	done       chan struct{}

	totalBatches int64
	totalSent    int64
	totalFailed  int64
	totalInvalid int64
}

// NewEngine builds the dispatch engine. senderName is stamped into batch
// metadata and keys the optional cross-replica lock.
func NewEngine(sender Sender, limiter ratelimit.Limiter, cfg config.DispatchConfig, senderName string) *Engine {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 10
	}
	return &Engine{
		sender:     sender,
		limiter:    limiter,
		cfg:        cfg,
		senderName: senderName,
		status:     domain.StatusIdle,
		progress:   domain.SendProgress{Status: domain.StatusIdle},
		hub:        newProgressHub(cfg.ProgressBuffer),
	}
}

// SetDispatchLock installs the optional cross-replica dispatch lock.
// Call before the first dispatch.
func (e *Engine) SetDispatchLock(lock distlock.DispatchLock) { e.lock = lock }

// SetOperationAuditor installs the optional operation failure recorder.
// Call before the first dispatch.
func (e *Engine) SetOperationAuditor(a OperationAuditor) { e.audit = a }

// OnBatchComplete registers a hook that receives the final aggregate of
// every run. Hooks run on their own goroutines and must not block dispatch.
// Call before the first dispatch.
func (e *Engine) OnBatchComplete(hook func(*domain.BatchOperationResult)) {
	e.completionHooks = append(e.completionHooks, hook)
}

// StartSending begins dispatching a batch and returns its ID. It rejects an
// empty batch and a second batch while one is active, then returns
// immediately; the dispatch runs on a background goroutine. ctx must outlive
// the run, so pass the server's lifecycle context, not a request context.
func (e *Engine) StartSending(ctx context.Context, messages []domain.Message) (string, error) {
	return e.start(ctx, messages, nil)
}

// RetryFailedMessages re-dispatches the retryable failures of a prior run.
// The retry outcomes are merged into the prior aggregate when the run
// finishes, so LastResult reflects the batch as a whole.
func (e *Engine) RetryFailedMessages(ctx context.Context, prev *domain.BatchOperationResult) (string, error) {
	if prev == nil || !prev.CanRetry || len(prev.RetryableMessages) == 0 {
		return "", ErrNothingToRetry
	}
	return e.start(ctx, prev.RetryableMessages, prev)
}

func (e *Engine) start(ctx context.Context, messages []domain.Message, retryBase *domain.BatchOperationResult) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyBatch
	}

	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		return "", ErrBatchActive
	}

	// A retry run keeps the original batch identity; its outcomes merge
	// back into that batch's aggregate.
	batchID := uuid.New().String()
	if retryBase != nil {
		batchID = retryBase.BatchID
	}
	runCtx, runCancel := context.WithCancel(ctx)

	e.status = domain.StatusPreparing
	e.queue = queueState{
		messages:  append([]domain.Message(nil), messages...),
		startTime: time.Now(),
		batchID:   batchID,
	}
	e.tracker = NewTracker(batchID, e.senderName, "normal")
	e.retryBase = retryBase
	e.paused = false
	e.cancelled = false
	e.resumeCh = nil
	e.progress = domain.SendProgress{
		Status:    domain.StatusPreparing,
		Total:     len(messages),
		StartTime: e.queue.startTime,
	}
	e.runCtx = runCtx
	e.runCancel = runCancel
	e.done = make(chan struct{})
	hub := e.hub
	snapshot := e.progress
	e.mu.Unlock()

	if e.lock != nil {
		ok, err := e.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("dispatch lock check failed, proceeding unlocked",
				"batch_id", batchID, "error", err.Error())
		} else if !ok {
			e.mu.Lock()
			e.status = domain.StatusIdle
			e.queue = queueState{}
			e.tracker = nil
			e.retryBase = nil
			e.progress = domain.SendProgress{Status: domain.StatusIdle}
			e.done = nil
			e.runCtx = nil
			e.runCancel = nil
			e.mu.Unlock()
			runCancel()
			return "", ErrDispatchLocked
		}
	}

	atomic.AddInt64(&e.totalBatches, 1)
	logger.Info("batch dispatch starting",
		"batch_id", batchID, "total", len(messages), "retry", retryBase != nil)

	hub.publish(snapshot)
	go e.run()
	return batchID, nil
}

// busyLocked reports whether a run still owns the queue. Caller holds e.mu.
// A cancelled run flips status immediately but keeps ownership until its
// goroutine drains in-flight sends and exits.
func (e *Engine) busyLocked() bool {
	if e.status.Active() {
		return true
	}
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *Engine) run() {
	e.mu.Lock()
	runCtx := e.runCtx
	runCancel := e.runCancel
	done := e.done
	tracker := e.tracker
	hub := e.hub
	messages := e.queue.messages
	batchID := e.queue.batchID
	e.mu.Unlock()

	defer close(done)
	defer runCancel()
	if e.lock != nil {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.lock.Release(releaseCtx); err != nil {
				logger.Warn("dispatch lock release failed", "batch_id", batchID, "error", err.Error())
			}
		}()
	}

	e.mu.Lock()
	if e.status == domain.StatusPreparing {
		e.status = domain.StatusSending
		e.progress.Status = domain.StatusSending
	}
	snapshot := e.progress
	e.mu.Unlock()
	hub.publish(snapshot)

	var opErr error
	opStage := ""

	for startIdx := 0; startIdx < len(messages); startIdx += e.cfg.ChunkSize {
		if !e.awaitResume(runCtx) {
			e.markCancelled()
			break
		}

		// Lease-based locks are refreshed at chunk boundaries so a long
		// batch keeps ownership. A failed refresh is not fatal; in-process
		// exclusivity still holds.
		if e.lock != nil {
			if err := e.lock.Extend(runCtx); err != nil {
				logger.Warn("dispatch lock extend failed", "batch_id", batchID, "error", err.Error())
			}
		}

		endIdx := startIdx + e.cfg.ChunkSize
		if endIdx > len(messages) {
			endIdx = len(messages)
		}
		chunk := messages[startIdx:endIdx]

		valid := make([]domain.Message, 0, len(chunk))
		for _, msg := range chunk {
			if reason := validateMessage(msg); reason != "" {
				tracker.AddInvalid(msg.ClientID, msg.PhoneNumber, reason)
				atomic.AddInt64(&e.totalInvalid, 1)
				e.advanceProgress(tracker, hub, msg.PhoneNumber)
				continue
			}
			valid = append(valid, msg)
		}
		if len(valid) == 0 {
			e.setIndex(endIdx)
			continue
		}

		if err := e.limiter.Reserve(runCtx, len(valid)); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.markCancelled()
				break
			}
			opErr = fmt.Errorf("reserving send slots: %w", err)
			opStage = "rate limiter"
			break
		}

		e.sender.SendBatch(runCtx, valid, gateway.SendBatchOptions{
			Workers: e.cfg.WorkerCount,
			OnResult: func(r domain.SendResult) {
				e.settle(tracker, hub, r)
			},
		})
		e.setIndex(endIdx)
	}

	e.finalize(tracker, hub, batchID, opErr, opStage)
}

// awaitResume gates the top of each chunk. It parks while the batch is
// paused and returns false when the run must stop, either because the batch
// was cancelled or the run context ended.
func (e *Engine) awaitResume(ctx context.Context) bool {
	for {
		e.mu.Lock()
		if e.cancelled {
			e.mu.Unlock()
			return false
		}
		if !e.paused {
			e.mu.Unlock()
			return true
		}
		resume := e.resumeCh
		e.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) markCancelled() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

func (e *Engine) setIndex(i int) {
	e.mu.Lock()
	e.queue.currentIndex = i
	e.mu.Unlock()
}

// settle files one worker outcome into the tracker. Invalid-number
// rejections from the gateway land in the invalid bucket alongside the
// engine's own pre-send rejections; everything else is success or failure.
func (e *Engine) settle(tracker *Tracker, hub *progressHub, r domain.SendResult) {
	switch {
	case r.Success:
		tracker.AddSuccess(r)
		atomic.AddInt64(&e.totalSent, 1)
	case r.ErrorCode == gateway.CodeInvalidNumber:
		tracker.AddInvalid(r.ClientID, r.PhoneNumber, r.Error)
		atomic.AddInt64(&e.totalInvalid, 1)
	default:
		tracker.AddFailure(r)
		atomic.AddInt64(&e.totalFailed, 1)
	}
	e.advanceProgress(tracker, hub, r.PhoneNumber)
}

// advanceProgress recomputes the live snapshot from the tracker tallies and
// publishes it to subscribers.
func (e *Engine) advanceProgress(tracker *Tracker, hub *progressHub, phoneNumber string) {
	s, f, inv, cost := tracker.Counts()

	e.mu.Lock()
	e.progress.Current = s + f + inv
	e.progress.Successful = s
	e.progress.Failed = f
	e.progress.TotalCost = cost
	if e.progress.Total > 0 {
		e.progress.Percentage = float64(e.progress.Current) / float64(e.progress.Total) * 100
	}
	e.progress.CurrentMessage = phoneNumber
	snapshot := e.progress
	e.mu.Unlock()

	hub.publish(snapshot)
}

// finalize closes out the run: it builds the aggregate, merges retry
// outcomes into the prior result when this was a retry run, settles the
// terminal status, publishes the last snapshot, and retires the hub so the
// next batch starts with a fresh stream.
func (e *Engine) finalize(tracker *Tracker, hub *progressHub, batchID string, opErr error, stage string) {
	result := tracker.GetResult()
	s, f, inv, cost := tracker.Counts()

	e.mu.Lock()
	if e.retryBase != nil {
		result = MergeRetry(e.retryBase, result)
		e.retryBase = nil
	}
	switch {
	case opErr != nil:
		e.status = domain.StatusFailed
	case e.cancelled:
		e.status = domain.StatusCancelled
	default:
		e.status = domain.StatusCompleted
	}
	finalStatus := e.status
	e.lastResult = result
	e.progress.Status = finalStatus
	e.progress.Current = s + f + inv
	e.progress.Successful = s
	e.progress.Failed = f
	e.progress.TotalCost = cost
	if e.progress.Total > 0 {
		e.progress.Percentage = float64(e.progress.Current) / float64(e.progress.Total) * 100
	}
	e.progress.CurrentMessage = ""
	snapshot := e.progress
	e.hub = newProgressHub(e.cfg.ProgressBuffer)
	e.mu.Unlock()

	hub.publish(snapshot)
	hub.closeAll()

	if opErr != nil {
		logger.Critical("batch dispatch failed",
			"batch_id", batchID, "stage", stage, "error", opErr.Error())
		if e.audit != nil {
			e.audit.RecordOperation(batchID, stage, opErr)
		}
	} else {
		logger.Info("batch dispatch finished",
			"batch_id", batchID,
			"status", string(finalStatus),
			"successful", result.Stats.SuccessfulCount,
			"failed", result.Stats.FailedCount,
			"invalid", result.Stats.InvalidCount,
			"total_cost", result.Stats.TotalCost,
			"duration_ms", result.Metadata.DurationMs)
	}

	for _, hook := range e.completionHooks {
		go hook(result)
	}
}

// PauseSending pauses the batch at the next chunk boundary. Only a batch in
// the sending state can pause; messages already handed to workers finish.
func (e *Engine) PauseSending() error {
	e.mu.Lock()
	if e.status != domain.StatusSending {
		e.mu.Unlock()
		return ErrNotSending
	}
	e.paused = true
	e.resumeCh = make(chan struct{})
	e.status = domain.StatusPaused
	e.progress.Status = domain.StatusPaused
	snapshot := e.progress
	hub := e.hub
	batchID := e.queue.batchID
	e.mu.Unlock()

	hub.publish(snapshot)
	logger.Info("batch dispatch paused", "batch_id", batchID)
	return nil
}

// ResumeSending wakes a paused batch.
func (e *Engine) ResumeSending() error {
	e.mu.Lock()
	if e.status != domain.StatusPaused {
		e.mu.Unlock()
		return ErrNotPaused
	}
	e.paused = false
	e.status = domain.StatusSending
	e.progress.Status = domain.StatusSending
	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
	snapshot := e.progress
	hub := e.hub
	batchID := e.queue.batchID
	e.mu.Unlock()

	hub.publish(snapshot)
	logger.Info("batch dispatch resumed", "batch_id", batchID)
	return nil
}

// CancelSending cancels the active batch. The status flips to cancelled
// immediately; in-flight message attempts complete and their outcomes are
// kept in the final aggregate.
func (e *Engine) CancelSending() error {
	e.mu.Lock()
	if !e.status.Active() {
		e.mu.Unlock()
		return ErrNotCancellable
	}
	e.cancelled = true
	e.paused = false
	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
	e.status = domain.StatusCancelled
	e.progress.Status = domain.StatusCancelled
	snapshot := e.progress
	hub := e.hub
	batchID := e.queue.batchID
	e.mu.Unlock()

	hub.publish(snapshot)
	logger.Info("batch dispatch cancelled, in-flight sends will finish", "batch_id", batchID)
	return nil
}

// ResetQueue clears the last batch outcome and returns the queue to idle.
// Rejected while a dispatch is active or still draining.
func (e *Engine) ResetQueue() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busyLocked() {
		return ErrBatchActive
	}
	e.status = domain.StatusIdle
	e.queue = queueState{}
	e.progress = domain.SendProgress{Status: domain.StatusIdle}
	e.lastResult = nil
	e.tracker = nil
	e.retryBase = nil
	e.paused = false
	e.cancelled = false
	e.resumeCh = nil
	e.done = nil
	e.runCtx = nil
	e.runCancel = nil
	return nil
}

// Status returns the current queue state.
func (e *Engine) Status() domain.SendStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Progress returns the latest progress snapshot.
func (e *Engine) Progress() domain.SendProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// LastResult returns the aggregate of the most recent run, or nil when no
// run has finished since the last reset. The aggregate is immutable; callers
// may hold it across runs.
func (e *Engine) LastResult() *domain.BatchOperationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// Subscribe attaches to the progress stream. Snapshots flow until the batch
// reaches a terminal state and the channel closes; subscribing between runs
// attaches to the next batch.
func (e *Engine) Subscribe() (<-chan domain.SendProgress, func()) {
	e.mu.Lock()
	hub := e.hub
	e.mu.Unlock()
	return hub.subscribe()
}

// Stats exposes lifetime engine counters for the metrics collector.
func (e *Engine) Stats() map[string]int64 {
	return map[string]int64{
		"batches_total": atomic.LoadInt64(&e.totalBatches),
		"sent_total":    atomic.LoadInt64(&e.totalSent),
		"failed_total":  atomic.LoadInt64(&e.totalFailed),
		"invalid_total": atomic.LoadInt64(&e.totalInvalid),
	}
}

// Stop cancels any in-flight run and waits for it to drain, bounded by ctx.
// Used during server shutdown.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.runCancel
	done := e.done
	if e.status.Active() {
		e.cancelled = true
		e.paused = false
		if e.resumeCh != nil {
			close(e.resumeCh)
			e.resumeCh = nil
		}
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validateMessage pre-screens a message before it reaches a worker. The
// gateway would reject these anyway; catching them here saves an HTTP call
// and buckets them as invalid rather than failed.
func validateMessage(msg domain.Message) string {
	if strings.TrimSpace(msg.PhoneNumber) == "" {
		return "missing phone number"
	}
	if msg.Content == "" {
		return "empty message content"
	}
	return ""
}
