package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ignite/sms-dispatch/internal/breaker"
	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/gateway"
	"github.com/ignite/sms-dispatch/internal/ratelimit"
)

// scriptedSender settles each message through the outcome function and
// records the chunks it was handed.
type scriptedSender struct {
	mu      sync.Mutex
	chunks  [][]domain.Message
	outcome func(msg domain.Message) domain.SendResult
}

func newScriptedSender(outcome func(msg domain.Message) domain.SendResult) *scriptedSender {
	return &scriptedSender{outcome: outcome}
}

func (s *scriptedSender) setOutcome(outcome func(msg domain.Message) domain.SendResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
}

func (s *scriptedSender) SendBatch(ctx context.Context, messages []domain.Message, opts gateway.SendBatchOptions) []domain.SendResult {
	s.mu.Lock()
	s.chunks = append(s.chunks, messages)
	outcome := s.outcome
	s.mu.Unlock()

	results := make([]domain.SendResult, 0, len(messages))
	for _, msg := range messages {
		r := outcome(msg)
		results = append(results, r)
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
	}
	return results
}

func (s *scriptedSender) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *scriptedSender) messagesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, chunk := range s.chunks {
		total += len(chunk)
	}
	return total
}

// gatedSender blocks each chunk until the test releases it, so tests can
// pause or cancel the engine at a known point. Like the real client it
// skips the chunk when the run context ends while it waits.
type gatedSender struct {
	scriptedSender
	started chan struct{}
	proceed chan struct{}
}

func newGatedSender(outcome func(msg domain.Message) domain.SendResult) *gatedSender {
	return &gatedSender{
		scriptedSender: scriptedSender{outcome: outcome},
		started:        make(chan struct{}),
		proceed:        make(chan struct{}),
	}
}

func (g *gatedSender) SendBatch(ctx context.Context, messages []domain.Message, opts gateway.SendBatchOptions) []domain.SendResult {
	select {
	case g.started <- struct{}{}:
	case <-ctx.Done():
		return nil
	}
	select {
	case <-g.proceed:
	case <-ctx.Done():
		return nil
	}
	return g.scriptedSender.SendBatch(ctx, messages, opts)
}

func waitStarted(t *testing.T, g *gatedSender) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a chunk to start")
	}
}

func releaseChunk(t *testing.T, g *gatedSender) {
	t.Helper()
	select {
	case g.proceed <- struct{}{}:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out releasing a chunk")
	}
}

// recordingLimiter notes every reservation. When err is set, Reserve fails
// instead of recording.
type recordingLimiter struct {
	mu           sync.Mutex
	reservations []int
	err          error
}

func (l *recordingLimiter) Reserve(ctx context.Context, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.reservations = append(l.reservations, n)
	return nil
}

func (l *recordingLimiter) reserved() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.reservations...)
}

func allSuccess(msg domain.Message) domain.SendResult {
	return successResult(msg.ClientID, msg.PhoneNumber, msg.Content, 0.16)
}

func testMessages(n int) []domain.Message {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{
			ClientID:    fmt.Sprintf("client-%d", i+1),
			PhoneNumber: fmt.Sprintf("+48600%06d", i+1),
			Content:     fmt.Sprintf("Reminder %d: your contract is ready for signature.", i+1),
		}
	}
	return msgs
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{ChunkSize: 10, WorkerCount: 1, ProgressBuffer: 64}
}

func newTestEngine(sender Sender, cfg config.DispatchConfig) *Engine {
	return NewEngine(sender, ratelimit.NewTokenBucket(0), cfg, "IGNITE")
}

// drainProgress reads snapshots until the stream closes, which happens when
// the batch reaches a terminal state.
func drainProgress(t *testing.T, ch <-chan domain.SendProgress) []domain.SendProgress {
	t.Helper()
	var snaps []domain.SendProgress
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return snaps
			}
			snaps = append(snaps, p)
		case <-timeout:
			t.Fatal("progress stream did not close")
		}
	}
}

func TestStartSendingRejectsEmptyBatch(t *testing.T) {
	engine := newTestEngine(newScriptedSender(allSuccess), testDispatchConfig())

	if _, err := engine.StartSending(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("StartSending(nil) error = %v, want ErrEmptyBatch", err)
	}
	if _, err := engine.StartSending(context.Background(), []domain.Message{}); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("StartSending(empty) error = %v, want ErrEmptyBatch", err)
	}
	if got := engine.Status(); got != domain.StatusIdle {
		t.Errorf("status after rejected start = %s, want %s", got, domain.StatusIdle)
	}
}

func TestStartSendingRejectsConcurrentBatch(t *testing.T) {
	sender := newGatedSender(allSuccess)
	engine := newTestEngine(sender, testDispatchConfig())
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(3)); err != nil {
		t.Fatalf("first StartSending: %v", err)
	}
	waitStarted(t, sender)

	if _, err := engine.StartSending(context.Background(), testMessages(2)); !errors.Is(err, ErrBatchActive) {
		t.Errorf("second StartSending error = %v, want ErrBatchActive", err)
	}

	releaseChunk(t, sender)
	drainProgress(t, ch)

	if got := engine.Status(); got != domain.StatusCompleted {
		t.Errorf("status = %s, want %s", got, domain.StatusCompleted)
	}
}

func TestEngineCompletesBatch(t *testing.T) {
	sender := newScriptedSender(allSuccess)
	engine := newTestEngine(sender, testDispatchConfig())
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	batchID, err := engine.StartSending(context.Background(), testMessages(10))
	if err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	if batchID == "" {
		t.Fatal("StartSending returned an empty batch id")
	}

	snaps := drainProgress(t, ch)
	if len(snaps) == 0 {
		t.Fatal("no progress snapshots received")
	}
	if snaps[0].Status != domain.StatusPreparing {
		t.Errorf("first snapshot status = %s, want %s", snaps[0].Status, domain.StatusPreparing)
	}
	last := snaps[len(snaps)-1]
	if last.Status != domain.StatusCompleted {
		t.Errorf("final snapshot status = %s, want %s", last.Status, domain.StatusCompleted)
	}
	if last.Current != 10 || last.Total != 10 {
		t.Errorf("final snapshot progress = %d/%d, want 10/10", last.Current, last.Total)
	}
	if !almostEqual(last.Percentage, 100) {
		t.Errorf("final snapshot percentage = %v, want 100", last.Percentage)
	}

	result := engine.LastResult()
	if result == nil {
		t.Fatal("LastResult returned nil after completion")
	}
	if result.BatchID != batchID {
		t.Errorf("result batch id = %s, want %s", result.BatchID, batchID)
	}
	if result.Stats.SuccessfulCount != 10 || result.Stats.FailedCount != 0 {
		t.Errorf("counts = %d successful / %d failed, want 10/0",
			result.Stats.SuccessfulCount, result.Stats.FailedCount)
	}
	if !almostEqual(result.Stats.TotalCost, 1.6) {
		t.Errorf("TotalCost = %v, want 1.6", result.Stats.TotalCost)
	}

	stats := engine.Stats()
	if stats["sent_total"] != 10 {
		t.Errorf("sent_total = %d, want 10", stats["sent_total"])
	}
	if stats["batches_total"] != 1 {
		t.Errorf("batches_total = %d, want 1", stats["batches_total"])
	}
}

func TestEngineBucketsOutcomes(t *testing.T) {
	sender := newScriptedSender(func(msg domain.Message) domain.SendResult {
		switch msg.ClientID {
		case "client-2":
			return failureResult(msg.ClientID, msg.PhoneNumber, msg.Content, 500, "gateway error 500 (http 500): upstream timeout")
		case "client-3":
			return failureResult(msg.ClientID, msg.PhoneNumber, msg.Content, 13, "gateway error 13: invalid recipient number")
		default:
			return allSuccess(msg)
		}
	})
	engine := newTestEngine(sender, testDispatchConfig())
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	msgs := []domain.Message{
		{ClientID: "client-1", PhoneNumber: "+48600000001", Content: "First."},
		{ClientID: "client-2", PhoneNumber: "+48600000002", Content: "Second."},
		{ClientID: "client-3", PhoneNumber: "+48600000003", Content: "Third."},
		{ClientID: "client-4", PhoneNumber: "", Content: "Fourth."},
	}
	if _, err := engine.StartSending(context.Background(), msgs); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	drainProgress(t, ch)

	result := engine.LastResult()
	if result.Stats.TotalAttempted != 4 {
		t.Errorf("TotalAttempted = %d, want 4", result.Stats.TotalAttempted)
	}
	if result.Stats.SuccessfulCount != 1 || result.Stats.FailedCount != 1 || result.Stats.InvalidCount != 2 {
		t.Errorf("counts = %d/%d/%d, want 1 successful, 1 failed, 2 invalid",
			result.Stats.SuccessfulCount, result.Stats.FailedCount, result.Stats.InvalidCount)
	}

	// The blank number never reaches the sender.
	if got := sender.messagesSent(); got != 3 {
		t.Errorf("sender saw %d messages, want 3", got)
	}
	foundPreValidation := false
	for _, inv := range result.Invalid {
		if inv.ClientID == "client-4" && inv.Reason == "missing phone number" {
			foundPreValidation = true
		}
	}
	if !foundPreValidation {
		t.Errorf("invalid bucket missing the pre-validation rejection: %+v", result.Invalid)
	}

	if !result.CanRetry {
		t.Error("CanRetry = false, want true for the server-error failure")
	}
	if len(result.RetryableMessages) != 1 || result.RetryableMessages[0].ClientID != "client-2" {
		t.Errorf("RetryableMessages = %+v, want just client-2", result.RetryableMessages)
	}

	stats := engine.Stats()
	if stats["sent_total"] != 1 || stats["failed_total"] != 1 || stats["invalid_total"] != 2 {
		t.Errorf("engine counters = sent %d / failed %d / invalid %d, want 1/1/2",
			stats["sent_total"], stats["failed_total"], stats["invalid_total"])
	}
}

func TestEngineSuspendedAccountFailures(t *testing.T) {
	sender := newScriptedSender(func(msg domain.Message) domain.SendResult {
		return failureResult(msg.ClientID, msg.PhoneNumber, msg.Content, 104, "gateway error 104: account suspended")
	})
	engine := newTestEngine(sender, testDispatchConfig())
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(2)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	drainProgress(t, ch)

	result := engine.LastResult()
	if result.Stats.FailedCount != 2 || result.Stats.SuccessfulCount != 0 {
		t.Errorf("counts = %d failed / %d successful, want 2/0",
			result.Stats.FailedCount, result.Stats.SuccessfulCount)
	}
	if result.CanRetry {
		t.Error("CanRetry = true for suspended-account failures, want false")
	}
	// Per-message failures never fail the operation itself.
	if got := engine.Status(); got != domain.StatusCompleted {
		t.Errorf("status = %s, want %s", got, domain.StatusCompleted)
	}
}

func TestEngineControlRejectionsWhenIdle(t *testing.T) {
	engine := newTestEngine(newScriptedSender(allSuccess), testDispatchConfig())

	if err := engine.PauseSending(); !errors.Is(err, ErrNotSending) {
		t.Errorf("PauseSending error = %v, want ErrNotSending", err)
	}
	if err := engine.ResumeSending(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("ResumeSending error = %v, want ErrNotPaused", err)
	}
	if err := engine.CancelSending(); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("CancelSending error = %v, want ErrNotCancellable", err)
	}
	if err := engine.ResetQueue(); err != nil {
		t.Errorf("ResetQueue on idle engine = %v, want nil", err)
	}
}

func TestPauseAndResumeBetweenChunks(t *testing.T) {
	sender := newGatedSender(allSuccess)
	engine := newTestEngine(sender, config.DispatchConfig{ChunkSize: 2, WorkerCount: 1, ProgressBuffer: 64})
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(6)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	waitStarted(t, sender)

	if err := engine.PauseSending(); err != nil {
		t.Fatalf("PauseSending: %v", err)
	}
	if got := engine.Status(); got != domain.StatusPaused {
		t.Errorf("status after pause = %s, want %s", got, domain.StatusPaused)
	}

	// The in-flight chunk finishes, then the loop parks.
	releaseChunk(t, sender)
	select {
	case <-sender.started:
		t.Fatal("next chunk dispatched while paused")
	case <-time.After(80 * time.Millisecond):
	}

	if err := engine.ResumeSending(); err != nil {
		t.Fatalf("ResumeSending: %v", err)
	}
	waitStarted(t, sender)
	releaseChunk(t, sender)
	waitStarted(t, sender)
	releaseChunk(t, sender)

	drainProgress(t, ch)

	result := engine.LastResult()
	if result.Stats.SuccessfulCount != 6 {
		t.Errorf("SuccessfulCount = %d, want 6", result.Stats.SuccessfulCount)
	}
	if got := sender.chunkCount(); got != 3 {
		t.Errorf("chunks dispatched = %d, want 3", got)
	}
	if got := engine.Status(); got != domain.StatusCompleted {
		t.Errorf("status = %s, want %s", got, domain.StatusCompleted)
	}
}

func TestCancelLetsInFlightChunkFinish(t *testing.T) {
	sender := newGatedSender(allSuccess)
	engine := newTestEngine(sender, config.DispatchConfig{ChunkSize: 2, WorkerCount: 1, ProgressBuffer: 64})
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(6)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	waitStarted(t, sender)

	if err := engine.CancelSending(); err != nil {
		t.Fatalf("CancelSending: %v", err)
	}
	if got := engine.Status(); got != domain.StatusCancelled {
		t.Errorf("status right after cancel = %s, want %s", got, domain.StatusCancelled)
	}

	releaseChunk(t, sender)
	drainProgress(t, ch)

	result := engine.LastResult()
	if result.Stats.SuccessfulCount != 2 {
		t.Errorf("SuccessfulCount = %d, want 2 from the in-flight chunk", result.Stats.SuccessfulCount)
	}
	// Messages never attempted stay out of the totals.
	if result.Stats.TotalAttempted != 2 {
		t.Errorf("TotalAttempted = %d, want 2", result.Stats.TotalAttempted)
	}
	if got := sender.chunkCount(); got != 1 {
		t.Errorf("chunks dispatched = %d, want 1", got)
	}
	if got := engine.Status(); got != domain.StatusCancelled {
		t.Errorf("final status = %s, want %s", got, domain.StatusCancelled)
	}
}

func TestResetRejectedUntilRunFullyDrains(t *testing.T) {
	sender := newGatedSender(allSuccess)
	engine := newTestEngine(sender, config.DispatchConfig{ChunkSize: 2, WorkerCount: 1, ProgressBuffer: 64})
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(4)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	waitStarted(t, sender)

	if err := engine.ResetQueue(); !errors.Is(err, ErrBatchActive) {
		t.Errorf("ResetQueue while sending = %v, want ErrBatchActive", err)
	}

	if err := engine.CancelSending(); err != nil {
		t.Fatalf("CancelSending: %v", err)
	}
	// Status is already terminal, but the run still owns the queue until
	// its in-flight chunk drains.
	if err := engine.ResetQueue(); !errors.Is(err, ErrBatchActive) {
		t.Errorf("ResetQueue while draining = %v, want ErrBatchActive", err)
	}
	if _, err := engine.StartSending(context.Background(), testMessages(2)); !errors.Is(err, ErrBatchActive) {
		t.Errorf("StartSending while draining = %v, want ErrBatchActive", err)
	}

	releaseChunk(t, sender)
	drainProgress(t, ch)

	if err := engine.ResetQueue(); err != nil {
		t.Fatalf("ResetQueue after drain: %v", err)
	}
	if got := engine.Status(); got != domain.StatusIdle {
		t.Errorf("status after reset = %s, want %s", got, domain.StatusIdle)
	}
	if engine.LastResult() != nil {
		t.Error("LastResult should be cleared by reset")
	}
	if prog := engine.Progress(); prog.Status != domain.StatusIdle || prog.Total != 0 {
		t.Errorf("progress after reset = %+v, want idle/empty", prog)
	}
}

func TestRetryFailedMessagesMergesResults(t *testing.T) {
	sender := newScriptedSender(func(msg domain.Message) domain.SendResult {
		if msg.ClientID == "client-2" {
			return failureResult(msg.ClientID, msg.PhoneNumber, msg.Content, 429, "gateway error 429: rate limited")
		}
		return allSuccess(msg)
	})
	engine := newTestEngine(sender, testDispatchConfig())

	ch, cancelSub := engine.Subscribe()
	batchID, err := engine.StartSending(context.Background(), testMessages(2))
	if err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	drainProgress(t, ch)
	cancelSub()

	prev := engine.LastResult()
	if prev == nil || !prev.CanRetry || len(prev.RetryableMessages) != 1 {
		t.Fatalf("first run should leave one retryable failure, got %+v", prev)
	}

	sender.setOutcome(allSuccess)

	ch2, cancelSub2 := engine.Subscribe()
	defer cancelSub2()
	retryID, err := engine.RetryFailedMessages(context.Background(), prev)
	if err != nil {
		t.Fatalf("RetryFailedMessages: %v", err)
	}
	if retryID != batchID {
		t.Errorf("retry run id = %s, want the original batch id %s", retryID, batchID)
	}
	drainProgress(t, ch2)

	merged := engine.LastResult()
	if merged.BatchID != batchID {
		t.Errorf("merged batch id = %s, want %s", merged.BatchID, batchID)
	}
	if merged.Stats.SuccessfulCount != 2 || merged.Stats.FailedCount != 0 {
		t.Errorf("merged counts = %d successful / %d failed, want 2/0",
			merged.Stats.SuccessfulCount, merged.Stats.FailedCount)
	}
	if merged.Stats.TotalAttempted != 2 {
		t.Errorf("merged TotalAttempted = %d, want 2", merged.Stats.TotalAttempted)
	}
	if !almostEqual(merged.Stats.TotalCost, 0.32) {
		t.Errorf("merged TotalCost = %v, want 0.32", merged.Stats.TotalCost)
	}
	if merged.CanRetry {
		t.Error("merged CanRetry = true after full recovery, want false")
	}
}

func TestRetryRejectsWhenNothingRetryable(t *testing.T) {
	sender := newScriptedSender(allSuccess)
	engine := newTestEngine(sender, testDispatchConfig())

	if _, err := engine.RetryFailedMessages(context.Background(), nil); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("retry of nil result = %v, want ErrNothingToRetry", err)
	}
	if _, err := engine.RetryFailedMessages(context.Background(), &domain.BatchOperationResult{}); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("retry of non-retryable result = %v, want ErrNothingToRetry", err)
	}
	if _, err := engine.RetryFailedMessages(context.Background(), &domain.BatchOperationResult{CanRetry: true}); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("retry with no carried messages = %v, want ErrNothingToRetry", err)
	}
	if got := sender.chunkCount(); got != 0 {
		t.Errorf("sender dispatched %d chunks for rejected retries, want 0", got)
	}
}

func TestStopCancelsActiveRun(t *testing.T) {
	sender := newGatedSender(allSuccess)
	engine := newTestEngine(sender, config.DispatchConfig{ChunkSize: 2, WorkerCount: 1, ProgressBuffer: 64})
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(6)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	// Let the first chunk settle so Stop has something in flight to drain.
	waitStarted(t, sender)
	releaseChunk(t, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	drainProgress(t, ch)

	if got := engine.Status(); got != domain.StatusCancelled {
		t.Errorf("status after stop = %s, want %s", got, domain.StatusCancelled)
	}
	result := engine.LastResult()
	if result == nil || result.Stats.SuccessfulCount != 2 {
		t.Errorf("in-flight chunk should settle before stop finishes, got %+v", result)
	}
}

// End to end through the real gateway client: one recipient is rate limited
// twice and recovers, so the whole batch still lands successfully.
func TestEngineRecoversRateLimitedMessage(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		to := r.PostFormValue("to")
		mu.Lock()
		attempts[to]++
		n := attempts[to]
		mu.Unlock()

		if to == "+48600000003" && n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"count":1,"list":[{"id":"gw-%s","points":0.16,"number":"%s","date_sent":1718000000,"status":"QUEUE"}]}`, to, to)
	}))
	defer server.Close()

	retryCfg := config.RetryConfig{
		RateLimit:   config.RetryBucket{MaxAttempts: 5, BaseDelayMs: 1, UseExponentialBackoff: true, BackoffMultiplier: 2, MaxDelayMs: 5, ErrorCodes: []int{429}},
		ServerError: config.RetryBucket{MaxAttempts: 3, BaseDelayMs: 1, UseExponentialBackoff: true, BackoffMultiplier: 2, MaxDelayMs: 5},
		Overload:    config.RetryBucket{MaxAttempts: 3, BaseDelayMs: 1, ErrorCodes: []int{201, 202}},
		Default:     config.RetryBucket{MaxAttempts: 3, BaseDelayMs: 1},
	}
	client := gateway.NewClient(config.GatewayConfig{
		BaseURL:        server.URL,
		APIToken:       "test-token",
		Sender:         "IGNITE",
		TimeoutSeconds: 5,
	}, gateway.NewResolver(retryCfg), breaker.New(config.BreakerConfig{Enabled: false}), nil)

	engine := NewEngine(client, ratelimit.NewTokenBucket(0), config.DispatchConfig{
		ChunkSize: 10, WorkerCount: 2, ProgressBuffer: 64,
	}, "IGNITE")

	msgs := []domain.Message{
		{ClientID: "client-1", PhoneNumber: "+48600000001", Content: "First notice."},
		{ClientID: "client-2", PhoneNumber: "+48600000002", Content: "Second notice."},
		{ClientID: "client-3", PhoneNumber: "+48600000003", Content: "Third notice."},
	}

	ch, cancelSub := engine.Subscribe()
	defer cancelSub()
	if _, err := engine.StartSending(context.Background(), msgs); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	drainProgress(t, ch)

	result := engine.LastResult()
	if result == nil {
		t.Fatal("LastResult returned nil after completion")
	}
	if result.Stats.SuccessfulCount != 3 || result.Stats.FailedCount != 0 {
		t.Fatalf("counts = %d successful / %d failed, want 3/0; failures: %+v",
			result.Stats.SuccessfulCount, result.Stats.FailedCount, result.Failed)
	}
	if !almostEqual(result.Stats.TotalCost, 0.48) {
		t.Errorf("TotalCost = %v, want 0.48", result.Stats.TotalCost)
	}
	mu.Lock()
	rateLimited := attempts["+48600000003"]
	mu.Unlock()
	if rateLimited != 3 {
		t.Errorf("rate-limited recipient saw %d attempts, want 3", rateLimited)
	}
	if got := engine.Status(); got != domain.StatusCompleted {
		t.Errorf("status = %s, want %s", got, domain.StatusCompleted)
	}
}

func TestEngineReservesSlotsPerChunk(t *testing.T) {
	sender := newScriptedSender(allSuccess)
	limiter := &recordingLimiter{}
	engine := NewEngine(sender, limiter, testDispatchConfig(), "IGNITE")
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(25)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	drainProgress(t, ch)

	// 25 messages at chunk size 10 reserve 10, 10 and 5 slots.
	want := []int{10, 10, 5}
	got := limiter.reserved()
	if len(got) != len(want) {
		t.Fatalf("reservations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reservation %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEngineFailsWhenLimiterErrors(t *testing.T) {
	sender := newScriptedSender(allSuccess)
	limiter := &recordingLimiter{err: errors.New("redis: connection refused")}
	engine := NewEngine(sender, limiter, testDispatchConfig(), "IGNITE")
	ch, cancelSub := engine.Subscribe()
	defer cancelSub()

	if _, err := engine.StartSending(context.Background(), testMessages(5)); err != nil {
		t.Fatalf("StartSending: %v", err)
	}
	snaps := drainProgress(t, ch)

	if len(snaps) == 0 {
		t.Fatal("no progress snapshots received")
	}
	if last := snaps[len(snaps)-1]; last.Status != domain.StatusFailed {
		t.Errorf("final snapshot status = %s, want %s", last.Status, domain.StatusFailed)
	}
	if got := engine.Status(); got != domain.StatusFailed {
		t.Errorf("status = %s, want %s", got, domain.StatusFailed)
	}
	if got := sender.messagesSent(); got != 0 {
		t.Errorf("sender saw %d messages after limiter failure, want 0", got)
	}
}
