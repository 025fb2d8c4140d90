// Package gateway implements the SMS provider client: one send per message,
// wrapped in the circuit breaker with bucket-based retry, plus the error
// catalog that classifies provider failures.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
)

const sendPath = "/sms.do"

// HTTPDoer is the interface for executing HTTP requests.
// *http.Client satisfies it; tests inject fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CircuitBreaker guards outbound calls. The process-wide *breaker.Breaker
// satisfies it; tests inject fakes.
type CircuitBreaker interface {
	Execute(ctx context.Context, label string, op func(context.Context) error) error
}

// AuditSink receives every send outcome. Implementations must not block;
// the client calls it fire-and-forget on the send path.
type AuditSink interface {
	Record(result domain.SendResult)
}

// Client sends messages through the provider's HTTP API. All outbound calls
// run inside the shared circuit breaker; failed calls are retried per the
// resolver's bucket policy before being surfaced as failed SendResults.
type Client struct {
	baseURL  string
	token    string
	sender   string
	fast     bool
	test     bool
	encoding string

	httpClient HTTPDoer
	breaker    CircuitBreaker
	resolver   *Resolver
	audit      AuditSink

	retries int64

	// sleep is overridable so retry tests don't wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a gateway client. sink may be nil when auditing is
// disabled.
func NewClient(cfg config.GatewayConfig, resolver *Resolver, cb CircuitBreaker, sink AuditSink) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		token:    cfg.APIToken,
		sender:   cfg.Sender,
		fast:     cfg.FastMode,
		test:     cfg.TestMode,
		encoding: cfg.Encoding,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
		breaker:  cb,
		resolver: resolver,
		audit:    sink,
		sleep:    sleepCtx,
	}
}

// Send dispatches one message and returns its settled outcome. Failures are
// folded into the SendResult; Send itself never fails the batch.
func (c *Client) Send(ctx context.Context, msg domain.Message) domain.SendResult {
	result := domain.SendResult{
		ClientID:    msg.ClientID,
		PhoneNumber: msg.PhoneNumber,
		Message:     msg.Content,
	}

	var entry *MessageEntry
	err := c.breaker.Execute(ctx, "sms send", func(ctx context.Context) error {
		var opErr error
		entry, opErr = c.sendWithRetry(ctx, msg)
		return opErr
	})

	result.Timestamp = time.Now()
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = CodeFrom(err)
		meta := MetaFor(result.ErrorCode)
		logger.Warn("message send failed",
			"client_id", msg.ClientID,
			"phone_number", msg.PhoneNumber,
			"error_code", result.ErrorCode,
			"severity", string(meta.Severity),
			"error", err.Error(),
		)
	} else {
		result.Success = true
		result.MessageID = entry.ID
		result.Cost = entry.Points
		logger.Debug("message sent",
			"client_id", msg.ClientID,
			"phone_number", msg.PhoneNumber,
			"message_id", entry.ID,
			"cost", fmt.Sprintf("%.2f", entry.Points),
		)
	}

	if c.audit != nil {
		c.audit.Record(result)
	}
	return result
}

// sendWithRetry runs the HTTP call until success, a non-retryable error, or
// the resolved bucket's attempts are exhausted. The backoff wait is
// context-aware.
func (c *Client) sendWithRetry(ctx context.Context, msg domain.Message) (*MessageEntry, error) {
	for attempt := 0; ; attempt++ {
		entry, err := c.post(ctx, msg)
		if err == nil {
			if entry.Status == StatusUndelivered {
				return nil, fmt.Errorf("sending to %s: %w", msg.PhoneNumber, ErrUndelivered)
			}
			return entry, nil
		}

		if !IsRetryable(err) {
			return nil, err
		}
		strategy := c.resolver.Resolve(err)
		if attempt+1 >= strategy.MaxAttempts {
			return nil, fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		atomic.AddInt64(&c.retries, 1)
		delay := strategy.Delay(attempt)
		logger.Debug("retrying send",
			"client_id", msg.ClientID,
			"attempt", attempt+1,
			"max_attempts", strategy.MaxAttempts,
			"strategy", strategy.Name,
			"delay_ms", delay.Milliseconds(),
			"error_code", CodeFrom(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Retries returns the lifetime count of retried send attempts.
func (c *Client) Retries() int64 {
	return atomic.LoadInt64(&c.retries)
}

// post performs a single form-encoded send call and decodes the outcome.
func (c *Client) post(ctx context.Context, msg domain.Message) (*MessageEntry, error) {
	form := url.Values{}
	form.Set("to", msg.PhoneNumber)
	form.Set("message", msg.Content)
	form.Set("from", c.sender)
	form.Set("format", "json")
	if c.fast {
		form.Set("fast", "1")
	} else {
		form.Set("fast", "0")
	}
	if c.test {
		form.Set("test", "1")
	}
	if msg.CustomID != "" {
		form.Set("idx", msg.CustomID)
	}
	if c.encoding != "" {
		form.Set("encoding", c.encoding)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	// The gateway reports API errors in the body regardless of HTTP status.
	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != 0 {
		return nil, &APIError{Code: apiErr.Error, Message: apiErr.Message, HTTPStatus: nonOKStatus(resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Code:       ClassifyHTTP(resp.StatusCode),
			Message:    strings.TrimSpace(string(body)),
			HTTPStatus: resp.StatusCode,
		}
	}

	var sendResp SendResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		return nil, fmt.Errorf("parsing send response: %w", err)
	}
	if len(sendResp.List) == 0 {
		return nil, fmt.Errorf("gateway returned an empty message list")
	}
	return &sendResp.List[0], nil
}

func nonOKStatus(status int) int {
	if status == http.StatusOK {
		return 0
	}
	return status
}

// SendBatchOptions tunes one SendBatch fan-out.
type SendBatchOptions struct {
	// Workers caps concurrent sends; values below 1 fall back to 5.
	Workers int
	// OnResult, when set, is invoked for every settled result. Calls come
	// from worker goroutines; the callback must be safe for concurrent use.
	OnResult func(result domain.SendResult)
}

// SendBatch fans messages out across a bounded worker pool and returns the
// settled results. When ctx is cancelled mid-batch, in-flight sends finish
// but unstarted messages are skipped and do not appear in the results.
func (c *Client) SendBatch(ctx context.Context, messages []domain.Message, opts SendBatchOptions) []domain.SendResult {
	workers := opts.Workers
	if workers < 1 {
		workers = 5
	}
	if workers > len(messages) {
		workers = len(messages)
	}

	jobs := make(chan domain.Message)
	results := make([]domain.SendResult, 0, len(messages))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				res := c.Send(ctx, msg)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				if opts.OnResult != nil {
					opts.OnResult(res)
				}
			}
		}()
	}

feed:
	for _, msg := range messages {
		select {
		case jobs <- msg:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
