package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/sms-dispatch/internal/breaker"
)

// Severity grades a gateway failure for operators and the audit log.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ErrUndelivered marks a message the gateway accepted but reported as not
// delivered. It is never retried automatically.
var ErrUndelivered = errors.New("message reported undelivered")

// CodeInvalidNumber is the gateway code for a malformed recipient number.
// The dispatch engine buckets these separately from ordinary failures.
const CodeInvalidNumber = 13

// ErrorMeta describes how one gateway error code should be handled.
// Recoverable means the operator can fix the condition and resend;
// Retryable means the send loop may retry automatically.
type ErrorMeta struct {
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Retryable   bool     `json:"retryable"`
	Suggestion  string   `json:"suggestion"`
}

// errorCatalog maps gateway error codes to handling metadata. Codes 401,
// 403 and raw HTTP statuses never appear here directly; ClassifyHTTP folds
// them onto catalog codes first.
var errorCatalog = map[int]ErrorMeta{
	8:   {SeverityMedium, true, false, "The request was malformed; review the message parameters."},
	11:  {SeverityMedium, true, false, "Message too long or not representable in the selected encoding."},
	13:  {SeverityMedium, true, false, "Recipient number is invalid; verify the international format."},
	14:  {SeverityHigh, true, false, "Sender name is not registered with the gateway; use an approved sender."},
	101: {SeverityCritical, false, false, "Authorization token is invalid or missing; update the gateway credentials."},
	102: {SeverityCritical, false, false, "Gateway rejected the account credentials."},
	103: {SeverityHigh, true, false, "Insufficient account credits; top up before resending."},
	104: {SeverityCritical, false, false, "The gateway account is suspended; contact the provider."},
	105: {SeverityHigh, true, false, "This host's IP address is not on the gateway whitelist."},
	110: {SeverityHigh, false, false, "Message content was rejected as prohibited."},
	201: {SeverityHigh, true, true, "Gateway internal queue is full; the send will be retried."},
	202: {SeverityHigh, true, true, "Too many messages queued for this recipient; the send will be retried."},
	429: {SeverityMedium, true, true, "Request rate exceeded; the send will be retried after a delay."},
}

// MetaFor returns the handling metadata for a gateway error code. The 5xx
// family shares one transient entry; unknown codes get a conservative
// non-retryable default.
func MetaFor(code int) ErrorMeta {
	if meta, ok := errorCatalog[code]; ok {
		return meta
	}
	if code >= 500 && code < 600 {
		return ErrorMeta{SeverityHigh, true, true, "Gateway server error; the send will be retried."}
	}
	return ErrorMeta{SeverityMedium, true, false, "Unrecognized gateway error; check the provider status page."}
}

// APIError is a classified gateway failure carrying the provider error code
// and, when the failure surfaced as a bare HTTP status, that status too.
type APIError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("gateway error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// ClassifyHTTP folds a bare HTTP status onto a catalog error code:
// 401 becomes the authorization code, 403 the IP-whitelist code, 429 stays
// the rate-limit code, and 5xx statuses keep their own value so the
// server-error bucket matches them.
func ClassifyHTTP(status int) int {
	switch {
	case status == http.StatusUnauthorized:
		return 101
	case status == http.StatusForbidden:
		return 105
	case status == http.StatusTooManyRequests:
		return 429
	case status >= 500:
		return status
	default:
		return status
	}
}

// CodeFrom extracts the gateway error code from an error chain, or 0 when
// the failure carries none (network errors, breaker rejections).
func CodeFrom(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsRetryable reports whether the send loop may retry after err.
// Breaker rejections and undelivered reports are final; classified gateway
// errors follow the catalog; anything else (network, timeout) is treated as
// transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, ErrUndelivered) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return MetaFor(apiErr.Code).Retryable
	}
	return true
}

// IsRetryableCode reports whether a recorded error code is retryable per
// the catalog. Code 0 (no classified code) is not.
func IsRetryableCode(code int) bool {
	if code == 0 {
		return false
	}
	return MetaFor(code).Retryable
}
