package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/sms-dispatch/internal/breaker"
	"github.com/ignite/sms-dispatch/internal/dispatch"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/pkg/httputil"
)

// Handlers carries the dispatch engine and breaker behind the REST surface.
type Handlers struct {
	engine  *dispatch.Engine
	breaker *breaker.Breaker

	// baseCtx outlives any single request. A batch started over HTTP must
	// not die with the request that admitted it.
	baseCtx context.Context
}

// NewHandlers creates the handler set. baseCtx should be the process
// lifecycle context; nil falls back to context.Background().
func NewHandlers(baseCtx context.Context, engine *dispatch.Engine, cb *breaker.Breaker) *Handlers {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Handlers{
		engine:  engine,
		breaker: cb,
		baseCtx: baseCtx,
	}
}

// batchResponse is the envelope for accepted dispatch and control calls.
type batchResponse struct {
	BatchID string `json:"batch_id,omitempty"`
	Status  string `json:"status"`
}

// StartBatch admits a new batch dispatch. The body is the message array;
// sender identity and fast-mode come from gateway configuration.
//
//	POST /api/v1/batches
func (h *Handlers) StartBatch(w http.ResponseWriter, r *http.Request) {
	var messages []domain.Message
	if !httputil.Decode(w, r, &messages) {
		return
	}

	batchID, err := h.engine.StartSending(h.baseCtx, messages)
	switch {
	case errors.Is(err, dispatch.ErrEmptyBatch):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, dispatch.ErrBatchActive), errors.Is(err, dispatch.ErrDispatchLocked):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.Accepted(w, batchResponse{BatchID: batchID, Status: string(h.engine.Status())})
	}
}

// RetryBatch re-dispatches the retryable failures of the last finished
// batch. The merged outcome lands under the original batch ID.
//
//	POST /api/v1/batches/retry
func (h *Handlers) RetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := h.engine.RetryFailedMessages(h.baseCtx, h.engine.LastResult())
	switch {
	case errors.Is(err, dispatch.ErrNothingToRetry):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, dispatch.ErrBatchActive), errors.Is(err, dispatch.ErrDispatchLocked):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.Accepted(w, batchResponse{BatchID: batchID, Status: string(h.engine.Status())})
	}
}

// PauseBatch pauses the running batch at the next chunk boundary.
//
//	POST /api/v1/batches/current/pause
func (h *Handlers) PauseBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.PauseSending(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.OK(w, batchResponse{Status: string(h.engine.Status())})
}

// ResumeBatch resumes a paused batch.
//
//	POST /api/v1/batches/current/resume
func (h *Handlers) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResumeSending(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.OK(w, batchResponse{Status: string(h.engine.Status())})
}

// CancelBatch cancels the active batch. Messages already handed to workers
// finish and are counted; the rest are abandoned.
//
//	POST /api/v1/batches/current/cancel
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.CancelSending(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.OK(w, batchResponse{Status: string(h.engine.Status())})
}

// ResetQueue clears the queue and the last result.
//
//	POST /api/v1/batches/reset
func (h *Handlers) ResetQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetQueue(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.OK(w, batchResponse{Status: string(h.engine.Status())})
}

// GetProgress returns the current progress snapshot.
//
//	GET /api/v1/batches/current/progress
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.engine.Progress())
}

// GetLastResult returns the outcome of the last finished batch.
//
//	GET /api/v1/batches/last
func (h *Handlers) GetLastResult(w http.ResponseWriter, r *http.Request) {
	result := h.engine.LastResult()
	if result == nil {
		httputil.NotFound(w, "no batch has finished yet")
		return
	}
	httputil.OK(w, result)
}

// GetBreakerStats returns a snapshot of the circuit breaker.
//
//	GET /api/v1/breaker
func (h *Handlers) GetBreakerStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.breaker.Stats())
}

// ResetBreaker forces the breaker back to CLOSED.
//
//	POST /api/v1/breaker/reset
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.breaker.Reset()
	httputil.OK(w, h.breaker.Stats())
}
