// Package audit persists send outcomes to PostgreSQL off the send path.
// Producers hand entries to a bounded queue and never block; a single
// background goroutine does the writing. When the queue is full the entry
// is dropped with a warning, because auditing must never slow a dispatch.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS sms_send_audit (
	id             BIGSERIAL PRIMARY KEY,
	client_id      TEXT NOT NULL,
	phone_number   TEXT NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	success        BOOLEAN NOT NULL,
	error_code     INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	cost           DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempted_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS sms_operation_audit (
	id            BIGSERIAL PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	stage         TEXT NOT NULL,
	error_message TEXT NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sms_send_audit_attempted_at ON sms_send_audit (attempted_at);
`

type operationEntry struct {
	batchID string
	stage   string
	message string
	at      time.Time
}

// entry carries exactly one of a send outcome or an operation failure.
type entry struct {
	result *domain.SendResult
	op     *operationEntry
}

// Recorder is the audit writer. A nil *Recorder is valid and ignores every
// call, which is how a deployment without a database runs.
type Recorder struct {
	db    *sql.DB
	queue chan entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	written int64
	dropped int64
}

// NewRecorder builds a recorder over db. It returns nil when auditing is
// disabled or no database is configured.
func NewRecorder(db *sql.DB, cfg config.AuditConfig) *Recorder {
	if db == nil || !cfg.Enabled {
		return nil
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 256
	}
	return &Recorder{
		db:    db,
		queue: make(chan entry, size),
	}
}

// Start creates the audit tables when missing and launches the writer
// goroutine. ctx bounds only the schema setup; stopping the writer is
// Stop's job.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("audit recorder already running")
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("preparing audit schema: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.loop(loopCtx)

	logger.Info("audit recorder started", "queue_size", cap(r.queue))
	return nil
}

// Stop halts the writer after flushing whatever is queued, bounded by ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record queues one send outcome. Never blocks; drops when saturated.
func (r *Recorder) Record(result domain.SendResult) {
	if r == nil {
		return
	}
	r.enqueue(entry{result: &result})
}

// RecordOperation queues an operation-level dispatch failure.
func (r *Recorder) RecordOperation(batchID, stage string, err error) {
	if r == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.enqueue(entry{op: &operationEntry{
		batchID: batchID,
		stage:   stage,
		message: msg,
		at:      time.Now(),
	}})
}

// Stats exposes writer counters for the metrics collector.
func (r *Recorder) Stats() map[string]int64 {
	if r == nil {
		return map[string]int64{"written": 0, "dropped": 0}
	}
	return map[string]int64{
		"written": atomic.LoadInt64(&r.written),
		"dropped": atomic.LoadInt64(&r.dropped),
	}
}

func (r *Recorder) enqueue(e entry) {
	select {
	case r.queue <- e:
	default:
		atomic.AddInt64(&r.dropped, 1)
		logger.Warn("audit queue full, dropping entry", "queue_size", cap(r.queue))
	}
}

// loop is the writer goroutine. ctx only signals shutdown; each write
// carries its own deadline so an entry pulled just before shutdown still
// lands.
func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case e := <-r.queue:
			r.writeTimed(e)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

// flush drains the queue after shutdown begins so accepted entries still
// land in the database.
func (r *Recorder) flush() {
	for {
		select {
		case e := <-r.queue:
			r.writeTimed(e)
		default:
			return
		}
	}
}

func (r *Recorder) writeTimed(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.write(ctx, e)
}

func (r *Recorder) write(ctx context.Context, e entry) {
	var err error
	switch {
	case e.result != nil:
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO sms_send_audit
				(client_id, phone_number, message_id, success, error_code, error_message, cost, attempted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.result.ClientID, e.result.PhoneNumber, e.result.MessageID, e.result.Success,
			e.result.ErrorCode, e.result.Error, e.result.Cost, e.result.Timestamp)
	case e.op != nil:
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO sms_operation_audit (batch_id, stage, error_message, failed_at)
			VALUES ($1, $2, $3, $4)
		`, e.op.batchID, e.op.stage, e.op.message, e.op.at)
	default:
		return
	}
	if err != nil {
		logger.Warn("audit write failed", "error", err.Error())
		return
	}
	atomic.AddInt64(&r.written, 1)
}
