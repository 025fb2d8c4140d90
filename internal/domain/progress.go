package domain

import "time"

// SendStatus enumerates the lifecycle states of the dispatch queue.
type SendStatus string

const (
	StatusIdle      SendStatus = "idle"
	StatusPreparing SendStatus = "preparing"
	StatusSending   SendStatus = "sending"
	StatusPaused    SendStatus = "paused"
	StatusCompleted SendStatus = "completed"
	StatusCancelled SendStatus = "cancelled"
	StatusFailed    SendStatus = "failed"
)

// IsTerminal returns true if the queue is in a final state.
func (s SendStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Active returns true while a dispatch operation owns the queue.
func (s SendStatus) Active() bool {
	return s == StatusPreparing || s == StatusSending || s == StatusPaused
}

// SendProgress is a point-in-time view of an in-flight batch. The engine is
// the single writer; everyone else receives value snapshots.
type SendProgress struct {
	Status     SendStatus `json:"status"`
	Current    int        `json:"current"`
	Total      int        `json:"total"`
	Percentage float64    `json:"percentage"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	TotalCost  float64    `json:"total_cost"`
	StartTime  time.Time  `json:"start_time"`
	// CurrentMessage is the phone number most recently handed to a worker.
	CurrentMessage string `json:"current_message,omitempty"`
}
