package gateway

// Delivery statuses the gateway reports per message. Everything except
// UNDELIVERED counts as a successful send.
const (
	StatusQueue       = "QUEUE"
	StatusSent        = "SENT"
	StatusDelivered   = "DELIVERED"
	StatusUndelivered = "UNDELIVERED"
)

// SendResponse is the gateway's success payload.
type SendResponse struct {
	Count int            `json:"count"`
	List  []MessageEntry `json:"list"`
}

// MessageEntry is one accepted message inside a SendResponse. Points is the
// credit cost charged for the message (long messages bill per part).
type MessageEntry struct {
	ID       string  `json:"id"`
	Points   float64 `json:"points"`
	Number   string  `json:"number"`
	DateSent int64   `json:"date_sent"`
	Status   string  `json:"status"`
}

// ErrorResponse is the gateway's error payload. The gateway returns it with
// HTTP 200 as well as with error statuses, so the body has to be inspected
// before the status code is trusted.
type ErrorResponse struct {
	Error          int                  `json:"error"`
	Message        string               `json:"message"`
	InvalidNumbers []InvalidNumberEntry `json:"invalid_numbers,omitempty"`
}

// InvalidNumberEntry identifies a recipient the gateway refused to accept.
type InvalidNumberEntry struct {
	Number          string `json:"number"`
	SubmittedNumber string `json:"submitted_number"`
	Message         string `json:"message"`
}
