package domain

// Message is a fully personalized SMS ready for dispatch. By the time a
// message reaches this struct, all template substitution and encoding
// checks are complete; the engine sends Content verbatim.
type Message struct {
	ClientID    string `json:"client_id"`
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
	CustomID    string `json:"custom_id,omitempty"`
}

// InvalidNumber records a message rejected before or during dispatch,
// e.g. a blank phone number or a number the gateway refused to accept.
type InvalidNumber struct {
	ClientID    string `json:"client_id"`
	PhoneNumber string `json:"phone_number"`
	Reason      string `json:"reason"`
}
