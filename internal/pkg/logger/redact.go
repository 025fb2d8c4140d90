package logger

// RedactPhone masks a phone number for safe logging, keeping the dialing
// prefix and the last two digits: "+48601234567" → "+4860***67".
// Numbers too short to mask meaningfully are fully masked.
func RedactPhone(phone string) string {
	if len(phone) < 7 {
		return "***"
	}
	keep := 4
	if phone[0] == '+' {
		keep = 5
	}
	return phone[:keep] + "***" + phone[len(phone)-2:]
}
