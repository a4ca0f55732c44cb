package taskstore

const maxErrorMessageLen = 1024

// summarizeError bounds what lands in the error_message column; handler
// errors can embed arbitrarily large payload fragments.
func summarizeError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen]
}
