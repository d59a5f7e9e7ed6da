package model

import "time"

// CallType distinguishes scheduler-initiated fetches from caller-initiated
// ones so load can be attributed per §3.7.
type CallType string

// Call-type values.
const (
	CallTypeInternal CallType = "internal"
	CallTypeExternal CallType = "external"
)

// maxErrorMessageBytes bounds StatsOutcome.ErrorMessage per §3.5.
const maxErrorMessageBytes = 512

// StatsOutcome is recorded once per fetch attempt.
type StatsOutcome struct {
	SourceID     string     `json:"source_id"`
	StartedAt    time.Time  `json:"started_at"`
	DurationMS   int64      `json:"duration_ms"`
	Success      bool       `json:"success"`
	ItemCount    int        `json:"item_count"`
	CacheUsed    bool       `json:"cache_used"`
	ErrorKind    *ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	APICallType  CallType   `json:"api_call_type"`
}

// TruncatedErrorMessage returns msg truncated to the §3.5 byte budget.
func TruncatedErrorMessage(msg string) string {
	if len(msg) <= maxErrorMessageBytes {
		return msg
	}
	return msg[:maxErrorMessageBytes]
}
