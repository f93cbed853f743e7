package app

import "time"

// Operation tracks the CLI command an App was created for. Its name tags
// every log line; Close logs the outcome and duration.
type Operation struct {
	Name       string
	Parameters string
	StartedAt  time.Time
	Status     string // "success" or "error"
}

// NewOperation creates a new in-memory operation record.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		Name:       name,
		Parameters: parameters,
		StartedAt:  now,
		Status:     "success",
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Elapsed returns the time since the operation started, truncated to milliseconds.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.StartedAt).Truncate(time.Millisecond)
}
