package sandbox

import "time"

// Status classifies how an execution ended. It is a closed set:
// every execution resolves to exactly one of these values.
type Status int

const (
	// StatusSuccess means the script ran to completion.
	StatusSuccess Status = iota
	// StatusFailure covers interpreter errors, setup errors, and transport errors.
	StatusFailure
	// StatusBlocked means guardrail validation rejected the code or its output.
	StatusBlocked
	// StatusTimeout means the execution exceeded the hard deadline.
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusBlocked:
		return "blocked"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is the result of one sandbox execution.
type Outcome struct {
	Status   Status
	Output   string // combined stdout and stderr, setup markers stripped
	Err      error  // nil on success
	Duration time.Duration
	WorkerID string // remote sandbox name that ran the script
}
