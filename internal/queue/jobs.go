package queue

import "time"

// Job asks the pool to generate a summary for a completed session.
type Job struct {
	SessionID   string
	Instruction string
	CreatedAt   time.Time
}
