package models

import (
	"encoding/json"
	"sync"
	"time"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// MethodAttempt records one transport method tried for a query.
type MethodAttempt struct {
	Method    string        `json:"method"`
	StartedAt time.Time     `json:"startedAt"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind ErrorKind     `json:"errorKind,omitempty"`
	Duration  time.Duration `json:"-"`
}

func (a MethodAttempt) DurationMs() int64 {
	return a.Duration.Milliseconds()
}

func (a MethodAttempt) MarshalJSON() ([]byte, error) {
	type attempt MethodAttempt
	return json.Marshal(struct {
		attempt
		DurationMs int64 `json:"durationMs"`
	}{attempt(a), a.DurationMs()})
}

// AttemptLog is an append-only list of attempts for one query.
type AttemptLog struct {
	mu       sync.Mutex
	attempts []MethodAttempt
}

func (l *AttemptLog) Append(attempt MethodAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
}

func (l *AttemptLog) Snapshot() []MethodAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MethodAttempt(nil), l.attempts...)
}

func (l *AttemptLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}
